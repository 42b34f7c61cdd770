package bfrt

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/ovs-container-lab/mirror-provisioner/pkg/types"
)

// doneMarker is printed as the last line of every generated script. The
// vendor shell exits zero even when the script raises, so its absence is
// how a failed run is detected.
const doneMarker = "MIRROR_PROVISIONER_DONE"

// entryMarker prefixes the JSON line printed by the read script
const entryMarker = "MIRROR_ENTRY "

type opKind int

const (
	opPush opKind = iota
	opDelete
)

type op struct {
	Kind  opKind
	Entry types.MirrorEntry
}

func (o op) IsDelete() bool {
	return o.Kind == opDelete
}

var funcs = template.FuncMap{
	"pybool": func(b bool) string {
		if b {
			return "True"
		}
		return "False"
	},
}

var applyTemplate = template.Must(template.New("apply").Funcs(funcs).Parse(`# Generated by mirror-provisioner
mirror_cfg = bfrt.mirror.cfg
{{range .}}{{if .IsDelete}}
mirror_cfg.delete(sid={{.Entry.SID}})
{{else}}
mirror_cfg.entry_with_{{.Entry.Action}}(
    sid={{.Entry.SID}},
    direction="{{.Entry.Direction}}",
    session_enable={{pybool .Entry.SessionEnable}},
    ucast_egress_port={{.Entry.UcastEgressPort}},
    ucast_egress_port_valid={{.Entry.UcastEgressPortValid}},
{{- if .Entry.MaxPktLen}}
    max_pkt_len={{.Entry.MaxPktLen}},
{{- end}}
{{- if .Entry.PacketColor}}
    packet_color="{{.Entry.PacketColor}}",
{{- end}}
).push()
{{end}}{{end}}
bfrt.complete_operations()
print("` + doneMarker + `")
`))

var getTemplate = template.Must(template.New("get").Parse(`# Generated by mirror-provisioner
import json

def _s(v):
    if isinstance(v, bytes):
        return v.decode()
    return str(v)

try:
    entry = bfrt.mirror.cfg.get(sid={{.}}, print_ent=False, return_ent=True)
except Exception:
    entry = None

if entry is None:
    print("` + entryMarker + `null")
else:
    d = {_s(k): v for k, v in entry.data.items()}
    print("` + entryMarker + `" + json.dumps({
        "action": _s(entry.action).lstrip("$"),
        "sid": {{.}},
        "direction": _s(d.get("direction", "")),
        "session_enable": bool(d.get("session_enable", False)),
        "ucast_egress_port": int(d.get("ucast_egress_port", 0)),
        "ucast_egress_port_valid": int(bool(d.get("ucast_egress_port_valid", False))),
        "max_pkt_len": int(d.get("max_pkt_len", 0)),
        "packet_color": _s(d.get("packet_color", "")),
    }))
print("` + doneMarker + `")
`))

func render(ops []op) (string, error) {
	var buf bytes.Buffer
	if err := applyTemplate.Execute(&buf, ops); err != nil {
		return "", fmt.Errorf("failed to render bfrt script: %w", err)
	}
	return buf.String(), nil
}

// RenderPush returns the script that pushes entries and waits for completion
func RenderPush(entries ...types.MirrorEntry) (string, error) {
	ops := make([]op, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, op{Kind: opPush, Entry: e})
	}
	return render(ops)
}

func renderGet(sid uint16) (string, error) {
	var buf bytes.Buffer
	if err := getTemplate.Execute(&buf, sid); err != nil {
		return "", fmt.Errorf("failed to render bfrt read script: %w", err)
	}
	return buf.String(), nil
}
