package ovs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// fakeVsctl answers the ovs-vsctl invocations the client makes from an
// in-memory bridge/mirror model
type fakeVsctl struct {
	mu      sync.Mutex
	bridges map[string][]string // bridge -> mirror names
	mirrors map[string]map[string]string
	snaplen map[string]string
	calls   [][]string
	// hideFor makes ListMirrors miss freshly created mirrors this many times
	hideFor int
	failOn  string
}

func newFakeVsctl(bridges ...string) *fakeVsctl {
	f := &fakeVsctl{
		bridges: map[string][]string{},
		mirrors: map[string]map[string]string{},
		snaplen: map[string]string{},
	}
	for _, b := range bridges {
		f.bridges[b] = nil
	}
	return f
}

func (f *fakeVsctl) client() *Client {
	c, _ := NewClient()
	c.run = f.run
	return c
}

func (f *fakeVsctl) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeVsctl) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if name != "ovs-vsctl" {
		return nil, fmt.Errorf("unexpected binary %s", name)
	}
	f.calls = append(f.calls, args)
	joined := strings.Join(args, " ")
	if f.failOn != "" && strings.Contains(joined, f.failOn) {
		return []byte("ovs-vsctl: transaction error"), errors.New("exit status 1")
	}

	switch {
	case joined == "--version":
		return []byte("ovs-vsctl (Open vSwitch) 3.1.0\n"), nil
	case joined == "list-br":
		var names []string
		for b := range f.bridges {
			names = append(names, b)
		}
		sort.Strings(names)
		return []byte(strings.Join(names, "\n") + "\n"), nil
	case len(args) == 2 && args[0] == "br-exists":
		if _, ok := f.bridges[args[1]]; ok {
			return nil, nil
		}
		return nil, errors.New("exit status 2")
	case len(args) == 2 && args[0] == "add-br":
		f.bridges[args[1]] = nil
		return nil, nil
	case len(args) == 4 && args[0] == "get" && args[1] == "bridge" && args[3] == "mirrors":
		return f.listMirrors(args[2])
	case len(args) == 4 && args[0] == "get" && args[1] == "mirror" && args[3] == "name":
		return []byte(`"` + strings.TrimPrefix(args[2], "uuid-") + `"`), nil
	case len(args) == 5 && args[0] == "--if-exists" && args[1] == "get" && args[4] == "external_ids":
		ids, ok := f.mirrors[args[3]]
		if !ok {
			return nil, nil
		}
		return []byte(formatMap(ids)), nil
	case len(args) == 4 && args[0] == "get" && args[1] == "mirror" && args[3] == "snaplen":
		if v, ok := f.snaplen[args[2]]; ok {
			return []byte(v), nil
		}
		return []byte("[]"), nil
	case len(args) == 6 && args[0] == "--if-exists" && args[1] == "remove":
		f.removeMirror(args[3], args[5])
		return nil, nil
	case strings.Contains(joined, "create mirror"):
		return nil, f.transact(args)
	}

	return nil, fmt.Errorf("unhandled ovs-vsctl %s", joined)
}

func (f *fakeVsctl) listMirrors(bridge string) ([]byte, error) {
	names, ok := f.bridges[bridge]
	if !ok {
		return []byte("ovs-vsctl: no row \"" + bridge + "\" in table Bridge"), errors.New("exit status 1")
	}
	if f.hideFor > 0 {
		f.hideFor--
		return []byte("[]"), nil
	}
	uuids := make([]string, 0, len(names))
	for _, n := range names {
		uuids = append(uuids, "uuid-"+n)
	}
	return []byte("[" + strings.Join(uuids, ", ") + "]"), nil
}

func (f *fakeVsctl) removeMirror(bridge, name string) {
	kept := f.bridges[bridge][:0]
	for _, n := range f.bridges[bridge] {
		if n != name {
			kept = append(kept, n)
		}
	}
	f.bridges[bridge] = kept
	delete(f.mirrors, name)
	delete(f.snaplen, name)
}

// transact applies a "-- ..." separated command list
func (f *fakeVsctl) transact(args []string) error {
	var cmds [][]string
	for _, a := range args {
		if a == "--" {
			cmds = append(cmds, nil)
			continue
		}
		cmds[len(cmds)-1] = append(cmds[len(cmds)-1], a)
	}

	var name, bridge string
	ids := map[string]string{}
	snap := ""
	for _, c := range cmds {
		switch {
		case len(c) == 5 && c[0] == "remove":
			f.removeMirror(c[2], c[4])
		case len(c) > 3 && c[1] == "create":
			for _, kv := range c[3:] {
				switch {
				case strings.HasPrefix(kv, "name="):
					name = strings.TrimPrefix(kv, "name=")
				case strings.HasPrefix(kv, "snaplen="):
					snap = strings.TrimPrefix(kv, "snaplen=")
				case strings.HasPrefix(kv, "external_ids:"):
					parts := strings.SplitN(strings.TrimPrefix(kv, "external_ids:"), "=", 2)
					ids[parts[0]] = parts[1]
				}
			}
		case len(c) == 5 && c[0] == "add":
			bridge = c[2]
		}
	}

	if _, ok := f.bridges[bridge]; !ok {
		return errors.New("no such bridge")
	}
	for _, n := range f.bridges[bridge] {
		if n == name {
			return fmt.Errorf("duplicate mirror %s", name)
		}
	}
	f.bridges[bridge] = append(f.bridges[bridge], name)
	f.mirrors[name] = ids
	if snap != "" {
		f.snaplen[name] = snap
	}
	return nil
}

func formatMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, m[k]))
	}
	return "{" + strings.Join(pairs, ", ") + "}"
}
