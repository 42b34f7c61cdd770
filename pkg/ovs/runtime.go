package ovs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ovs-container-lab/mirror-provisioner/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// external_ids keys carrying the session attributes OVS has no column for
const (
	keySID             = "mirror_sid"
	keyDirection       = "mirror_direction"
	keyEnable          = "mirror_session_enable"
	keyEgressPort      = "mirror_egress_port"
	keyEgressPortValid = "mirror_egress_port_valid"
	keyPacketColor     = "mirror_packet_color"
)

// minSnaplen is the smallest snaplen the OVSDB schema accepts
const minSnaplen = 14

// Config selects the bridge and ports a session mirrors
type Config struct {
	Bridge string `yaml:"bridge" toml:"bridge"`
	// SourcePorts limits mirroring to these bridge ports; all ports when empty
	SourcePorts  []string `yaml:"source_ports" toml:"source_ports"`
	CreateBridge bool     `yaml:"create_bridge" toml:"create_bridge"`
}

// MirrorName is the OVS mirror name used for a session
func MirrorName(sid uint16) string {
	return fmt.Sprintf("mirror-%d", sid)
}

// linkNameByIndex resolves a device port index to its interface name
func linkNameByIndex(index int) (string, error) {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return "", err
	}
	return link.Attrs().Name, nil
}

// Runtime maps mirror table entries onto OVS Mirror rows
type Runtime struct {
	client     *Client
	cfg        Config
	logger     *logrus.Logger
	resolve    func(index int) (string, error)
	newBackOff func() backoff.BackOff
	timeout    time.Duration

	mu sync.Mutex
	// pending maps a mirror name to whether it should exist after completion
	pending map[string]bool
}

// NewRuntime creates an OVS runtime. timeout bounds CompleteOperations.
func NewRuntime(client *Client, cfg Config, timeout time.Duration) *Runtime {
	logger := logrus.New()
	logger.SetLevel(logrus.GetLevel())

	if cfg.Bridge == "" {
		cfg.Bridge = "br-mirror"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Runtime{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		resolve: linkNameByIndex,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		timeout: timeout,
		pending: make(map[string]bool),
	}
}

func (r *Runtime) Name() string {
	return "ovs"
}

// Prepare verifies OVS is reachable and the bridge exists
func (r *Runtime) Prepare(ctx context.Context) error {
	if err := r.client.Ping(ctx); err != nil {
		return err
	}

	if r.cfg.CreateBridge {
		return r.client.EnsureBridge(ctx, r.cfg.Bridge)
	}

	bridges, err := r.client.ListBridges(ctx)
	if err != nil {
		return err
	}
	for _, br := range bridges {
		if br == r.cfg.Bridge {
			return nil
		}
	}
	return fmt.Errorf("bridge %s does not exist", r.cfg.Bridge)
}

// mirrorFor builds the OVS mirror for entry
func (r *Runtime) mirrorFor(entry types.MirrorEntry) (Mirror, error) {
	if entry.MaxPktLen > 0 && entry.MaxPktLen < minSnaplen {
		return Mirror{}, fmt.Errorf("%w: max_pkt_len %d is below the OVS snaplen minimum of %d",
			types.ErrInvalidSession, entry.MaxPktLen, minSnaplen)
	}

	m := Mirror{
		Name:    MirrorName(entry.SID),
		Snaplen: entry.MaxPktLen,
		ExternalIDs: map[string]string{
			keySID:             strconv.Itoa(int(entry.SID)),
			keyDirection:       entry.Direction.String(),
			keyEnable:          strconv.FormatBool(entry.SessionEnable),
			keyEgressPort:      strconv.Itoa(int(entry.UcastEgressPort)),
			keyEgressPortValid: strconv.Itoa(entry.UcastEgressPortValid),
		},
	}
	if entry.PacketColor != "" {
		m.ExternalIDs[keyPacketColor] = string(entry.PacketColor)
	}

	if len(r.cfg.SourcePorts) == 0 {
		m.SelectAll = true
	} else {
		if entry.Direction.Ingress() {
			m.SrcPorts = r.cfg.SourcePorts
		}
		if entry.Direction.Egress() {
			m.DstPorts = r.cfg.SourcePorts
		}
	}

	if entry.UcastEgressPortValid != 0 {
		name, err := r.resolve(int(entry.UcastEgressPort))
		if err != nil {
			return Mirror{}, fmt.Errorf("egress port %d does not exist: %w", entry.UcastEgressPort, err)
		}
		// A disabled session keeps its row but has nowhere to send copies
		if entry.SessionEnable {
			m.OutputPort = name
		}
	}

	return m, nil
}

// Push creates the mirror, replacing an existing one of the same session
func (r *Runtime) Push(ctx context.Context, entry types.MirrorEntry) error {
	m, err := r.mirrorFor(entry)
	if err != nil {
		return err
	}

	existing, err := r.client.GetMirror(ctx, m.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		r.logger.Debugf("Replacing mirror %s", m.Name)
	}

	if err := r.client.CreateMirror(ctx, r.cfg.Bridge, m, existing != nil); err != nil {
		return err
	}

	r.mu.Lock()
	r.pending[m.Name] = true
	r.mu.Unlock()
	return nil
}

// Delete removes the session's mirror from the bridge
func (r *Runtime) Delete(ctx context.Context, sid uint16) error {
	name := MirrorName(sid)
	existing, err := r.client.GetMirror(ctx, name)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: sid %d", types.ErrSessionNotFound, sid)
	}

	if err := r.client.DeleteMirror(ctx, r.cfg.Bridge, name); err != nil {
		return err
	}

	r.mu.Lock()
	r.pending[name] = false
	r.mu.Unlock()
	return nil
}

// CompleteOperations polls the bridge until every pushed mirror is attached
// and every deleted one is gone
func (r *Runtime) CompleteOperations(ctx context.Context) error {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]bool)
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		mirrors, err := r.client.ListMirrors(ctx, r.cfg.Bridge)
		if err != nil {
			return struct{}{}, err
		}
		present := make(map[string]bool, len(mirrors))
		for _, m := range mirrors {
			present[m] = true
		}

		var waiting []string
		for name, want := range pending {
			if present[name] != want {
				waiting = append(waiting, name)
			}
		}
		if len(waiting) > 0 {
			sort.Strings(waiting)
			return struct{}{}, fmt.Errorf("mirrors not yet applied: %s", strings.Join(waiting, ", "))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxElapsedTime(r.timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Debugf("%v, retrying in %s", err, next)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed waiting for bridge %s: %w", r.cfg.Bridge, err)
	}

	r.logger.Infof("Completed %d OVS mirror operations", len(pending))
	return nil
}

// Get rebuilds the table entry from the mirror's external_ids
func (r *Runtime) Get(ctx context.Context, sid uint16) (*types.MirrorEntry, error) {
	info, err := r.client.GetMirror(ctx, MirrorName(sid))
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("%w: sid %d", types.ErrSessionNotFound, sid)
	}

	return entryFromMirror(sid, info)
}

func entryFromMirror(sid uint16, info *MirrorInfo) (*types.MirrorEntry, error) {
	ids := info.ExternalIDs

	direction, err := types.ParseDirection(ids[keyDirection])
	if err != nil {
		return nil, fmt.Errorf("mirror %s was not created by this tool: %w", info.Name, err)
	}

	entry := &types.MirrorEntry{
		Action:        types.ActionNormal,
		SID:           sid,
		Direction:     direction,
		SessionEnable: ids[keyEnable] == "true",
		MaxPktLen:     info.Snaplen,
		PacketColor:   types.PacketColor(ids[keyPacketColor]),
	}

	if ids[keyEgressPortValid] == "1" {
		port, err := strconv.ParseUint(ids[keyEgressPort], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("mirror %s has invalid egress port %q: %w", info.Name, ids[keyEgressPort], err)
		}
		entry.UcastEgressPort = uint16(port)
		entry.UcastEgressPortValid = 1
	}

	return entry, nil
}
