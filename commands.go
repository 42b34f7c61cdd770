package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/ovs-container-lab/mirror-provisioner/pkg/bfrt"
	"github.com/ovs-container-lab/mirror-provisioner/pkg/config"
	"github.com/ovs-container-lab/mirror-provisioner/pkg/memtable"
	"github.com/ovs-container-lab/mirror-provisioner/pkg/ovs"
	"github.com/ovs-container-lab/mirror-provisioner/pkg/provisioner"
	"github.com/ovs-container-lab/mirror-provisioner/pkg/store"
	"github.com/ovs-container-lab/mirror-provisioner/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// loadConfig resolves the configuration: defaults, then file, then
// environment, then global flags
func loadConfig(cmd Cmd) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if cmd.ConfigPath != "" {
		loaded, err := config.Load(cmd.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	if cmd.Backend != "" {
		cfg.Backend = cmd.Backend
	}
	if cmd.StateDir != "" {
		cfg.StateDir = cmd.StateDir
	}
	return cfg, nil
}

// newRuntime builds and checks the runtime handle selected by cfg.Backend
func newRuntime(ctx context.Context, cfg *config.Config) (provisioner.Runtime, error) {
	switch cfg.Backend {
	case config.BackendBfrt:
		rt := bfrt.NewRuntime(cfg.Bfrt)
		if err := rt.Ping(); err != nil {
			return nil, err
		}
		return rt, nil
	case config.BackendOVS:
		client, err := ovs.NewClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create OVS client: %w", err)
		}
		rt := ovs.NewRuntime(client, cfg.OVS, cfg.CompletionTimeout)
		if err := rt.Prepare(ctx); err != nil {
			return nil, fmt.Errorf("OVS is not usable: %w", err)
		}
		return rt, nil
	case config.BackendMemory:
		logrus.Warn("Using the in-memory runtime, nothing reaches a switch")
		return memtable.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newProvisioner(ctx context.Context, cfg *config.Config) (*provisioner.Provisioner, error) {
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s, err := store.NewStore(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.GetLevel())
	logger.SetFormatter(logrus.StandardLogger().Formatter)

	return provisioner.New(rt,
		provisioner.WithStore(s),
		provisioner.WithLogger(logger),
		provisioner.WithCompletionTimeout(cfg.CompletionTimeout),
	), nil
}

type applyFlags struct {
	sid       uint16
	direction string
	port      uint16
	noPort    bool
	maxPktLen string
	color     string
	disable   bool
	dryRun    bool
}

func (f *applyFlags) register(flags *pflag.FlagSet) {
	flags.Uint16Var(&f.sid, "sid", types.RDMAMirrorSession, "Mirror session ID")
	flags.StringVar(&f.direction, "direction", string(types.DirectionBoth), "Mirrored traffic: INGRESS, EGRESS or BOTH")
	flags.Uint16Var(&f.port, "port", types.RDMAPort3, "Unicast egress port for mirrored copies")
	flags.BoolVar(&f.noPort, "no-port", false, "Leave the unicast egress port unset")
	flags.StringVar(&f.maxPktLen, "max-pkt-len", "", "Truncate mirrored copies to this size, e.g. 100B")
	flags.StringVar(&f.color, "color", "", "Packet color of mirrored copies: GREEN, YELLOW or RED")
	flags.BoolVar(&f.disable, "disable", false, "Install the session disabled")
	flags.BoolVar(&f.dryRun, "dry-run", false, "Print the bfrt script instead of pushing")
}

// session builds a single session from the defaults and the flags that were set
func (f *applyFlags) session(flags *pflag.FlagSet) (types.MirrorSession, bool, error) {
	s := types.DefaultSession()
	changed := false

	if flags.Changed("sid") {
		s.SessionID = f.sid
		changed = true
	}
	if flags.Changed("direction") {
		d, err := types.ParseDirection(f.direction)
		if err != nil {
			return s, false, err
		}
		s.Direction = d
		changed = true
	}
	if flags.Changed("port") {
		s.EgressPort = f.port
		changed = true
	}
	if f.noPort {
		s.EgressPortValid = false
		changed = true
	}
	if flags.Changed("max-pkt-len") {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(f.maxPktLen)); err != nil {
			return s, false, fmt.Errorf("invalid --max-pkt-len %q: %w", f.maxPktLen, err)
		}
		s.MaxPktLen = size
		changed = true
	}
	if flags.Changed("color") {
		s.PacketColor = types.PacketColor(strings.ToUpper(f.color))
		changed = true
	}
	if f.disable {
		s.Enabled = false
		changed = true
	}

	return s, changed, nil
}

func newApplyCmd() *cobra.Command {
	var f applyFlags

	c := &cobra.Command{
		Use:   "apply",
		Short: "Push the configured mirror sessions and wait for completion",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			sessions := cfg.MirrorSessions()
			if s, changed, err := f.session(c.Flags()); err != nil {
				return err
			} else if changed {
				sessions = []types.MirrorSession{s}
			}

			if err := config.ValidateSessions(sessions); err != nil {
				return err
			}

			if f.dryRun {
				return dryRun(c.OutOrStdout(), sessions)
			}

			if err := cfg.ValidateRuntime(); err != nil {
				return err
			}

			p, err := newProvisioner(c.Context(), cfg)
			if err != nil {
				return err
			}
			_, err = p.ProvisionAll(c.Context(), sessions)
			return err
		},
	}

	f.register(c.Flags())
	return c
}

// dryRun validates sessions, pushes them into an in-memory table and prints
// the bfrt script that would be run
func dryRun(w io.Writer, sessions []types.MirrorSession) error {
	table := memtable.New()
	if _, err := provisioner.New(table).ProvisionAll(context.Background(), sessions); err != nil {
		return err
	}

	script, err := bfrt.RenderPush(table.Entries()...)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, script)
	return err
}

func parseSID(arg string) (uint16, error) {
	sid, err := strconv.ParseUint(arg, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q: %w", arg, err)
	}
	return uint16(sid), nil
}

func newShowCmd() *cobra.Command {
	var local bool

	c := &cobra.Command{
		Use:   "show [sid]",
		Short: "Show a mirror session as installed on the switch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(c.OutOrStdout())
			enc.SetIndent("", "  ")

			if local {
				sessions, err := store.ReadSessions(cfg.StateDir)
				if err != nil {
					return err
				}
				return enc.Encode(sessions)
			}

			sid := uint16(types.RDMAMirrorSession)
			if len(args) == 1 {
				if sid, err = parseSID(args[0]); err != nil {
					return err
				}
			}

			p, err := newProvisioner(c.Context(), cfg)
			if err != nil {
				return err
			}
			entry, err := p.Show(c.Context(), sid)
			if err != nil {
				return err
			}
			return enc.Encode(entry)
		},
	}

	c.Flags().BoolVar(&local, "local", false, "List sessions recorded in the state directory instead")
	return c
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <sid>",
		Short: "Delete a mirror session from the switch",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			sid, err := parseSID(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			p, err := newProvisioner(c.Context(), cfg)
			if err != nil {
				return err
			}
			return p.Remove(c.Context(), sid)
		},
	}
}
