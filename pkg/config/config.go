package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/c2h5oh/datasize"
	"github.com/ovs-container-lab/mirror-provisioner/pkg/bfrt"
	"github.com/ovs-container-lab/mirror-provisioner/pkg/ovs"
	"github.com/ovs-container-lab/mirror-provisioner/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	BackendBfrt   = "bfrt"
	BackendOVS    = "ovs"
	BackendMemory = "memory"
)

const (
	EnvStateDir = "MIRROR_STATE_DIR"
	EnvSDE      = "SDE"
)

// Config is the provisioner configuration
type Config struct {
	// Backend selects the switch runtime: bfrt, ovs or memory
	Backend  string `yaml:"backend" toml:"backend"`
	StateDir string `yaml:"state_dir" toml:"state_dir"`
	// CompletionTimeout bounds the wait for the runtime to acknowledge pushes
	CompletionTimeout time.Duration   `yaml:"completion_timeout" toml:"completion_timeout"`
	Bfrt              bfrt.Config     `yaml:"bfrt" toml:"bfrt"`
	OVS               ovs.Config      `yaml:"ovs" toml:"ovs"`
	Sessions          []SessionConfig `yaml:"sessions" toml:"sessions"`
}

// SessionConfig overrides fields of the default mirror session. Unset
// fields keep their default.
type SessionConfig struct {
	SID             *uint16            `yaml:"sid" toml:"sid"`
	Direction       *types.Direction   `yaml:"direction" toml:"direction"`
	SessionEnable   *bool              `yaml:"session_enable" toml:"session_enable"`
	EgressPort      *uint16            `yaml:"ucast_egress_port" toml:"ucast_egress_port"`
	EgressPortValid *bool              `yaml:"ucast_egress_port_valid" toml:"ucast_egress_port_valid"`
	MaxPktLen       *datasize.ByteSize `yaml:"max_pkt_len" toml:"max_pkt_len"`
	PacketColor     *types.PacketColor `yaml:"packet_color" toml:"packet_color"`
}

// Session overlays the configured fields on types.DefaultSession
func (c SessionConfig) Session() types.MirrorSession {
	s := types.DefaultSession()
	if c.SID != nil {
		s.SessionID = *c.SID
	}
	if c.Direction != nil {
		s.Direction = *c.Direction
	}
	if c.SessionEnable != nil {
		s.Enabled = *c.SessionEnable
	}
	if c.EgressPort != nil {
		s.EgressPort = *c.EgressPort
	}
	if c.EgressPortValid != nil {
		s.EgressPortValid = *c.EgressPortValid
	}
	if c.MaxPktLen != nil {
		s.MaxPktLen = *c.MaxPktLen
	}
	if c.PacketColor != nil {
		s.PacketColor = types.PacketColor(strings.ToUpper(string(*c.PacketColor)))
	}
	return s
}

// DefaultConfig provisions the RDMA mirror session through bfrt
func DefaultConfig() *Config {
	return &Config{
		Backend:           BackendBfrt,
		StateDir:          "/var/lib/mirror-provisioner",
		CompletionTimeout: 30 * time.Second,
		OVS: ovs.Config{
			Bridge: "br-mirror",
		},
	}
}

// Load reads a YAML or TOML file, chosen by extension, over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML configuration: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	return cfg, nil
}

// ApplyEnv applies environment overrides
func (c *Config) ApplyEnv() {
	if dir := os.Getenv(EnvStateDir); dir != "" {
		c.StateDir = dir
	}
	if sde := os.Getenv(EnvSDE); sde != "" && c.Bfrt.SDE == "" {
		c.Bfrt.SDE = sde
	}
}

// MirrorSessions returns the configured sessions, or the default session
// when none are configured
func (c *Config) MirrorSessions() []types.MirrorSession {
	if len(c.Sessions) == 0 {
		return []types.MirrorSession{types.DefaultSession()}
	}
	sessions := make([]types.MirrorSession, 0, len(c.Sessions))
	for _, sc := range c.Sessions {
		sessions = append(sessions, sc.Session())
	}
	return sessions
}

// Validate checks the runtime settings and the configured sessions
func (c *Config) Validate() error {
	return errors.Join(c.ValidateRuntime(), ValidateSessions(c.MirrorSessions()))
}

// ValidateRuntime checks the backend and completion timeout
func (c *Config) ValidateRuntime() error {
	var errs []error

	switch c.Backend {
	case BackendBfrt, BackendOVS, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	if c.CompletionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("completion_timeout must be positive, got %s", c.CompletionTimeout))
	}

	return errors.Join(errs...)
}

// ValidateSessions checks every session and that no sid repeats
func ValidateSessions(sessions []types.MirrorSession) error {
	var errs []error

	seen := map[uint16]bool{}
	for i, s := range sessions {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("session %d: %w", i, err))
		}
		if seen[s.SessionID] {
			errs = append(errs, fmt.Errorf("session %d: %w: duplicate sid %d", i, types.ErrInvalidSession, s.SessionID))
		}
		seen[s.SessionID] = true
	}

	return errors.Join(errs...)
}
