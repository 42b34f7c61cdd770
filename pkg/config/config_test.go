package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/ovs-container-lab/mirror-provisioner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendBfrt, cfg.Backend)
	assert.Equal(t, []types.MirrorSession{types.DefaultSession()}, cfg.MirrorSessions())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "mirror.yaml", `
backend: ovs
state_dir: /tmp/mirror-state
completion_timeout: 5s
ovs:
  bridge: br-rdma
  source_ports: [rdma1, rdma2]
sessions:
  - sid: 100
  - sid: 101
    direction: ingress
    ucast_egress_port: 60
    max_pkt_len: 100B
    packet_color: green
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendOVS, cfg.Backend)
	assert.Equal(t, "/tmp/mirror-state", cfg.StateDir)
	assert.Equal(t, 5*time.Second, cfg.CompletionTimeout)
	assert.Equal(t, "br-rdma", cfg.OVS.Bridge)
	assert.Equal(t, []string{"rdma1", "rdma2"}, cfg.OVS.SourcePorts)

	sessions := cfg.MirrorSessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, types.DefaultSession(), sessions[0])

	second := types.DefaultSession()
	second.SessionID = 101
	second.Direction = types.DirectionIngress
	second.EgressPort = types.RDMAPort2
	second.MaxPktLen = 100 * datasize.B
	second.PacketColor = types.ColorGreen
	assert.Equal(t, second, sessions[1])
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "mirror.toml", `
backend = "bfrt"
completion_timeout = "10s"

[bfrt]
sde = "/opt/bf-sde-9.13.0"

[[sessions]]
sid = 100
session_enable = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*time.Second, cfg.CompletionTimeout)
	assert.Equal(t, "/opt/bf-sde-9.13.0/run_bfshell.sh", cfg.Bfrt.ShellPath())

	sessions := cfg.MirrorSessions()
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Enabled)
	assert.Equal(t, types.RDMAPort3, sessions[0].EgressPort)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "mirror.json", `{}`))
	assert.ErrorContains(t, err, "unsupported config format")

	_, err = Load(writeFile(t, "bad.yaml", "sessions:\n  - direction: sideways\n"))
	assert.ErrorIs(t, err, types.ErrUnknownDirection)
}

func TestValidate(t *testing.T) {
	sid := uint16(100)
	badSID := uint16(0)

	testCases := []struct {
		name   string
		mutate func(*Config)
		msg    string
	}{
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "p4runtime" }, msg: "unknown backend"},
		{name: "zero timeout", mutate: func(c *Config) { c.CompletionTimeout = 0 }, msg: "completion_timeout"},
		{name: "duplicate sid", mutate: func(c *Config) {
			c.Sessions = []SessionConfig{{SID: &sid}, {SID: &sid}}
		}, msg: "duplicate sid 100"},
		{name: "invalid session", mutate: func(c *Config) {
			c.Sessions = []SessionConfig{{SID: &badSID}}
		}, msg: "sid 0 out of range"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.msg)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvStateDir, "/run/mirror")
	t.Setenv(EnvSDE, "/opt/sde")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, "/run/mirror", cfg.StateDir)
	assert.Equal(t, "/opt/sde", cfg.Bfrt.SDE)

	cfg = DefaultConfig()
	cfg.Bfrt.SDE = "/from/config"
	cfg.ApplyEnv()
	assert.Equal(t, "/from/config", cfg.Bfrt.SDE)
}

func TestValidateSplit(t *testing.T) {
	badSID := uint16(0)
	cfg := DefaultConfig()
	cfg.Sessions = []SessionConfig{{SID: &badSID}}

	assert.NoError(t, cfg.ValidateRuntime())
	assert.ErrorIs(t, cfg.Validate(), types.ErrInvalidSession)

	s := types.DefaultSession()
	s.SessionID = 5
	assert.NoError(t, ValidateSessions([]types.MirrorSession{s}))
	assert.ErrorContains(t, ValidateSessions([]types.MirrorSession{s, s}), "duplicate sid 5")

	cfg.Backend = "p4runtime"
	assert.ErrorContains(t, cfg.ValidateRuntime(), "unknown backend")
}
