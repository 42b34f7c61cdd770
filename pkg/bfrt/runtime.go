package bfrt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ovs-container-lab/mirror-provisioner/pkg/types"
	"github.com/sirupsen/logrus"
)

// Config describes how to reach the vendor control-plane shell
type Config struct {
	// Shell is the bfshell launcher, typically $SDE/run_bfshell.sh
	Shell string `yaml:"shell" toml:"shell"`
	// SDE is the SDE install root, used when Shell is empty
	SDE string `yaml:"sde" toml:"sde"`
	// WorkDir receives the generated scripts; the system temp dir when empty
	WorkDir string `yaml:"work_dir" toml:"work_dir"`
}

// ShellPath resolves the launcher from Shell or SDE
func (c Config) ShellPath() string {
	if c.Shell != "" {
		return c.Shell
	}
	if c.SDE != "" {
		return filepath.Join(c.SDE, "run_bfshell.sh")
	}
	return "run_bfshell.sh"
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Runtime drives bfrt.mirror.cfg by running generated scripts through bfshell.
// Pushes are queued and sent as one script by CompleteOperations.
type Runtime struct {
	shell   string
	workDir string
	logger  *logrus.Logger
	run     runFunc

	mu      sync.Mutex
	pending []op
}

// NewRuntime creates a bfrt runtime
func NewRuntime(cfg Config) *Runtime {
	logger := logrus.New()
	logger.SetLevel(logrus.GetLevel())

	return &Runtime{
		shell:   cfg.ShellPath(),
		workDir: cfg.WorkDir,
		logger:  logger,
		run:     execRun,
	}
}

func (r *Runtime) Name() string {
	return "bfrt"
}

// Ping verifies that the shell launcher is present
func (r *Runtime) Ping() error {
	if _, err := exec.LookPath(r.shell); err != nil {
		return fmt.Errorf("bfshell not accessible at %s: %w", r.shell, err)
	}
	return nil
}

// Push queues a create-or-overwrite of entry
func (r *Runtime) Push(ctx context.Context, entry types.MirrorEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, op{Kind: opPush, Entry: entry})
	r.logger.Debugf("Queued push of mirror session %d", entry.SID)
	return nil
}

// Delete queues removal of a session
func (r *Runtime) Delete(ctx context.Context, sid uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, op{Kind: opDelete, Entry: types.MirrorEntry{SID: sid}})
	r.logger.Debugf("Queued delete of mirror session %d", sid)
	return nil
}

// CompleteOperations runs every queued operation followed by
// bfrt.complete_operations() and returns once the shell exits
func (r *Runtime) CompleteOperations(ctx context.Context) error {
	r.mu.Lock()
	ops := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(ops) == 0 {
		r.logger.Debug("No pending bfrt operations")
		return nil
	}

	script, err := render(ops)
	if err != nil {
		return err
	}

	if _, err := r.execScript(ctx, script); err != nil {
		return err
	}

	r.logger.Infof("Completed %d bfrt operations", len(ops))
	return nil
}

// Get reads a session back from bfrt.mirror.cfg
func (r *Runtime) Get(ctx context.Context, sid uint16) (*types.MirrorEntry, error) {
	script, err := renderGet(sid)
	if err != nil {
		return nil, err
	}

	output, err := r.execScript(ctx, script)
	if err != nil {
		return nil, err
	}

	return parseEntry(output, sid)
}

// execScript writes script to a temp file and runs it with bfshell -b
func (r *Runtime) execScript(ctx context.Context, script string) ([]byte, error) {
	f, err := os.CreateTemp(r.workDir, "mirror-*.py")
	if err != nil {
		return nil, fmt.Errorf("failed to create bfrt script: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(script); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write bfrt script: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write bfrt script: %w", err)
	}

	r.logger.Debugf("Executing: %s -b %s", r.shell, f.Name())
	output, err := r.run(ctx, r.shell, "-b", f.Name())
	if err != nil {
		return nil, fmt.Errorf("bfshell failed: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	if !completed(output) {
		return nil, fmt.Errorf("bfrt script did not complete (output: %s)", strings.TrimSpace(string(output)))
	}

	return output, nil
}

// completed looks for the marker as printed output, not as echoed source
func completed(output []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == doneMarker || strings.HasSuffix(line, " "+doneMarker) {
			return true
		}
	}
	return false
}

func parseEntry(output []byte, sid uint16) (*types.MirrorEntry, error) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		idx := strings.Index(line, entryMarker)
		// Skip echoed source, where the marker sits inside a string literal
		if idx < 0 || strings.Contains(line[:idx], `"`) {
			continue
		}
		payload := strings.TrimSpace(line[idx+len(entryMarker):])
		if payload == "null" {
			return nil, fmt.Errorf("%w: sid %d", types.ErrSessionNotFound, sid)
		}

		var entry types.MirrorEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("failed to parse mirror entry: %w", err)
		}
		return &entry, nil
	}

	return nil, fmt.Errorf("no mirror entry in bfshell output for sid %d", sid)
}
