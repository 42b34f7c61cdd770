// Package memtable is an in-process mirror session table. It backs dry runs
// and stands in for a switch in tests.
package memtable

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ovs-container-lab/mirror-provisioner/pkg/types"
	"github.com/sirupsen/logrus"
)

// Table holds mirror entries keyed by session ID
type Table struct {
	mu        sync.RWMutex
	entries   map[uint16]types.MirrorEntry
	pending   int
	pushes    int
	completes int
	logger    *logrus.Logger
}

// New creates an empty table
func New() *Table {
	logger := logrus.New()
	logger.SetLevel(logrus.GetLevel())

	return &Table{
		entries: make(map[uint16]types.MirrorEntry),
		logger:  logger,
	}
}

func (t *Table) Name() string {
	return "memory"
}

// Push creates or overwrites the entry for entry.SID
func (t *Table) Push(ctx context.Context, entry types.MirrorEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[entry.SID]; ok {
		t.logger.Debugf("Overwriting mirror session %d", entry.SID)
	}
	t.entries[entry.SID] = entry
	t.pending++
	t.pushes++
	return nil
}

// CompleteOperations drains pending pushes
func (t *Table) CompleteOperations(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger.Debugf("Completed %d pending operations", t.pending)
	t.pending = 0
	t.completes++
	return nil
}

func (t *Table) Get(ctx context.Context, sid uint16) (*types.MirrorEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[sid]
	if !ok {
		return nil, fmt.Errorf("%w: sid %d", types.ErrSessionNotFound, sid)
	}
	return &entry, nil
}

func (t *Table) Delete(ctx context.Context, sid uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[sid]; !ok {
		return fmt.Errorf("%w: sid %d", types.ErrSessionNotFound, sid)
	}
	delete(t.entries, sid)
	t.pending++
	return nil
}

// Entries returns a snapshot ordered by session ID
func (t *Table) Entries() []types.MirrorEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]types.MirrorEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SID < entries[j].SID })
	return entries
}

// Stats returns the number of pushes and completions seen
func (t *Table) Stats() (pushes, completes int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pushes, t.completes
}

// Pending reports pushes or deletes not yet completed
func (t *Table) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pending
}
