package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ovs-container-lab/mirror-provisioner/pkg/types"
)

const (
	defaultDataDir = "/var/lib/mirror-provisioner"
	sessionsFile   = "sessions.json"
)

// SessionInfo stores an applied mirror session
type SessionInfo struct {
	Backend   string            `json:"backend"`
	Entry     types.MirrorEntry `json:"entry"`
	AppliedAt time.Time         `json:"applied_at"`
}

// Store manages the local record of provisioned sessions
type Store struct {
	dataDir  string
	mu       sync.RWMutex
	sessions map[uint16]*SessionInfo
}

// NewStore creates a new persistent store
func NewStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		dataDir = defaultDataDir
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		dataDir:  dataDir,
		sessions: make(map[uint16]*SessionInfo),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	return s, nil
}

// ReadSessions lists the sessions recorded in dataDir without creating it.
// A missing directory or sessions file yields an empty list.
func ReadSessions(dataDir string) ([]*SessionInfo, error) {
	if dataDir == "" {
		dataDir = defaultDataDir
	}

	s := &Store{
		dataDir:  dataDir,
		sessions: make(map[uint16]*SessionInfo),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return s.ListSessions(), nil
}

// SaveSession records a pushed entry, replacing any previous record for the sid
func (s *Store) SaveSession(info *SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[info.Entry.SID] = info
	return s.persist()
}

// GetSession retrieves a recorded session
func (s *Store) GetSession(sid uint16) (*SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.sessions[sid]
	if !ok {
		return nil, fmt.Errorf("%w: sid %d", types.ErrSessionNotFound, sid)
	}
	return info, nil
}

// DeleteSession removes a recorded session
func (s *Store) DeleteSession(sid uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sid)
	return s.persist()
}

// ListSessions returns all recorded sessions ordered by sid
func (s *Store) ListSessions() []*SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*SessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		sessions = append(sessions, info)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Entry.SID < sessions[j].Entry.SID
	})
	return sessions
}

// persist saves state to disk
func (s *Store) persist() error {
	path := filepath.Join(s.dataDir, sessionsFile)
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}

	// Replace atomically via rename
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write sessions file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace sessions file: %w", err)
	}

	return nil
}

// load reads state from disk
func (s *Store) load() error {
	path := filepath.Join(s.dataDir, sessionsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read sessions file: %w", err)
	}

	if err := json.Unmarshal(data, &s.sessions); err != nil {
		return fmt.Errorf("failed to unmarshal sessions: %w", err)
	}

	return nil
}
