package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoSessions is returned by Latest when the repo has no persisted
// sessions.
var ErrNoSessions = errors.New("no sessions found")

// Store reads and writes session metadata under one repo's state dir.
type Store struct {
	root string
}

// NewStore returns a store rooted at the repo being explored.
func NewStore(targetPath string) *Store {
	return &Store{root: targetPath}
}

// StateDir is the repo's session directory.
func (st *Store) StateDir() string {
	return filepath.Join(st.root, StateDirName)
}

// Save writes the session's meta.json, creating directories as needed.
func (st *Store) Save(s *Session) error {
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.WriteFile(s.MetaPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write meta.json: %w", err)
	}
	return nil
}

// Load reads one session by id.
func (st *Store) Load(id string) (*Session, error) {
	path := filepath.Join(st.StateDir(), id, metaFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", id, err)
	}
	return &s, nil
}

// LoadAll reads every parseable session under the state dir. Entries
// with missing or corrupt meta.json are skipped.
func (st *Store) LoadAll() ([]*Session, error) {
	entries, err := os.ReadDir(st.StateDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state dir: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		s, err := st.Load(entry.Name())
		if err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Latest returns the most recently stamped session.
func (st *Store) Latest() (*Session, error) {
	sessions, err := st.LoadAll()
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNoSessions
	}

	latest := sessions[0]
	for _, s := range sessions[1:] {
		if s.Timestamp > latest.Timestamp {
			latest = s
		}
	}
	return latest, nil
}
