package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultRetention bounds history when the store is built with retention <= 0.
const DefaultRetention = 500

// FileStore keeps AgentState as a single JSON file replaced atomically on save.
type FileStore struct {
	path      string
	retention int
}

func NewFileStore(path string, retention int) *FileStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &FileStore{path: path, retention: retention}
}

func (s *FileStore) Path() string { return s.path }

// Load returns the persisted state, or New() if no snapshot exists yet.
// A snapshot that exists but cannot be decoded is an ErrPersistence: it is
// never silently replaced.
func (s *FileStore) Load() (AgentState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return AgentState{}, fmt.Errorf("%w: read %s: %v", ErrPersistence, s.path, err)
	}
	if len(data) == 0 {
		return AgentState{}, fmt.Errorf("%w: %s is empty", ErrPersistence, s.path)
	}
	var st AgentState
	if err := json.Unmarshal(data, &st); err != nil {
		return AgentState{}, fmt.Errorf("%w: decode %s: %v", ErrPersistence, s.path, err)
	}
	return st, nil
}

// Save trims history to the retention window and atomically replaces the
// snapshot: temp file in the same directory, fsync, rename, fsync directory.
func (s *FileStore) Save(st AgentState) error {
	st.Version = SchemaVersion
	if n := len(st.History); n > s.retention {
		trimmed := make([]ActionRecord, s.retention)
		copy(trimmed, st.History[n-s.retention:])
		st.History = trimmed
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: mkdir: %v", ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrPersistence, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp: %v", ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync temp: %v", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename: %v", ErrPersistence, err)
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the rename. Best effort: some filesystems reject fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
