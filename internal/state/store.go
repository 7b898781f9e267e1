package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/graywater/streamvis/internal/logger"
)

// ErrLocked means another process holds the writer lock on the state file.
var ErrLocked = errors.New("state file locked by another process")

// ErrNotLocked means Save was called without the writer lock held.
var ErrNotLocked = errors.New("state save requires the writer lock")

// Store persists the state document with single-writer protection. One
// Store per process; Acquire before the first Save, Release on every exit
// path.
type Store struct {
	path     string
	lockFile *os.File
	locked   bool
}

// NewStore returns a store for the given document path. No IO happens until
// Acquire or Load.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the document path.
func (s *Store) Path() string { return s.path }

// Acquire takes an exclusive advisory lock on the sibling <path>.lock file.
// A second writer gets ErrLocked immediately; it never blocks. On platforms
// without advisory locks this is a no-op and the caller is the sole writer
// by convention.
func (s *Store) Acquire() error {
	if s.locked {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}
	lockPath := s.path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		return fmt.Errorf("lock %s: %w", lockPath, err)
	}
	s.lockFile = f
	s.locked = true
	return nil
}

// Release drops the writer lock. Safe to call multiple times.
func (s *Store) Release() {
	if !s.locked {
		return
	}
	if s.lockFile != nil {
		flockRelease(s.lockFile)
		s.lockFile.Close()
		s.lockFile = nil
	}
	s.locked = false
}

// Load reads and normalizes the document. A missing file yields a fresh
// default; a corrupt one yields a fresh default with the parse error
// recorded in meta. Only real IO failures surface as errors.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read state %s: %w", s.path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		logger.Warn("state document corrupt, starting fresh", "path", s.path, "error", err)
		st := Default()
		st.Meta.LoadError = err.Error()
		return st, nil
	}
	st.Normalize()
	return &st, nil
}

// Save writes the document to <path>.tmp and atomically renames it over the
// document. Requires the writer lock.
func (s *Store) Save(st *State) error {
	if !s.locked {
		return ErrNotLocked
	}
	if st.Meta == nil {
		st.Meta = &Meta{}
	}
	st.Meta.StateVersion = SchemaVersion

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
