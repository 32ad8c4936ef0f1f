package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/jsonc"
)

var errNotObject = errors.New("top level is not a JSON object")

// Store owns the config file. Reads take a snapshot; every mutation is a
// read-modify-write under a single writer lock and lands on disk through a
// temp file renamed into place, so readers never see a partial file.
type Store struct {
	path string
	now  func() time.Time

	mu sync.RWMutex
}

// Open returns a Store backed by path. The file need not exist yet.
func Open(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load returns a snapshot of the whole file. A missing file yields an empty
// File; an unreadable or invalid one yields a *CorruptConfigError.
func (s *Store) Load() (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read()
}

func (s *Store) read() (File, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		var f File
		f.normalize()
		return f, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("reading config %s: %w", s.path, err)
	}

	body := bytes.TrimSpace(jsonc.ToJSON(data))
	if len(body) == 0 || body[0] != '{' {
		return File{}, &CorruptConfigError{Path: s.path, Err: errNotObject}
	}
	var f File
	if err := json.Unmarshal(body, &f); err != nil {
		return File{}, &CorruptConfigError{Path: s.path, Err: err}
	}
	if err := f.validate(); err != nil {
		return File{}, &CorruptConfigError{Path: s.path, Err: err}
	}
	f.normalize()
	return f, nil
}

// Save replaces the whole file.
func (s *Store) Save(f File) error {
	if err := f.validate(); err != nil {
		return err
	}
	f.normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(f)
}

// update applies fn to the current contents and writes the result.
func (s *Store) update(fn func(*File) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(&f); err != nil {
		return err
	}
	if err := f.validate(); err != nil {
		return err
	}
	f.normalize()
	return s.write(f)
}

func (s *Store) write(f File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("setting config permissions: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming config into place: %w", err)
	}

	success = true
	return nil
}

// --- Settings ---

// Settings returns the connection settings.
func (s *Store) Settings() (Settings, error) {
	f, err := s.Load()
	if err != nil {
		return Settings{}, err
	}
	return f.Settings, nil
}

// SaveSettings validates and persists the connection settings.
func (s *Store) SaveSettings(st Settings) error {
	st.Region = NormalizeRegion(st.Region)
	if err := ValidateRegion(st.Region); err != nil {
		return err
	}
	return s.update(func(f *File) error {
		f.Settings = st
		return nil
	})
}

// --- Assignees ---

// Assignees returns a copy of the roster.
func (s *Store) Assignees() (AssigneeRegistry, error) {
	f, err := s.Load()
	if err != nil {
		return nil, err
	}
	out := make(AssigneeRegistry, len(f.Assignees))
	copy(out, f.Assignees)
	return out, nil
}

func (s *Store) AddAssignee(a Assignee) error {
	return s.update(func(f *File) error {
		reg, err := f.Assignees.Add(a)
		if err != nil {
			return err
		}
		f.Assignees = reg
		return nil
	})
}

func (s *Store) EditAssignee(email string, a Assignee) error {
	return s.update(func(f *File) error {
		reg, err := f.Assignees.Edit(email, a)
		if err != nil {
			return err
		}
		f.Assignees = reg
		return nil
	})
}

func (s *Store) RemoveAssignee(email string) error {
	return s.update(func(f *File) error {
		reg, err := f.Assignees.Remove(email)
		if err != nil {
			return err
		}
		f.Assignees = reg
		return nil
	})
}

// --- Comment history ---

// CommentHistory returns up to limit entries, most recently used first.
func (s *Store) CommentHistory(limit int) ([]CommentHistoryEntry, error) {
	f, err := s.Load()
	if err != nil {
		return nil, err
	}
	return Recent(f.CommentHistory, limit), nil
}

// TouchComment records that text was used now. Posting the same text again
// refreshes its timestamp rather than adding a second entry.
func (s *Store) TouchComment(text string) error {
	if isBlank(text) {
		return nil
	}
	at := s.now().UTC()
	return s.update(func(f *File) error {
		f.CommentHistory = touchHistory(f.CommentHistory, text, at, f.Tuning.HistoryLimitOrDefault())
		return nil
	})
}

func (s *Store) ClearCommentHistory() error {
	return s.update(func(f *File) error {
		f.CommentHistory = nil
		return nil
	})
}

// --- Tuning ---

func (s *Store) Tuning() (Tuning, error) {
	f, err := s.Load()
	if err != nil {
		return Tuning{}, err
	}
	return f.Tuning, nil
}

func (s *Store) SaveTuning(t Tuning) error {
	return s.update(func(f *File) error {
		f.Tuning = t
		return nil
	})
}
