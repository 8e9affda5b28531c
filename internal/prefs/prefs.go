// Package prefs persists client-side preferences that outlive a single list
// view, such as the page size last chosen by the user.
package prefs

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// PageSizeKey is the storage key of the page-size preference.
const PageSizeKey = "list.page_size"

// DefaultFile is the preference file name, stored next to the CLI config.
const DefaultFile = "prefs.toml"

// Store reads and writes the page-size preference.
type Store interface {
	PageSize() (int, bool)
	SetPageSize(size int) error
}

type document struct {
	List listPrefs `toml:"list"`
}

type listPrefs struct {
	PageSize int `toml:"page_size,omitempty"`
}

// FileStore keeps preferences in a TOML file. It is safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
	doc  document
}

// Open loads the preference file at path. A missing file yields an empty store.
func Open(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrap(err, "unable to read preferences")
	}
	if _, err := toml.Decode(string(data), &s.doc); err != nil {
		return nil, errors.Wrapf(err, "unable to parse preferences file %s", path)
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) PageSize() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.List.PageSize <= 0 {
		return 0, false
	}
	return s.doc.List.PageSize, true
}

// SetPageSize stores size and rewrites the file.
func (s *FileStore) SetPageSize(size int) error {
	if size <= 0 {
		return errors.Errorf("invalid page size %d", size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.doc.List.PageSize
	s.doc.List.PageSize = size
	if err := s.write(); err != nil {
		s.doc.List.PageSize = prev
		return err
	}
	return nil
}

// write replaces the file via a temporary file in the same directory.
func (s *FileStore) write() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s.doc); err != nil {
		return errors.Wrap(err, "unable to encode preferences")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "unable to create preferences directory")
	}
	tmp, err := os.CreateTemp(dir, ".prefs-*")
	if err != nil {
		return errors.Wrap(err, "unable to write preferences")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return errors.Wrap(err, "unable to write preferences")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "unable to write preferences")
	}
	return errors.Wrap(os.Rename(tmp.Name(), s.path), "unable to write preferences")
}

// MemStore keeps preferences in memory for the lifetime of the process.
type MemStore struct {
	mu       sync.Mutex
	pageSize int
}

func (m *MemStore) PageSize() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageSize, m.pageSize > 0
}

func (m *MemStore) SetPageSize(size int) error {
	if size <= 0 {
		return errors.Errorf("invalid page size %d", size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageSize = size
	return nil
}
