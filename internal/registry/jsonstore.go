package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// jsonVersion is the on-disk schema version of instances.json.
const jsonVersion = 1

type jsonFile struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// JSONStore keeps records in a single JSON file guarded by a sibling lock
// file, so separate ttydeck processes never interleave writes.
type JSONStore struct {
	path string
	lock *flock.Flock
}

// NewJSONStore returns a store at path. The file is created on first Save.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the data file path.
func (s *JSONStore) Path() string { return s.path }

// Load reads all records. A missing file is an empty set.
func (s *JSONStore) Load() ([]Record, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock registry: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return s.read()
}

// Apply merges put and deleted into the file under the exclusive lock, so
// records written by other processes since their last read are kept.
func (s *JSONStore) Apply(put []Record, deleted []string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	stored, err := s.read()
	if err != nil {
		return err
	}
	return s.write(Merge(stored, put, deleted))
}

// Save replaces the whole file. Importers and tests seed a store with it;
// the registry itself only ever calls Apply.
func (s *JSONStore) Save(records []Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return s.write(records)
}

func (s *JSONStore) read() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var f jsonFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", s.path, err)
	}
	if f.Version > jsonVersion {
		return nil, fmt.Errorf("registry %s has version %d, newer than supported %d", s.path, f.Version, jsonVersion)
	}
	return f.Records, nil
}

// write replaces the file contents: temp file, fsync, rename. The caller
// holds the exclusive lock.
func (s *JSONStore) write(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(jsonFile{Version: jsonVersion, Records: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename registry: %w", err)
	}
	return nil
}
