package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// Names of the persisted client records.
const (
	RecordSession      = "session"
	RecordActiveTenant = "active-tenant"
)

// RecordStore persists named JSON records. Load reports false when the
// record does not exist.
type RecordStore interface {
	Load(ctx context.Context, name string, dst any) (bool, error)
	Save(ctx context.Context, name string, v any) error
	Delete(ctx context.Context, name string) error
}

var recordName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// FileStore keeps each record in <dir>/<name>.json, readable by the owner
// only. Writes go through a temp file and rename so a crash never leaves a
// torn record.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("client: state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(name string) (string, error) {
	if !recordName.MatchString(name) {
		return "", fmt.Errorf("client: invalid record name %q", name)
	}
	return filepath.Join(f.dir, name+".json"), nil
}

func (f *FileStore) Load(_ context.Context, name string, dst any) (bool, error) {
	p, err := f.path(name)
	if err != nil {
		return false, err
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("client: record %s: %w", name, err)
	}
	return true, nil
}

func (f *FileStore) Save(_ context.Context, name string, v any) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, "."+name+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (f *FileStore) Delete(_ context.Context, name string) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MemoryStore is a RecordStore for tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
	// SaveErr, when set, fails every Save.
	SaveErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, name string, dst any) (bool, error) {
	m.mu.Lock()
	raw, ok := m.records[name]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (m *MemoryStore) Save(_ context.Context, name string, v any) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records[name] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.records, name)
	m.mu.Unlock()
	return nil
}

// Has reports whether a record exists.
func (m *MemoryStore) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[name]
	return ok
}
