// Package identity persists the node's device id and gateway-issued token.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"clawnode/internal/domain"
)

// record is the on-disk form. The token is stored in plaintext; the file is
// created with 0600 permissions.
type record struct {
	DeviceID    string `json:"device_id,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
}

// FileStore keeps the identity in a single JSON file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store at path, creating the parent directory.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, domain.NewDomainError("NewFileStore", domain.ErrIdentityStore, err.Error())
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) LoadDeviceID(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.read()
	return rec.DeviceID, err
}

func (s *FileStore) SaveDeviceID(_ context.Context, id string) error {
	return s.update(func(r *record) { r.DeviceID = id })
}

func (s *FileStore) LoadDeviceToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.read()
	return rec.DeviceToken, err
}

func (s *FileStore) SaveDeviceToken(_ context.Context, token string) error {
	return s.update(func(r *record) { r.DeviceToken = token })
}

// Close is a no-op; the file is not held open.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) update(fn func(*record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read()
	if err != nil {
		return err
	}
	fn(&rec)
	return s.write(rec)
}

func (s *FileStore) read() (record, error) {
	var rec record
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return rec, domain.NewDomainError("FileStore.read", domain.ErrIdentityStore, err.Error())
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, domain.NewDomainError("FileStore.read", domain.ErrIdentityStore,
			fmt.Sprintf("parse %s: %v", filepath.Base(s.path), err))
	}
	return rec, nil
}

// write replaces the file atomically.
func (s *FileStore) write(rec record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return domain.WrapOp("FileStore.write", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return domain.NewDomainError("FileStore.write", domain.ErrIdentityStore, err.Error())
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return domain.NewDomainError("FileStore.write", domain.ErrIdentityStore, err.Error())
	}
	return nil
}

var _ domain.IdentityStore = (*FileStore)(nil)
