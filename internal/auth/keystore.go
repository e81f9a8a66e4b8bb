package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCorruptKeyStore means the store exists but cannot be decoded.
var ErrCorruptKeyStore = errors.New("corrupt api key store")

// KeyStore persists API key records. Save receives the complete set and
// replaces whatever was stored before.
type KeyStore interface {
	Load(ctx context.Context) ([]*APIKeyRecord, error)
	Save(ctx context.Context, records []*APIKeyRecord) error
}

// FileKeyStore keeps all records as one JSON array on disk.
type FileKeyStore struct {
	path string
}

func NewFileKeyStore(path string) *FileKeyStore {
	return &FileKeyStore{path: path}
}

// Load returns no records, and no error, when the file does not exist yet.
func (s *FileKeyStore) Load(_ context.Context) ([]*APIKeyRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	var records []*APIKeyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptKeyStore, s.path, err)
	}
	return records, nil
}

// Save writes to a temporary file and renames it over the old one.
func (s *FileKeyStore) Save(_ context.Context, records []*APIKeyRecord) error {
	if records == nil {
		records = []*APIKeyRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode api keys: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".api-keys-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
