package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Get when no identity has been persisted yet.
var ErrNotFound = errors.New("store: no node id persisted")

// Store persists the single node identity string between sessions.
type Store interface {
	Get() (string, error)
	Set(nodeID string) error
}

// document is the on-disk shape: {"node_id": "<string>"}.
type document struct {
	NodeID string `json:"node_id"`
}

// FileStore keeps the identity in a JSON file. Writes go to a temporary
// sibling and are renamed into place so readers never see a partial file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore { return &FileStore{path: filepath.Clean(path)} }

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get() (string, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read %s: %w", s.path, err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", fmt.Errorf("decode %s: %w", s.path, err)
	}
	if doc.NodeID == "" {
		return "", ErrNotFound
	}
	return doc.NodeID, nil
}

func (s *FileStore) Set(nodeID string) error {
	b, err := json.Marshal(document{NodeID: nodeID})
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".node-*.json")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }() // no-op after a successful rename

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}
