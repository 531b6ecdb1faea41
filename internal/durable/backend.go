package durable

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Backend persists opaque snapshots under string keys. Load returns nil, nil
// when nothing has been saved for the key yet.
type Backend interface {
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
}

type backendCloser interface {
	Close() error
}

// Close releases resources held by backends that own a connection pool.
func Close(b Backend) error {
	if closer, ok := b.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

type InMemoryBackend struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{snapshots: map[string][]byte{}}
}

func (b *InMemoryBackend) Load(key string) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.snapshots[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (b *InMemoryBackend) Save(key string, data []byte) error {
	if b == nil {
		return nil
	}
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[key] = append([]byte(nil), data...)
	return nil
}

// JSONFileBackend keeps every key of one backend inside a single JSON object
// on disk, rewritten atomically on each save.
type JSONFileBackend struct {
	path string
	mu   sync.Mutex
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}

func (b *JSONFileBackend) Load(key string) ([]byte, error) {
	if b == nil || b.path == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.readLocked()
	if err != nil {
		return nil, err
	}
	raw, ok := doc[key]
	if !ok {
		return nil, nil
	}
	return []byte(raw), nil
}

func (b *JSONFileBackend) Save(key string, data []byte) error {
	if b == nil || b.path == "" {
		return nil
	}
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if !json.Valid(data) {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.readLocked()
	if err != nil {
		return err
	}
	doc[key] = json.RawMessage(append([]byte(nil), data...))
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.path, encoded, 0o600)
}

func (b *JSONFileBackend) readLocked() (map[string]json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
