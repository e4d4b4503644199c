package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Collection is a whole-collection repository: callers read everything,
// mutate, and overwrite everything. There is no partial-update contract.
type Collection[T any] interface {
	List() ([]T, error)
	SaveAll(rows []T) error
}

type Storage struct {
	baseDir string
	codec   string
	mu      sync.RWMutex
}

func New(baseDir string, codec string) (*Storage, error) {
	if codec == "" {
		codec = CodecJSON
	}
	if codec != CodecJSON && codec != CodecMsgpack {
		return nil, fmt.Errorf("unsupported storage codec %q", codec)
	}
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		if err := os.MkdirAll(baseDir, 0755); err != nil {
			return nil, err
		}
	}
	dataDir := filepath.Join(baseDir, "data")
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, err
		}
	}
	return &Storage{baseDir: baseDir, codec: codec}, nil
}

func (s *Storage) GetBaseDir() string {
	return s.baseDir
}

func (s *Storage) path(name string) string {
	ext := ".json"
	if s.codec == CodecMsgpack {
		ext = ".msgpack"
	}
	return filepath.Join(s.baseDir, "data", name+ext)
}

func (s *Storage) encode(v any) ([]byte, error) {
	if s.codec == CodecMsgpack {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.MarshalIndent(v, "", "  ")
}

func (s *Storage) decode(data []byte, v any) error {
	if s.codec == CodecMsgpack {
		dec := msgpack.NewDecoder(bytes.NewReader(data))
		dec.SetCustomStructTag("json")
		return dec.Decode(v)
	}
	return json.Unmarshal(data, v)
}

// readFile returns nil data for a missing collection file.
func (s *Storage) readFile(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// writeFile replaces the collection file atomically via rename.
func (s *Storage) writeFile(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(name)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// FileCollection stores one named collection as a single file.
type FileCollection[T any] struct {
	st   *Storage
	name string
}

func NewCollection[T any](st *Storage, name string) *FileCollection[T] {
	return &FileCollection[T]{st: st, name: name}
}

func (c *FileCollection[T]) List() ([]T, error) {
	data, err := c.st.readFile(c.name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.name, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []T{}, nil
	}
	var rows []T
	if err := c.st.decode(data, &rows); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.name, err)
	}
	if rows == nil {
		rows = []T{}
	}
	return rows, nil
}

func (c *FileCollection[T]) SaveAll(rows []T) error {
	if rows == nil {
		rows = []T{}
	}
	data, err := c.st.encode(rows)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}
	if err := c.st.writeFile(c.name, data); err != nil {
		return fmt.Errorf("write %s: %w", c.name, err)
	}
	return nil
}

// MemoryCollection keeps rows in memory; used by tests and dry runs.
type MemoryCollection[T any] struct {
	mu   sync.Mutex
	rows []T
}

func NewMemoryCollection[T any](rows ...T) *MemoryCollection[T] {
	return &MemoryCollection[T]{rows: append([]T(nil), rows...)}
}

func (m *MemoryCollection[T]) List() ([]T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]T{}, m.rows...), nil
}

func (m *MemoryCollection[T]) SaveAll(rows []T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append([]T{}, rows...)
	return nil
}
