// Package fsutil abstracts the files the pipeline touches: scene manifests
// and band rasters on the way in, mask rasters and their sidecars on the way
// out. Production code uses OSFileSystem; tests use MemoryFileSystem.
package fsutil

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileSystem is the file access the raster engine and loaders need.
type FileSystem interface {
	Open(name string) (fs.File, error)
	// Create creates or truncates name. The content is visible once the
	// writer is closed.
	Create(name string) (io.WriteCloser, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	Stat(name string) (fs.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	Exists(name string) bool
}

// OSFileSystem is the real filesystem.
type OSFileSystem struct{}

func (OSFileSystem) Open(name string) (fs.File, error)          { return os.Open(name) }
func (OSFileSystem) Create(name string) (io.WriteCloser, error) { return os.Create(name) }
func (OSFileSystem) ReadFile(name string) ([]byte, error)       { return os.ReadFile(name) }
func (OSFileSystem) Stat(name string) (fs.FileInfo, error)      { return os.Stat(name) }

func (OSFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (OSFileSystem) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// MemoryFileSystem keeps files in memory. Directories are implied by file
// paths; MkdirAll only records them for Stat. Safe for concurrent use.
type MemoryFileSystem struct {
	mu    sync.RWMutex
	files map[string]memEntry
	dirs  map[string]bool
}

type memEntry struct {
	data []byte
	mode os.FileMode
}

// NewMemoryFileSystem returns an empty in-memory filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files: make(map[string]memEntry),
		dirs:  make(map[string]bool),
	}
}

func (m *MemoryFileSystem) get(op, name string) (string, memEntry, error) {
	name = filepath.Clean(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.files[name]
	if !ok {
		return name, memEntry{}, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return name, e, nil
}

func (m *MemoryFileSystem) Open(name string) (fs.File, error) {
	name, e, err := m.get("open", name)
	if err != nil {
		return nil, err
	}
	return &memFile{
		Reader: bytes.NewReader(e.data),
		info:   memInfo{name: filepath.Base(name), size: int64(len(e.data)), mode: e.mode},
	}, nil
}

func (m *MemoryFileSystem) Create(name string) (io.WriteCloser, error) {
	name = filepath.Clean(name)
	m.put(name, nil, 0o644)
	return &memWriter{fs: m, name: name}, nil
}

func (m *MemoryFileSystem) ReadFile(name string) ([]byte, error) {
	_, e, err := m.get("read", name)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(e.data), nil
}

func (m *MemoryFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	m.put(filepath.Clean(name), bytes.Clone(data), perm)
	return nil
}

func (m *MemoryFileSystem) put(name string, data []byte, perm os.FileMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = memEntry{data: data, mode: perm}
}

func (m *MemoryFileSystem) Stat(name string) (fs.FileInfo, error) {
	clean := filepath.Clean(name)
	m.mu.RLock()
	isDir := m.dirs[clean]
	m.mu.RUnlock()
	if isDir {
		return memInfo{name: filepath.Base(clean), dir: true, mode: fs.ModeDir | 0o755}, nil
	}
	clean, e, err := m.get("stat", name)
	if err != nil {
		return nil, err
	}
	return memInfo{name: filepath.Base(clean), size: int64(len(e.data)), mode: e.mode}, nil
}

func (m *MemoryFileSystem) MkdirAll(path string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := filepath.Clean(path); p != "." && p != string(filepath.Separator); p = filepath.Dir(p) {
		m.dirs[p] = true
	}
	return nil
}

func (m *MemoryFileSystem) Exists(name string) bool {
	_, err := m.Stat(name)
	return err == nil
}

// Files lists the stored file paths under dir in lexical order. An empty
// dir lists everything.
func (m *MemoryFileSystem) Files(dir string) []string {
	prefix := ""
	if dir != "" {
		prefix = filepath.Clean(dir) + string(filepath.Separator)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name := range m.files {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

type memFile struct {
	*bytes.Reader
	info memInfo
}

func (f *memFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *memFile) Close() error               { return nil }

type memWriter struct {
	fs   *MemoryFileSystem
	name string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	w.fs.put(w.name, bytes.Clone(w.buf.Bytes()), 0o644)
	return nil
}

type memInfo struct {
	name string
	size int64
	mode os.FileMode
	dir  bool
}

func (i memInfo) Name() string       { return i.name }
func (i memInfo) Size() int64        { return i.size }
func (i memInfo) Mode() os.FileMode  { return i.mode }
func (i memInfo) ModTime() time.Time { return time.Time{} }
func (i memInfo) IsDir() bool        { return i.dir }
func (i memInfo) Sys() any           { return nil }
