// Package fsys hides the difference between the local disk and HDFS from
// consumers and producers.
package fsys

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// ErrExists is returned by Create when the target already exists.
var ErrExists = fs.ErrExist

// FS is the subset of filesystem operations stages need.
type FS interface {
	Open(name string) (io.ReadCloser, error)
	// Create opens a new file for writing and fails if it already exists.
	Create(name string) (io.WriteCloser, error)
	MkdirAll(dir string) error
	// ReadDir lists the regular files of dir, sorted by name.
	ReadDir(dir string) ([]string, error)
	Join(elem ...string) string
	Base(name string) string
	Dir(name string) string
	IsAbs(name string) bool
	Close() error
}

// Local is the host filesystem.
type Local struct{}

func NewLocal() Local {
	return Local{}
}

func (Local) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

func (Local) Create(name string) (io.WriteCloser, error) {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return f, nil
}

func (Local) MkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

func (Local) ReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (Local) Join(elem ...string) string { return filepath.Join(elem...) }
func (Local) Base(name string) string    { return filepath.Base(name) }
func (Local) Dir(name string) string     { return filepath.Dir(name) }
func (Local) IsAbs(name string) bool     { return filepath.IsAbs(name) }
func (Local) Close() error               { return nil }
