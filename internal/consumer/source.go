package consumer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"dataflow/internal/fsys"
)

// Source describes one input of a consumer. Path is empty for unnamed
// inputs such as standard input; those are never checkpointed.
type Source struct {
	Name string
	Path string
}

// Display is the name used in diagnostics.
func (s Source) Display() string {
	if s.Path != "" {
		return s.Path
	}
	return s.Name
}

// backend lists sources lazily and opens them.
type backend interface {
	// next returns io.EOF when no sources are left to list.
	next(ctx context.Context) (Source, error)
	open(ctx context.Context, src Source) (io.ReadCloser, error)
}

// fileBackend reads files from the local disk or HDFS, either an explicit
// list, the files of a directory matching an extension, or names read
// line by line from a reader (map-reduce mode).
type fileBackend struct {
	fs    fsys.FS
	dir   string
	ext   string
	queue []string
	names *bufio.Scanner
	ready bool
}

func (b *fileBackend) next(ctx context.Context) (Source, error) {
	_ = ctx
	if !b.ready {
		b.ready = true
		if b.names == nil && b.queue == nil {
			names, err := b.fs.ReadDir(b.dir)
			if err != nil {
				return Source{}, err
			}
			for _, n := range names {
				if strings.HasSuffix(n, b.ext) {
					b.queue = append(b.queue, n)
				}
			}
		}
	}
	for {
		var name string
		switch {
		case len(b.queue) > 0:
			name, b.queue = b.queue[0], b.queue[1:]
		case b.names != nil && b.names.Scan():
			name = strings.TrimSpace(b.names.Text())
		case b.names != nil && b.names.Err() != nil:
			err := b.names.Err()
			b.names = nil
			return Source{}, fmt.Errorf("read file names: %w", err)
		default:
			return Source{}, io.EOF
		}
		if name == "" {
			continue
		}
		path := name
		if !b.fs.IsAbs(name) && b.dir != "" {
			path = b.fs.Join(b.dir, name)
		}
		return Source{Name: b.fs.Base(path), Path: path}, nil
	}
}

func (b *fileBackend) open(ctx context.Context, src Source) (io.ReadCloser, error) {
	_ = ctx
	return b.fs.Open(src.Path)
}

// readerBackend serves a single unnamed reader, standard input by default.
// The reader is never closed by the consumer.
type readerBackend struct {
	name   string
	r      io.Reader
	listed bool
}

func (b *readerBackend) next(ctx context.Context) (Source, error) {
	_ = ctx
	if b.listed {
		return Source{}, io.EOF
	}
	b.listed = true
	return Source{Name: b.name}, nil
}

func (b *readerBackend) open(ctx context.Context, src Source) (io.ReadCloser, error) {
	_ = ctx
	if b.r == nil {
		return nil, errors.New("no reader configured")
	}
	return io.NopCloser(b.r), nil
}
