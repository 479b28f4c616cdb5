package producer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"dataflow/internal/fsys"
	"dataflow/internal/message"
	"dataflow/internal/metrics"
	"dataflow/internal/stream"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type target struct {
	path string
	out  *stream.OutputStream
	gen  int
}

// dirProducer writes one output file per source into a directory on the
// local disk or HDFS. Files stay open until the source changes or Close.
type dirProducer struct {
	kind        Kind
	fs          fsys.FS
	outDir      string
	fixed       bool
	defaultBase func(now time.Time) string
	ext         string
	builder     stream.Builder
	encoder     Encoder
	partition   Partitioner
	now         func() time.Time

	targets  map[string]*target
	gen      int
	source   string
	started  bool
	unnamed  string
	base     string
	lastPath string

	logger      *zap.Logger
	promMetrics *metrics.Metrics
}

// isFixedDir reports whether dir is used as is rather than relative to the
// input file's directory.
func isFixedDir(fs fsys.FS, kind Kind, dir string) bool {
	if fs.IsAbs(dir) {
		return true
	}
	if kind == KindHDFS {
		return false
	}
	return dir == "." || dir == ".." || strings.HasPrefix(dir, "./") || strings.HasPrefix(dir, "../")
}

func (p *dirProducer) Write(msg *message.Message) error {
	data, err := p.encoder.Encode(msg)
	if err != nil {
		return err
	}
	src := msg.Origin().Path
	if !p.started || src != p.source {
		p.switchSource(src)
	}
	path := p.pathFor(p.partition.Key(msg))
	t, err := p.target(path)
	if err != nil {
		return err
	}
	t.out.Write(data)
	p.lastPath = path
	return nil
}

func (p *dirProducer) switchSource(src string) {
	p.started = true
	p.source = src
	p.gen++
	now := p.now()
	p.unnamed = strconv.FormatInt(now.Unix(), 10) + p.ext
	p.base = ""
	if !p.fixed && src == "" && p.defaultBase != nil {
		p.base = p.defaultBase(now)
	}
}

func (p *dirProducer) dir() string {
	if p.fixed {
		return p.outDir
	}
	if p.source != "" {
		return p.fs.Join(p.fs.Dir(p.source), p.outDir)
	}
	if p.base != "" {
		return p.fs.Join(p.base, p.outDir)
	}
	return p.outDir
}

func (p *dirProducer) pathFor(partition string) string {
	name := p.unnamed
	if p.source != "" {
		base := p.fs.Base(p.source)
		if i := strings.LastIndexByte(base, '.'); i > 0 {
			base = base[:i]
		}
		name = base + p.ext
	}
	if partition != "" {
		return p.fs.Join(p.dir(), partition, name)
	}
	return p.fs.Join(p.dir(), name)
}

// target returns the open file for path, creating the directory and the
// file on first use. A file that already exists is never overwritten.
func (p *dirProducer) target(path string) (*target, error) {
	if t, ok := p.targets[path]; ok {
		t.gen = p.gen
		return t, nil
	}
	dir := p.fs.Dir(path)
	if err := p.fs.MkdirAll(dir); err != nil {
		return nil, destinationError("create output directory", err)
	}
	w, err := p.fs.Create(path)
	if err != nil {
		if errors.Is(err, fsys.ErrExists) {
			return nil, destinationError("open output file", fmt.Errorf("file already exists: %s", path))
		}
		return nil, destinationError("open output file", err)
	}
	t := &target{path: path, out: p.builder.Output(w), gen: p.gen}
	p.targets[path] = t
	p.logger.Info("output file opened", zap.String("path", path))
	return t, nil
}

func (p *dirProducer) Flush(ctx context.Context) error {
	_ = ctx
	var n int
	for _, t := range p.sorted() {
		n += t.out.Pending()
		if err := t.out.Flush(); err != nil {
			return destinationError("write "+t.path, err)
		}
	}
	p.promMetrics.MessagesWritten.Add(uint64(n))
	p.promMetrics.Flushes.Inc()
	return p.closeStale()
}

// closeStale closes files that belong to a previous source.
func (p *dirProducer) closeStale() error {
	var err error
	for _, t := range p.sorted() {
		if t.gen < p.gen {
			err = multierr.Append(err, p.closeTarget(t))
		}
	}
	if err != nil {
		return destinationError("close output file", err)
	}
	return nil
}

func (p *dirProducer) closeTarget(t *target) error {
	delete(p.targets, t.path)
	p.logger.Debug("output file closed", zap.String("path", t.path))
	return t.out.Close()
}

func (p *dirProducer) Drop() {
	for _, t := range p.targets {
		t.out.Drop()
	}
}

func (p *dirProducer) EOP(ctx context.Context) error {
	_ = ctx
	for _, t := range p.sorted() {
		if err := t.out.EOP(); err != nil {
			return destinationError("write eop "+t.path, err)
		}
	}
	return nil
}

func (p *dirProducer) Close() error {
	var err error
	for _, t := range p.sorted() {
		err = multierr.Append(err, p.closeTarget(t))
	}
	return err
}

func (p *dirProducer) DestInfo() DestInfo {
	return DestInfo{Kind: p.kind, Path: p.lastPath}
}

func (p *dirProducer) sorted() []*target {
	out := make([]*target, 0, len(p.targets))
	for _, t := range p.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}
