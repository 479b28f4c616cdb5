package consumer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"dataflow/internal/checkpoint"
	"dataflow/internal/fsys"
	"dataflow/internal/message"
	"dataflow/internal/metrics"
	"dataflow/internal/stream"

	"go.uber.org/zap"
)

// Kind selects the source implementation.
type Kind string

const (
	KindFile  Kind = "f"
	KindStdin Kind = "s"
	KindHDFS  Kind = "h"
	KindQuery Kind = "q"
)

// ParseKind accepts the short tag or the long name of a source kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "f", "file":
		return KindFile, nil
	case "s", "stream", "stdin":
		return KindStdin, nil
	case "h", "hdfs":
		return KindHDFS, nil
	case "q", "query":
		return KindQuery, nil
	default:
		return "", fmt.Errorf("unknown source %q", s)
	}
}

type Config struct {
	Kind  Kind
	Files []string
	// InputDir is the base for relative Files, or the directory to list
	// when no Files are given.
	InputDir string
	// NamesFromStdin reads file names line by line from Deps.Stdin.
	NamesFromStdin bool
	Query          string
	Stream         stream.Config
	Codec          message.Codec
	MaxMessageSize int
	OpenRetries    int
	RetryDelay     time.Duration
}

// Deps are the collaborators a consumer needs for its kind.
type Deps struct {
	// FS is used by KindFile (default local disk) and required by KindHDFS.
	FS fsys.FS
	// Stdin defaults to os.Stdin.
	Stdin       io.Reader
	DB          Querier
	Checkpoints *checkpoint.Tracker
	Logger      *zap.Logger
}

// Build constructs the consumer for cfg.Kind.
func Build(cfg Config, deps Deps) (*Consumer, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Stdin == nil {
		deps.Stdin = os.Stdin
	}
	b, builder, err := newBackend(cfg, deps)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		cfg:         cfg,
		deps:        deps,
		builder:     builder,
		backend:     b,
		cur:         -1,
		tracker:     deps.Checkpoints,
		logger:      deps.Logger,
		promMetrics: metrics.GlobalMetrics,
	}, nil
}

func newBackend(cfg Config, deps Deps) (backend, stream.Builder, error) {
	if cfg.Codec == nil {
		return nil, stream.Builder{}, errors.New("consumer: input message type is not set")
	}
	builder := stream.Builder{
		Config:         cfg.Stream,
		Codec:          cfg.Codec,
		MaxMessageSize: cfg.MaxMessageSize,
	}
	switch cfg.Kind {
	case KindFile, KindHDFS:
		fs := deps.FS
		if fs == nil {
			if cfg.Kind == KindHDFS {
				return nil, builder, errors.New("consumer: hdfs source needs an hdfs client")
			}
			fs = fsys.NewLocal()
		}
		fb := &fileBackend{fs: fs, dir: cfg.InputDir, ext: cfg.Codec.Extension()}
		switch {
		case cfg.NamesFromStdin:
			fb.names = bufio.NewScanner(deps.Stdin)
		case len(cfg.Files) > 0:
			fb.queue = append([]string(nil), cfg.Files...)
		case cfg.InputDir == "":
			return nil, builder, errors.New("consumer: no input files or input directory specified")
		}
		builder.DetectArray = true
		return fb, builder, nil
	case KindStdin:
		return &readerBackend{name: "stdin", r: deps.Stdin}, builder, nil
	case KindQuery:
		if cfg.Query == "" {
			return nil, builder, errors.New("consumer: query source needs a query")
		}
		if deps.DB == nil {
			return nil, builder, errors.New("consumer: query source needs a database connection")
		}
		// rows are rendered one JSON object per line
		builder.Config = stream.Config{EOM: stream.FileEOM}
		return &queryBackend{db: deps.DB, query: cfg.Query}, builder, nil
	default:
		return nil, builder, fmt.Errorf("consumer: unknown source kind %q", cfg.Kind)
	}
}
