package producer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"dataflow/internal/fsys"
	"dataflow/internal/message"
	"dataflow/internal/metrics"
	"dataflow/internal/publisher"
	"dataflow/internal/stream"

	"go.uber.org/zap"
)

// Kind selects the destination implementation.
type Kind string

const (
	KindFile   Kind = "f"
	KindStdout Kind = "s"
	KindHDFS   Kind = "h"
	KindNATS   Kind = "n"
)

// ParseKind accepts the short tag or the long name of a destination kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "f", "file":
		return KindFile, nil
	case "s", "stream", "stdout":
		return KindStdout, nil
	case "h", "hdfs":
		return KindHDFS, nil
	case "n", "nats":
		return KindNATS, nil
	default:
		return "", fmt.Errorf("unknown destination %q", s)
	}
}

type Config struct {
	Kind      Kind
	OutputDir string
	Stream    stream.Config
	Codec     message.Codec
	// Encoder overrides the message codec, e.g. with esbulk records.
	Encoder        Encoder
	PartitionBy    string
	Subject        string
	PublishRetries int
}

// Deps are the collaborators a producer needs for its kind.
type Deps struct {
	// FS is used by KindFile (default local disk) and required by KindHDFS.
	FS fsys.FS
	// HDFSHome is where unnamed output goes on HDFS, under temp/<unix time>.
	HDFSHome string
	// Stdout defaults to os.Stdout.
	Stdout    io.Writer
	Publisher publisher.Publisher
	Now       func() time.Time
	Logger    *zap.Logger
}

// Build constructs the producer for cfg.Kind.
func Build(cfg Config, deps Deps) (Producer, error) {
	if cfg.Codec == nil {
		return nil, errors.New("producer: output message type is not set")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	enc := cfg.Encoder
	if enc == nil {
		enc = MessageEncoder{Codec: cfg.Codec}
	}
	builder := stream.Builder{Config: cfg.Stream, Codec: cfg.Codec}

	switch cfg.Kind {
	case KindStdout:
		w := deps.Stdout
		if w == nil {
			w = os.Stdout
		}
		return newStreamProducer(w, builder, enc), nil
	case KindFile, KindHDFS:
		fs := deps.FS
		if fs == nil {
			if cfg.Kind == KindHDFS {
				return nil, errors.New("producer: hdfs destination needs an hdfs client")
			}
			fs = fsys.NewLocal()
		}
		p := &dirProducer{
			kind:        cfg.Kind,
			fs:          fs,
			outDir:      cfg.OutputDir,
			fixed:       isFixedDir(fs, cfg.Kind, cfg.OutputDir),
			ext:         cfg.Codec.Extension(),
			builder:     builder,
			encoder:     enc,
			partition:   Partitioner{Field: cfg.PartitionBy},
			now:         deps.Now,
			targets:     make(map[string]*target),
			logger:      deps.Logger,
			promMetrics: metrics.GlobalMetrics,
		}
		if cfg.Kind == KindHDFS {
			home := deps.HDFSHome
			p.defaultBase = func(now time.Time) string {
				return fs.Join(home, "temp", strconv.FormatInt(now.Unix(), 10))
			}
		}
		if p.fixed {
			deps.Logger.Info("output directory is fixed", zap.String("dir", cfg.OutputDir))
		} else {
			deps.Logger.Info("output directory is relative to the input files", zap.String("subdir", cfg.OutputDir))
		}
		return p, nil
	case KindNATS:
		if cfg.Subject == "" {
			return nil, errors.New("producer: nats destination needs a subject")
		}
		if deps.Publisher == nil {
			return nil, errors.New("producer: nats destination needs a publisher")
		}
		return &natsProducer{
			pub:         deps.Publisher,
			subject:     cfg.Subject,
			retries:     cfg.PublishRetries,
			encoder:     enc,
			partition:   Partitioner{Field: cfg.PartitionBy},
			logger:      deps.Logger,
			promMetrics: metrics.GlobalMetrics,
		}, nil
	default:
		return nil, fmt.Errorf("producer: unknown destination kind %q", cfg.Kind)
	}
}
