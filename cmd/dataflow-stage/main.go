package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dataflow/internal/checkpoint"
	"dataflow/internal/config"
	"dataflow/internal/consumer"
	"dataflow/internal/esbulk"
	"dataflow/internal/fsys"
	"dataflow/internal/health"
	"dataflow/internal/logging"
	"dataflow/internal/message"
	"dataflow/internal/producer"
	"dataflow/internal/publisher"
	"dataflow/internal/stage"
	"dataflow/internal/transformer"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitFatal  = 2
)

const redisTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, config.ErrHelp) {
		config.Usage(os.Stdout)
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		config.Usage(os.Stderr)
		return exitConfig
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		return exitFatal
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cons, prod, cleanup, err := build(ctx, cfg, logger)
	defer cleanup()
	if err != nil {
		logger.Error("stage setup failed", zap.Error(err))
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return exitConfig
		}
		return exitFatal
	}
	outCodec, err := cfg.OutputCodec()
	if err != nil {
		logger.Error("stage setup failed", zap.Error(err))
		return exitConfig
	}

	st := stage.New(stage.Config{ReportInterval: cfg.ReportInterval}, cons, prod, buildTransformer(cfg, outCodec), logger)
	logger.Info("stage configured",
		zap.String("run_id", st.RunID()),
		zap.String("mode", string(cfg.Mode)),
		zap.String("source", string(cfg.Source)),
		zap.String("dest", string(cfg.Dest)),
		zap.String("input_type", cfg.InputType.String()),
		zap.String("output_type", cfg.OutputType.String()),
		zap.String("output_format", cfg.OutputFormat),
		zap.Bool("skip", cfg.Skip))

	health.Serve(ctx, cfg.MetricsAddr, st, logger)
	go handleSignals(ctx, st, logger)

	if err := st.Run(ctx); err != nil {
		return exitFatal
	}
	return exitOK
}

// handleSignals stops the stage at the next message boundary on the first
// signal. A second one exits at once, since the stage may be blocked
// reading its input.
func handleSignals(ctx context.Context, st *stage.Stage, logger *zap.Logger) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-ctx.Done():
		return
	case sig := <-sigs:
		logger.Info("signal received, stopping after the current message", zap.String("signal", sig.String()))
		st.Stop()
	}
	select {
	case <-ctx.Done():
	case sig := <-sigs:
		logger.Warn("second signal received, exiting", zap.String("signal", sig.String()))
		_ = logger.Sync()
		os.Exit(exitFatal)
	}
}

// build wires the consumer and producer with their collaborators. cleanup
// is always safe to call.
func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (stage.Consumer, producer.Producer, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	inCodec, err := cfg.InputCodec()
	if err != nil {
		return nil, nil, cleanup, &config.Error{Err: err}
	}
	outCodec, err := cfg.OutputCodec()
	if err != nil {
		return nil, nil, cleanup, &config.Error{Err: err}
	}

	var hdfs *fsys.HDFS
	if cfg.Source == consumer.KindHDFS || cfg.Dest == producer.KindHDFS {
		hdfs, err = fsys.DialHDFS(cfg.HDFSNamenode, cfg.HDFSHome)
		if err != nil {
			return nil, nil, cleanup, err
		}
		closers = append(closers, func() { _ = hdfs.Close() })
	}

	consDeps := consumer.Deps{
		Checkpoints: checkpoint.NewTracker(newCheckpointStore(ctx, cfg, logger, &closers), logger),
		Logger:      logger,
	}
	if cfg.Source == consumer.KindHDFS {
		consDeps.FS = hdfs
	}
	if cfg.Source == consumer.KindQuery {
		conn, err := pgx.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("connect to postgres: %w", err)
		}
		closers = append(closers, func() { _ = conn.Close(context.Background()) })
		consDeps.DB = conn
	}
	cons, err := consumer.Build(consumer.Config{
		Kind:           cfg.Source,
		Files:          cfg.Files,
		InputDir:       cfg.InputDir,
		NamesFromStdin: cfg.NamesFromStdin,
		Query:          cfg.Query,
		Stream:         cfg.InputStream(),
		Codec:          inCodec,
		MaxMessageSize: cfg.MaxMessageSize,
		OpenRetries:    cfg.OpenRetries,
		RetryDelay:     cfg.RetryDelay,
	}, consDeps)
	if err != nil {
		return nil, nil, cleanup, &config.Error{Err: err}
	}

	prodDeps := producer.Deps{HDFSHome: cfg.HDFSHome, Logger: logger}
	if cfg.Dest == producer.KindHDFS {
		prodDeps.FS = hdfs
	}
	if cfg.Dest == producer.KindNATS {
		pub := publisher.NewJetStreamPublisher(publisher.JetStreamOptions{
			URLs:           cfg.NATSURLs,
			Username:       cfg.NATSUsername,
			Password:       cfg.NATSPassword,
			ConnectTimeout: cfg.NATSTimeout,
			PublishTimeout: cfg.NATSTimeout,
		}, logger)
		if err := pub.Connect(); err != nil {
			_ = cons.Close()
			return nil, nil, cleanup, fmt.Errorf("connect to nats: %w", err)
		}
		prodDeps.Publisher = pub
	}
	prodCfg := producer.Config{
		Kind:           cfg.Dest,
		OutputDir:      cfg.OutputDir,
		Stream:         cfg.OutputStream(),
		Codec:          outCodec,
		PartitionBy:    cfg.PartitionBy,
		Subject:        cfg.Subject,
		PublishRetries: cfg.PublishRetries,
	}
	if cfg.OutputFormat == config.FormatESBulk {
		prodCfg.Encoder = esbulk.New(cfg.ESBulk())
	}
	prod, err := producer.Build(prodCfg, prodDeps)
	if err != nil {
		_ = cons.Close()
		if prodDeps.Publisher != nil {
			_ = prodDeps.Publisher.Close()
		}
		return nil, nil, cleanup, &config.Error{Err: err}
	}
	return cons, prod, cleanup, nil
}

// newCheckpointStore builds the Redis backed store of processed sources,
// falling back to in-memory if Redis is not configured or unavailable.
func newCheckpointStore(ctx context.Context, cfg config.Config, logger *zap.Logger, closers *[]func()) checkpoint.Store {
	if cfg.CheckpointRedisURL == "" {
		return checkpoint.NewMemoryStore()
	}
	pingCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	store, err := checkpoint.DialRedis(pingCtx, cfg.CheckpointRedisURL, cfg.CheckpointKey, cfg.CheckpointTTL)
	if err != nil {
		logger.Warn("redis unavailable, using memory store", zap.Error(err))
		return checkpoint.NewMemoryStore()
	}
	*closers = append(*closers, func() { _ = store.Close() })
	return store
}

func buildTransformer(cfg config.Config, out message.Codec) transformer.Transformer {
	if cfg.Skip {
		return transformer.NewSkip(out)
	}
	var chain transformer.Chain
	if len(cfg.RequireFields) > 0 {
		chain = append(chain, transformer.NewRequireFields(cfg.RequireFields...))
	}
	return append(chain, transformer.NewIdentity(out))
}
