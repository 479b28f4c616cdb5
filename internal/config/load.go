package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"dataflow/internal/consumer"
	"dataflow/internal/message"
	"dataflow/internal/producer"
	"dataflow/internal/stream"

	"github.com/spf13/pflag"
)

const name = "dataflow-stage"

// flagValues holds raw flag input that needs parsing after the flag set ran.
type flagValues struct {
	mode, source, dest string
	eom, eop           string
	inputType          string
	outputType         string
	listMode           string
	help               bool
}

// Load reads environment variables, then command line args, and validates
// the result. Every failure is a *Error; -h/--help returns ErrHelp.
func Load(args []string) (Config, error) {
	return load(args, os.Getenv)
}

func load(args []string, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	if err := loadEnv(&cfg, getenv); err != nil {
		return cfg, err
	}

	var raw flagValues
	fs := newFlagSet(&cfg, &raw)
	if err := fs.Parse(args); err != nil {
		return cfg, &Error{Err: err}
	}
	if raw.help {
		return cfg, ErrHelp
	}
	cfg.Files = fs.Args()
	if err := resolve(&cfg, fs, raw); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Usage writes all recognized options with their descriptions.
func Usage(w io.Writer) {
	cfg := DefaultConfig()
	var raw flagValues
	fs := newFlagSet(&cfg, &raw)
	fmt.Fprintf(w, "Usage: %s [options] [FILE...]\n\nOptions:\n", name)
	fmt.Fprint(w, fs.FlagUsages())
	fmt.Fprint(w, `
Environment:
  ES_INDEX_TASKS, ES_INDEX_PROGRESS   index names for the "tasks" and "progress" aliases
  ES_DEFAULT_INDEX, ES_UPDATE_RETRIES bulk output defaults
  NATS_URL, NATS_USERNAME, NATS_PASSWORD, NATS_TIMEOUT
  DATABASE_URL                        postgres connection for --source q
  DKB_HDFS_NAMENODE, DKB_HDFS_HOME    HDFS connection
  CHECKPOINT_REDIS_URL, CHECKPOINT_KEY processed sources store
  DEBUG                               development logging
`)
}

func newFlagSet(cfg *Config, raw *flagValues) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	fs.StringVarP(&raw.mode, "mode", "m", string(cfg.Mode), "processing mode: (f)ile, (s)tream or (m)ap-reduce")
	fs.StringVarP(&raw.source, "source", "s", "", "where to get data from: f (local files), s (stdin), h (HDFS files), q (SQL query); default depends on --mode")
	fs.StringVarP(&cfg.InputDir, "input-dir", "i", cfg.InputDir, "directory with input files, or base directory for relative FILE names")
	fs.StringVarP(&raw.dest, "dest", "d", "", "where to write results: f (local files), s (stdout), h (HDFS files), n (NATS); default depends on --mode")
	fs.StringVarP(&cfg.OutputDir, "output-dir", "o", cfg.OutputDir, "directory for output files: absolute, relative (./DIR) or a subpath of the input directory")
	fs.BoolVar(&cfg.HDFS, "hdfs", false, `equivalent to "--source h --dest h"`)
	fs.StringVarP(&raw.eom, "end-of-message", "e", "", `custom end-of-message marker, escapes like "\x1e" are decoded`)
	fs.StringVarP(&raw.eop, "end-of-process", "E", "", `custom end-of-process marker, escapes like "\0" are decoded`)
	fs.StringVar(&raw.inputType, "input-type", cfg.InputType.String(), "input message type: plain, json, jsonlist or ttl")
	fs.StringVar(&raw.outputType, "output-type", cfg.OutputType.String(), "output message type: plain, json, jsonlist or ttl")
	fs.StringVar(&raw.listMode, "jsonlist-mode", cfg.ListMode.String(), "jsonlist layout: array or ndjson")
	fs.StringVar(&cfg.OutputFormat, "output-format", cfg.OutputFormat, "output format: message or esbulk")
	fs.BoolVar(&cfg.Update, "update", cfg.Update, "esbulk: use the update action by default")
	fs.StringVar(&cfg.PartitionBy, "partition-by", cfg.PartitionBy, "route output by the value of a JSON field")
	fs.StringVar(&cfg.Subject, "subject", cfg.Subject, "NATS subject for --dest n")
	fs.StringVar(&cfg.Query, "query", cfg.Query, "SQL query for --source q")
	fs.BoolVar(&cfg.Skip, "skip", cfg.Skip, `skip processing and push input messages forward as-is, marked "incomplete"`)
	fs.StringSliceVar(&cfg.RequireFields, "require-field", cfg.RequireFields, "skip JSON messages missing this field (repeatable)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve /health and /metrics on this address")
	fs.IntVar(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "input message size limit in bytes")
	fs.IntVar(&cfg.OpenRetries, "open-retries", cfg.OpenRetries, "extra attempts to open an input source before skipping it")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "pause between attempts to open an input source")
	fs.DurationVar(&cfg.ReportInterval, "report-interval", cfg.ReportInterval, "log progress counters at this interval, 0 disables")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "development logging")
	fs.BoolVarP(&raw.help, "help", "h", false, "print this help and exit")
	return fs
}

// resolve applies mode defaults and parses typed flags.
func resolve(cfg *Config, fs *pflag.FlagSet, raw flagValues) error {
	switch Mode(raw.mode) {
	case ModeFile, ModeStream, ModeMapReduce:
		cfg.Mode = Mode(raw.mode)
	default:
		return configError("unknown mode %q, expected f, s or m", raw.mode)
	}

	var err error
	if cfg.InputType, err = message.ParseType(raw.inputType); err != nil {
		return &Error{Err: err}
	}
	if cfg.OutputType, err = message.ParseType(raw.outputType); err != nil {
		return &Error{Err: err}
	}
	if cfg.ListMode, err = message.ParseListMode(raw.listMode); err != nil {
		return &Error{Err: err}
	}

	cfg.Source, cfg.Dest = consumer.KindFile, producer.KindFile
	if cfg.Piped() {
		cfg.Source, cfg.Dest = consumer.KindStdin, producer.KindStdout
	}
	if raw.source != "" {
		if cfg.Source, err = consumer.ParseKind(raw.source); err != nil {
			return &Error{Err: err}
		}
	}
	if raw.dest != "" {
		if cfg.Dest, err = producer.ParseKind(raw.dest); err != nil {
			return &Error{Err: err}
		}
	}
	if cfg.HDFS {
		cfg.Source, cfg.Dest = consumer.KindHDFS, producer.KindHDFS
	}
	if cfg.Mode == ModeMapReduce && cfg.Source == consumer.KindHDFS {
		cfg.NamesFromStdin = true
		cfg.Files = nil
	}
	if cfg.InputDir == "" && len(cfg.Files) == 0 && !cfg.NamesFromStdin {
		switch cfg.Source {
		case consumer.KindFile:
			cfg.InputDir = "."
		case consumer.KindHDFS:
			cfg.InputDir = cfg.HDFSHome
		}
	}

	cfg.EOM, cfg.EOP = stream.FileEOM, stream.FileEOP
	if cfg.Piped() {
		cfg.EOM, cfg.EOP = stream.StreamEOM, stream.StreamEOP
	}
	if fs.Changed("end-of-message") {
		cfg.EOMSet = true
		if cfg.EOM, err = Unescape(raw.eom); err != nil {
			return configError("--end-of-message: %v", err)
		}
	}
	if fs.Changed("end-of-process") {
		cfg.EOPSet = true
		if cfg.EOP, err = Unescape(raw.eop); err != nil {
			return configError("--end-of-process: %v", err)
		}
	}
	return nil
}

// loadEnv overlays environment variables on the defaults.
func loadEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("ES_INDEX_TASKS"); v != "" {
		cfg.ESIndices["tasks"] = v
	}
	if v := getenv("ES_INDEX_PROGRESS"); v != "" {
		cfg.ESIndices["progress"] = v
	}
	if v := getenv("ES_DEFAULT_INDEX"); v != "" {
		cfg.ESDefaultIndex = v
	}
	if v := getenv("ES_UPDATE_RETRIES"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return configError("ES_UPDATE_RETRIES: %v", err)
		}
		cfg.ESUpdateRetries = i
	}
	if v := getenv("NATS_URL"); v != "" {
		cfg.NATSURLs = splitList(v)
	}
	if v := getenv("NATS_USERNAME"); v != "" {
		cfg.NATSUsername = v
	}
	if v := getenv("NATS_PASSWORD"); v != "" {
		cfg.NATSPassword = v
	}
	if v := getenv("NATS_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return configError("NATS_TIMEOUT: %v", err)
		}
		cfg.NATSTimeout = d
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := getenv("DKB_HDFS_NAMENODE"); v != "" {
		cfg.HDFSNamenode = v
	}
	if v := getenv("DKB_HDFS_HOME"); v != "" {
		cfg.HDFSHome = v
	}
	if v := getenv("CHECKPOINT_REDIS_URL"); v != "" {
		cfg.CheckpointRedisURL = v
	}
	if v := getenv("CHECKPOINT_KEY"); v != "" {
		cfg.CheckpointKey = v
	}
	if v := strings.ToLower(getenv("DEBUG")); v == "1" || v == "true" || v == "yes" {
		cfg.Debug = true
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Unescape decodes backslash escapes in a marker given on the command
// line: \n, \t, \xNN, \0, octal \NNN, \\ and the other Go escapes.
func Unescape(s string) (string, error) {
	var b strings.Builder
	for len(s) > 0 {
		// a lone \0 is NUL, \0NN is octal
		if strings.HasPrefix(s, `\0`) && !octalAt(s, 2) {
			b.WriteByte(0)
			s = s[2:]
			continue
		}
		r, multibyte, tail, err := strconv.UnquoteChar(s, 0)
		if err != nil {
			return "", errors.New("invalid escape sequence in " + strconv.Quote(s))
		}
		if multibyte {
			b.WriteRune(r)
		} else {
			b.WriteByte(byte(r))
		}
		s = tail
	}
	return b.String(), nil
}

func octalAt(s string, i int) bool {
	return len(s) >= i+2 && isOctal(s[i]) && isOctal(s[i+1])
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}
