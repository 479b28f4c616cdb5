package config

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"dataflow/internal/consumer"
	"dataflow/internal/esbulk"
	"dataflow/internal/message"
	"dataflow/internal/producer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func noEnv(string) string { return "" }

func TestLoad_FileModeDefaults(t *testing.T) {
	cfg, err := load([]string{"a.json", "b.json"}, noEnv)
	require.NoError(t, err)

	assert.Equal(t, ModeFile, cfg.Mode)
	assert.Equal(t, consumer.KindFile, cfg.Source)
	assert.Equal(t, producer.KindFile, cfg.Dest)
	assert.Equal(t, []string{"a.json", "b.json"}, cfg.Files)
	assert.Equal(t, "\n", cfg.EOM)
	assert.Equal(t, "", cfg.EOP)
	assert.Equal(t, "out", cfg.OutputDir)
	assert.Equal(t, message.TypeJSON, cfg.InputType)
	assert.Empty(t, cfg.InputDir)
}

func TestLoad_FileModeListsCurrentDirWithoutFiles(t *testing.T) {
	cfg, err := load(nil, noEnv)
	require.NoError(t, err)
	assert.Equal(t, ".", cfg.InputDir)
}

func TestLoad_StreamModeDefaults(t *testing.T) {
	cfg, err := load([]string{"-m", "s", "--input-type", "ttl", "--output-type", "plain"}, noEnv)
	require.NoError(t, err)

	assert.Equal(t, consumer.KindStdin, cfg.Source)
	assert.Equal(t, producer.KindStdout, cfg.Dest)
	assert.Equal(t, "\x1e", cfg.EOM)
	assert.Equal(t, "\x00", cfg.EOP)
	assert.Equal(t, message.TypeTTL, cfg.InputType)
	assert.Equal(t, message.TypePlain, cfg.OutputType)
}

func TestLoad_ExplicitKindsAndHDFS(t *testing.T) {
	cfg, err := load([]string{"-m", "s", "-d", "n", "--subject", "dataflow.tasks"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, consumer.KindStdin, cfg.Source)
	assert.Equal(t, producer.KindNATS, cfg.Dest)

	cfg, err = load([]string{"-s", "f", "-d", "s", "--hdfs"}, env(map[string]string{"DKB_HDFS_HOME": "/user/test"}))
	require.NoError(t, err)
	assert.Equal(t, consumer.KindHDFS, cfg.Source)
	assert.Equal(t, producer.KindHDFS, cfg.Dest)
	assert.Equal(t, "/user/test", cfg.InputDir)
}

func TestLoad_MapReduceReadsNamesFromStdin(t *testing.T) {
	cfg, err := load([]string{"-m", "m", "--hdfs", "ignored.json"}, noEnv)
	require.NoError(t, err)
	assert.True(t, cfg.NamesFromStdin)
	assert.Empty(t, cfg.Files)
	assert.Equal(t, "\x1e", cfg.EOM)

	cfg, err = load([]string{"-m", "m"}, noEnv)
	require.NoError(t, err)
	assert.False(t, cfg.NamesFromStdin)
	assert.Equal(t, consumer.KindStdin, cfg.Source)
}

func TestLoad_CustomMarkersAreUnescaped(t *testing.T) {
	cfg, err := load([]string{"-m", "s", "-e", `\x1f`, "-E", `\0`}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, "\x1f", cfg.EOM)
	assert.Equal(t, "\x00", cfg.EOP)
	assert.True(t, cfg.EOMSet)
}

func TestLoad_RejectsBadMarkers(t *testing.T) {
	for _, args := range [][]string{
		{"-e", ""},
		{"-e", `\n`},
		{"-m", "s", "--end-of-message", "\n"},
		{"-m", "s", "-e", "x", "-E", "x"},
		{"-e", `\q`},
	} {
		_, err := load(args, noEnv)
		var cfgErr *Error
		assert.True(t, errors.As(err, &cfgErr), "args %q", args)
	}
}

func TestLoad_ArgumentErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--no-such-flag"},
		{"-m", "x"},
		{"-s", "z"},
		{"-d", "z"},
		{"--input-type", "xml"},
		{"--jsonlist-mode", "rows"},
		{"--output-format", "csv"},
		{"--output-format", "esbulk", "--output-type", "ttl"},
		{"-s", "q"},
		{"--max-message-size", "0"},
	} {
		_, err := load(args, noEnv)
		var cfgErr *Error
		assert.True(t, errors.As(err, &cfgErr), "args %q", args)
	}
}

func TestLoad_Help(t *testing.T) {
	_, err := load([]string{"--help"}, noEnv)
	assert.ErrorIs(t, err, ErrHelp)
	_, err = load([]string{"-h"}, noEnv)
	assert.ErrorIs(t, err, ErrHelp)
}

func TestUsageListsOptions(t *testing.T) {
	var buf bytes.Buffer
	Usage(&buf)
	for _, opt := range []string{"--mode", "--source", "--dest", "--hdfs", "--end-of-message", "--end-of-process",
		"--input-type", "--output-type", "--skip", "--help", "ES_DEFAULT_INDEX"} {
		assert.Contains(t, buf.String(), opt)
	}
}

func TestLoad_Environment(t *testing.T) {
	cfg, err := load([]string{"--output-format", "esbulk", "--update"}, env(map[string]string{
		"ES_INDEX_TASKS":       "tasks_v2",
		"ES_DEFAULT_INDEX":     "misc",
		"ES_UPDATE_RETRIES":    "5",
		"NATS_URL":             "nats://a:4222, nats://b:4222",
		"NATS_TIMEOUT":         "2s",
		"CHECKPOINT_REDIS_URL": "redis://localhost:6379/1",
		"DEBUG":                "yes",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATSURLs)
	assert.Equal(t, 2*time.Second, cfg.NATSTimeout)
	assert.Equal(t, "redis://localhost:6379/1", cfg.CheckpointRedisURL)
	assert.True(t, cfg.Debug)

	bulk := cfg.ESBulk()
	assert.Equal(t, esbulk.ActionUpdate, bulk.DefaultAction)
	assert.Equal(t, map[string]string{"tasks": "tasks_v2"}, bulk.Indices)
	assert.Equal(t, "misc", bulk.DefaultIndex)
	assert.Equal(t, 5, bulk.UpdateRetries)

	_, err = load(nil, env(map[string]string{"ES_UPDATE_RETRIES": "many"}))
	var cfgErr *Error
	assert.True(t, errors.As(err, &cfgErr))
}

func TestOutputStream_BulkRecordsUseRecordSeparator(t *testing.T) {
	cfg, err := load([]string{"--output-format", "esbulk"}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, "\n", cfg.InputStream().EOM)
	assert.Equal(t, "\x1e", cfg.OutputStream().EOM)

	cfg, err = load([]string{"--output-format", "esbulk", "-e", `\x1d`}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, "\x1d", cfg.OutputStream().EOM)
}

func TestUnescape(t *testing.T) {
	cases := map[string]string{
		`\x1e`:  "\x1e",
		`\0`:    "\x00",
		`\036`:  "\x1e",
		`a\tb`:  "a\tb",
		`\\`:    `\`,
		`<EOM>`: "<EOM>",
		`\0x`:   "\x00x",
		`é`:     "é",
	}
	for in, want := range cases {
		got, err := Unescape(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := Unescape(`\`)
	assert.Error(t, err)
}
