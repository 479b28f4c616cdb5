package stage

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"dataflow/internal/consumer"
	"dataflow/internal/esbulk"
	"dataflow/internal/message"
	"dataflow/internal/producer"
	"dataflow/internal/stream"
	"dataflow/internal/transformer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var (
	jsonCodec = message.MustCodec(message.TypeJSON)
	pipe      = stream.Config{EOM: stream.StreamEOM, EOP: stream.StreamEOP}
)

func stdinConsumer(t *testing.T, input string, cfg stream.Config) *consumer.Consumer {
	t.Helper()
	c, err := consumer.Build(consumer.Config{
		Kind:   consumer.KindStdin,
		Stream: cfg,
		Codec:  jsonCodec,
	}, consumer.Deps{Stdin: strings.NewReader(input)})
	require.NoError(t, err)
	return c
}

func stdoutProducer(t *testing.T, sink *bytes.Buffer, enc producer.Encoder) producer.Producer {
	t.Helper()
	p, err := producer.Build(producer.Config{
		Kind:    producer.KindStdout,
		Stream:  pipe,
		Codec:   jsonCodec,
		Encoder: enc,
	}, producer.Deps{Stdout: sink})
	require.NoError(t, err)
	return p
}

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestStage_EndToEndBulkOutput(t *testing.T) {
	input := "{\"_id\":\"x1\",\"_type\":\"doc\"}\n{\"bad json\n{\"_id\":\"x2\",\"_type\":\"doc\",\"_update\":true}\n"
	var sink bytes.Buffer
	logger, logs := observed()

	s := New(Config{},
		stdinConsumer(t, input, stream.Config{EOM: stream.FileEOM}),
		stdoutProducer(t, &sink, esbulk.New(esbulk.DefaultConfig())),
		transformer.NewIdentity(jsonCodec), logger)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t,
		`{"index":{"_index":"tasks_production","_id":"x1"}}`+"\n"+`{}`+"\n"+"\x1e"+
			`{"update":{"_index":"tasks_production","_id":"x2","_retry_on_conflict":3}}`+"\n"+
			`{"doc":{},"doc_as_upsert":true}`+"\n"+"\x1e"+"\x00",
		sink.String())
	warnings := logs.FilterMessage("skipping malformed input message").All()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].ContextMap()["error"], "bad json")
	assert.Equal(t, int64(2), warnings[0].ContextMap()["index"])
}

func TestStage_OversizedMessageIsSkipped(t *testing.T) {
	input := `{"a":1}` + "\x1e" + `{"big":"` + strings.Repeat("x", 200) + `"}` + "\x1e" +
		`{"a":3}` + "\x1e" + `{"a":4}` + "\x1e\x00"
	c, err := consumer.Build(consumer.Config{
		Kind:           consumer.KindStdin,
		Stream:         pipe,
		Codec:          jsonCodec,
		MaxMessageSize: 64,
	}, consumer.Deps{Stdin: strings.NewReader(input)})
	require.NoError(t, err)
	var sink bytes.Buffer
	logger, logs := observed()

	s := New(Config{}, c, stdoutProducer(t, &sink, nil), transformer.NewIdentity(jsonCodec), logger)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, `{"a":1}`+"\x1e"+`{"a":3}`+"\x1e"+`{"a":4}`+"\x1e\x00", sink.String())
	warnings := logs.FilterMessage("skipping malformed input message").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, int64(2), warnings[0].ContextMap()["index"])
	assert.Contains(t, warnings[0].ContextMap()["error"], "message exceeds size limit")
}

func TestStage_EncodeFailureDropsWholeInput(t *testing.T) {
	ttl := message.MustCodec(message.TypeTTL)
	tr := transformer.Func(func(_ context.Context, in *message.Message) ([]*message.Message, error) {
		doc, err := in.JSON()
		if err != nil {
			return nil, err
		}
		outs := []*message.Message{message.FromContent(jsonCodec, map[string]any{"part": 1})}
		if doc["bad"] == true {
			outs = append(outs, message.FromContent(ttl, "<a> <b> <c> ."))
		}
		return outs, nil
	})
	var sink bytes.Buffer
	s := New(Config{},
		stdinConsumer(t, "{}\x1e{\"bad\":true}\x1e{}\x1e\x00", pipe),
		stdoutProducer(t, &sink, nil), tr, nil)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, "{\"part\":1}\x1e{\"part\":1}\x1e\x00", sink.String())
}

func TestStage_TransformErrorAndPanicAreSoft(t *testing.T) {
	n := 0
	tr := transformer.Func(func(_ context.Context, in *message.Message) ([]*message.Message, error) {
		n++
		switch n {
		case 1:
			return nil, errors.New("boom")
		case 2:
			panic("unexpected")
		}
		return []*message.Message{in}, nil
	})
	var sink bytes.Buffer
	logger, logs := observed()
	s := New(Config{},
		stdinConsumer(t, "{\"a\":1}\x1e{\"a\":2}\x1e{\"a\":3}\x1e", pipe),
		stdoutProducer(t, &sink, nil), tr, logger)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, "{\"a\":3}\x1e\x00", sink.String())

	failures := logs.FilterMessage("processing failed, input message dropped").All()
	require.Len(t, failures, 2)
	assert.Equal(t, `{"a":1}`, failures[0].ContextMap()["fragment"])
	assert.Equal(t, int64(1), failures[0].ContextMap()["index"])
}

func TestStage_SkipIsNotAFailure(t *testing.T) {
	var sink bytes.Buffer
	logger, logs := observed()
	s := New(Config{},
		stdinConsumer(t, "{\"taskid\":1}\x1e{\"other\":1}\x1e", pipe),
		stdoutProducer(t, &sink, nil),
		transformer.NewRequireFields("taskid"), logger)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, "{\"taskid\":1}\x1e\x00", sink.String())
	assert.Equal(t, 1, logs.FilterMessage("input message skipped").Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestStage_StopEndsAtMessageBoundary(t *testing.T) {
	var s *Stage
	tr := transformer.Func(func(_ context.Context, in *message.Message) ([]*message.Message, error) {
		s.Stop()
		return []*message.Message{in}, nil
	})
	var sink bytes.Buffer
	s = New(Config{},
		stdinConsumer(t, "{\"a\":1}\x1e{\"a\":2}\x1e", pipe),
		stdoutProducer(t, &sink, nil), tr, nil)

	require.NoError(t, s.Run(context.Background()))
	assert.True(t, s.Stopped())
	assert.Equal(t, "{\"a\":1}\x1e\x00", sink.String())
}

func TestStage_NoReadableSourceIsFatal(t *testing.T) {
	c, err := consumer.Build(consumer.Config{
		Kind:     consumer.KindFile,
		Files:    []string{"missing.json"},
		InputDir: t.TempDir(),
		Stream:   stream.Config{EOM: stream.FileEOM},
		Codec:    jsonCodec,
	}, consumer.Deps{})
	require.NoError(t, err)
	var sink bytes.Buffer
	s := New(Config{}, c, stdoutProducer(t, &sink, nil), transformer.NewIdentity(jsonCodec), nil)

	err = s.Run(context.Background())
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.ErrorIs(t, err, consumer.ErrNoReadableSource)
	assert.Empty(t, sink.String(), "no EOP after a fatal error")
}

type brokenProducer struct {
	producer.Producer
	dropped int
	closed  bool
}

func (p *brokenProducer) Write(*message.Message) error {
	return errors.Join(producer.ErrDestination, errors.New("disk full"))
}
func (p *brokenProducer) Drop()        { p.dropped++ }
func (p *brokenProducer) Close() error { p.closed = true; return nil }

func TestStage_DestinationErrorIsFatal(t *testing.T) {
	p := &brokenProducer{}
	s := New(Config{}, stdinConsumer(t, "{}\x1e{}\x1e", pipe), p, transformer.NewIdentity(jsonCodec), nil)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, producer.ErrDestination)
	assert.Equal(t, 1, p.dropped)
	assert.True(t, p.closed)
}

func TestStage_GeneratorAndSink(t *testing.T) {
	calls := 0
	gen := transformer.Func(func(_ context.Context, in *message.Message) ([]*message.Message, error) {
		calls++
		assert.Nil(t, in)
		return []*message.Message{message.FromContent(jsonCodec, map[string]any{"generated": true})}, nil
	})
	var sink bytes.Buffer
	require.NoError(t, New(Config{}, nil, stdoutProducer(t, &sink, nil), gen, nil).Run(context.Background()))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "{\"generated\":true}\x1e\x00", sink.String())

	seen := 0
	count := transformer.Func(func(_ context.Context, in *message.Message) ([]*message.Message, error) {
		seen++
		return []*message.Message{in}, nil
	})
	require.NoError(t, New(Config{}, stdinConsumer(t, "{}\x1e{}\x1e", pipe), nil, count, nil).Run(context.Background()))
	assert.Equal(t, 2, seen)
}

func TestStage_SkipModeMarksIncomplete(t *testing.T) {
	var sink bytes.Buffer
	s := New(Config{},
		stdinConsumer(t, "{\"_id\":\"t1\"}\x1e", pipe),
		stdoutProducer(t, &sink, esbulk.New(esbulk.DefaultConfig())),
		transformer.NewSkip(jsonCodec), nil)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t,
		`{"update":{"_index":"tasks_production","_id":"t1","_retry_on_conflict":3}}`+"\n"+
			`{"doc":{},"doc_as_upsert":false,"upsert":{"_update_required":true}}`+"\n\x1e\x00",
		sink.String())
	assert.NotEmpty(t, s.RunID())
}
