package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"dataflow/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeBuilder(t message.Type) Builder {
	return Builder{Config: Config{EOM: StreamEOM, EOP: StreamEOP}, Codec: message.MustCodec(t)}
}

func readAll(t *testing.T, in *InputStream) ([]string, []error) {
	t.Helper()
	var out []string
	var soft []error
	for i := 0; i < 100; i++ {
		msg, err := in.Next()
		if errors.Is(err, io.EOF) {
			return out, soft
		}
		var decErr *message.DecodeError
		if errors.As(err, &decErr) {
			soft = append(soft, err)
			continue
		}
		require.NoError(t, err)
		raw, err := msg.Encode()
		require.NoError(t, err)
		out = append(out, string(raw))
	}
	t.Fatal("stream did not terminate")
	return nil, nil
}

func TestInputStream_SplitsOnEOMAndStopsAtEOP(t *testing.T) {
	data := "m1\x1em2\x1em3\x1e\x00ignored\x1e"
	in := pipeBuilder(message.TypePlain).Input("pipe", strings.NewReader(data))

	got, soft := readAll(t, in)
	assert.Equal(t, []string{"m1", "m2", "m3"}, got)
	assert.Empty(t, soft)
	assert.Equal(t, int64(3), in.Position())

	_, err := in.Next()
	assert.ErrorIs(t, err, io.EOF, "exhausted stream keeps reporting EOF")
}

func TestInputStream_EmptySpanIsIncompleteMessage(t *testing.T) {
	in := pipeBuilder(message.TypeJSON).Input("pipe", strings.NewReader("{\"a\":1}\x1e\x1e{\"b\":2}\x1e"))

	first, err := in.Next()
	require.NoError(t, err)
	assert.False(t, first.Incomplete())

	empty, err := in.Next()
	require.NoError(t, err)
	assert.True(t, empty.Incomplete())
	doc, err := empty.JSON()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{message.IncompleteKey: true}, doc)

	last, err := in.Next()
	require.NoError(t, err)
	assert.Equal(t, message.Origin{Source: "pipe", Index: 3}, last.Origin())

	_, err = in.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestInputStream_NewlineDelimitedWithoutTrailingEOM(t *testing.T) {
	b := Builder{Config: Config{EOM: FileEOM}, Codec: message.MustCodec(message.TypeJSON)}
	in := b.Input("file.json", strings.NewReader("{\"a\":1}\n{\"a\":2}"))

	got, _ := readAll(t, in)
	assert.Equal(t, []string{`{"a":1}`, `{"a":2}`}, got)
}

func TestInputStream_DecodeErrorDoesNotStopStream(t *testing.T) {
	b := Builder{Config: Config{EOM: FileEOM}, Codec: message.MustCodec(message.TypeJSON)}
	in := b.Input("f", strings.NewReader("{\"a\":1}\n{\"bad json\n{\"a\":3}\n"))

	got, soft := readAll(t, in)
	assert.Equal(t, []string{`{"a":1}`, `{"a":3}`}, got)
	require.Len(t, soft, 1)
	assert.Contains(t, soft[0].Error(), "bad json")
}

func TestInputStream_MultiByteMarkers(t *testing.T) {
	b := Builder{Config: Config{EOM: "<EOM>", EOP: "<EOP>"}, Codec: message.MustCodec(message.TypePlain)}
	in := b.Input("f", strings.NewReader("a<EOM>b<E<EOM><EOP>c<EOM>"))

	got, _ := readAll(t, in)
	assert.Equal(t, []string{"a", "b<E"}, got)
}

func TestInputStream_DetectsTrueJSONArray(t *testing.T) {
	b := Builder{Config: Config{EOM: FileEOM}, Codec: message.MustCodec(message.TypeJSON), DetectArray: true}
	in := b.Input("f", strings.NewReader("\n [ {\"a\":1},\n {\"a\":2}, 3 ]\n"))

	got, soft := readAll(t, in)
	assert.Equal(t, []string{`{"a":1}`, `{"a":2}`}, got)
	assert.Len(t, soft, 1, "non-object element is a decode error")
}

func TestInputStream_DetectArrayFallsBackToLines(t *testing.T) {
	b := Builder{Config: Config{EOM: FileEOM}, Codec: message.MustCodec(message.TypeJSON), DetectArray: true}
	in := b.Input("f", strings.NewReader("{\"a\":1}\n{\"a\":2}\n"))

	got, _ := readAll(t, in)
	assert.Equal(t, []string{`{"a":1}`, `{"a":2}`}, got)
}

func TestInputStream_MessageTooLarge(t *testing.T) {
	b := pipeBuilder(message.TypePlain)
	b.MaxMessageSize = 8
	in := b.Input("f", strings.NewReader("a\x1e"+strings.Repeat("x", 100)+"\x1eb\x1e"+strings.Repeat("y", 20)+"\x1ec\x1e\x00"))

	msg, err := in.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", string(msg.Original()))

	_, err = in.Next()
	var decErr *message.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Equal(t, "xxxxxxxx", string(decErr.Fragment))
	assert.Contains(t, err.Error(), "100 bytes dropped")
	assert.Equal(t, int64(2), in.Position())

	out, soft := readAll(t, in)
	assert.Equal(t, []string{"b", "c"}, out, "reading goes on after an oversized span")
	require.Len(t, soft, 1)
	assert.ErrorIs(t, soft[0], ErrMessageTooLarge)
	assert.Equal(t, int64(5), in.Position())
}

func TestInputStream_OversizedTailAtEOF(t *testing.T) {
	b := pipeBuilder(message.TypePlain)
	b.MaxMessageSize = 8
	in := b.Input("f", strings.NewReader("a\x1e"+strings.Repeat("z", 30)))

	_, err := in.Next()
	require.NoError(t, err)
	_, err = in.Next()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	_, err = in.Next()
	assert.ErrorIs(t, err, io.EOF)
}

type closeReader struct {
	io.Reader
	closes int
}

func (c *closeReader) Close() error {
	c.closes++
	return nil
}

type closeWriter struct {
	bytes.Buffer
	closes int
}

func (c *closeWriter) Close() error {
	c.closes++
	return nil
}

func TestInputStream_CloseIsIdempotent(t *testing.T) {
	src := &closeReader{Reader: strings.NewReader("a")}
	in := pipeBuilder(message.TypePlain).Input("f", src)
	require.NoError(t, in.Close())
	require.NoError(t, in.Close())
	assert.Equal(t, 1, src.closes)

	_, err := in.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOutputStream_FlushIsIdempotent(t *testing.T) {
	var sink bytes.Buffer
	out := pipeBuilder(message.TypePlain).Output(&sink)

	require.NoError(t, out.WriteMessage(message.New(message.MustCodec(message.TypePlain), []byte("m1"))))
	out.Write([]byte("m2"))
	require.NoError(t, out.Flush())
	require.NoError(t, out.Flush())
	require.NoError(t, out.EOP())
	require.NoError(t, out.Flush())
	require.NoError(t, out.EOP())

	assert.Equal(t, "m1\x1em2\x1e\x00", sink.String())
}

func TestOutputStream_DropDiscardsBuffered(t *testing.T) {
	var sink bytes.Buffer
	out := pipeBuilder(message.TypePlain).Output(&sink)

	out.Write([]byte("keep"))
	require.NoError(t, out.Flush())
	out.Write([]byte("partial-1"))
	out.Write([]byte("partial-2"))
	assert.Equal(t, 2, out.Pending())
	out.Drop()
	require.NoError(t, out.Flush())

	assert.Equal(t, "keep\x1e", sink.String())
}

func TestOutputStream_RejectsOtherMessageType(t *testing.T) {
	var sink bytes.Buffer
	out := pipeBuilder(message.TypeTTL).Output(&sink)

	err := out.WriteMessage(message.New(message.MustCodec(message.TypeJSON), []byte(`{}`)))
	var encErr *message.EncodeError
	require.True(t, errors.As(err, &encErr))
	assert.Zero(t, out.Pending())
}

func TestOutputStream_CloseDiscardsUnflushed(t *testing.T) {
	sink := &closeWriter{}
	out := pipeBuilder(message.TypePlain).Output(sink)
	out.Write([]byte("never"))
	require.NoError(t, out.Close())
	require.NoError(t, out.Close())

	assert.Equal(t, 1, sink.closes)
	assert.Empty(t, sink.String())
	assert.Error(t, out.Flush())
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{EOM: ""}.Validate(true))
	assert.Error(t, Config{EOM: "\n"}.Validate(false))
	assert.NoError(t, Config{EOM: "\n"}.Validate(true))
	assert.NoError(t, Config{EOM: StreamEOM, EOP: StreamEOP}.Validate(false))
}
