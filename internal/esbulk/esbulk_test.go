package esbulk

import (
	"errors"
	"testing"

	"dataflow/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func format(t *testing.T, f *Formatter, doc string) string {
	t.Helper()
	out, err := f.Encode(message.New(message.MustCodec(message.TypeJSON), []byte(doc)))
	require.NoError(t, err)
	return string(out)
}

func TestFormat_IndexAction(t *testing.T) {
	f := New(DefaultConfig())
	got := format(t, f, `{"_id":"x1","_type":"doc","Status":"done","n":10}`)
	assert.Equal(t,
		`{"index":{"_index":"tasks_production","_id":"x1"}}`+"\n"+
			`{"n":10,"status":"done"}`+"\n", got)
}

func TestFormat_UpdateRequestedByDocument(t *testing.T) {
	f := New(DefaultConfig())
	got := format(t, f, `{"_id":"x2","_type":"doc","_update":true,"a":"b"}`)
	assert.Equal(t,
		`{"update":{"_index":"tasks_production","_id":"x2","_retry_on_conflict":3}}`+"\n"+
			`{"doc":{"a":"b"},"doc_as_upsert":true}`+"\n", got)
}

func TestFormat_IncompleteDocumentUpserts(t *testing.T) {
	f := New(DefaultConfig())
	got := format(t, f, `{"_id":"x","_incomplete":true,"a":1}`)
	assert.Equal(t,
		`{"update":{"_index":"tasks_production","_id":"x","_retry_on_conflict":3}}`+"\n"+
			`{"doc":{"a":1},"doc_as_upsert":false,"upsert":{"_update_required":true,"a":1}}`+"\n", got)
}

func TestFormat_CompleteDocument(t *testing.T) {
	doc := `{"_id":"x","_incomplete":false,"a":1}`

	got := format(t, New(DefaultConfig()), doc)
	assert.Equal(t, `{"index":{"_index":"tasks_production","_id":"x"}}`+"\n"+`{"a":1}`+"\n", got)

	cfg := DefaultConfig()
	cfg.DefaultAction = ActionUpdate
	got = format(t, New(cfg), doc)
	assert.Equal(t,
		`{"update":{"_index":"tasks_production","_id":"x","_retry_on_conflict":3}}`+"\n"+
			`{"doc":{"_update_required":false,"a":1},"doc_as_upsert":true}`+"\n", got)
}

func TestFormat_IndexAliasesAndParent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Indices = map[string]string{"tasks": "tasks_v2", "progress": ""}
	cfg.UpdateRetries = 5
	f := New(cfg)

	assert.Equal(t,
		`{"index":{"_index":"tasks_v2","_id":1,"_parent":"p1"}}`+"\n"+`{}`+"\n",
		format(t, f, `{"_id":1,"_parent":"p1"}`))
	assert.Equal(t,
		`{"update":{"_index":"tasks_production","_id":"y","_retry_on_conflict":5}}`+"\n"+`{"doc":{},"doc_as_upsert":true}`+"\n",
		format(t, f, `{"_id":"y","_index":"progress","_update":true}`))
	assert.Contains(t, format(t, f, `{"_id":"y","_index":"other"}`), `"_index":"tasks_production"`)
}

func TestFormat_Errors(t *testing.T) {
	f := New(DefaultConfig())
	var encErr *message.EncodeError

	_, err := f.Encode(message.New(message.MustCodec(message.TypeJSON), []byte(`{"_type":"doc"}`)))
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, "esbulk", encErr.Format)

	_, err = f.Encode(message.New(message.MustCodec(message.TypeJSON), []byte(`{"_id":null}`)))
	assert.True(t, errors.As(err, &encErr))

	_, err = f.Encode(message.New(message.MustCodec(message.TypePlain), []byte(`x`)))
	assert.True(t, errors.As(err, &encErr))
}

func TestTruthy(t *testing.T) {
	assert.False(t, truthy(nil))
	assert.False(t, truthy("0"))
	assert.False(t, truthy(""))
	assert.True(t, truthy("yes"))
	assert.False(t, truthy(map[string]any{}))
	assert.True(t, truthy([]any{1}))
}
