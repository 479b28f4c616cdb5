// Package esbulk shapes JSON documents into Elasticsearch bulk API records:
// an action line followed by a data line.
package esbulk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"dataflow/internal/message"
)

// Action is the bulk operation applied to a document.
type Action string

const (
	ActionIndex  Action = "index"
	ActionUpdate Action = "update"
)

const (
	DefaultAlias         = "tasks"
	DefaultIndex         = "tasks_production"
	DefaultUpdateRetries = 3
)

// Service fields read from input documents.
const (
	fieldID         = "_id"
	fieldIndex      = "_index"
	fieldParent     = "_parent"
	fieldUpdate     = "_update"
	fieldIncomplete = "_incomplete"
	fieldRequired   = "_update_required"
)

var errNoID = errors.New(`required field "_id" is not set or empty`)

type Config struct {
	// DefaultAction applies unless a document asks for an update.
	DefaultAction Action
	// Indices maps index aliases to index names. Aliases with an empty
	// name fall back to DefaultIndex.
	Indices       map[string]string
	DefaultIndex  string
	DefaultAlias  string
	UpdateRetries int
}

func DefaultConfig() Config {
	return Config{
		DefaultAction: ActionIndex,
		Indices:       map[string]string{},
		DefaultIndex:  DefaultIndex,
		DefaultAlias:  DefaultAlias,
		UpdateRetries: DefaultUpdateRetries,
	}
}

// Formatter turns documents into bulk records.
type Formatter struct {
	cfg Config
}

func New(cfg Config) *Formatter {
	if cfg.DefaultAction == "" {
		cfg.DefaultAction = ActionIndex
	}
	if cfg.DefaultIndex == "" {
		cfg.DefaultIndex = DefaultIndex
	}
	if cfg.DefaultAlias == "" {
		cfg.DefaultAlias = DefaultAlias
	}
	return &Formatter{cfg: cfg}
}

type actionMeta struct {
	Index           string `json:"_index"`
	ID              any    `json:"_id"`
	RetryOnConflict *int   `json:"_retry_on_conflict,omitempty"`
	Parent          any    `json:"_parent,omitempty"`
}

type updateBody struct {
	Doc         map[string]any `json:"doc"`
	DocAsUpsert bool           `json:"doc_as_upsert"`
	Upsert      map[string]any `json:"upsert,omitempty"`
}

// Encode formats a json message. Failures are *message.EncodeError.
func (f *Formatter) Encode(msg *message.Message) ([]byte, error) {
	if msg.Type() != message.TypeJSON {
		return nil, encodeError(fmt.Errorf("expected json message, got %s", msg.Type()))
	}
	doc, err := msg.JSON()
	if err != nil {
		return nil, err
	}
	out, err := f.Format(doc)
	if err != nil {
		return nil, encodeError(err)
	}
	return out, nil
}

// Format returns the action line and the data line, each terminated by a newline.
func (f *Formatter) Format(doc map[string]any) ([]byte, error) {
	if v, ok := doc[fieldID]; !ok || v == nil {
		return nil, errNoID
	}
	row := lowerKeys(doc)
	act := f.action(row)

	meta := actionMeta{
		Index: f.index(row),
		ID:    row[fieldID],
	}
	if act == ActionUpdate {
		retries := f.cfg.UpdateRetries
		meta.RetryOnConflict = &retries
	}
	if p, ok := row[fieldParent]; ok && p != nil {
		meta.Parent = p
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[Action]actionMeta{act: meta}); err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	if err := enc.Encode(f.data(row, act)); err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	return buf.Bytes(), nil
}

func (f *Formatter) action(row map[string]any) Action {
	if v, ok := row[fieldUpdate].(bool); ok && v {
		return ActionUpdate
	}
	if v, ok := row[fieldIncomplete].(bool); ok && v {
		return ActionUpdate
	}
	return f.cfg.DefaultAction
}

func (f *Formatter) index(row map[string]any) string {
	alias := f.cfg.DefaultAlias
	if v, ok := row[fieldIndex]; ok {
		alias = fmt.Sprint(v)
	}
	if name := f.cfg.Indices[alias]; name != "" {
		return name
	}
	return f.cfg.DefaultIndex
}

func (f *Formatter) data(row map[string]any, act Action) any {
	clean := make(map[string]any, len(row))
	for k, v := range row {
		if !strings.HasPrefix(k, "_") {
			clean[k] = v
		}
	}
	insert := clean
	update := clean

	raw, hasIncomplete := row[fieldIncomplete]
	incomplete := hasIncomplete && truthy(raw)
	if hasIncomplete && raw != nil {
		if incomplete || act == ActionUpdate {
			insert = with(clean, fieldRequired, incomplete)
		}
		if !incomplete {
			update = with(clean, fieldRequired, false)
		}
	}

	if act != ActionUpdate {
		return insert
	}
	body := updateBody{Doc: update, DocAsUpsert: !incomplete}
	if incomplete {
		body.Upsert = insert
	}
	return body
}

// lowerKeys lower-cases top level keys. On collision the key that sorts
// last wins.
func lowerKeys(doc map[string]any) map[string]any {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(doc))
	for _, k := range keys {
		out[strings.ToLower(k)] = doc[k]
	}
	return out
}

func with(doc map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out[key] = value
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "0"
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case float64:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

func encodeError(err error) error {
	return &message.EncodeError{Format: "esbulk", Err: err}
}
