package transformer

import (
	"context"
	"errors"
	"fmt"

	"dataflow/internal/message"
)

// ErrSkip filters an input message out without counting it as a failure.
var ErrSkip = errors.New("skip message")

// Transformer turns one input message into zero or more output messages.
// in is nil when the stage has no consumer.
type Transformer interface {
	Transform(ctx context.Context, in *message.Message) ([]*message.Message, error)
}

// Func adapts a plain function to Transformer.
type Func func(ctx context.Context, in *message.Message) ([]*message.Message, error)

func (f Func) Transform(ctx context.Context, in *message.Message) ([]*message.Message, error) {
	return f(ctx, in)
}

// Identity forwards every input message as one output of the output type.
type Identity struct {
	out message.Codec
}

func NewIdentity(out message.Codec) *Identity {
	return &Identity{out: out}
}

func (t *Identity) Transform(ctx context.Context, in *message.Message) ([]*message.Message, error) {
	_ = ctx
	if in == nil {
		return nil, nil
	}
	msg, err := Convert(in, t.out)
	if err != nil {
		return nil, err
	}
	return []*message.Message{msg}, nil
}

// Skip forwards input unchanged but marked incomplete, keeping the dataflow
// unbroken while the stage's own processing is switched off.
type Skip struct {
	out message.Codec
}

func NewSkip(out message.Codec) *Skip {
	return &Skip{out: out}
}

func (t *Skip) Transform(ctx context.Context, in *message.Message) ([]*message.Message, error) {
	_ = ctx
	if in == nil {
		return nil, nil
	}
	msg, err := Convert(in, t.out)
	if err != nil {
		return nil, err
	}
	msg.SetIncomplete(true)
	return []*message.Message{msg}, nil
}

// RequireFields drops JSON messages missing any of the fields with ErrSkip.
type RequireFields struct {
	fields []string
}

func NewRequireFields(fields ...string) *RequireFields {
	return &RequireFields{fields: fields}
}

func (t *RequireFields) Transform(ctx context.Context, in *message.Message) ([]*message.Message, error) {
	_ = ctx
	if in == nil {
		return nil, nil
	}
	doc, err := in.JSON()
	if err != nil {
		return nil, err
	}
	for _, f := range t.fields {
		if v, ok := doc[f]; !ok || v == nil {
			return nil, fmt.Errorf("field %q missing: %w", f, ErrSkip)
		}
	}
	return []*message.Message{in}, nil
}

// Chain feeds the outputs of each transformer into the next one.
type Chain []Transformer

func (c Chain) Transform(ctx context.Context, in *message.Message) ([]*message.Message, error) {
	msgs := []*message.Message{in}
	for _, t := range c {
		var next []*message.Message
		for _, m := range msgs {
			out, err := t.Transform(ctx, m)
			if err != nil {
				return nil, err
			}
			next = append(next, out...)
		}
		msgs = next
	}
	if len(msgs) == 1 && msgs[0] == nil {
		return nil, nil
	}
	return msgs, nil
}

// Convert re-types msg for codec. Messages already of the codec's type are
// returned as they are.
func Convert(msg *message.Message, codec message.Codec) (*message.Message, error) {
	if msg.Type() == codec.Type() {
		return msg, nil
	}
	content, err := msg.Content()
	if err != nil {
		return nil, err
	}
	var converted any
	switch codec.Type() {
	case message.TypePlain, message.TypeTTL:
		raw, err := msg.Encode()
		if err != nil {
			return nil, err
		}
		converted = string(raw)
	case message.TypeJSON:
		doc, ok := content.(map[string]any)
		if !ok {
			return nil, convertError(msg, codec)
		}
		converted = doc
	case message.TypeJSONList:
		switch v := content.(type) {
		case map[string]any:
			converted = []any{v}
		default:
			return nil, convertError(msg, codec)
		}
	default:
		return nil, convertError(msg, codec)
	}
	out := message.FromContent(codec, converted)
	out.SetOrigin(msg.Origin())
	if msg.Incomplete() {
		out.SetIncomplete(true)
	}
	return out, nil
}

func convertError(msg *message.Message, codec message.Codec) error {
	return &message.EncodeError{
		Format: codec.Type().String(),
		Err:    fmt.Errorf("can not convert %s message", msg.Type()),
	}
}
