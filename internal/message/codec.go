package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Codec converts between the wire form and the in-memory content of one message type.
type Codec interface {
	Type() Type
	Decode(raw []byte) (any, error)
	Encode(content any) ([]byte, error)
	// Extension is the file extension used for files holding this type.
	Extension() string
}

// CodecFor resolves the codec for a type tag. mode only affects TypeJSONList.
func CodecFor(t Type, mode ListMode) (Codec, error) {
	switch t {
	case TypePlain:
		return plainCodec{}, nil
	case TypeJSON:
		return jsonCodec{}, nil
	case TypeJSONList:
		return jsonListCodec{mode: mode}, nil
	case TypeTTL:
		return ttlCodec{}, nil
	default:
		return nil, fmt.Errorf("no codec for message type %d", int(t))
	}
}

// MustCodec is CodecFor for statically known types.
func MustCodec(t Type) Codec {
	c, err := CodecFor(t, ListArray)
	if err != nil {
		panic(err)
	}
	return c
}

type plainCodec struct{}

func (plainCodec) Type() Type        { return TypePlain }
func (plainCodec) Extension() string { return ".txt" }

func (plainCodec) Decode(raw []byte) (any, error) {
	return string(raw), nil
}

func (plainCodec) Encode(content any) ([]byte, error) {
	return textBytes(content)
}

type ttlCodec struct{}

func (ttlCodec) Type() Type        { return TypeTTL }
func (ttlCodec) Extension() string { return ".ttl" }

func (ttlCodec) Decode(raw []byte) (any, error) {
	return string(raw), nil
}

func (ttlCodec) Encode(content any) ([]byte, error) {
	b, err := textBytes(content)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errEmptyTTL
	}
	return b, nil
}

func textBytes(content any) ([]byte, error) {
	switch v := content.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return append([]byte(nil), v...), nil
	case nil:
		return []byte{}, nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	default:
		return nil, fmt.Errorf("unsupported text content %T", content)
	}
}

type jsonCodec struct{}

func (jsonCodec) Type() Type        { return TypeJSON }
func (jsonCodec) Extension() string { return ".json" }

func (jsonCodec) Decode(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	if trimmed[0] != '{' {
		return nil, errors.New("not a JSON object")
	}
	var doc map[string]any
	if err := unmarshalOne(trimmed, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func (jsonCodec) Encode(content any) ([]byte, error) {
	if content == nil {
		return []byte("{}"), nil
	}
	b, err := marshal(content)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || b[0] != '{' {
		return nil, fmt.Errorf("content %T is not a JSON object", content)
	}
	return b, nil
}

type jsonListCodec struct {
	mode ListMode
}

func (jsonListCodec) Type() Type        { return TypeJSONList }
func (jsonListCodec) Extension() string { return ".json" }

func (c jsonListCodec) Decode(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []any{}, nil
	}
	if c.mode == ListArray {
		if trimmed[0] != '[' {
			return nil, errors.New("not a JSON array")
		}
		var list []any
		if err := unmarshalOne(trimmed, &list); err != nil {
			return nil, err
		}
		if list == nil {
			list = []any{}
		}
		return list, nil
	}
	list := []any{}
	for i, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var v any
		if err := unmarshalOne(line, &v); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		list = append(list, v)
	}
	return list, nil
}

func (c jsonListCodec) Encode(content any) ([]byte, error) {
	var list []any
	switch v := content.(type) {
	case nil:
		list = []any{}
	case []any:
		list = v
	case []map[string]any:
		list = make([]any, 0, len(v))
		for _, item := range v {
			list = append(list, item)
		}
	default:
		return nil, fmt.Errorf("unsupported list content %T", content)
	}
	if c.mode == ListArray {
		return marshal(list)
	}
	var buf bytes.Buffer
	for i, item := range list {
		b, err := marshal(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// unmarshalOne decodes exactly one JSON value, keeping numbers exact.
func unmarshalOne(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
