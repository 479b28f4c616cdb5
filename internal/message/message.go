package message

// IncompleteKey is the JSON field carrying the incomplete marker.
const IncompleteKey = "_incomplete"

// Origin locates a message within the source it was read from. Path is
// empty for unnamed sources like standard input.
type Origin struct {
	Source string
	Path   string
	Index  int64
}

// Message is a single unit of data travelling through a stage.
//
// A message is always in one of three states: encoded only (raw bytes
// known, content not decoded yet), decoded only (content set by a
// transform, wire form not built yet) or both in sync. Decode and Encode
// move it to the synced state and are no-ops afterwards.
type Message struct {
	codec      Codec
	// original is the fragment the message was read from; raw is the
	// current wire form and diverges from it once the content changes.
	original   []byte
	raw        []byte
	content    any
	encoded    bool
	decoded    bool
	incomplete bool
	origin     Origin
}

// New wraps a wire fragment. The fragment is copied.
func New(codec Codec, raw []byte) *Message {
	frag := append([]byte(nil), raw...)
	return &Message{
		codec:    codec,
		original: frag,
		raw:      frag,
		encoded:  true,
	}
}

// FromContent wraps already decoded content.
func FromContent(codec Codec, content any) *Message {
	m := &Message{
		codec:   codec,
		content: content,
		decoded: true,
	}
	m.readIncomplete()
	return m
}

func (m *Message) Type() Type     { return m.codec.Type() }
func (m *Message) Codec() Codec   { return m.codec }
func (m *Message) Origin() Origin { return m.origin }

// SetOrigin records where the message came from.
func (m *Message) SetOrigin(o Origin) {
	m.origin = o
}

// Decode builds the content from the wire form.
func (m *Message) Decode() error {
	if m.decoded {
		return nil
	}
	content, err := m.codec.Decode(m.raw)
	if err != nil {
		return &DecodeError{Format: m.codec.Type().String(), Fragment: m.raw, Err: err}
	}
	m.content = content
	m.decoded = true
	m.readIncomplete()
	return nil
}

// Encode builds (or returns the cached) wire form.
func (m *Message) Encode() ([]byte, error) {
	if !m.encoded {
		raw, err := m.codec.Encode(m.content)
		if err != nil {
			return nil, &EncodeError{Format: m.codec.Type().String(), Err: err}
		}
		m.raw = raw
		m.encoded = true
	}
	return m.raw, nil
}

// Content returns the decoded content, decoding on first use. Callers that
// modify the returned value in place must hand it back through SetContent.
func (m *Message) Content() (any, error) {
	if err := m.Decode(); err != nil {
		return nil, err
	}
	return m.content, nil
}

// JSON returns the content of a json message as a document.
func (m *Message) JSON() (map[string]any, error) {
	c, err := m.Content()
	if err != nil {
		return nil, err
	}
	doc, _ := c.(map[string]any)
	return doc, nil
}

// SetContent replaces the content and invalidates the cached wire form.
func (m *Message) SetContent(content any) {
	m.content = content
	m.decoded = true
	m.encoded = false
	m.readIncomplete()
}

// Original returns a copy of the fragment the message was read from. It
// is nil for messages built from content.
func (m *Message) Original() []byte {
	if m.original == nil {
		return nil
	}
	return append([]byte(nil), m.original...)
}

// Incomplete reports whether required data is known to be missing.
func (m *Message) Incomplete() bool {
	return m.incomplete
}

// SetIncomplete sets the incomplete marker and returns the previous value.
// For json messages the marker is also stored in the document.
func (m *Message) SetIncomplete(v bool) bool {
	old := m.incomplete
	m.incomplete = v
	if m.codec.Type() == TypeJSON {
		if err := m.Decode(); err == nil {
			doc, ok := m.content.(map[string]any)
			if !ok || doc == nil {
				doc = map[string]any{}
			}
			doc[IncompleteKey] = v
			m.content = doc
			m.encoded = false
		}
	}
	return old
}

func (m *Message) readIncomplete() {
	if doc, ok := m.content.(map[string]any); ok {
		if v, ok := doc[IncompleteKey].(bool); ok {
			m.incomplete = v
		}
	}
}
