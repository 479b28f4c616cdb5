package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"dataflow/internal/message"
)

// InputStream splits one descriptor into messages on the EOM marker.
type InputStream struct {
	name        string
	codec       message.Codec
	eom         []byte
	eop         []byte
	maxSize     int
	detectArray bool

	r       io.Reader
	scanner *bufio.Scanner
	split   *splitter
	array   *json.Decoder
	started bool
	done    bool
	closed  bool
	pos     int64
}

// Next returns the next message. It returns io.EOF once the descriptor is
// exhausted or the EOP marker is met at a message boundary, and a
// *message.DecodeError for a span that does not decode; the stream stays
// usable after a decode error.
func (s *InputStream) Next() (*message.Message, error) {
	if s.done || s.closed {
		return nil, io.EOF
	}
	if !s.started {
		s.start()
	}
	if s.array != nil {
		return s.nextElement()
	}
	if !s.scanner.Scan() {
		s.done = true
		err := s.scanner.Err()
		if err == nil || errors.Is(err, errEOP) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read %s: %w", s.name, err)
	}
	if s.split.oversized {
		return nil, s.dropOversized()
	}
	return s.wrap(s.scanner.Bytes())
}

func (s *InputStream) dropOversized() error {
	s.pos++
	head, n := s.split.head, s.split.dropped
	s.split.reset()
	return &message.DecodeError{
		Format:   s.codec.Type().String(),
		Fragment: head,
		Err:      fmt.Errorf("%w: %d bytes dropped, limit %d", ErrMessageTooLarge, n, s.maxSize),
	}
}

// Position is the number of spans read so far.
func (s *InputStream) Position() int64 {
	return s.pos
}

// Name identifies the descriptor in diagnostics.
func (s *InputStream) Name() string {
	return s.name
}

// Reset rebinds the stream to r, closing the previous descriptor when it differs.
func (s *InputStream) Reset(r io.Reader) {
	if s.r != nil && s.r != r && !s.closed {
		if c, ok := s.r.(io.Closer); ok {
			_ = c.Close()
		}
	}
	s.r = r
	s.scanner = nil
	s.split = nil
	s.array = nil
	s.started = false
	s.done = false
	s.closed = false
	s.pos = 0
}

// Close releases the descriptor. Safe to call more than once.
func (s *InputStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *InputStream) start() {
	s.started = true
	br := bufio.NewReader(s.r)
	if s.detectArray && s.startArray(br) {
		return
	}
	initial := 64 * 1024
	if s.maxSize < initial {
		initial = s.maxSize
	}
	s.scanner = bufio.NewScanner(br)
	s.scanner.Buffer(make([]byte, 0, initial), s.maxSize)
	s.split = &splitter{eom: s.eom, eop: s.eop, max: s.maxSize}
	s.scanner.Split(s.split.scan)
}

// startArray consumes leading blanks and switches to element-wise decoding
// when the descriptor holds a JSON array.
func (s *InputStream) startArray(br *bufio.Reader) bool {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return false
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = br.ReadByte()
			continue
		case '[':
			dec := json.NewDecoder(br)
			if _, err := dec.Token(); err != nil {
				return false
			}
			s.array = dec
			return true
		default:
			return false
		}
	}
}

func (s *InputStream) nextElement() (*message.Message, error) {
	if !s.array.More() {
		s.done = true
		return nil, io.EOF
	}
	var raw json.RawMessage
	if err := s.array.Decode(&raw); err != nil {
		s.done = true
		return nil, fmt.Errorf("read %s as JSON array: %w", s.name, err)
	}
	return s.wrap(raw)
}

func (s *InputStream) wrap(raw []byte) (*message.Message, error) {
	s.pos++
	msg := message.New(s.codec, raw)
	msg.SetOrigin(message.Origin{Source: s.name, Index: s.pos})
	if err := msg.Decode(); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		msg.SetIncomplete(true)
	}
	return msg, nil
}

// splitter splits on eom and stops when eop starts a span. A span that
// reaches max bytes without an eom is consumed up to the next eom and
// reported as one empty token with oversized set.
type splitter struct {
	eom, eop []byte
	max      int

	discarding bool
	oversized  bool
	head       []byte
	dropped    int
}

func (sp *splitter) reset() {
	sp.oversized = false
	sp.head = nil
	sp.dropped = 0
}

func (sp *splitter) scan(data []byte, atEOF bool) (int, []byte, error) {
	if sp.discarding {
		return sp.discard(data, atEOF)
	}
	if len(sp.eop) > 0 {
		if bytes.HasPrefix(data, sp.eop) {
			return len(sp.eop), nil, errEOP
		}
		if !atEOF && len(data) < len(sp.eop) && bytes.HasPrefix(sp.eop, data) {
			return 0, nil, nil
		}
	}
	if i := bytes.Index(data, sp.eom); i >= 0 {
		return i + len(sp.eom), data[:i], nil
	}
	if len(data) >= sp.max {
		sp.discarding = true
		sp.head = append([]byte(nil), data[:min(len(data), message.MaxExcerpt)]...)
		return sp.discard(data, atEOF)
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (sp *splitter) discard(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, sp.eom); i >= 0 {
		sp.dropped += i
		sp.discarding, sp.oversized = false, true
		return i + len(sp.eom), []byte{}, nil
	}
	if atEOF {
		sp.dropped += len(data)
		sp.discarding, sp.oversized = false, true
		return len(data), []byte{}, nil
	}
	// keep a tail that may be the start of a split eom
	n := max(len(data)-(len(sp.eom)-1), 0)
	sp.dropped += n
	return n, nil, nil
}
