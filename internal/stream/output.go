package stream

import (
	"bufio"
	"fmt"
	"io"

	"dataflow/internal/message"

	"go.uber.org/multierr"
)

// OutputStream buffers encoded messages and writes them framed by EOM.
type OutputStream struct {
	codec   message.Codec
	eom     []byte
	eop     []byte
	w       io.Writer
	bw      *bufio.Writer
	pending [][]byte
	eopSent bool
	closed  bool
}

// Write buffers one already encoded message.
func (s *OutputStream) Write(data []byte) {
	s.pending = append(s.pending, append([]byte(nil), data...))
}

// WriteMessage encodes msg and buffers it.
func (s *OutputStream) WriteMessage(msg *message.Message) error {
	if msg.Type() != s.codec.Type() {
		return typeMismatch(s.codec, msg)
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	s.Write(data)
	return nil
}

// Pending is the number of buffered messages.
func (s *OutputStream) Pending() int {
	return len(s.pending)
}

// Flush writes buffered messages to the descriptor. Flushing an empty
// buffer writes nothing.
func (s *OutputStream) Flush() error {
	if s.closed {
		return fmt.Errorf("flush: stream closed")
	}
	for _, data := range s.pending {
		if _, err := s.bw.Write(data); err != nil {
			return fmt.Errorf("write message: %w", err)
		}
		if _, err := s.bw.Write(s.eom); err != nil {
			return fmt.Errorf("write eom: %w", err)
		}
	}
	s.pending = s.pending[:0]
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Drop discards buffered messages.
func (s *OutputStream) Drop() {
	s.pending = s.pending[:0]
}

// EOP flushes pending messages and writes the EOP marker once.
func (s *OutputStream) EOP() error {
	if s.eopSent {
		return nil
	}
	if err := s.Flush(); err != nil {
		return err
	}
	s.eopSent = true
	if len(s.eop) == 0 {
		return nil
	}
	if _, err := s.bw.Write(s.eop); err != nil {
		return fmt.Errorf("write eop: %w", err)
	}
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Reset rebinds the stream to w. Unflushed messages are kept.
func (s *OutputStream) Reset(w io.Writer) {
	if s.bw != nil && !s.closed {
		_ = s.bw.Flush()
	}
	s.w = w
	s.bw = bufio.NewWriter(w)
	s.eopSent = false
	s.closed = false
}

// Close flushes what was already written and releases the descriptor.
// Buffered messages that were never flushed are discarded. Safe to call
// more than once.
func (s *OutputStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	err := s.bw.Flush()
	if c, ok := s.w.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}
