package stream

import (
	"errors"
	"fmt"
	"io"

	"dataflow/internal/message"
)

const (
	// DefaultMaxMessageSize bounds a single input span.
	DefaultMaxMessageSize = 64 << 20

	// Pipe mode markers.
	StreamEOM = "\x1e"
	StreamEOP = "\x00"
	// File mode markers.
	FileEOM = "\n"
	FileEOP = ""
)

var errEOP = errors.New("end of process marker")

// ErrMessageTooLarge is wrapped in the *message.DecodeError returned for a
// span longer than the size limit. The span is dropped up to the next
// end-of-message marker and reading goes on.
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// Config carries the framing markers of a stream.
type Config struct {
	EOM string
	EOP string
}

// Validate rejects markers that cannot frame messages. allowNewline permits
// "\n" as EOM (file mode default, newline-delimited input).
func (c Config) Validate(allowNewline bool) error {
	if c.EOM == "" {
		return errors.New("end-of-message marker can not be empty")
	}
	if c.EOM == "\n" && !allowNewline {
		return errors.New("newline is not allowed as end-of-message marker, it is contained in messages")
	}
	return nil
}

// Builder constructs fully initialized streams for one message type.
type Builder struct {
	Config         Config
	Codec          message.Codec
	MaxMessageSize int
	// DetectArray lets input streams read a true JSON array, one element per message.
	DetectArray bool
}

// Input binds an input stream to r. r is closed by the stream if it is an io.Closer.
func (b Builder) Input(name string, r io.Reader) *InputStream {
	size := b.MaxMessageSize
	if size <= 0 {
		size = DefaultMaxMessageSize
	}
	s := &InputStream{
		name:        name,
		codec:       b.Codec,
		eom:         []byte(b.Config.EOM),
		eop:         []byte(b.Config.EOP),
		maxSize:     size,
		detectArray: b.DetectArray && b.Codec.Type() == message.TypeJSON,
	}
	s.Reset(r)
	return s
}

// Output binds an output stream to w. w is closed by the stream if it is an io.Closer.
func (b Builder) Output(w io.Writer) *OutputStream {
	s := &OutputStream{
		codec: b.Codec,
		eom:   []byte(b.Config.EOM),
		eop:   []byte(b.Config.EOP),
	}
	s.Reset(w)
	return s
}

func typeMismatch(want message.Codec, got *message.Message) error {
	return &message.EncodeError{
		Format: want.Type().String(),
		Err:    fmt.Errorf("stream expects %s messages, got %s", want.Type(), got.Type()),
	}
}
