package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dataflow/internal/message"
)

// ErrDestination marks failures of the destination itself (directory, file,
// broker). They are fatal for the stage.
var ErrDestination = errors.New("destination error")

// Producer writes encoded messages to a destination. Writes are buffered
// until Flush; Drop discards them. It is not safe for concurrent use.
type Producer interface {
	// Write encodes msg and buffers it. Encoding failures are
	// *message.EncodeError, destination failures wrap ErrDestination.
	Write(msg *message.Message) error
	Flush(ctx context.Context) error
	Drop()
	// EOP finalizes the destination streams; nothing but Close may follow.
	EOP(ctx context.Context) error
	Close() error
	DestInfo() DestInfo
}

// DestInfo describes where the last message went.
type DestInfo struct {
	Kind    Kind
	Path    string
	Subject string
}

// Encoder produces the wire form of an output message.
type Encoder interface {
	Encode(msg *message.Message) ([]byte, error)
}

// MessageEncoder encodes messages of one type with their own codec.
type MessageEncoder struct {
	Codec message.Codec
}

func (e MessageEncoder) Encode(msg *message.Message) ([]byte, error) {
	if msg.Type() != e.Codec.Type() {
		return nil, &message.EncodeError{
			Format: e.Codec.Type().String(),
			Err:    fmt.Errorf("producer expects %s messages, got %s", e.Codec.Type(), msg.Type()),
		}
	}
	return msg.Encode()
}

// UnknownPartition names the partition of messages lacking the field.
const UnknownPartition = "_unknown"

// Partitioner routes JSON messages by the value of a top level field.
// The zero value sends everything to one destination.
type Partitioner struct {
	Field string
}

// Key returns the partition of msg, "" when partitioning is off.
func (p Partitioner) Key(msg *message.Message) string {
	if p.Field == "" {
		return ""
	}
	doc, err := msg.JSON()
	if err != nil || doc == nil {
		return UnknownPartition
	}
	v, ok := doc[p.Field]
	if !ok || v == nil {
		return UnknownPartition
	}
	key := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, fmt.Sprint(v))
	if key == "" || key == "." || key == ".." {
		return UnknownPartition
	}
	return key
}

func destinationError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDestination, op, err)
}
