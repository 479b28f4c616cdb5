package message

import (
	"errors"
	"fmt"
)

// MaxExcerpt bounds how much of an offending fragment ends up in diagnostics.
const MaxExcerpt = 1000

var errEmptyTTL = errors.New("empty TTL statement")

// DecodeError reports a wire fragment that could not be decoded.
type DecodeError struct {
	Format   string
	Fragment []byte
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s message: %v (fragment %q)", e.Format, e.Err, Excerpt(e.Fragment, MaxExcerpt))
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError reports content that could not be encoded into its wire form.
type EncodeError struct {
	Format string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s message: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// Excerpt returns at most n bytes of b as a string, marking truncation.
func Excerpt(b []byte, n int) string {
	if n <= 0 || len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
