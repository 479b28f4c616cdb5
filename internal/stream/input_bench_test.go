package stream

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"dataflow/internal/message"
)

// BenchmarkInputStreamJSON measures framing plus decoding of pipe-mode JSON messages
func BenchmarkInputStreamJSON(b *testing.B) {
	var buf bytes.Buffer
	for i := 0; i < 1000; i++ {
		buf.WriteString(`{"_id":"task-1","_type":"task","status":"done","events":[1,2,3]}`)
		buf.WriteString(StreamEOM)
	}
	buf.WriteString(StreamEOP)
	data := buf.Bytes()
	builder := Builder{Config: Config{EOM: StreamEOM, EOP: StreamEOP}, Codec: message.MustCodec(message.TypeJSON)}

	b.ReportAllocs()
	b.SetBytes(int64(len(data)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		in := builder.Input("bench", bytes.NewReader(data))
		for {
			_, err := in.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				b.Fatal(err)
			}
		}
	}
}
