package proto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageBytes bounds a single wire line. Snapshots with large vectors
// fit comfortably; anything bigger is treated as malformed rather than
// letting a broken client grow the read buffer without limit.
const MaxMessageBytes = 16 << 20

// Decoder reads newline-delimited JSON messages from a stream.
// Not safe for concurrent use; each connection has exactly one reader.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxMessageBytes)
	return &Decoder{scanner: scanner}
}

// Decode reads the next line and unmarshals it into v.
// Returns io.EOF once the stream ends cleanly. Blank lines are skipped so a
// trailing newline from a hand-driven client is harmless.
func (d *Decoder) Decode(v any) error {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(trimSpace(line)) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		return nil
	}
	if err := d.scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// trimSpace strips ASCII whitespace without allocating.
func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// Encoder writes newline-delimited JSON messages to a stream.
// Each message goes out as a single Write so lines never interleave even if
// the underlying writer is shared.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it followed by a newline.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
