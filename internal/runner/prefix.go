package runner

import (
	"bytes"
	"io"
)

// lineWriter tags each line of a child's output with the program name so
// interleaved output from several children stays attributable.
//
// Bytes are buffered until a newline arrives; each complete line goes to the
// destination as a single Write. Flush emits a trailing partial line, with a
// newline appended, once the child is done.
type lineWriter struct {
	dst io.Writer
	pfx []byte
	buf []byte
}

func newLineWriter(dst io.Writer, name string) *lineWriter {
	return &lineWriter{
		dst: dst,
		pfx: []byte("[" + name + "] "),
	}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := make([]byte, 0, len(w.pfx)+i+1)
		line = append(line, w.pfx...)
		line = append(line, w.buf[:i+1]...)
		if _, err := w.dst.Write(line); err != nil {
			return len(p), err
		}
		w.buf = w.buf[i+1:]
	}
}

// Flush writes any buffered partial line. Call after the child exits.
func (w *lineWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	line := make([]byte, 0, len(w.pfx)+len(w.buf)+1)
	line = append(line, w.pfx...)
	line = append(line, w.buf...)
	line = append(line, '\n')
	w.buf = nil
	_, err := w.dst.Write(line)
	return err
}
