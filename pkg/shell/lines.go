package shell

import (
	"bytes"

	"github.com/selfie-sh/selfie/pkg/engine"
)

// maxLineLength caps how much unterminated output is buffered before it is
// emitted as a partial line.
const maxLineLength = 64 * 1024

// LineWriter splits a byte stream into output lines. It is not safe for
// concurrent writes; exec.Cmd and ssh.Session copy each stream from a single
// goroutine.
type LineWriter struct {
	stream engine.Stream
	emit   func(engine.OutputLine)
	buf    []byte
}

// NewLineWriter returns a writer that calls emit for every line of stream.
func NewLineWriter(stream engine.Stream, emit func(engine.OutputLine)) *LineWriter {
	return &LineWriter{stream: stream, emit: emit}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(engine.OutputLine{Stream: w.stream, Text: string(bytes.TrimSuffix(w.buf[:i], []byte{'\r'}))})
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineLength {
		w.Flush()
	}
	return len(p), nil
}

// Flush emits buffered output that has no line terminator.
func (w *LineWriter) Flush() {
	if len(w.buf) == 0 {
		return
	}
	w.emit(engine.OutputLine{Stream: w.stream, Text: string(w.buf), Partial: true})
	w.buf = nil
}
