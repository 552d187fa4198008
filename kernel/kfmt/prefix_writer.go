package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is true when the last write did not end with a line feed.
	midLine bool
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the number of written bytes returned by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, lineStart int

	for i := 0; i < len(p); i++ {
		if p[i] != '\n' && i != len(p)-1 {
			continue
		}

		if !w.midLine {
			w.Sink.Write(w.Prefix)
		}

		n, err := w.Sink.Write(p[lineStart : i+1])
		written += n
		if err != nil {
			return written, err
		}

		w.midLine = p[i] != '\n'
		lineStart = i + 1
	}

	return written, nil
}
