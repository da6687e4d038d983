package helpers

import (
	"expvar"
	"io"
)

// StatReader adds bytes read to V. Nil V disables counting.
type StatReader struct {
	R io.Reader
	V *expvar.Int
}

var _ io.Reader = &StatReader{}

func NewStatReader(r io.Reader, counter *expvar.Int) *StatReader {
	return &StatReader{R: r, V: counter}
}

func (sr *StatReader) Read(p []byte) (int, error) {
	n, err := sr.R.Read(p)
	if n > 0 && sr.V != nil {
		sr.V.Add(int64(n))
	}
	return n, err
}

// StatWriter adds bytes written to V, short writes count only what was accepted.
type StatWriter struct {
	W io.Writer
	V *expvar.Int
}

var _ io.Writer = &StatWriter{}

func NewStatWriter(w io.Writer, counter *expvar.Int) *StatWriter {
	return &StatWriter{W: w, V: counter}
}

func (sw *StatWriter) Write(p []byte) (int, error) {
	n, err := sw.W.Write(p)
	if n > 0 && sw.V != nil {
		sw.V.Add(int64(n))
	}
	return n, err
}
