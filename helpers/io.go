package helpers

import (
	"io"
)

// WriteAll loops over short writes, socket writes on a busy link may accept
// only part of a frame.
func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n <= 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
