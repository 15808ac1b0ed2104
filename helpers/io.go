package helpers

import (
	"io"
)

func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == len(b) {
			return nil
		}
		b = b[n:]
	}
	return nil
}

// WriteChunks sends b in pieces of at most size bytes, last piece is the remainder.
// Returns number of chunks fully written.
// Before each chunk, before(i) is called if not nil, useful to refresh deadlines.
func WriteChunks(w io.Writer, b []byte, size int, before func(i int) error) (int, error) {
	if size <= 0 {
		panic("code error WriteChunks size must be positive")
	}
	count := 0
	for off := 0; off < len(b); off += size {
		end := off + size
		if end > len(b) {
			end = len(b)
		}
		if before != nil {
			if err := before(count); err != nil {
				return count, err
			}
		}
		if err := WriteAll(w, b[off:end]); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
