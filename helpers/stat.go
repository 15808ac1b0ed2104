package helpers

import (
	"io"
	"sync/atomic"
)

// Adder is satisfied by *expvar.Int and *Count.
type Adder interface {
	Add(delta int64)
}

type Count struct{ v int64 }

func (c *Count) Add(delta int64) { atomic.AddInt64(&c.v, delta) }
func (c *Count) Value() int64    { return atomic.LoadInt64(&c.v) }

// StatReader adds number of bytes read plus F per call to V.
type StatReader struct {
	R io.Reader
	V Adder
	F int64
}

var _ io.Reader = &StatReader{}

func NewStatReader(r io.Reader, v Adder, fix int64) *StatReader {
	return &StatReader{R: r, F: fix, V: v}
}

func (sr *StatReader) Read(p []byte) (n int, err error) {
	n, err = sr.R.Read(p)
	sr.V.Add(int64(n) + sr.F)
	return
}

// StatWriter adds number of bytes written plus F per call to V.
type StatWriter struct {
	W io.Writer
	V Adder
	F int64
}

var _ io.Writer = &StatWriter{}

func NewStatWriter(w io.Writer, v Adder, fix int64) *StatWriter {
	return &StatWriter{W: w, F: fix, V: v}
}

func (sw *StatWriter) Write(p []byte) (n int, err error) {
	n, err = sw.W.Write(p)
	sw.V.Add(int64(n) + sw.F)
	return
}
