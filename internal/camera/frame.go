package camera

import (
	"sync"
)

// Frame is one captured image borrowed from camera buffer.
// Release returns buffer to the camera, repeated calls are no-op.
type Frame struct {
	b    []byte
	once sync.Once
	done func()
}

// NewFrame wraps b, release is called once on first Release.
func NewFrame(b []byte, release func()) *Frame {
	return &Frame{b: b, done: release}
}

func (f *Frame) Bytes() []byte { return f.b }
func (f *Frame) Len() int      { return len(f.b) }

func (f *Frame) Release() {
	f.once.Do(func() {
		f.b = nil
		if f.done != nil {
			f.done()
		}
	})
}

// frameBuffer is the single reusable capture buffer.
// Only one frame may be outstanding.
type frameBuffer struct {
	mu   sync.Mutex
	busy bool
	data []byte
}

// acquire passes buffer (len 0) to fill, fill returns filled slice.
func (fb *frameBuffer) acquire(fill func(buf []byte) ([]byte, error)) (*Frame, error) {
	fb.mu.Lock()
	if fb.busy {
		fb.mu.Unlock()
		return nil, ErrBusy
	}
	fb.busy = true
	fb.mu.Unlock()

	b, err := fill(fb.data[:0])
	if err != nil {
		fb.release()
		return nil, err
	}
	fb.data = b
	return NewFrame(b, fb.release), nil
}

func (fb *frameBuffer) release() {
	fb.mu.Lock()
	fb.busy = false
	fb.mu.Unlock()
}
