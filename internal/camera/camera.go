// Package camera produces JPEG frames for upload.
// Sensor and encoder are external: a file refreshed by a capture daemon
// or a command printing JPEG to stdout.
package camera

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/metercam/log2"
)

const (
	DefaultCommandTimeout = 10 * time.Second
	MaxFrameSize          = 8 << 20
)

var (
	ErrBusy          = errors.New("camera frame not released")
	ErrCaptureFailed = errors.New("camera capture failed")
)

type Camera interface {
	Capture(ctx context.Context) (*Frame, error)
	io.Closer
}

var jpegSOI = []byte{0xff, 0xd8}

func checkJPEG(b []byte) error {
	if len(b) == 0 {
		return errors.Annotate(ErrCaptureFailed, "empty frame")
	}
	if !bytes.HasPrefix(b, jpegSOI) {
		return errors.Annotatef(ErrCaptureFailed, "not JPEG len=%d head=%x", len(b), b[:minInt(len(b), 4)])
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type FileCamera struct {
	fb   frameBuffer
	log  *log2.Log
	path string
}

func NewFileCamera(log *log2.Log, path string) *FileCamera {
	return &FileCamera{log: log, path: path}
}

func (self *FileCamera) Capture(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return self.fb.acquire(func(buf []byte) ([]byte, error) {
		f, err := os.Open(self.path)
		if err != nil {
			return nil, errors.Wrapf(err, ErrCaptureFailed, "camera file=%s: %v", self.path, err)
		}
		defer f.Close()
		w := bytes.NewBuffer(buf)
		if _, err = io.Copy(w, io.LimitReader(f, MaxFrameSize)); err != nil {
			return nil, errors.Wrapf(err, ErrCaptureFailed, "camera file=%s: %v", self.path, err)
		}
		b := w.Bytes()
		if err = checkJPEG(b); err != nil {
			return nil, errors.Annotatef(err, "camera file=%s", self.path)
		}
		self.log.Debugf("camera file=%s len=%d", self.path, len(b))
		return b, nil
	})
}

func (self *FileCamera) Close() error { return nil }

// CommandCamera runs argv per capture and takes JPEG from its stdout.
type CommandCamera struct {
	fb      frameBuffer
	log     *log2.Log
	argv    []string
	Timeout time.Duration
}

func NewCommandCamera(log *log2.Log, argv []string) (*CommandCamera, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.NotValidf("camera command empty")
	}
	return &CommandCamera{log: log, argv: argv, Timeout: DefaultCommandTimeout}, nil
}

func (self *CommandCamera) Capture(ctx context.Context) (*Frame, error) {
	return self.fb.acquire(func(buf []byte) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, self.Timeout)
		defer cancel()
		cmd := exec.CommandContext(ctx, self.argv[0], self.argv[1:]...)
		stdout := bytes.NewBuffer(buf)
		var stderr bytes.Buffer
		cmd.Stdout = stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, errors.Wrapf(err, ErrCaptureFailed, "camera command=%s: %v stderr=%s",
				strings.Join(self.argv, " "), err, bytes.TrimSpace(stderr.Bytes()))
		}
		b := stdout.Bytes()
		if len(b) > MaxFrameSize {
			return nil, errors.Annotatef(ErrCaptureFailed, "camera frame too large len=%d", len(b))
		}
		if err := checkJPEG(b); err != nil {
			return nil, errors.Annotatef(err, "camera command=%s", self.argv[0])
		}
		self.log.Debugf("camera command=%s len=%d", self.argv[0], len(b))
		return b, nil
	})
}

func (self *CommandCamera) Close() error { return nil }
