// Package upload sends a camera frame as multipart/form-data POST over a
// plain TCP stream and reads back a best effort response.
//
// One connection at a time: Client serializes Upload calls.
package upload

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/metercam/helpers"
	"github.com/temoto/metercam/log2"
)

const (
	DefaultChunkSize       = 1024
	DefaultConnectTimeout  = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultResponseTimeout = 10 * time.Second
	MaxResponseSize        = 64 << 10
)

var (
	ErrConnectFailed   = errors.New("upload connect failed")
	ErrSendFailed      = errors.New("upload send failed")
	ErrResponseTimeout = errors.New("upload response timeout")
	ErrBadResponse     = errors.New("upload bad response")
)

// Frame is a borrowed image buffer. Release returns it to the camera,
// must be safe to call more than once.
type Frame interface {
	Bytes() []byte
	Release()
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Client struct {
	mu     sync.Mutex
	log    *log2.Log
	dialer Dialer

	ChunkSize       int
	WriteTimeout    time.Duration
	ResponseTimeout time.Duration // inactivity, extended by every received byte
}

func NewClient(log *log2.Log, dialer Dialer) *Client {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: DefaultConnectTimeout}
	}
	return &Client{
		log:             log,
		dialer:          dialer,
		ChunkSize:       DefaultChunkSize,
		WriteTimeout:    DefaultWriteTimeout,
		ResponseTimeout: DefaultResponseTimeout,
	}
}

// Upload owns frame until the request body is written, then releases it.
// Frame is released on every return path.
// Connection is closed on every return path.
func (self *Client) Upload(ctx context.Context, frame Frame, target Target, identity string) (*Response, error) {
	defer frame.Release()
	self.mu.Lock()
	defer self.mu.Unlock()

	tbegin := time.Now()
	self.log.Debugf("upload connect %s", target.Addr())
	conn, err := self.dialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, errors.Wrapf(err, ErrConnectFailed, "upload connect %s: %v", target.Addr(), err)
	}
	defer conn.Close()

	n, err := self.writeRequest(conn, frame.Bytes(), target, identity)
	frame.Release()
	if err != nil {
		return nil, errors.Wrapf(err, ErrSendFailed, "upload send %s sent=%d: %v", target, n, err)
	}
	self.log.Debugf("upload sent %s bytes=%d duration=%s", target, n, time.Since(tbegin))

	resp, err := self.readResponse(conn)
	if err != nil {
		return nil, errors.Annotatef(err, "upload %s", target)
	}
	self.log.Infof("upload %s status=%d body=%s duration=%s", target, resp.StatusCode, resp.Body, time.Since(tbegin))
	return resp, nil
}

// writeRequest returns number of bytes written.
func (self *Client) writeRequest(conn net.Conn, frame []byte, target Target, identity string) (int, error) {
	mp := NewMultipart(identity, len(frame))
	chunkSize := self.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var sent helpers.Count
	cw := helpers.NewStatWriter(conn, &sent, 0)
	refresh := func(int) error { return conn.SetWriteDeadline(time.Now().Add(self.WriteTimeout)) }

	for _, s := range []string{RequestHeader(target, mp), mp.Field, mp.FileHeader} {
		if err := refresh(0); err != nil {
			return int(sent.Value()), err
		}
		if err := helpers.WriteAll(cw, []byte(s)); err != nil {
			return int(sent.Value()), err
		}
	}
	chunks, err := helpers.WriteChunks(cw, frame, chunkSize, refresh)
	if err != nil {
		return int(sent.Value()), errors.Annotatef(err, "chunk=%d", chunks)
	}
	if err := refresh(0); err != nil {
		return int(sent.Value()), err
	}
	err = helpers.WriteAll(cw, []byte(mp.Tail))
	return int(sent.Value()), err
}

func (self *Client) readResponse(conn net.Conn) (*Response, error) {
	rr := newResponseReader()
	var received helpers.Count
	cr := helpers.NewStatReader(conn, &received, 0)
	buf := make([]byte, 1024)
	for {
		// inactivity timeout: deadline moves forward after every read
		if err := conn.SetReadDeadline(time.Now().Add(self.ResponseTimeout)); err != nil {
			return nil, errors.Wrapf(err, ErrBadResponse, "set deadline: %v", err)
		}
		n, err := cr.Read(buf)
		if n > 0 {
			done, ferr := rr.feed(buf[:n])
			if ferr != nil {
				return nil, ferr
			}
			if done {
				self.log.Debugf("upload received=%d", received.Value())
				return rr.response(), nil
			}
			if len(rr.raw) >= MaxResponseSize {
				if !rr.headerDone() {
					return nil, errors.Annotatef(ErrBadResponse, "no end of headers in first %d bytes", received.Value())
				}
				return rr.response(), nil
			}
		}
		if err == nil {
			continue
		}

		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if len(rr.body()) > 0 {
				return rr.response(), nil
			}
			return nil, errors.Annotatef(ErrResponseTimeout, "after %s received=%d", self.ResponseTimeout, len(rr.raw))
		}
		if err == io.EOF {
			if !rr.headerDone() {
				return nil, errors.Annotatef(ErrBadResponse, "connection closed before end of headers received=%d", len(rr.raw))
			}
			return rr.response(), nil
		}
		if rr.headerDone() {
			self.log.Debugf("upload read after body=%d err=%v", len(rr.body()), err)
			return rr.response(), nil
		}
		return nil, errors.Wrapf(err, ErrBadResponse, "read: %v", err)
	}
}
