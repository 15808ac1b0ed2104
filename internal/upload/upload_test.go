package upload

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/metercam/helpers"
	"github.com/temoto/metercam/log2"
)

type testFrame struct {
	b        []byte
	released int
}

func (f *testFrame) Bytes() []byte { return f.b }
func (f *testFrame) Release() { f.released++ }

type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }
func (timeoutError) Timeout() bool { return true }
func (timeoutError) Temporary() bool { return true }

// scriptConn records writes and serves scripted response.
// Read returns timeout when script is exhausted and eof is false.
type scriptConn struct {
	net.Conn // nil, unused methods panic
	mu       sync.Mutex
	writes   []int
	written  []byte
	failAt   int // fail write when total written would exceed, 0 = never
	response [][]byte
	eof      bool
	closed   bool
}

func (c *scriptConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAt > 0 && len(c.written)+len(b) > c.failAt {
		return 0, errors.New("connection reset by peer")
	}
	c.writes = append(c.writes, len(b))
	c.written = append(c.written, b...)
	return len(b), nil
}

func (c *scriptConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.response) == 0 {
		if c.eof {
			return 0, io.EOF
		}
		return 0, timeoutError{}
	}
	n := copy(b, c.response[0])
	if n == len(c.response[0]) {
		c.response = c.response[1:]
	} else {
		c.response[0] = c.response[0][n:]
	}
	return n, nil
}

func (c *scriptConn) Close() error { c.closed = true; return nil }
func (c *scriptConn) SetReadDeadline(time.Time) error { return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

type scriptDialer struct {
	conn *scriptConn
	err  error
	addr string
}

func (d *scriptDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.addr = address
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

var testTarget = Target{Host: "upload.local", Port: 8080, Path: "/api/meters/upload"}

func TestMultipartLength(t *testing.T) {
	t.Parallel()

	for _, l := range []int{0, 1, 1023, 1024, 1025, 20000} {
		mp := NewMultipart("node-42", l)
		expect := len(mp.Field) + len(mp.FileHeader) + l + len(mp.Tail)
		assert.Equal(t, expect, mp.ContentLength())
	}
	mp := NewMultipart("node-42", 3)
	assert.Equal(t, "--ESP32CAM\r\nContent-Disposition: form-data; name=\"meter_uuid\"\r\n\r\nnode-42\r\n", mp.Field)
	assert.Equal(t, "--ESP32CAM\r\nContent-Disposition: form-data; name=\"file\"; filename=\"esp32-cam.jpg\"\r\nContent-Type: image/jpeg\r\n\r\n", mp.FileHeader)
	assert.Equal(t, "\r\n--ESP32CAM--\r\n", mp.Tail)
	assert.Equal(t, 74+111+3+16, mp.ContentLength())
}

func TestRequestHeader(t *testing.T) {
	t.Parallel()

	mp := NewMultipart("node-42", 3)
	assert.Equal(t, "POST /api/meters/upload HTTP/1.1\r\n"+
		"Host: upload.local:8080\r\n"+
		"User-Agent: metercam\r\n"+
		"Content-Length: 204\r\n"+
		"Content-Type: multipart/form-data; boundary=ESP32CAM\r\n"+
		"Connection: close\r\n\r\n", RequestHeader(testTarget, mp))
	h := RequestHeader(Target{Host: "example.com", Port: 80}, mp)
	assert.Contains(t, h, "POST / HTTP/1.1\r\nHost: example.com\r\n")
}

func TestUploadStream(t *testing.T) {
	t.Parallel()

	rnd := helpers.RandUnix()
	for _, l := range []int{1, 1023, 1024, 1025, 4096, 5000} {
		l := l
		content := helpers.RandBytes(rnd, l)
		t.Run(strconv.Itoa(l), func(t *testing.T) {
			t.Parallel()
			conn := &scriptConn{response: [][]byte{[]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")}}
			c := NewClient(log2.NewTest(t, log2.LDebug), &scriptDialer{conn: conn})
			frame := &testFrame{b: content}
			resp, err := c.Upload(context.Background(), frame, testTarget, "node-42")
			require.NoError(t, err, errors.ErrorStack(err))
			assert.Equal(t, 200, resp.StatusCode)
			assert.Equal(t, "ok", string(resp.Body))
			assert.True(t, frame.released > 0)
			assert.True(t, conn.closed)

			mp := NewMultipart("node-42", l)
			header := RequestHeader(testTarget, mp)
			assert.Equal(t, len(header)+mp.ContentLength(), len(conn.written))

			// writes: header, field, file header, ceil(l/1024) chunks, tail
			chunks := conn.writes[3 : len(conn.writes)-1]
			assert.Equal(t, (l+1023)/1024, len(chunks))
			for i, n := range chunks {
				if i < len(chunks)-1 {
					assert.Equal(t, 1024, n)
				} else if l%1024 == 0 {
					assert.Equal(t, 1024, n)
				} else {
					assert.Equal(t, l%1024, n)
				}
			}

			// body must be valid multipart for a real HTTP server
			req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(conn.written)))
			require.NoError(t, err)
			assert.Equal(t, int64(mp.ContentLength()), req.ContentLength)
			require.NoError(t, req.ParseMultipartForm(1<<20))
			assert.Equal(t, "node-42", req.FormValue("meter_uuid"))
			f, fh, err := req.FormFile("file")
			require.NoError(t, err)
			assert.Equal(t, "esp32-cam.jpg", fh.Filename)
			got, err := ioutil.ReadAll(f)
			require.NoError(t, err)
			assert.Equal(t, content, got)
		})
	}
}

func TestUploadErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		dialer *scriptDialer
		expect error
	}{
		{"connect", &scriptDialer{err: errors.New("connection refused")}, ErrConnectFailed},
		{"send", &scriptDialer{conn: &scriptConn{failAt: 500}}, ErrSendFailed},
		{"timeout-silent", &scriptDialer{conn: &scriptConn{}}, ErrResponseTimeout},
		{"timeout-header-only", &scriptDialer{conn: &scriptConn{response: [][]byte{[]byte("HTTP/1.1 200 OK\r\n\r\n")}}}, ErrResponseTimeout},
		{"closed-before-header", &scriptDialer{conn: &scriptConn{response: [][]byte{[]byte("HTTP/1.1 200 OK\r\n")}, eof: true}}, ErrBadResponse},
		{"garbage", &scriptDialer{conn: &scriptConn{response: [][]byte{[]byte("SSH-2.0-OpenSSH\r\n\r\n")}}}, ErrBadResponse},
		{"header-over-limit", &scriptDialer{conn: &scriptConn{response: [][]byte{
			append([]byte("HTTP/1.1 200 OK\r\n"), bytes.Repeat([]byte("X-Junk: 1\r\n"), 7000)...),
		}}}, ErrBadResponse},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			cl := NewClient(log2.NewTest(t, log2.LDebug), c.dialer)
			frame := &testFrame{b: make([]byte, 3000)}
			_, err := cl.Upload(context.Background(), frame, testTarget, "node-42")
			require.Error(t, err)
			assert.True(t, errors.Cause(err) == c.expect, errors.ErrorStack(err))
			assert.True(t, frame.released > 0)
			if c.dialer.conn != nil {
				assert.True(t, c.dialer.conn.closed)
			}
		})
	}
}

func TestUploadChunkSizeDefault(t *testing.T) {
	t.Parallel()

	conn := &scriptConn{response: [][]byte{[]byte("HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n")}}
	c := NewClient(log2.NewTest(t, log2.LDebug), &scriptDialer{conn: conn})
	c.ChunkSize = 0
	resp, err := c.Upload(context.Background(), &testFrame{b: make([]byte, 3000)}, testTarget, "node-42")
	require.NoError(t, err, errors.ErrorStack(err))
	assert.Equal(t, 204, resp.StatusCode)
	assert.Equal(t, []int{1024, 1024, 952}, conn.writes[3:len(conn.writes)-1])
}

func TestUploadResponse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		input  []string
		eof    bool
		status int
		body   string
	}{
		{"content-length", []string{"HTTP/1.1 201 Created\r\nContent-Length: 5\r\n\r\nhello extra"}, false, 201, "hello"},
		{"split", []string{"HTT", "P/1.1 200 OK\r", "\n\r", "\n{\"ok\":", "true}"}, false, 200, `{"ok":true}`},
		{"eof", []string{"HTTP/1.0 500 Internal Server Error\r\n\r\nboom"}, true, 500, "boom"},
		{"eof-empty", []string{"HTTP/1.1 204 No Content\r\n\r\n"}, true, 204, ""},
		{"zero-length", []string{"HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"}, false, 200, ""},
		{"bare-lf", []string{"HTTP/1.1 200 OK\nServer: tiny\n\nsaved"}, false, 200, "saved"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			conn := &scriptConn{eof: c.eof}
			for _, s := range c.input {
				conn.response = append(conn.response, []byte(s))
			}
			cl := NewClient(log2.NewTest(t, log2.LDebug), &scriptDialer{conn: conn})
			resp, err := cl.Upload(context.Background(), &testFrame{b: []byte{0xff, 0xd8}}, testTarget, "node-42")
			require.NoError(t, err, errors.ErrorStack(err))
			assert.Equal(t, c.status, resp.StatusCode)
			assert.Equal(t, c.body, string(resp.Body))
		})
	}
}

// Real socket: server never answers, inactivity budget elapses.
func TestUploadTimeoutTCP(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	defer ln.Close()
	done := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(ioutil.Discard, conn)
		close(done)
	}()

	cl := NewClient(log2.NewTest(t, log2.LDebug), nil)
	cl.ResponseTimeout = 200 * time.Millisecond
	frame := &testFrame{b: make([]byte, 10000)}
	_, err = cl.Upload(context.Background(), frame, tcpTarget(t, ln), "node-42")
	assert.True(t, errors.Cause(err) == ErrResponseTimeout, errors.ErrorStack(err))
	assert.True(t, frame.released > 0)
	select {
	case <-done: // client closed connection
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed")
	}
}

// Real socket: slow body keeps extending the inactivity budget.
func TestUploadInactivityExtends(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		_, _ = io.Copy(ioutil.Discard, req.Body)
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
		for i := 0; i < 5; i++ {
			time.Sleep(100 * time.Millisecond)
			_, _ = fmt.Fprintf(conn, "%d", i)
		}
	}()

	cl := NewClient(log2.NewTest(t, log2.LDebug), nil)
	cl.ResponseTimeout = 300 * time.Millisecond
	frame := &testFrame{b: make([]byte, 3000)}
	resp, err := cl.Upload(context.Background(), frame, tcpTarget(t, ln), "node-42")
	require.NoError(t, err, errors.ErrorStack(err))
	assert.Equal(t, "01234", string(resp.Body))
}

func tcpTarget(t testing.TB, ln net.Listener) Target {
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Target{Host: host, Port: p, Path: "/upload"}
}
