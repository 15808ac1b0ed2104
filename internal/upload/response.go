package upload

import (
	"bufio"
	"bytes"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

type Response struct {
	StatusCode int
	Status     string
	Header     textproto.MIMEHeader
	Body       []byte
}

// responseReader accumulates raw bytes, finds end of headers and
// collects everything after as body.
type responseReader struct {
	raw        []byte
	bodyOffset int // 0 until headers are complete
	resp       Response
	length     int // Content-Length, -1 if absent
}

func newResponseReader() *responseReader {
	return &responseReader{length: -1}
}

// feed appends b and reports whether the response is complete by Content-Length.
func (r *responseReader) feed(b []byte) (bool, error) {
	r.raw = append(r.raw, b...)
	if r.bodyOffset == 0 {
		end, sepLen := headerEnd(r.raw)
		if end < 0 {
			return false, nil
		}
		r.bodyOffset = end + sepLen
		if err := r.parseHeader(r.raw[:end]); err != nil {
			return false, err
		}
	}
	return r.length >= 0 && len(r.raw)-r.bodyOffset >= r.length, nil
}

func (r *responseReader) headerDone() bool { return r.bodyOffset != 0 }

func (r *responseReader) body() []byte {
	if r.bodyOffset == 0 {
		return nil
	}
	b := r.raw[r.bodyOffset:]
	if r.length >= 0 && len(b) > r.length {
		b = b[:r.length]
	}
	return b
}

func (r *responseReader) response() *Response {
	resp := r.resp
	resp.Body = r.body()
	return &resp
}

func (r *responseReader) parseHeader(head []byte) error {
	buf := make([]byte, 0, len(head)+4)
	buf = append(append(buf, head...), "\r\n\r\n"...)
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(buf)))
	line, err := tp.ReadLine()
	if err != nil {
		return errors.Wrapf(err, ErrBadResponse, "status line: %v", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return errors.Annotatef(ErrBadResponse, "status line=%q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return errors.Annotatef(ErrBadResponse, "status line=%q", line)
	}
	r.resp.StatusCode = code
	r.resp.Status = strings.Join(parts[1:], " ")

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return errors.Wrapf(err, ErrBadResponse, "header: %v", err)
	}
	r.resp.Header = header
	if s := header.Get("Content-Length"); s != "" {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n < 0 {
			return errors.Annotatef(ErrBadResponse, "content-length=%q", s)
		}
		r.length = n
	}
	return nil
}

// headerEnd returns index of the blank line separating header from body
// and separator length. Bare LF line endings are tolerated.
func headerEnd(b []byte) (int, int) {
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	lf := bytes.Index(b, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	case lf >= 0:
		return lf, 2
	}
	return -1, 0
}
