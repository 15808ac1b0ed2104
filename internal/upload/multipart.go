package upload

import (
	"net"
	"strconv"
	"strings"
)

const (
	Boundary      = "ESP32CAM"
	FieldIdentity = "meter_uuid"
	FieldFile     = "file"
	FileName      = "esp32-cam.jpg"
	FileType      = "image/jpeg"
)

// Multipart is the form body layout: identity field, file part header,
// frame bytes, closing boundary. Lengths are known before any byte is sent.
type Multipart struct {
	Field      string // identity part, complete
	FileHeader string // file part up to the frame bytes
	Tail       string // closing boundary
	FrameLen   int
}

func NewMultipart(identity string, frameLen int) Multipart {
	var b strings.Builder
	b.WriteString("--" + Boundary + "\r\n")
	b.WriteString(`Content-Disposition: form-data; name="` + FieldIdentity + `"` + "\r\n\r\n")
	b.WriteString(identity)
	b.WriteString("\r\n")
	field := b.String()

	b.Reset()
	b.WriteString("--" + Boundary + "\r\n")
	b.WriteString(`Content-Disposition: form-data; name="` + FieldFile + `"; filename="` + FileName + `"` + "\r\n")
	b.WriteString("Content-Type: " + FileType + "\r\n\r\n")

	return Multipart{
		Field:      field,
		FileHeader: b.String(),
		Tail:       "\r\n--" + Boundary + "--\r\n",
		FrameLen:   frameLen,
	}
}

func (m Multipart) ContentLength() int {
	return len(m.Field) + len(m.FileHeader) + m.FrameLen + len(m.Tail)
}

func (m Multipart) ContentType() string { return "multipart/form-data; boundary=" + Boundary }

// Target is the upload endpoint.
type Target struct {
	Host string
	Port int
	Path string
}

func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string { return "http://" + t.Addr() + t.path() }

func (t Target) path() string {
	if t.Path == "" {
		return "/"
	}
	return t.Path
}

// RequestHeader renders request line and headers including the blank line.
func RequestHeader(t Target, m Multipart) string {
	host := t.Host
	if t.Port != 80 {
		host = t.Addr()
	}
	var b strings.Builder
	b.WriteString("POST " + t.path() + " HTTP/1.1\r\n")
	b.WriteString("Host: " + host + "\r\n")
	b.WriteString("User-Agent: metercam\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(m.ContentLength()) + "\r\n")
	b.WriteString("Content-Type: " + m.ContentType() + "\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")
	return b.String()
}
