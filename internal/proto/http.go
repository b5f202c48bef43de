package proto

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var headerEnd = []byte("\r\n\r\n")

// HTTP speaks plain HTTP/1.x for direct client traffic. Chunked request
// bodies are rejected.
type HTTP struct {
	Base
}

// Name implements Protocol.
func (*HTTP) Name() string { return "http" }

// ReadFraming implements Protocol.
func (h *HTTP) ReadFraming(req *Request, timeout time.Duration) error {
	return readFraming(h, req, timeout)
}

// Parse decodes the request line and header fields into CGI-style vars.
func (*HTTP) Parse(req *Request, data []byte) (int, error) {
	end := bytes.Index(data, headerEnd)
	if end < 0 {
		return 0, ErrIncomplete
	}
	lines := strings.Split(string(data[:end]), "\r\n")
	method, rest, ok := strings.Cut(lines[0], " ")
	if !ok || method == "" {
		return 0, ErrInvalidHeader
	}
	target, version, ok := strings.Cut(rest, " ")
	if !ok || target == "" || !strings.HasPrefix(version, "HTTP/1.") {
		return 0, ErrInvalidHeader
	}
	path, query, _ := strings.Cut(target, "?")
	req.Modifier1, req.Modifier2 = 0, 0
	req.setVar("REQUEST_METHOD", method)
	req.setVar("REQUEST_URI", target)
	req.setVar("PATH_INFO", path)
	req.setVar("QUERY_STRING", query)
	req.setVar("SERVER_PROTOCOL", version)
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return 0, ErrInvalidHeader
		}
		value = strings.TrimSpace(value)
		switch key := strings.ToUpper(strings.ReplaceAll(name, "-", "_")); key {
		case "CONTENT_LENGTH", "CONTENT_TYPE":
			req.setVar(key, value)
		case "TRANSFER_ENCODING":
			if !strings.EqualFold(value, "identity") {
				return 0, ErrInvalidHeader
			}
		default:
			req.setVar("HTTP_"+key, value)
		}
	}
	if err := req.applyVars(); err != nil {
		return 0, err
	}
	return end + len(headerEnd), nil
}

// WriteHeader implements Protocol.
func (h *HTTP) WriteHeader(req *Request, status int, headers []Header) (int, error) {
	return h.Write(req, statusBlock(status, headers))
}

func statusBlock(status int, headers []Header) []byte {
	var b bytes.Buffer
	b.Grow(64 + 32*len(headers))
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	text := http.StatusText(status)
	if text == "" {
		text = "Unknown"
	}
	b.WriteString(text)
	b.WriteString("\r\n")
	for _, h := range headers {
		b.WriteString(h.Key)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
