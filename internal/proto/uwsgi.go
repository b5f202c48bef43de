package proto

import (
	"encoding/binary"
	"time"
)

// packetHeaderSize is modifier1, the little-endian vars size and modifier2.
const packetHeaderSize = 4

// UWSGI speaks the binary uwsgi packet protocol used between front-end web
// servers and application servers. The response is a plain HTTP/1.1 stream.
type UWSGI struct {
	Base
}

// Name implements Protocol.
func (*UWSGI) Name() string { return "uwsgi" }

// ReadFraming implements Protocol.
func (u *UWSGI) ReadFraming(req *Request, timeout time.Duration) error {
	return readFraming(u, req, timeout)
}

// Parse decodes the packet header and its key/value block.
func (*UWSGI) Parse(req *Request, data []byte) (int, error) {
	if len(data) < packetHeaderSize {
		return 0, ErrIncomplete
	}
	size := int(binary.LittleEndian.Uint16(data[1:3]))
	if len(data) < packetHeaderSize+size {
		return 0, ErrIncomplete
	}
	req.Modifier1 = data[0]
	req.Modifier2 = data[3]
	vars := data[packetHeaderSize : packetHeaderSize+size]
	for len(vars) > 0 {
		key, rest, ok := splitField(vars)
		if !ok {
			return 0, ErrInvalidHeader
		}
		value, rest, ok := splitField(rest)
		if !ok {
			return 0, ErrInvalidHeader
		}
		req.setVar(string(key), string(value))
		vars = rest
	}
	if err := req.applyVars(); err != nil {
		return 0, err
	}
	return packetHeaderSize + size, nil
}

// WriteHeader implements Protocol.
func (u *UWSGI) WriteHeader(req *Request, status int, headers []Header) (int, error) {
	return u.Write(req, statusBlock(status, headers))
}

func splitField(b []byte) (field, rest []byte, ok bool) {
	if len(b) < 2 {
		return nil, nil, false
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return nil, nil, false
	}
	return b[:n], b[n:], true
}

// EncodePacket builds a uwsgi packet carrying vars. It is the client side
// of Parse and is used by front-end tooling and tests.
func EncodePacket(modifier1, modifier2 uint8, vars ...Header) []byte {
	size := 0
	for _, kv := range vars {
		size += 4 + len(kv.Key) + len(kv.Value)
	}
	out := make([]byte, packetHeaderSize, packetHeaderSize+size)
	out[0] = modifier1
	binary.LittleEndian.PutUint16(out[1:3], uint16(size))
	out[3] = modifier2
	for _, kv := range vars {
		out = binary.LittleEndian.AppendUint16(out, uint16(len(kv.Key)))
		out = append(out, kv.Key...)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(kv.Value)))
		out = append(out, kv.Value...)
	}
	return out
}
