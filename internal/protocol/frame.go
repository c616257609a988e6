// Package protocol defines the wire envelope shared by clients and replicas.
//
// A frame is one complete JSON object per read or write:
//
//	{"type": <code>, "payload": <value>}
//
// There is no length prefix. Peer-to-peer frames reuse the same envelope with
// extra top-level fields (see cluster.PeerMessage).
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Client request codes.
const (
	CodeRegister        = "R"
	CodeLogin           = "L"
	CodeSendMessage     = "M"
	CodeGetMessages     = "GM"
	CodeGetUserList     = "G"
	CodeDeleteMessage   = "D"
	CodeDeleteUser      = "U"
	CodeUpdateViewCount = "W"
	CodeLogOff          = "O"
	CodeGetUserStats    = "GS"
)

// Server response codes.
const (
	CodeSuccess      = "S"
	CodeError        = "E"
	CodeBulkMessages = "BM"
	CodeUserList     = "U"
	CodeUserStats    = "V"
	CodeNotify       = "M"
)

// writeCodes is the classification set: operations that mutate server state
// and must be replicated by the primary.
var writeCodes = map[string]bool{
	CodeRegister:        true,
	CodeSendMessage:     true,
	CodeDeleteMessage:   true,
	CodeDeleteUser:      true,
	CodeUpdateViewCount: true,
	CodeLogOff:          true,
}

// IsWrite reports whether the code names a state-modifying operation.
func IsWrite(code string) bool { return writeCodes[code] }

// Frame is the request/response envelope. Payload stays raw until the
// dispatcher knows which shape to decode it into.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a frame, marshalling payload. Panics only on values that
// cannot be represented in JSON, which is a programming error.
func NewFrame(code string, payload any) Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: unencodable payload for %q: %v", code, err))
	}
	return Frame{Type: code, Payload: raw}
}

// Success builds an "S" frame with a human-readable message.
func Success(msg string) Frame { return NewFrame(CodeSuccess, msg) }

// Error builds an "E" frame with a human-readable message.
func Error(msg string) Frame { return NewFrame(CodeError, msg) }

// Encode renders the frame as one JSON document.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Text returns the payload as a plain string when it is one, for "S"/"E"
// frames. Non-string payloads come back verbatim.
func (f Frame) Text() string {
	var s string
	if err := json.Unmarshal(f.Payload, &s); err != nil {
		return string(f.Payload)
	}
	return s
}

// Conn wraps a network connection with frame-level reads and writes.
// Writes are serialized so a notification pushed from another worker cannot
// interleave with a response on the same socket.
type Conn struct {
	raw net.Conn
	dec *json.Decoder

	writeMu sync.Mutex
}

// NewConn wraps raw. The caller keeps ownership of the underlying socket.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, dec: json.NewDecoder(raw)}
}

// ReadFrame decodes the next frame. io.EOF means the peer closed cleanly.
// A read-deadline expiry is recoverable: the next call resumes where the
// stream left off.
func (c *Conn) ReadFrame() (Frame, error) {
	var f Frame
	if err := c.dec.Decode(&f); err != nil {
		// json.Decoder latches the first error it sees, so a timed-out
		// decoder must be rebuilt around its unconsumed bytes or every
		// later read on this connection returns the stale timeout.
		if IsTimeout(err) {
			c.dec = json.NewDecoder(io.MultiReader(c.dec.Buffered(), c.raw))
		}
		return Frame{}, err
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("protocol: frame missing type")
	}
	return f, nil
}

// WriteFrame writes one frame in a single call under the write lock.
func (c *Conn) WriteFrame(f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.raw.Write(data)
	return err
}

// SetReadDeadline bounds the next ReadFrame so acceptor workers can poll for
// shutdown.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// RemoteAddr reports the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.raw.Close() }

// IsTimeout reports whether err is a read-deadline expiry rather than a real
// connection failure.
func IsTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// IsClosed reports whether err indicates the peer went away.
func IsClosed(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
