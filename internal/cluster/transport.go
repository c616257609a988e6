package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"replicated-chat/internal/protocol"
)

// Transport moves frames between replicas. Peer references are addresses,
// never held sockets: every exchange opens a transient connection, sends one
// frame, optionally reads one reply, and closes. Tests substitute a fake.
type Transport interface {
	// Send writes msg to addr and returns without reading a reply.
	Send(addr string, msg PeerMessage, timeout time.Duration) error
	// Call writes msg to addr and reads one PeerMessage reply.
	Call(addr string, msg PeerMessage, timeout time.Duration) (PeerMessage, error)
	// Forward writes a raw client frame to addr and reads one response frame.
	Forward(addr string, frame protocol.Frame, timeout time.Duration) (protocol.Frame, error)
}

// TCPTransport is the production transport.
type TCPTransport struct{}

// NewTCPTransport returns the production transport.
func NewTCPTransport() *TCPTransport { return &TCPTransport{} }

func dialAndSend(addr string, payload any, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send to %s: %w", addr, err)
	}
	return conn, nil
}

// Send implements Transport.
func (t *TCPTransport) Send(addr string, msg PeerMessage, timeout time.Duration) error {
	conn, err := dialAndSend(addr, msg, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Call implements Transport.
func (t *TCPTransport) Call(addr string, msg PeerMessage, timeout time.Duration) (PeerMessage, error) {
	conn, err := dialAndSend(addr, msg, timeout)
	if err != nil {
		return PeerMessage{}, err
	}
	defer conn.Close()

	var reply PeerMessage
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return PeerMessage{}, fmt.Errorf("read reply from %s: %w", addr, err)
	}
	return reply, nil
}

// Forward implements Transport.
func (t *TCPTransport) Forward(addr string, frame protocol.Frame, timeout time.Duration) (protocol.Frame, error) {
	conn, err := dialAndSend(addr, frame, timeout)
	if err != nil {
		return protocol.Frame{}, err
	}
	defer conn.Close()

	var reply protocol.Frame
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return protocol.Frame{}, fmt.Errorf("read reply from %s: %w", addr, err)
	}
	return reply, nil
}
