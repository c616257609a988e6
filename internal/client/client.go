// Package client is a small TCP client for the chat wire protocol, used by
// the chatctl CLI and integration tests.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"replicated-chat/internal/protocol"
)

// ErrServer wraps an "E" frame returned by the server.
var ErrServer = errors.New("server error")

// Client holds a persistent connection to one replica. Not safe for
// concurrent use; the CLI issues one request at a time.
type Client struct {
	conn    *protocol.Conn
	timeout time.Duration
}

// Dial connects to a replica's client endpoint.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	raw, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: protocol.NewConn(raw), timeout: timeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// roundTrip sends one frame and reads one response, skipping any unsolicited
// notification frames that arrive in between.
func (c *Client) roundTrip(frame protocol.Frame) (protocol.Frame, error) {
	if err := c.conn.WriteFrame(frame); err != nil {
		return protocol.Frame{}, err
	}
	deadline := time.Now().Add(c.timeout)
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return protocol.Frame{}, err
		}
		resp, err := c.conn.ReadFrame()
		if err != nil {
			return protocol.Frame{}, err
		}
		// A notification pushed for this user is never the reply to a
		// request; send replies are "S" or "E", so an "M" frame here is
		// always an unsolicited push, including self-sends.
		if resp.Type == protocol.CodeNotify {
			continue
		}
		return resp, nil
	}
}

// do sends a frame and converts "E" responses into errors.
func (c *Client) do(code string, payload any) (protocol.Frame, error) {
	resp, err := c.roundTrip(protocol.NewFrame(code, payload))
	if err != nil {
		return protocol.Frame{}, err
	}
	if resp.Type == protocol.CodeError {
		return resp, fmt.Errorf("%w: %s", ErrServer, resp.Text())
	}
	return resp, nil
}

// Register creates a user.
func (c *Client) Register(username, password string) error {
	_, err := c.do(protocol.CodeRegister, []string{username, password})
	return err
}

// Login authenticates and binds this connection for notifications.
func (c *Client) Login(username, password string) error {
	_, err := c.do(protocol.CodeLogin, []string{username, password})
	return err
}

// Send delivers a message from sender to recipient.
func (c *Client) Send(sender, recipient, message string) error {
	_, err := c.do(protocol.CodeSendMessage, protocol.SendMessage{
		Sender:    sender,
		Recipient: recipient,
		Message:   message,
	})
	return err
}

// Messages fetches the conversation buckets for username: other party →
// timestamp-ascending records.
func (c *Client) Messages(username string) (map[string][]map[string]any, error) {
	resp, err := c.do(protocol.CodeGetMessages, []string{username})
	if err != nil {
		return nil, err
	}
	var buckets map[string][]map[string]any
	if err := json.Unmarshal(resp.Payload, &buckets); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return buckets, nil
}

// Users lists all registered usernames.
func (c *Client) Users() ([]string, error) {
	resp, err := c.do(protocol.CodeGetUserList, nil)
	if err != nil {
		return nil, err
	}
	var users []string
	if err := json.Unmarshal(resp.Payload, &users); err != nil {
		return nil, fmt.Errorf("decode user list: %w", err)
	}
	return users, nil
}

// DeleteMessage removes a message matching the given fields; the timestamp
// tolerates up to one second of client-side rounding.
func (c *Client) DeleteMessage(message, timestamp, sender, receiver string) error {
	_, err := c.do(protocol.CodeDeleteMessage, protocol.DeleteMessage{
		Message:   message,
		Timestamp: timestamp,
		Sender:    sender,
		Receiver:  receiver,
	})
	return err
}

// DeleteUser removes a user and every message they sent or received.
func (c *Client) DeleteUser(username string) error {
	_, err := c.do(protocol.CodeDeleteUser, map[string]string{"username": username})
	return err
}

// UpdateViewCount sets a user's view counter.
func (c *Client) UpdateViewCount(username string, newCount int) error {
	_, err := c.do(protocol.CodeUpdateViewCount, protocol.ViewCountUpdate{
		Username: username,
		NewCount: newCount,
	})
	return err
}

// LogOff records the user's log-off time.
func (c *Client) LogOff(username string) error {
	_, err := c.do(protocol.CodeLogOff, []string{username})
	return err
}

// Stats fetches a user's log-off time and view counter.
func (c *Client) Stats(username string) (protocol.UserStats, error) {
	resp, err := c.do(protocol.CodeGetUserStats, []string{username})
	if err != nil {
		return protocol.UserStats{}, err
	}
	var stats protocol.UserStats
	if err := json.Unmarshal(resp.Payload, &stats); err != nil {
		return protocol.UserStats{}, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}
