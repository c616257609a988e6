package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicated-chat/internal/presence"
	"replicated-chat/internal/protocol"
	"replicated-chat/internal/store"
)

// fakeConn records frames pushed to it, standing in for a client socket.
type fakeConn struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (f *fakeConn) WriteFrame(fr protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) received() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.frames...)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *presence.Registry) {
	t.Helper()
	st, err := store.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	reg := presence.NewRegistry()
	return New(st, reg, nil, zerolog.Nop()), reg
}

func frameOf(t *testing.T, code string, payload any) protocol.Frame {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return protocol.Frame{Type: code, Payload: raw}
}

func register(t *testing.T, d *Dispatcher, username string) {
	t.Helper()
	resp := d.Handle(frameOf(t, protocol.CodeRegister, []string{username, "pw-" + username}), nil)
	require.Equal(t, protocol.CodeSuccess, resp.Type, "register %s: %s", username, resp.Text())
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()

	d, reg := newTestDispatcher(t)

	resp := d.Handle(frameOf(t, protocol.CodeRegister, []string{"alice", "s3cret"}), nil)
	assert.Equal(t, protocol.CodeSuccess, resp.Type)
	assert.Equal(t, "User created successfully", resp.Text())

	// Duplicate username is rejected.
	resp = d.Handle(frameOf(t, protocol.CodeRegister, []string{"alice", "other"}), nil)
	assert.Equal(t, protocol.CodeError, resp.Type)
	assert.Equal(t, "Username already exists", resp.Text())

	conn := &fakeConn{}
	resp = d.Handle(frameOf(t, protocol.CodeLogin, []string{"alice", "s3cret"}), conn)
	assert.Equal(t, protocol.CodeSuccess, resp.Type)
	assert.Equal(t, "Login successful", resp.Text())

	bound, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, conn, bound)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	d, reg := newTestDispatcher(t)
	register(t, d, "alice")

	resp := d.Handle(frameOf(t, protocol.CodeLogin, []string{"alice", "wrong"}), &fakeConn{})
	assert.Equal(t, protocol.CodeError, resp.Type)
	assert.Equal(t, "Invalid username or password", resp.Text())

	resp = d.Handle(frameOf(t, protocol.CodeLogin, []string{"nobody", "pw"}), &fakeConn{})
	assert.Equal(t, protocol.CodeError, resp.Type)
	assert.Equal(t, "Invalid username or password", resp.Text())

	_, ok := reg.Lookup("alice")
	assert.False(t, ok)
}

func TestLoginWithNilConnSkipsPresence(t *testing.T) {
	t.Parallel()

	d, reg := newTestDispatcher(t)
	register(t, d, "alice")

	resp := d.Handle(frameOf(t, protocol.CodeLogin, []string{"alice", "pw-alice"}), nil)
	assert.Equal(t, protocol.CodeSuccess, resp.Type)

	_, ok := reg.Lookup("alice")
	assert.False(t, ok)
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)
	register(t, d, "alice")
	register(t, d, "bob")

	resp := d.Handle(frameOf(t, protocol.CodeSendMessage, protocol.SendMessage{
		Sender: "alice", Recipient: "bob", Message: "hi",
	}), nil)
	assert.Equal(t, protocol.CodeSuccess, resp.Type)
	assert.Equal(t, "Message sent successfully", resp.Text())
}

func TestSendMessageToUnknownRecipient(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)
	register(t, d, "alice")

	resp := d.Handle(frameOf(t, protocol.CodeSendMessage, protocol.SendMessage{
		Sender: "alice", Recipient: "ghost", Message: "hi",
	}), nil)
	assert.Equal(t, protocol.CodeError, resp.Type)
	assert.Equal(t, "Message not sent", resp.Text())
}

func TestSendMessageNotifiesOnlineRecipient(t *testing.T) {
	t.Parallel()

	d, reg := newTestDispatcher(t)
	register(t, d, "alice")
	register(t, d, "bob")

	conn := &fakeConn{}
	reg.Bind("bob", conn)

	resp := d.Handle(frameOf(t, protocol.CodeSendMessage, protocol.SendMessage{
		Sender: "alice", Recipient: "bob", Message: "hi",
	}), nil)
	require.Equal(t, protocol.CodeSuccess, resp.Type)

	// The push happens on its own goroutine.
	require.Eventually(t, func() bool {
		return len(conn.received()) == 1
	}, time.Second, 10*time.Millisecond)

	push := conn.received()[0]
	assert.Equal(t, protocol.CodeNotify, push.Type)

	var note protocol.Notification
	require.NoError(t, json.Unmarshal(push.Payload, &note))
	assert.Equal(t, "alice", note.Sender)
	assert.Equal(t, "bob", note.Recipient)
	assert.Equal(t, "hi", note.Message)
	assert.NotEmpty(t, note.Timestamp)
}

func TestGetMessagesBucketsAndSorts(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)
	for _, user := range []string{"alice", "bob", "carol"} {
		register(t, d, user)
	}

	send := func(from, to, text string) {
		resp := d.Handle(frameOf(t, protocol.CodeSendMessage, protocol.SendMessage{
			Sender: from, Recipient: to, Message: text,
		}), nil)
		require.Equal(t, protocol.CodeSuccess, resp.Type)
	}
	send("alice", "bob", "one")
	send("bob", "alice", "two")
	send("alice", "carol", "three")
	send("carol", "bob", "unrelated")

	resp := d.Handle(frameOf(t, protocol.CodeGetMessages, []string{"alice"}), nil)
	require.Equal(t, protocol.CodeBulkMessages, resp.Type)

	var buckets map[string][]map[string]any
	require.NoError(t, json.Unmarshal(resp.Payload, &buckets))
	require.Len(t, buckets, 2)

	bob := buckets["bob"]
	require.Len(t, bob, 2)
	assert.Equal(t, "one", bob[0]["message"])
	assert.Equal(t, "two", bob[1]["message"])

	carol := buckets["carol"]
	require.Len(t, carol, 1)
	assert.Equal(t, "three", carol[0]["message"])
}

func TestDeleteMessageWithinWindow(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)
	register(t, d, "alice")
	register(t, d, "bob")

	resp := d.Handle(frameOf(t, protocol.CodeSendMessage, protocol.SendMessage{
		Sender: "alice", Recipient: "bob", Message: "oops",
	}), nil)
	require.Equal(t, protocol.CodeSuccess, resp.Type)

	// A timestamp 500ms off from the stored one still falls inside the
	// tolerance window.
	ts := store.FormatTimestamp(time.Now().Add(500 * time.Millisecond))
	resp = d.Handle(frameOf(t, protocol.CodeDeleteMessage, protocol.DeleteMessage{
		Message: "oops", Timestamp: ts, Sender: "alice", Receiver: "bob",
	}), nil)
	assert.Equal(t, protocol.CodeSuccess, resp.Type)
	assert.Equal(t, "Message deleted", resp.Text())
}

func TestDeleteMessageLenientRetry(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)
	register(t, d, "alice")
	register(t, d, "bob")

	resp := d.Handle(frameOf(t, protocol.CodeSendMessage, protocol.SendMessage{
		Sender: "alice", Recipient: "bob", Message: "oops",
	}), nil)
	require.Equal(t, protocol.CodeSuccess, resp.Type)

	// Timestamp far outside the window: the windowed pass misses, the
	// lenient retry still deletes.
	ts := store.FormatTimestamp(time.Now().Add(-time.Hour))
	resp = d.Handle(frameOf(t, protocol.CodeDeleteMessage, protocol.DeleteMessage{
		Message: "oops", Timestamp: ts, Sender: "alice",
	}), nil)
	assert.Equal(t, protocol.CodeSuccess, resp.Type)
}

func TestDeleteMessageMissing(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)
	register(t, d, "alice")

	resp := d.Handle(frameOf(t, protocol.CodeDeleteMessage, protocol.DeleteMessage{
		Message: "never sent", Sender: "alice",
	}), nil)
	assert.Equal(t, protocol.CodeError, resp.Type)
	assert.Equal(t, "Message not deleted", resp.Text())
}

func TestDeleteUserCascades(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)
	register(t, d, "alice")
	register(t, d, "bob")

	for i := 0; i < 2; i++ {
		resp := d.Handle(frameOf(t, protocol.CodeSendMessage, protocol.SendMessage{
			Sender: "alice", Recipient: "bob", Message: fmt.Sprintf("m%d", i),
		}), nil)
		require.Equal(t, protocol.CodeSuccess, resp.Type)
	}
	resp := d.Handle(frameOf(t, protocol.CodeSendMessage, protocol.SendMessage{
		Sender: "bob", Recipient: "alice", Message: "reply",
	}), nil)
	require.Equal(t, protocol.CodeSuccess, resp.Type)

	resp = d.Handle(frameOf(t, protocol.CodeDeleteUser, []string{"alice"}), nil)
	assert.Equal(t, protocol.CodeSuccess, resp.Type)
	assert.Equal(t, "User deleted successfully", resp.Text())

	// Bob's conversation with alice is gone in both directions.
	resp = d.Handle(frameOf(t, protocol.CodeGetMessages, []string{"bob"}), nil)
	require.Equal(t, protocol.CodeBulkMessages, resp.Type)
	var buckets map[string][]map[string]any
	require.NoError(t, json.Unmarshal(resp.Payload, &buckets))
	assert.Empty(t, buckets)

	resp = d.Handle(frameOf(t, protocol.CodeGetUserList, nil), nil)
	require.Equal(t, protocol.CodeUserList, resp.Type)
	var names []string
	require.NoError(t, json.Unmarshal(resp.Payload, &names))
	assert.Equal(t, []string{"bob"}, names)
}

func TestDeleteUnknownUser(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)
	resp := d.Handle(frameOf(t, protocol.CodeDeleteUser, []string{"ghost"}), nil)
	assert.Equal(t, protocol.CodeError, resp.Type)
	assert.Equal(t, "Failed to delete user", resp.Text())
}

func TestViewCountAndStats(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)
	register(t, d, "alice")

	// Fresh users start with the default view count and no log-off time.
	resp := d.Handle(frameOf(t, protocol.CodeGetUserStats, []string{"alice"}), nil)
	require.Equal(t, protocol.CodeUserStats, resp.Type)
	var stats protocol.UserStats
	require.NoError(t, json.Unmarshal(resp.Payload, &stats))
	assert.Equal(t, defaultViewCount, stats.ViewCount)
	assert.Nil(t, stats.LogOffTime)

	resp = d.Handle(frameOf(t, protocol.CodeUpdateViewCount, protocol.ViewCountUpdate{
		Username: "alice", NewCount: 42,
	}), nil)
	assert.Equal(t, protocol.CodeSuccess, resp.Type)

	resp = d.Handle(frameOf(t, protocol.CodeLogOff, []string{"alice"}), nil)
	assert.Equal(t, protocol.CodeSuccess, resp.Type)
	assert.Equal(t, "Log off time updated", resp.Text())

	resp = d.Handle(frameOf(t, protocol.CodeGetUserStats, []string{"alice"}), nil)
	require.Equal(t, protocol.CodeUserStats, resp.Type)
	require.NoError(t, json.Unmarshal(resp.Payload, &stats))
	assert.Equal(t, 42, stats.ViewCount)
	require.NotNil(t, stats.LogOffTime)
	_, ok := store.ParseTimestamp(*stats.LogOffTime)
	assert.True(t, ok)
}

func TestViewCountUnknownUser(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)
	resp := d.Handle(frameOf(t, protocol.CodeUpdateViewCount, protocol.ViewCountUpdate{
		Username: "ghost", NewCount: 1,
	}), nil)
	assert.Equal(t, protocol.CodeError, resp.Type)
	assert.Equal(t, "Failed to update view count", resp.Text())
}

func TestStatsUnknownUser(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)
	resp := d.Handle(frameOf(t, protocol.CodeGetUserStats, []string{"ghost"}), nil)
	assert.Equal(t, protocol.CodeError, resp.Type)
	assert.Equal(t, "User not found", resp.Text())
}

func TestUnknownCode(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)
	resp := d.Handle(protocol.Frame{Type: "ZZ"}, nil)
	assert.Equal(t, protocol.CodeError, resp.Type)
	assert.Equal(t, "Invalid message type", resp.Text())
}

func TestMalformedPayloadIsError(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t)
	resp := d.Handle(protocol.Frame{
		Type:    protocol.CodeRegister,
		Payload: json.RawMessage(`{"not": "an array"}`),
	}, nil)
	assert.Equal(t, protocol.CodeError, resp.Type)
}
