// Package presence tracks which authenticated users currently have an open
// client connection, so inbound messages can be pushed to online recipients.
package presence

import (
	"sync"

	"replicated-chat/internal/protocol"
)

// FrameWriter is the connection surface the registry needs: one frame written
// atomically per call. *protocol.Conn satisfies it.
type FrameWriter interface {
	WriteFrame(protocol.Frame) error
}

// Registry is a concurrent username → connection map. Entries are local to
// this process; replicas never share presence.
type Registry struct {
	mu     sync.Mutex
	online map[string]FrameWriter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{online: make(map[string]FrameWriter)}
}

// Bind associates username with conn, replacing any prior binding.
func (r *Registry) Bind(username string, conn FrameWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online[username] = conn
}

// Unbind removes every username bound to conn. Called by acceptor workers on
// connection teardown.
func (r *Registry) Unbind(conn FrameWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for username, c := range r.online {
		if c == conn {
			delete(r.online, username)
		}
	}
}

// Lookup returns the connection bound to username, if any.
func (r *Registry) Lookup(username string) (FrameWriter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.online[username]
	return conn, ok
}

// Online returns the usernames currently bound, for diagnostics.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.online))
	for username := range r.online {
		names = append(names, username)
	}
	return names
}
