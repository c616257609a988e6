// Package server accepts client TCP connections and runs one worker per
// connection, shuttling frames between the socket and the replicator.
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"replicated-chat/internal/presence"
	"replicated-chat/internal/protocol"
)

// Router answers client frames. The replicator satisfies it.
type Router interface {
	HandleClient(frame protocol.Frame, conn presence.FrameWriter) protocol.Frame
}

// readPollTimeout bounds each blocking read so workers notice shutdown.
const readPollTimeout = 500 * time.Millisecond

// Acceptor owns the client listener and its per-connection workers.
type Acceptor struct {
	addr     string
	router   Router
	presence *presence.Registry
	logger   zerolog.Logger

	listener net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAcceptor builds an acceptor bound to addr when started.
func NewAcceptor(addr string, router Router, reg *presence.Registry, logger zerolog.Logger) *Acceptor {
	return &Acceptor{
		addr:     addr,
		router:   router,
		presence: reg,
		logger:   logger.With().Str("component", "acceptor").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start binds the listener and begins accepting in a background goroutine.
func (a *Acceptor) Start() error {
	listener, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("client listener: %w", err)
	}
	a.listener = listener
	a.logger.Info().Str("addr", a.addr).Msg("client listener started")

	a.wg.Add(1)
	go a.acceptLoop()
	return nil
}

// Addr reports the bound address, useful when started on port 0.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Stop closes the listener and waits for workers to drain.
func (a *Acceptor) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		if a.listener != nil {
			a.listener.Close()
		}
	})
	a.wg.Wait()
}

func (a *Acceptor) acceptLoop() {
	defer a.wg.Done()
	for {
		raw, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.stopCh:
				return
			default:
			}
			a.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		a.wg.Add(1)
		go a.serveConn(protocol.NewConn(raw))
	}
}

// serveConn reads request frames in a loop and writes back each response.
// On exit the connection is closed and unbound from presence so
// notifications stop targeting a dead socket.
func (a *Acceptor) serveConn(conn *protocol.Conn) {
	defer a.wg.Done()
	remote := conn.RemoteAddr().String()
	a.logger.Debug().Str("remote", remote).Msg("client connected")

	defer func() {
		a.presence.Unbind(conn)
		conn.Close()
		a.logger.Debug().Str("remote", remote).Msg("client disconnected")
	}()

	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(readPollTimeout)); err != nil {
			return
		}
		frame, err := conn.ReadFrame()
		if err != nil {
			if protocol.IsTimeout(err) {
				continue
			}
			if !protocol.IsClosed(err) {
				a.logger.Debug().Err(err).Str("remote", remote).Msg("read failed")
			}
			return
		}

		resp := a.router.HandleClient(frame, conn)
		if err := conn.WriteFrame(resp); err != nil {
			a.logger.Debug().Err(err).Str("remote", remote).Msg("write failed")
			return
		}
	}
}
