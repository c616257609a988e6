// Package dispatch executes client operations against the store and produces
// response frames.
//
// The dispatcher is the only component that understands payload shapes. It
// never returns an error to its caller: every failure, including a panic in a
// handler, becomes an "E" frame so the replicator and acceptor can stay
// oblivious to business semantics.
package dispatch

import (
	"github.com/rs/zerolog"

	"replicated-chat/internal/metrics"
	"replicated-chat/internal/presence"
	"replicated-chat/internal/protocol"
	"replicated-chat/internal/store"
)

// Dispatcher routes decoded frames to operation handlers.
type Dispatcher struct {
	store    *store.Store
	presence *presence.Registry
	metrics  *metrics.Registry
	logger   zerolog.Logger
}

// New builds a dispatcher. metrics may be nil (tests).
func New(st *store.Store, reg *presence.Registry, m *metrics.Registry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		presence: reg,
		metrics:  m,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
}

// Handle executes one request frame and returns the response frame. conn is
// the issuing client's connection, used for presence binding and absent (nil)
// when the frame is a replicated operation applied on a backup.
func (d *Dispatcher) Handle(frame protocol.Frame, conn presence.FrameWriter) (resp protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Any("panic", r).Str("code", frame.Type).Msg("handler panicked")
			resp = protocol.Error("Internal server error")
		}
		d.count(frame.Type, resp.Type)
	}()

	switch frame.Type {
	case protocol.CodeRegister:
		return d.register(frame.Payload)
	case protocol.CodeLogin:
		return d.login(frame.Payload, conn)
	case protocol.CodeSendMessage:
		return d.sendMessage(frame.Payload)
	case protocol.CodeGetMessages:
		return d.getMessages(frame.Payload)
	case protocol.CodeGetUserList:
		return d.getUserList()
	case protocol.CodeDeleteMessage:
		return d.deleteMessage(frame.Payload)
	case protocol.CodeDeleteUser:
		return d.deleteUser(frame.Payload)
	case protocol.CodeUpdateViewCount:
		return d.updateViewCount(frame.Payload)
	case protocol.CodeLogOff:
		return d.logOff(frame.Payload)
	case protocol.CodeGetUserStats:
		return d.getUserStats(frame.Payload)
	default:
		d.logger.Warn().Str("code", frame.Type).Msg("unknown operation code")
		return protocol.Error("Invalid message type")
	}
}

func (d *Dispatcher) count(code, outcome string) {
	if d.metrics == nil {
		return
	}
	label := "ok"
	if outcome == protocol.CodeError {
		label = "error"
	}
	d.metrics.Requests.WithLabelValues(code, label).Inc()
}
