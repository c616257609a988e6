package cluster

import (
	"encoding/json"
	"net"
	"time"

	"replicated-chat/internal/protocol"
)

// peerListener accepts replication connections. Each connection carries one
// frame: either an intra-cluster message or a client frame a backup forwarded
// to us. Workers are short-lived, one per accepted connection.
type peerListener struct {
	r        *Replicator
	listener net.Listener
}

// peerIOTimeout bounds a full peer exchange (read one frame, write one
// reply).
const peerIOTimeout = 5 * time.Second

func newPeerListener(r *Replicator, bindAddr string) (*peerListener, error) {
	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	r.logger.Info().Str("addr", bindAddr).Msg("replication listener started")
	return &peerListener{r: r, listener: l}, nil
}

func (p *peerListener) run() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.r.stopCh:
				return
			default:
			}
			p.r.logger.Warn().Err(err).Msg("replication accept failed")
			continue
		}
		go p.handleConn(conn)
	}
}

// handleConn reads one frame and dispatches it. Peer-message handlers must
// never crash the listener: failures are logged and the connection dropped.
func (p *peerListener) handleConn(conn net.Conn) {
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(peerIOTimeout)); err != nil {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(conn).Decode(&raw); err != nil {
		p.r.logger.Debug().Err(err).Str("from", conn.RemoteAddr().String()).Msg("bad peer frame")
		return
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Type == "" {
		p.r.logger.Debug().Str("from", conn.RemoteAddr().String()).Msg("peer frame missing type")
		return
	}

	if IsPeerCode(probe.Type) {
		p.handlePeerMessage(conn, raw, probe.Type)
		return
	}

	// Anything else is a client frame forwarded by a backup; serve it as if
	// the client had connected here directly. The forwarding backup holds the
	// client connection, so no handle is registered.
	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		p.r.logger.Debug().Err(err).Msg("bad forwarded frame")
		return
	}
	resp := p.r.HandleClient(frame, nil)
	p.reply(conn, resp)
}

func (p *peerListener) handlePeerMessage(conn net.Conn, raw json.RawMessage, code string) {
	var msg PeerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.r.logger.Debug().Err(err).Str("code", code).Msg("bad peer message")
		return
	}

	switch code {
	case MsgHeartbeat:
		p.r.HandleHeartbeat(msg)
	case MsgRequestVote:
		p.reply(conn, p.r.HandleVoteRequest(msg))
	case MsgVoteResponse:
		p.r.HandleVoteResponse(msg)
	case MsgReplicate:
		p.reply(conn, p.r.HandleReplicate(msg))
	case MsgReplicateAck:
		// Acks arriving on fresh connections carry no information.
	}
}

func (p *peerListener) reply(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.r.logger.Error().Err(err).Msg("encode peer reply")
		return
	}
	if _, err := conn.Write(data); err != nil {
		p.r.logger.Debug().Err(err).Msg("write peer reply")
	}
}

func (p *peerListener) close() {
	p.listener.Close()
}
