// Package cluster implements the replication coordinator: a primary-backup
// scheme with leader election over fixed membership.
//
// One replica per term is the primary. It executes client operations locally
// and fans every write out to the backups; backups forward client frames to
// the primary and apply replicated operations. Roles move between Candidate,
// Backup, and Primary under randomized election timeouts, with terms as the
// election epoch.
//
// Locking discipline: a goroutine holds at most one replicator lock at a
// time, and never holds stateMu across a network send or a dispatcher call.
package cluster

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"replicated-chat/internal/metrics"
	"replicated-chat/internal/presence"
	"replicated-chat/internal/protocol"
)

// Handler executes one client frame and produces the response. The dispatcher
// satisfies it; conn is nil when the frame is a replicated operation.
type Handler interface {
	Handle(frame protocol.Frame, conn presence.FrameWriter) protocol.Frame
}

// Replicator coordinates roles, terms, elections, and write replication for
// one replica.
type Replicator struct {
	cfg       Config
	handler   Handler
	transport Transport
	oplog     *OpLog
	metrics   *metrics.Registry
	logger    zerolog.Logger

	peers []string // membership minus self

	// stateMu guards role, term, primary identity, votes, and heartbeat
	// freshness.
	stateMu       sync.Mutex
	role          Role
	currentTerm   uint64
	primaryID     string
	primaryAddr   string
	lastHeartbeat time.Time
	activeVotes   map[string]struct{}

	// voteMu guards votedFor during vote-request handling.
	voteMu   sync.Mutex
	votedFor string

	// outMu guards the per-peer replication queues. Each peer gets one
	// worker draining its queue so operations reach a given backup in the
	// order the primary issued them.
	outMu    sync.Mutex
	outbound map[string]chan PeerMessage

	listener *peerListener
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReplicator builds a replicator. metrics and oplog may be nil (tests).
func NewReplicator(cfg Config, handler Handler, transport Transport, oplog *OpLog, m *metrics.Registry, logger zerolog.Logger) *Replicator {
	cfg.ApplyDefaults()
	return &Replicator{
		cfg:         cfg,
		handler:     handler,
		transport:   transport,
		oplog:       oplog,
		metrics:     m,
		logger:      logger.With().Str("component", "cluster").Str("server_id", cfg.ServerID).Logger(),
		peers:       cfg.Peers(),
		role:        RoleCandidate,
		activeVotes: make(map[string]struct{}),
		outbound:    make(map[string]chan PeerMessage),
		stopCh:      make(chan struct{}),
	}
}

// Start binds the replication listener, runs the initial election (with the
// bootstrap self-promotion fallback), and launches the heartbeat and
// election-timeout loops.
func (r *Replicator) Start() error {
	listener, err := newPeerListener(r, r.cfg.BindAddr())
	if err != nil {
		return fmt.Errorf("replication listener: %w", err)
	}
	r.listener = listener

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		listener.run()
	}()

	r.StartElection()
	r.bootstrap()

	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.electionTimeoutLoop()
	return nil
}

// Stop signals every loop to exit and closes the listener.
func (r *Replicator) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.listener != nil {
			r.listener.close()
		}
	})
	r.wg.Wait()
}

// bootstrap waits up to the bootstrap window for the initial election to
// settle; a lone starting node self-promotes for the next term so a
// single-replica deployment still serves clients.
func (r *Replicator) bootstrap() {
	deadline := time.Now().Add(r.cfg.BootstrapWindow)
	for time.Now().Before(deadline) {
		r.stateMu.Lock()
		settled := r.role == RolePrimary || r.primaryID != ""
		r.stateMu.Unlock()
		if settled {
			return
		}
		select {
		case <-r.stopCh:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.role != RolePrimary && r.primaryID == "" {
		r.currentTerm++
		r.role = RolePrimary
		r.primaryID = r.cfg.ServerID
		r.primaryAddr = r.cfg.SelfAddr()
		r.logger.Info().Uint64("term", r.currentTerm).Msg("no primary after bootstrap window, self-promoting")
		r.observeState()
	}
}

////////////////////////////////////////////////////////////////////////////////
// CLIENT OPERATION ROUTING
////////////////////////////////////////////////////////////////////////////////

const (
	forwardRetries = 3
	forwardBackoff = 250 * time.Millisecond
)

// HandleClient is the entry point for every client frame. On the primary the
// frame executes locally and, for writes, fans out to the backups. Elsewhere
// it is forwarded to the known primary, or answered with a transient error.
func (r *Replicator) HandleClient(frame protocol.Frame, conn presence.FrameWriter) protocol.Frame {
	for attempt := 0; ; attempt++ {
		r.stateMu.Lock()
		role := r.role
		term := r.currentTerm
		primaryAddr := r.primaryAddr
		r.stateMu.Unlock()

		switch {
		case role == RolePrimary:
			resp := r.handler.Handle(frame, conn)
			if protocol.IsWrite(frame.Type) {
				r.replicate(term, frame)
			}
			return resp

		case primaryAddr != "":
			resp, err := r.transport.Forward(primaryAddr, frame, r.cfg.ForwardTimeout)
			if err != nil {
				r.logger.Warn().Err(err).Str("primary", primaryAddr).Msg("forward to primary failed")
				r.dropPrimary()
				go r.StartElection()
				return protocol.Error("Primary server unavailable, trying to elect new primary")
			}
			if r.metrics != nil {
				r.metrics.Forwarded.Inc()
			}
			return resp

		default:
			if attempt >= forwardRetries-1 {
				return protocol.Error("No primary server available")
			}
			select {
			case <-r.stopCh:
				return protocol.Error("No primary server available")
			case <-time.After(forwardBackoff):
			}
		}
	}
}

func (r *Replicator) dropPrimary() {
	r.stateMu.Lock()
	r.primaryID = ""
	r.primaryAddr = ""
	r.stateMu.Unlock()
}

// replicate appends the write to the operation log and queues it for every
// peer. Fire and forget: the caller's client response never waits on backup
// acknowledgements.
func (r *Replicator) replicate(term uint64, frame protocol.Frame) {
	raw, err := frame.Encode()
	if err != nil {
		r.logger.Error().Err(err).Msg("encode replicated frame")
		return
	}
	if r.oplog != nil {
		if err := r.oplog.Append(term, raw); err != nil {
			r.logger.Error().Err(err).Msg("operation log append failed")
		}
	}

	msg := PeerMessage{
		Type:      MsgReplicate,
		Term:      term,
		ServerID:  r.cfg.ServerID,
		Address:   r.cfg.SelfAddr(),
		Operation: string(raw),
	}
	for _, peer := range r.peers {
		r.enqueue(peer, msg)
	}
}

func (r *Replicator) enqueue(peer string, msg PeerMessage) {
	r.outMu.Lock()
	ch, ok := r.outbound[peer]
	if !ok {
		ch = make(chan PeerMessage, 128)
		r.outbound[peer] = ch
		r.wg.Add(1)
		go r.replicateWorker(peer, ch)
	}
	r.outMu.Unlock()

	select {
	case ch <- msg:
	default:
		r.logger.Warn().Str("peer", peer).Msg("replication queue full, dropping operation")
		r.countReplication("dropped")
	}
}

// replicateWorker drains one peer's queue sequentially, preserving per-peer
// operation order.
func (r *Replicator) replicateWorker(peer string, ch chan PeerMessage) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case msg := <-ch:
			ack, err := r.transport.Call(peer, msg, r.cfg.ReplicateTimeout)
			switch {
			case err != nil:
				r.logger.Debug().Err(err).Str("peer", peer).Msg("replicate send failed")
				r.countReplication("error")
			case ack.Type != MsgReplicateAck:
				r.logger.Debug().Str("peer", peer).Str("got", ack.Type).Msg("unexpected replicate reply")
				r.countReplication("bad_ack")
			default:
				r.countReplication("ok")
			}
		}
	}
}

func (r *Replicator) countReplication(result string) {
	if r.metrics != nil {
		r.metrics.ReplicationSent.WithLabelValues(result).Inc()
	}
}

////////////////////////////////////////////////////////////////////////////////
// PEER MESSAGE HANDLING
////////////////////////////////////////////////////////////////////////////////

// HandleHeartbeat processes a primary's heartbeat. A strictly higher term
// demotes anyone; an equal term refreshes the primary for everyone but a
// primary, which ignores its own-term heartbeats.
func (r *Replicator) HandleHeartbeat(msg PeerMessage) {
	clearVote := false

	r.stateMu.Lock()
	switch {
	case msg.Term > r.currentTerm:
		r.currentTerm = msg.Term
		r.role = RoleBackup
		r.primaryID = msg.ServerID
		r.primaryAddr = msg.Address
		r.lastHeartbeat = time.Now()
		clearVote = true
		r.logger.Info().Uint64("term", msg.Term).Str("primary", msg.ServerID).Msg("adopted new primary")
		r.observeState()
	case msg.Term == r.currentTerm && r.role != RolePrimary:
		if r.role == RoleCandidate {
			r.role = RoleBackup
			r.observeState()
		}
		r.primaryID = msg.ServerID
		r.primaryAddr = msg.Address
		r.lastHeartbeat = time.Now()
	}
	r.stateMu.Unlock()

	if clearVote {
		r.setVotedFor("")
	}
}

// HandleVoteRequest decides whether to grant a candidate's vote and returns
// the response message.
func (r *Replicator) HandleVoteRequest(msg PeerMessage) PeerMessage {
	termAdvanced := false

	r.stateMu.Lock()
	if msg.Term > r.currentTerm {
		r.currentTerm = msg.Term
		termAdvanced = true
		if r.role == RolePrimary {
			r.role = RoleBackup
			r.primaryID = ""
			r.primaryAddr = ""
			r.logger.Info().Uint64("term", msg.Term).Msg("stepping down for higher-term candidate")
		}
		r.observeState()
	}
	term := r.currentTerm
	r.stateMu.Unlock()

	r.voteMu.Lock()
	if termAdvanced {
		r.votedFor = ""
	}
	granted := msg.Term >= term && (r.votedFor == "" || r.votedFor == msg.ServerID)
	if granted {
		r.votedFor = msg.ServerID
	}
	r.voteMu.Unlock()

	r.logger.Debug().Str("candidate", msg.ServerID).Uint64("term", msg.Term).Bool("granted", granted).Msg("vote request")
	return PeerMessage{
		Type:        MsgVoteResponse,
		Term:        term,
		ServerID:    r.cfg.ServerID,
		Address:     r.cfg.SelfAddr(),
		VoteGranted: granted,
	}
}

// HandleVoteResponse counts a granted vote toward the current election and
// promotes to primary on a strict majority of the configured membership.
func (r *Replicator) HandleVoteResponse(msg PeerMessage) {
	clearVote := false

	r.stateMu.Lock()
	switch {
	case msg.Term > r.currentTerm:
		r.currentTerm = msg.Term
		r.role = RoleBackup
		clearVote = true
		r.observeState()
	case r.role == RoleCandidate && msg.Term == r.currentTerm && msg.VoteGranted:
		r.activeVotes[msg.ServerID] = struct{}{}
		if 2*len(r.activeVotes) > len(r.cfg.Replicas) {
			r.role = RolePrimary
			r.primaryID = r.cfg.ServerID
			r.primaryAddr = r.cfg.SelfAddr()
			r.logger.Info().Uint64("term", r.currentTerm).Int("votes", len(r.activeVotes)).Msg("elected primary")
			r.observeState()
		}
	}
	r.stateMu.Unlock()

	if clearVote {
		r.setVotedFor("")
	}
}

// HandleReplicate applies one replicated operation on a backup and returns
// the acknowledgement. Frames are applied with no client handle, so presence
// on this replica is never touched.
func (r *Replicator) HandleReplicate(msg PeerMessage) PeerMessage {
	r.stateMu.Lock()
	applies := r.role == RoleBackup && msg.ServerID == r.primaryID && msg.Term >= r.currentTerm
	if applies && msg.Term > r.currentTerm {
		r.currentTerm = msg.Term
		r.observeState()
	}
	r.stateMu.Unlock()

	if applies && msg.Operation != "" {
		var frame protocol.Frame
		if err := json.Unmarshal([]byte(msg.Operation), &frame); err != nil {
			r.logger.Error().Err(err).Msg("malformed replicated operation")
		} else {
			resp := r.handler.Handle(frame, nil)
			if resp.Type == protocol.CodeError {
				r.logger.Warn().Str("code", frame.Type).Str("err", resp.Text()).Msg("replicated operation failed locally")
			}
			if r.oplog != nil {
				if err := r.oplog.Append(msg.Term, json.RawMessage(msg.Operation)); err != nil {
					r.logger.Error().Err(err).Msg("operation log append failed")
				}
			}
		}
	} else if !applies {
		r.logger.Debug().Str("from", msg.ServerID).Uint64("term", msg.Term).Msg("ignoring replicate")
	}

	return PeerMessage{Type: MsgReplicateAck, ServerID: r.cfg.ServerID, Address: r.cfg.SelfAddr()}
}

////////////////////////////////////////////////////////////////////////////////
// ELECTIONS
////////////////////////////////////////////////////////////////////////////////

// StartElection advances the term, votes for self, and solicits votes from
// every peer. A single-replica cluster wins immediately.
func (r *Replicator) StartElection() {
	r.stateMu.Lock()
	r.currentTerm++
	r.role = RoleCandidate
	r.primaryID = ""
	r.primaryAddr = ""
	r.activeVotes = map[string]struct{}{r.cfg.ServerID: {}}
	term := r.currentTerm
	if 2 > len(r.cfg.Replicas) { // self vote is already a majority of one
		r.role = RolePrimary
		r.primaryID = r.cfg.ServerID
		r.primaryAddr = r.cfg.SelfAddr()
		r.logger.Info().Uint64("term", term).Msg("single-node cluster, elected primary")
	}
	r.observeState()
	r.stateMu.Unlock()

	r.setVotedFor(r.cfg.ServerID)
	if r.metrics != nil {
		r.metrics.Elections.Inc()
	}
	r.logger.Info().Uint64("term", term).Msg("starting election")

	req := PeerMessage{
		Type:     MsgRequestVote,
		Term:     term,
		ServerID: r.cfg.ServerID,
		Address:  r.cfg.SelfAddr(),
	}
	for _, peer := range r.peers {
		go func(addr string) {
			reply, err := r.transport.Call(addr, req, r.cfg.PeerTimeout)
			if err != nil {
				r.logger.Debug().Err(err).Str("peer", addr).Msg("vote request failed")
				return
			}
			r.HandleVoteResponse(reply)
		}(peer)
	}
}

// heartbeatLoop emits heartbeats at a fixed cadence while primary. The
// term/role snapshot is taken under stateMu and released before any send.
func (r *Replicator) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}

		r.stateMu.Lock()
		role := r.role
		term := r.currentTerm
		r.stateMu.Unlock()
		if role != RolePrimary {
			continue
		}

		msg := PeerMessage{
			Type:     MsgHeartbeat,
			Term:     term,
			ServerID: r.cfg.ServerID,
			Address:  r.cfg.SelfAddr(),
		}
		for _, peer := range r.peers {
			go func(addr string) {
				if err := r.transport.Send(addr, msg, r.cfg.PeerTimeout); err != nil {
					r.logger.Debug().Err(err).Str("peer", addr).Msg("heartbeat send failed")
				}
			}(peer)
		}
	}
}

// electionTimeoutLoop starts an election when no heartbeat has arrived within
// a randomized interval. Primaries never time out; candidates do, so a failed
// election retries at a higher term.
func (r *Replicator) electionTimeoutLoop() {
	defer r.wg.Done()

	for {
		interval := r.cfg.ElectionTimeoutMin +
			time.Duration(rand.Int63n(int64(r.cfg.ElectionTimeoutMax-r.cfg.ElectionTimeoutMin)))

		select {
		case <-r.stopCh:
			return
		case <-time.After(interval):
		}

		r.stateMu.Lock()
		role := r.role
		noPrimary := r.primaryID == ""
		stale := time.Since(r.lastHeartbeat) >= interval
		r.stateMu.Unlock()

		if role != RolePrimary && (noPrimary || stale) {
			r.StartElection()
		}
	}
}

func (r *Replicator) setVotedFor(id string) {
	r.voteMu.Lock()
	r.votedFor = id
	r.voteMu.Unlock()
}

// observeState refreshes the role/term gauges. Callers hold stateMu; gauge
// sets are atomic and never block.
func (r *Replicator) observeState() {
	if r.metrics == nil {
		return
	}
	r.metrics.CurrentTerm.Set(float64(r.currentTerm))
	switch r.role {
	case RolePrimary:
		r.metrics.Role.Set(2)
	case RoleBackup:
		r.metrics.Role.Set(1)
	default:
		r.metrics.Role.Set(0)
	}
}

////////////////////////////////////////////////////////////////////////////////
// INTROSPECTION
////////////////////////////////////////////////////////////////////////////////

// Status is a point-in-time snapshot for the admin API and tests.
type Status struct {
	ServerID      string    `json:"server_id"`
	Role          string    `json:"role"`
	Term          uint64    `json:"term"`
	PrimaryID     string    `json:"primary_id,omitempty"`
	PrimaryAddr   string    `json:"primary_addr,omitempty"`
	Peers         []string  `json:"peers"`
	ActiveVotes   []string  `json:"active_votes,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	OpLogLength   int       `json:"oplog_length"`
}

// Status reports the replicator's current view of the cluster.
func (r *Replicator) Status() Status {
	r.stateMu.Lock()
	st := Status{
		ServerID:      r.cfg.ServerID,
		Role:          r.role.String(),
		Term:          r.currentTerm,
		PrimaryID:     r.primaryID,
		PrimaryAddr:   r.primaryAddr,
		Peers:         append([]string(nil), r.peers...),
		LastHeartbeat: r.lastHeartbeat,
	}
	for id := range r.activeVotes {
		st.ActiveVotes = append(st.ActiveVotes, id)
	}
	r.stateMu.Unlock()

	if r.oplog != nil {
		st.OpLogLength = r.oplog.Len()
	}
	return st
}

// Role reports the current role.
func (r *Replicator) Role() Role {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.role
}

// Term reports the current term.
func (r *Replicator) Term() uint64 {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.currentTerm
}
