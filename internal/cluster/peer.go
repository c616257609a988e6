package cluster

// Peer-to-peer message codes. These share the client frame envelope: one JSON
// object per connection, no length prefix.
const (
	MsgHeartbeat    = "HEARTBEAT"
	MsgRequestVote  = "REQUEST_VOTE"
	MsgVoteResponse = "VOTE_RESPONSE"
	MsgReplicate    = "REPLICATE"
	MsgReplicateAck = "REPLICATE_ACK"
)

// PeerMessage is the intra-cluster frame. Address carries the sender's
// replication endpoint so receivers can map a primary's server id back to a
// dialable address when forwarding client requests.
type PeerMessage struct {
	Type        string `json:"type"`
	Term        uint64 `json:"term"`
	ServerID    string `json:"server_id"`
	Address     string `json:"address,omitempty"`
	VoteGranted bool   `json:"vote_granted,omitempty"`
	Operation   string `json:"operation,omitempty"` // embedded client frame, REPLICATE only
}

// IsPeerCode reports whether code names an intra-cluster message, as opposed
// to a client frame that a backup forwarded to the primary.
func IsPeerCode(code string) bool {
	switch code {
	case MsgHeartbeat, MsgRequestVote, MsgVoteResponse, MsgReplicate, MsgReplicateAck:
		return true
	}
	return false
}

// Role is a replica's position in the current term.
type Role int32

const (
	RoleCandidate Role = iota
	RoleBackup
	RolePrimary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "PRIMARY"
	case RoleBackup:
		return "BACKUP"
	default:
		return "CANDIDATE"
	}
}
