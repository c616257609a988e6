package cluster

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Config holds everything one replica needs to join the cluster. Replicas is
// the full fixed membership, self included; elections count their majority
// against its size, so a list that omits self is rejected at startup.
type Config struct {
	ServerID        string
	Host            string
	ReplicationPort int
	ClientPort      int
	AdminPort       int // 0 disables the admin listener
	DataDir         string
	Replicas        []string // host:port replication endpoints, must include self

	// Timing knobs. Zero values take the defaults below; tests shrink them.
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	BootstrapWindow    time.Duration
	PeerTimeout        time.Duration // heartbeat and vote sends
	ReplicateTimeout   time.Duration // replicate sends
	ForwardTimeout     time.Duration // backup → primary client forwarding
}

const (
	defaultHeartbeatInterval  = 500 * time.Millisecond
	defaultElectionTimeoutMin = 1500 * time.Millisecond
	defaultElectionTimeoutMax = 3 * time.Second
	defaultBootstrapWindow    = 5 * time.Second
	defaultPeerTimeout        = time.Second
	defaultReplicateTimeout   = 2 * time.Second
	defaultForwardTimeout     = 5 * time.Second
)

// ApplyDefaults fills unset timing fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = defaultElectionTimeoutMin
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = defaultElectionTimeoutMax
	}
	if c.BootstrapWindow == 0 {
		c.BootstrapWindow = defaultBootstrapWindow
	}
	if c.PeerTimeout == 0 {
		c.PeerTimeout = defaultPeerTimeout
	}
	if c.ReplicateTimeout == 0 {
		c.ReplicateTimeout = defaultReplicateTimeout
	}
	if c.ForwardTimeout == 0 {
		c.ForwardTimeout = defaultForwardTimeout
	}
}

// SelfAddr is this replica's entry in the membership list. A wildcard bind
// host is advertised as loopback.
func (c *Config) SelfAddr() string {
	host := c.Host
	if host == "0.0.0.0" || host == "" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", c.ReplicationPort))
}

// BindAddr is the address the replication listener binds to.
func (c *Config) BindAddr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.ReplicationPort))
}

// Peers returns the membership excluding self.
func (c *Config) Peers() []string {
	self := c.SelfAddr()
	var peers []string
	for _, addr := range c.Replicas {
		if addr != self {
			peers = append(peers, addr)
		}
	}
	return peers
}

// Validate checks required fields and the self-membership rule.
func (c *Config) Validate() error {
	if c.ServerID == "" {
		return fmt.Errorf("server id is required")
	}
	if c.ReplicationPort <= 0 {
		return fmt.Errorf("replication port is required")
	}
	if c.ClientPort <= 0 {
		return fmt.Errorf("client port is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if len(c.Replicas) == 0 {
		return fmt.Errorf("replica list is required")
	}
	for _, addr := range c.Replicas {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("bad replica address %q: %w", addr, err)
		}
	}
	self := c.SelfAddr()
	for _, addr := range c.Replicas {
		if addr == self {
			return nil
		}
	}
	return fmt.Errorf("replica list %v does not include self (%s); elections would mis-tally", c.Replicas, self)
}

// ParseReplicas splits a comma-separated host:port list.
func ParseReplicas(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty replica list")
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("bad replica address %q: %w", addr, err)
		}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty replica list")
	}
	return out, nil
}
