package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		ServerID:        "node-1",
		Host:            "0.0.0.0",
		ReplicationPort: 9001,
		ClientPort:      8001,
		DataDir:         "/tmp/chat-1",
		Replicas:        []string{"127.0.0.1:9001", "127.0.0.1:9002", "127.0.0.1:9003"},
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 500*time.Millisecond, cfg.HeartbeatInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.ElectionTimeoutMin)
	assert.Equal(t, 3*time.Second, cfg.ElectionTimeoutMax)
	assert.Equal(t, 5*time.Second, cfg.BootstrapWindow)
	assert.Equal(t, time.Second, cfg.PeerTimeout)
	assert.Equal(t, 2*time.Second, cfg.ReplicateTimeout)
	assert.Equal(t, 5*time.Second, cfg.ForwardTimeout)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	cfg := Config{HeartbeatInterval: 50 * time.Millisecond}
	cfg.ApplyDefaults()
	assert.Equal(t, 50*time.Millisecond, cfg.HeartbeatInterval)
}

func TestSelfAddrNormalizesWildcardHost(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	assert.Equal(t, "127.0.0.1:9001", cfg.SelfAddr())
	assert.Equal(t, "0.0.0.0:9001", cfg.BindAddr())

	cfg.Host = "10.0.0.5"
	assert.Equal(t, "10.0.0.5:9001", cfg.SelfAddr())
}

func TestPeersExcludesSelf(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	assert.Equal(t, []string{"127.0.0.1:9002", "127.0.0.1:9003"}, cfg.Peers())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		errHas string
	}{
		{"missing id", func(c *Config) { c.ServerID = "" }, "server id"},
		{"missing replication port", func(c *Config) { c.ReplicationPort = 0 }, "replication port"},
		{"missing client port", func(c *Config) { c.ClientPort = 0 }, "client port"},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, "data dir"},
		{"empty replicas", func(c *Config) { c.Replicas = nil }, "replica list"},
		{"bad replica address", func(c *Config) { c.Replicas = []string{"no-port"} }, "bad replica address"},
		{"self not in replicas", func(c *Config) {
			c.Replicas = []string{"127.0.0.1:9002", "127.0.0.1:9003"}
		}, "does not include self"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errHas)
		})
	}
}

func TestParseReplicas(t *testing.T) {
	t.Parallel()

	out, err := ParseReplicas("127.0.0.1:9001, 127.0.0.1:9002 ,127.0.0.1:9003")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:9001", "127.0.0.1:9002", "127.0.0.1:9003"}, out)

	_, err = ParseReplicas("")
	assert.Error(t, err)

	_, err = ParseReplicas(" , ")
	assert.Error(t, err)

	_, err = ParseReplicas("127.0.0.1:9001,bogus")
	assert.Error(t, err)
}
