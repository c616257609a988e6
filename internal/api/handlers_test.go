package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicated-chat/internal/cluster"
	"replicated-chat/internal/presence"
	"replicated-chat/internal/store"
)

func newTestAPI(t *testing.T) (*gin.Engine, *store.Store, *presence.Registry, *cluster.OpLog) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	st, err := store.Open(dir, zerolog.Nop())
	require.NoError(t, err)

	oplog, err := cluster.OpenOpLog(filepath.Join(dir, "oplog.log"))
	require.NoError(t, err)
	t.Cleanup(func() { oplog.Close() })

	cfg := cluster.Config{
		ServerID:        "node-1",
		Host:            "127.0.0.1",
		ReplicationPort: 9001,
		ClientPort:      8001,
		DataDir:         dir,
		Replicas:        []string{"127.0.0.1:9001"},
	}
	replicator := cluster.NewReplicator(cfg, nil, cluster.NewTCPTransport(), oplog, nil, zerolog.Nop())
	reg := presence.NewRegistry()

	engine := gin.New()
	New(replicator, oplog, st, reg, nil, zerolog.Nop()).SetupRoutes(engine)
	return engine, st, reg, oplog
}

func doGet(engine *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	engine.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	engine, _, _, _ := newTestAPI(t)

	w := doGet(engine, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "ok"}`, w.Body.String())
}

func TestGetStatus(t *testing.T) {
	engine, _, reg, _ := newTestAPI(t)
	reg.Bind("alice", nil)

	w := doGet(engine, "/admin/status")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status cluster.Status `json:"status"`
		Online []string       `json:"online"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "node-1", body.Status.ServerID)
	assert.Equal(t, "CANDIDATE", body.Status.Role)
	assert.Equal(t, []string{"alice"}, body.Online)
}

func TestGetPeers(t *testing.T) {
	engine, _, _, _ := newTestAPI(t)

	w := doGet(engine, "/cluster/peers")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		ServerID string   `json:"server_id"`
		Peers    []string `json:"peers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "node-1", body.ServerID)
	assert.Empty(t, body.Peers)
}

func TestGetOpLog(t *testing.T) {
	engine, _, _, oplog := newTestAPI(t)
	require.NoError(t, oplog.Append(1, json.RawMessage(`{"type":"R"}`)))
	require.NoError(t, oplog.Append(1, json.RawMessage(`{"type":"M"}`)))

	w := doGet(engine, "/admin/oplog?n=1")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Entries []cluster.OpLogEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.JSONEq(t, `{"type":"M"}`, string(body.Entries[0].Frame))

	w = doGet(engine, "/admin/oplog?n=bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetStoreCounts(t *testing.T) {
	engine, st, _, _ := newTestAPI(t)
	_, err := st.Insert(store.Users, store.Record{"user_name": "alice"})
	require.NoError(t, err)

	w := doGet(engine, "/admin/store")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"users": 1, "messages": 0}`, w.Body.String())
}
