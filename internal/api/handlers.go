// Package api exposes the admin and diagnostics HTTP surface: replica
// status, cluster view, the operation log tail, store counts, and Prometheus
// metrics. It serves operators, not chat clients.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"replicated-chat/internal/cluster"
	"replicated-chat/internal/metrics"
	"replicated-chat/internal/presence"
	"replicated-chat/internal/store"
)

// API bundles the handlers' dependencies.
type API struct {
	replicator *cluster.Replicator
	oplog      *cluster.OpLog
	store      *store.Store
	presence   *presence.Registry
	metrics    *metrics.Registry
	logger     zerolog.Logger
}

// New builds the admin API.
func New(r *cluster.Replicator, oplog *cluster.OpLog, st *store.Store, reg *presence.Registry, m *metrics.Registry, logger zerolog.Logger) *API {
	return &API{
		replicator: r,
		oplog:      oplog,
		store:      st,
		presence:   reg,
		metrics:    m,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// SetupRoutes registers every route on the engine.
func (a *API) SetupRoutes(r *gin.Engine) {
	r.Use(RequestLogger(a.logger), Recovery(a.logger))

	admin := r.Group("/admin")
	{
		admin.GET("/status", a.GetStatus)
		admin.GET("/oplog", a.GetOpLog)
		admin.GET("/store", a.GetStoreCounts)
	}

	clusterGroup := r.Group("/cluster")
	{
		clusterGroup.GET("/peers", a.GetPeers)
	}

	r.GET("/healthz", a.Healthz)
	if a.metrics != nil {
		r.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	}
}

// GetStatus reports role, term, primary, and vote bookkeeping.
func (a *API) GetStatus(c *gin.Context) {
	st := a.replicator.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":    st,
		"online":    a.presence.Online(),
		"timestamp": time.Now().UTC(),
	})
}

// GetPeers reports the configured membership as this replica sees it.
func (a *API) GetPeers(c *gin.Context) {
	st := a.replicator.Status()
	c.JSON(http.StatusOK, gin.H{
		"server_id": st.ServerID,
		"peers":     st.Peers,
		"primary":   st.PrimaryID,
	})
}

// GetOpLog returns the most recent replicated operations. ?n= bounds the
// tail, default 50.
func (a *API) GetOpLog(c *gin.Context) {
	n := 50
	if v := c.Query("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a non-negative integer"})
			return
		}
		n = parsed
	}
	if a.oplog == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []cluster.OpLogEntry{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": a.oplog.Tail(n)})
}

// GetStoreCounts reports the record count per collection.
func (a *API) GetStoreCounts(c *gin.Context) {
	users, err := a.store.Count(store.Users)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	messages, err := a.store.Count(store.Messages)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "messages": messages})
}

// Healthz is a liveness probe.
func (a *API) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
