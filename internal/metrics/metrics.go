// Package metrics wraps the Prometheus collectors exposed on the admin
// listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service's Prometheus collectors. Construct one per
// process and inject it where needed.
type Registry struct {
	Requests        *prometheus.CounterVec // by op code and outcome
	ReplicationSent *prometheus.CounterVec // by result (ok, error, timeout)
	Forwarded       prometheus.Counter
	Elections       prometheus.Counter
	CurrentTerm     prometheus.Gauge
	Role            prometheus.Gauge // 0 candidate, 1 backup, 2 primary
	Notifications   *prometheus.CounterVec
}

// NewRegistry creates and registers the collectors on the default registry.
func NewRegistry() *Registry {
	return &Registry{
		Requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Client operations dispatched, by op code and outcome",
		}, []string{"code", "outcome"}),
		ReplicationSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_replication_sends_total",
			Help: "Replicate frames fanned out to peers, by result",
		}, []string{"result"}),
		Forwarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chat_forwarded_requests_total",
			Help: "Client frames forwarded from this backup to the primary",
		}),
		Elections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chat_elections_started_total",
			Help: "Leader elections started by this replica",
		}),
		CurrentTerm: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chat_current_term",
			Help: "Current election term",
		}),
		Role: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chat_role",
			Help: "Replica role: 0 candidate, 1 backup, 2 primary",
		}),
		Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_notifications_total",
			Help: "Unsolicited notification pushes, by result",
		}, []string{"result"}),
	}
}

// Handler returns the HTTP handler exposing the metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
