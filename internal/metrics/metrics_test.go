package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The default registry allows one registration per collector name, so the
// whole package shares a single Registry across tests.
var testRegistry = NewRegistry()

func TestCollectorsRecord(t *testing.T) {
	testRegistry.Requests.WithLabelValues("R", "ok").Inc()
	testRegistry.Requests.WithLabelValues("R", "ok").Inc()
	testRegistry.Requests.WithLabelValues("M", "error").Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(testRegistry.Requests.WithLabelValues("R", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(testRegistry.Requests.WithLabelValues("M", "error")))

	testRegistry.Role.Set(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(testRegistry.Role))

	testRegistry.CurrentTerm.Set(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(testRegistry.CurrentTerm))
}

func TestHandlerServesMetrics(t *testing.T) {
	testRegistry.Elections.Inc()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	testRegistry.Handler().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "chat_elections_started_total")
	assert.Contains(t, w.Body.String(), "chat_role")
}
