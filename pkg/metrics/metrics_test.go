package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Acquisitions.Increment("acquired")
	m.Acquisitions.Increment("acquired")
	m.Envelopes.Increment("out", "update")
	m.Objects.Set(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Acquisitions.With("acquired")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Acquisitions.With("rejected")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `slidesync_envelopes_total{direction="out",kind="update"} 1`)
	assert.Contains(t, rec.Body.String(), "slidesync_objects 4")
}

func TestNew_NilRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}
