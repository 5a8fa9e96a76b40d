package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Invalidations.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.Invalidations))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Invalidations))
}

func TestNewWithRegistry_DuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewWithRegistry(reg)
	assert.Panics(t, func() { NewWithRegistry(reg) })
}

func TestHandler(t *testing.T) {
	m := New()
	m.CacheLookups.WithLabelValues("hit").Add(3)
	m.CacheGeneration.Set(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `memberqa_cache_lookups_total{result="hit"} 3`)
	assert.Contains(t, string(body), "memberqa_cache_generation 7")
}
