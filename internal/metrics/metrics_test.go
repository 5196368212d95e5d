package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("crank/submitted")
	c.Inc(2)
	require.EqualValues(t, 2, r.Counter("crank/submitted").Count())

	g := r.Gauge("observer/crankable")
	g.Update(7)
	require.EqualValues(t, 7, g.Value())

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "crank_submitted 2")
	require.Contains(t, rec.Body.String(), "observer_crankable 7")
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	c := r.Counter("x")
	c.Inc(1)
	require.Zero(t, c.Count())
	r.Gauge("y").Update(1)
}
