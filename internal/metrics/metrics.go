/*
Package metrics wraps go-ethereum metrics registry and exposes it in
Prometheus format.
*/
package metrics

import (
	"net/http"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/prometheus"

	"github.com/alphabill-org/automaton/internal/logger"
)

var log = logger.CreateForPackage()

type Counter struct {
	metrics.Counter
}

type Gauge struct {
	metrics.Gauge
}

// Registry holds the metrics of one engine instance. The zero value is not
// usable, use NewRegistry. Nil *Registry hands out no-op metrics.
type Registry struct {
	r metrics.Registry
}

func NewRegistry() *Registry {
	// go-ethereum returns no-op metrics unless the package level switch is on
	metrics.Enabled = true
	return &Registry{r: metrics.NewRegistry()}
}

func (r *Registry) Counter(name string) *Counter {
	if r == nil {
		return &Counter{metrics.NilCounter{}}
	}
	log.Trace("Registering counter %s", name)
	return &Counter{metrics.GetOrRegisterCounter(name, r.r)}
}

func (r *Registry) Gauge(name string) *Gauge {
	if r == nil {
		return &Gauge{metrics.NilGauge{}}
	}
	log.Trace("Registering gauge %s", name)
	return &Gauge{metrics.GetOrRegisterGauge(name, r.r)}
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return prometheus.Handler(r.r)
}
