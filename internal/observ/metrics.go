package observ

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Thin facade over a prometheus registry so call sites stay one-liners.
// Metrics are registered lazily on first use; the label key set of that first
// call is authoritative for the metric's lifetime.
type registry struct {
	mu       sync.Mutex
	reg      *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		reg:      prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
	}
}

func labelKeys(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	c, ok := reg.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelKeys(labels))
		if err := reg.reg.Register(c); err != nil {
			reg.mu.Unlock()
			return
		}
		reg.counters[name] = c
	}
	reg.mu.Unlock()

	m, err := c.GetMetricWith(labels)
	if err != nil {
		return // label mismatch with first registration; drop rather than panic
	}
	m.Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	g, ok := reg.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelKeys(labels))
		if err := reg.reg.Register(g); err != nil {
			reg.mu.Unlock()
			return
		}
		reg.gauges[name] = g
	}
	reg.mu.Unlock()

	m, err := g.GetMetricWith(labels)
	if err != nil {
		return
	}
	m.Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	h, ok := reg.hist[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Buckets: prometheus.DefBuckets,
		}, labelKeys(labels))
		if err := reg.reg.Register(h); err != nil {
			reg.mu.Unlock()
			return
		}
		reg.hist[name] = h
	}
	reg.mu.Unlock()

	m, err := h.GetMetricWith(labels)
	if err != nil {
		return
	}
	m.Observe(value)
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{})
}
