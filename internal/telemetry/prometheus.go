package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements Metrics on a Prometheus registry. Keys passed
// to Add become counters and keys passed to Store become gauges; each is
// registered on first use.
type PrometheusMetrics struct {
	registerer prometheus.Registerer
	namespace  string

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	logger   Logger
}

// NewPrometheusMetrics constructs the adapter. A nil registerer uses the
// default registry.
func NewPrometheusMetrics(registerer prometheus.Registerer, namespace string, logger Logger) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		registerer: registerer,
		namespace:  namespace,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		logger:     logger,
	}
}

func (p *PrometheusMetrics) Add(key string, delta uint64) {
	if counter := p.counter(key); counter != nil {
		counter.Add(float64(delta))
	}
}

func (p *PrometheusMetrics) Store(key string, value uint64) {
	if gauge := p.gauge(key); gauge != nil {
		gauge.Set(float64(value))
	}
}

func (p *PrometheusMetrics) counter(key string) prometheus.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if counter, ok := p.counters[key]; ok {
		return counter
	}
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      key,
		Help:      "netreplica counter " + key,
	})
	if err := p.registerer.Register(counter); err != nil {
		if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if shared, ok := existing.ExistingCollector.(prometheus.Counter); ok {
				p.counters[key] = shared
				return shared
			}
		}
		p.warn("register counter %s: %v", key, err)
		return nil
	}
	p.counters[key] = counter
	return counter
}

func (p *PrometheusMetrics) gauge(key string) prometheus.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gauge, ok := p.gauges[key]; ok {
		return gauge
	}
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      key,
		Help:      "netreplica gauge " + key,
	})
	if err := p.registerer.Register(gauge); err != nil {
		if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if shared, ok := existing.ExistingCollector.(prometheus.Gauge); ok {
				p.gauges[key] = shared
				return shared
			}
		}
		p.warn("register gauge %s: %v", key, err)
		return nil
	}
	p.gauges[key] = gauge
	return gauge
}

func (p *PrometheusMetrics) warn(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
