package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stop reasons recorded for chromedriver processes that quit on their own.
const (
	StopForeground = "foreground"
	StopBackground = "background"
	StopRestarting = "restarting"
)

// Metrics holds the Prometheus collectors for context switching and
// chromedriver supervision. A nil *Metrics records nothing.
type Metrics struct {
	ContextSwitches   *prometheus.CounterVec
	Discoveries       *prometheus.CounterVec
	DiscoveryDuration prometheus.Histogram
	ProxiesCreated    prometheus.Counter
	ProxyRestarts     prometheus.Counter
	ProxyStops        *prometheus.CounterVec
	ProxiesTracked    prometheus.Gauge
	ProxyActive       prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ContextSwitches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wvctx_context_switches_total",
				Help: "Context switch requests by result",
			},
			[]string{"result"},
		),
		Discoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wvctx_discoveries_total",
				Help: "Context discovery passes by result",
			},
			[]string{"result"},
		),
		DiscoveryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wvctx_discovery_duration_seconds",
				Help:    "Time spent listing contexts on the device",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		ProxiesCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wvctx_chromedriver_created_total",
				Help: "Chromedriver proxies created",
			},
		),
		ProxyRestarts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wvctx_chromedriver_restarts_total",
				Help: "Chromedriver proxies restarted after a failed webview check",
			},
		),
		ProxyStops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wvctx_chromedriver_unexpected_stops_total",
				Help: "Chromedriver processes that stopped on their own, by how they were handled",
			},
			[]string{"reason"},
		),
		ProxiesTracked: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wvctx_chromedriver_tracked",
				Help: "Chromedriver proxies kept for the session",
			},
		),
		ProxyActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wvctx_chromedriver_active",
				Help: "1 while commands are forwarded to a chromedriver",
			},
		),
	}
}

// RecordSwitch counts a context switch outcome.
func (m *Metrics) RecordSwitch(result string) {
	if m == nil {
		return
	}
	m.ContextSwitches.WithLabelValues(result).Inc()
}

// RecordDiscovery counts a discovery pass and its duration.
func (m *Metrics) RecordDiscovery(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Discoveries.WithLabelValues(result).Inc()
	m.DiscoveryDuration.Observe(d.Seconds())
}

// RecordProxyCreated counts a new chromedriver.
func (m *Metrics) RecordProxyCreated() {
	if m == nil {
		return
	}
	m.ProxiesCreated.Inc()
}

// RecordProxyRestart counts an in-place chromedriver restart.
func (m *Metrics) RecordProxyRestart() {
	if m == nil {
		return
	}
	m.ProxyRestarts.Inc()
}

// RecordProxyStop counts an unexpected chromedriver stop.
func (m *Metrics) RecordProxyStop(reason string) {
	if m == nil {
		return
	}
	m.ProxyStops.WithLabelValues(reason).Inc()
}

// SetProxies updates the proxy gauges.
func (m *Metrics) SetProxies(tracked int, active bool) {
	if m == nil {
		return
	}
	m.ProxiesTracked.Set(float64(tracked))
	if active {
		m.ProxyActive.Set(1)
	} else {
		m.ProxyActive.Set(0)
	}
}
