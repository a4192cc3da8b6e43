package hub

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/peerdrive/peerdrive/internal/server/registry"
)

// Metrics are the hub's prometheus collectors.
type Metrics struct {
	connections   prometheus.Gauge
	registrations *prometheus.CounterVec
	lookups       *prometheus.CounterVec
	signals       *prometheus.CounterVec
	authFailures  prometheus.Counter
}

// NewMetrics builds and registers the hub collectors, including gauges that
// track the live registry size.
func NewMetrics(promReg prometheus.Registerer, reg *registry.Registry) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerdrive",
			Name:      "control_connections",
			Help:      "Currently open control-channel connections.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerdrive",
			Name:      "registrations_total",
			Help:      "Registry registration operations.",
		}, []string{"kind"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerdrive",
			Name:      "lookups_total",
			Help:      "Registry find operations by outcome.",
		}, []string{"kind", "outcome"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerdrive",
			Name:      "signals_relayed_total",
			Help:      "Signaling messages relayed between peers.",
		}, []string{"kind"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerdrive",
			Name:      "auth_failures_total",
			Help:      "Token verifications that failed.",
		}),
	}

	promReg.MustRegister(
		m.connections, m.registrations, m.lookups, m.signals, m.authFailures,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "peerdrive",
			Name:      "registered_hosts",
			Help:      "Hosts currently registered for private access.",
		}, func() float64 {
			hosts, _ := reg.Counts()
			return float64(hosts)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "peerdrive",
			Name:      "registered_previews",
			Help:      "Projects currently registered for public preview.",
		}, func() float64 {
			_, previews := reg.Counts()
			return float64(previews)
		}),
	)

	return m
}
