package dicomserver

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dimsenet/dimsenet/assoc"
	"github.com/dimsenet/dimsenet/pdu"
)

// Metrics collects per-association and per-message counters for a server.
// Attach one to a Server with WithMetrics and expose Handler on an HTTP
// mux to scrape it.
type Metrics struct {
	registry *prometheus.Registry

	associationsTotal  *prometheus.CounterVec
	associationsActive prometheus.Gauge
	dimseMessages      *prometheus.CounterVec
}

// NewMetrics builds a Metrics backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		associationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dimsenet",
			Name:      "associations_total",
			Help:      "Associations by terminal outcome.",
		}, []string{"outcome"}),
		associationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dimsenet",
			Name:      "associations_active",
			Help:      "Associations currently established.",
		}),
		dimseMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dimsenet",
			Name:      "dimse_messages_total",
			Help:      "DIMSE messages by direction and command field.",
		}, []string{"direction", "command"}),
	}
	registry.MustRegister(m.associationsTotal, m.associationsActive, m.dimseMessages)
	return m
}

// Handler serves the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe subscribes the collector to one association's hooks.
func (m *Metrics) Observe(hooks *assoc.Hooks) {
	hooks.Established.Subscribe(func(*assoc.Association) {
		m.associationsActive.Inc()
	})
	hooks.Released.Subscribe(func(*assoc.Association) {
		m.associationsActive.Dec()
		m.associationsTotal.WithLabelValues("released").Inc()
	})
	hooks.Aborted.Subscribe(func(*assoc.Association) {
		m.associationsActive.Dec()
		m.associationsTotal.WithLabelValues("aborted").Inc()
	})
	hooks.Rejected.Subscribe(func(*pdu.AssociateRJ) {
		m.associationsTotal.WithLabelValues("rejected").Inc()
	})
	hooks.DIMSESent.Subscribe(func(ev assoc.DIMSEEvent) {
		m.dimseMessages.WithLabelValues("sent", commandLabel(ev.CommandField)).Inc()
	})
	hooks.DIMSERecv.Subscribe(func(ev assoc.DIMSEEvent) {
		m.dimseMessages.WithLabelValues("recv", commandLabel(ev.CommandField)).Inc()
	})
}

func commandLabel(commandField uint16) string {
	return fmt.Sprintf("0x%04X", commandField)
}
