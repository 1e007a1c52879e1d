package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xchat"

type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived  prometheus.Counter
	MessagesDuplicate prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesNotForMe  prometheus.Counter
	MessagesRejected  *prometheus.CounterVec
	Acks              prometheus.Counter
	Pending           prometheus.Gauge
	FramesSent        prometheus.Counter
	FramesDropped     *prometheus.CounterVec
	Peers             prometheus.Gauge
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := factory{reg}

	m := &Metrics{
		registry: reg,

		MessagesReceived: f.counter("messages_received_total",
			"Message frames received from peers."),
		MessagesDuplicate: f.counter("messages_duplicate_total",
			"Messages already seen within the expiry window."),
		MessagesDelivered: f.counter("messages_delivered_total",
			"Messages decrypted and handed to the application."),
		MessagesNotForMe: f.counter("messages_not_for_me_total",
			"Messages whose MAC did not verify under a local key."),
		MessagesRejected: f.counterVec("messages_rejected_total",
			"Messages dropped as invalid.", "reason"),
		Acks: f.counter("acks_total",
			"Acknowledgments received."),
		Pending: f.gauge("pending_messages",
			"Messages waiting for acknowledgment."),
		FramesSent: f.counter("frames_sent_total",
			"Frames queued to peers."),
		FramesDropped: f.counterVec("frames_dropped_total",
			"Frames not sent or not processed.", "reason"),
		Peers: f.gauge("peers",
			"Connected peers."),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

type factory struct {
	reg prometheus.Registerer
}

func (f factory) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	f.reg.MustRegister(c)
	return c
}

func (f factory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	f.reg.MustRegister(c)
	return c
}

func (f factory) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	f.reg.MustRegister(g)
	return g
}
