// Package metrics holds the process Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "livecore"

// Delivery outcomes.
const (
	Dispatched    = "dispatched"
	Retried       = "retried"
	Dropped       = "dropped"
	Acked         = "acked"
	OfflineQueued = "offline_queued"
)

type Metrics struct {
	rooms       prometheus.Gauge
	peers       prometheus.Gauge
	connections prometheus.Gauge
	frames      *prometheus.CounterVec
	delivery    *prometheus.CounterVec
	rttWarnings prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rooms",
			Help: "Live session rooms held by this instance.",
		}),
		peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers",
			Help: "Peers joined to local rooms.",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Open signaling connections.",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signal_frames_total",
			Help: "Inbound signaling frames by type.",
		}, []string{"type"}),
		delivery: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_total",
			Help: "Private message delivery events by outcome.",
		}, []string{"outcome"}),
		rttWarnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rtt_warnings_total",
			Help: "Connection warnings sent for high round trip time.",
		}),
	}
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *Metrics) PeerJoined() {
	if m == nil {
		return
	}
	m.peers.Inc()
}

func (m *Metrics) PeerLeft() {
	if m == nil {
		return
	}
	m.peers.Dec()
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) Frame(typ string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(typ).Inc()
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.delivery.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RTTWarning() {
	if m == nil {
		return
	}
	m.rttWarnings.Inc()
}
