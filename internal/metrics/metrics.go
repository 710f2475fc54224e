package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// Event names. Every relay decision that sends, drops or registers a datagram
// increments exactly one of the datagram_* or frame_* events.
const (
	DatagramReceived = "datagram_received"
	FrameSent        = "frame_sent"

	DroppedMalformed     = "datagram_dropped_malformed"
	DroppedServerUnknown = "datagram_dropped_server_unknown"
	DroppedUnknownTarget = "datagram_dropped_unknown_target"
	DroppedSendFailed    = "datagram_dropped_send_failed"
	DroppedRateLimited   = "datagram_dropped_rate_limited"
	DroppedEmpty         = "datagram_dropped_empty"
	DroppedReadError     = "datagram_dropped_read_error"

	HandshakeServer = "handshake_server"
	HandshakeClient = "handshake_client"

	PeerLearned = "peer_learned"

	BridgeConnections = "ws_bridge_connections"
	BridgeDatagramsIn = "ws_bridge_datagrams_in"
)

const namespace = "rendezvous_relay"

// Metrics is a small event counter registry backed by a private Prometheus
// registry, so several relays in one process (tests) never collide.
type Metrics struct {
	reg *prometheus.Registry

	events     *prometheus.CounterVec
	knownPeers prometheus.Gauge

	mu    sync.Mutex
	names map[string]struct{}
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Relay event counters.",
		}, []string{"event"}),
		knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_peers",
			Help:      "Number of identifiers in the address book.",
		}),
		names: make(map[string]struct{}),
	}
	m.reg.MustRegister(m.events, m.knownPeers)
	m.reg.MustRegister(collectors.NewGoCollector())
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.names[name] = struct{}{}
	m.mu.Unlock()
	m.events.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) SetKnownPeers(n int) {
	if m == nil {
		return
	}
	m.knownPeers.Set(float64(n))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	_, ok := m.names[name]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

// Snapshot returns the current value of every event seen so far.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	names := make([]string, 0, len(m.names))
	for name := range m.names {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make(map[string]uint64, len(names))
	for _, name := range names {
		out[name] = m.Get(name)
	}
	return out
}
