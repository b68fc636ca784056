// Package metrics exports transport counters for Prometheus and serves them,
// together with worker load and process resources, over HTTP.
package metrics

import (
	"sort"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/velonet/internal/channel"
	"github.com/1ureka/velonet/internal/protocol"
)

const namespace = "velonet"

// Metrics implements channel.Observer and worker.Observer. Each value owns
// its registry, so several networks in one process do not collide.
type Metrics struct {
	reg *prometheus.Registry

	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	handshakeFailures *prometheus.CounterVec
	violations        prometheus.Counter
	udpDropped        prometheus.Counter
	participants      prometheus.Gauge
	channels          *prometheus.GaugeVec
	workerLoad        *prometheus.GaugeVec

	mu    sync.Mutex
	loads map[int]float64
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to a transport, by frame kind.",
		}, []string{"kind"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from a transport, by frame kind.",
		}, []string{"kind"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Encoded frame bytes sent.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Encoded frame bytes received.",
		}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Channels dropped during the handshake, by reason.",
		}, []string{"reason"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_violations_total",
			Help:      "Channels closed because the peer broke the protocol.",
		}),
		udpDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_dropped_frames_total",
			Help:      "Undecodable datagram remainders dropped.",
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Connected remote participants.",
		}),
		channels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels",
			Help:      "Open channels, by transport.",
		}, []string{"kind"}),
		workerLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_load_ratio",
			Help:      "Decayed share of time a worker spent busy.",
		}, []string{"worker"}),
		loads: make(map[int]float64),
	}
	m.reg.MustRegister(
		m.framesSent, m.framesReceived, m.bytesSent, m.bytesReceived,
		m.handshakeFailures, m.violations, m.udpDropped,
		m.participants, m.channels, m.workerLoad,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) FrameSent(_ channel.Kind, f protocol.FrameKind, size int) {
	m.framesSent.WithLabelValues(f.String()).Inc()
	m.bytesSent.Add(float64(size))
}

func (m *Metrics) FrameReceived(_ channel.Kind, f protocol.FrameKind, size int) {
	m.framesReceived.WithLabelValues(f.String()).Inc()
	m.bytesReceived.Add(float64(size))
}

func (m *Metrics) FrameDropped(channel.Kind) { m.udpDropped.Inc() }

func (m *Metrics) HandshakeFailed(reason string) {
	m.handshakeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ChannelViolated()             { m.violations.Inc() }
func (m *Metrics) ChannelOpened(k channel.Kind) { m.channels.WithLabelValues(k.String()).Inc() }
func (m *Metrics) ChannelClosed(k channel.Kind) { m.channels.WithLabelValues(k.String()).Dec() }
func (m *Metrics) ParticipantConnected()        { m.participants.Inc() }
func (m *Metrics) ParticipantDisconnected()     { m.participants.Dec() }

func (m *Metrics) WorkerLoad(worker int, ratio float64) {
	m.workerLoad.WithLabelValues(strconv.Itoa(worker)).Set(ratio)
	m.mu.Lock()
	m.loads[worker] = ratio
	m.mu.Unlock()
}

// WorkerLoadEntry is one row of the load report.
type WorkerLoadEntry struct {
	Worker int     `json:"worker"`
	Ratio  float64 `json:"ratio"`
}

// Loads returns the last reported load of every worker, by worker id.
func (m *Metrics) Loads() []WorkerLoadEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerLoadEntry, 0, len(m.loads))
	for w, r := range m.loads {
		out = append(out, WorkerLoadEntry{Worker: w, Ratio: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}
