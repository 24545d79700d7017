// Package metrics instruments tcpserver handlers with Prometheus collectors.
//
// Collectors are created once by New and shared by every handler wrapped with
// Instrument, so a process-per-connection server can wrap each per-connection
// handler without registering duplicates. With ExecSpawner the children are
// separate processes and their events are not visible to the parent's
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cyberinferno/go-netserver/tcpserver"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "netserver").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// FrameBuckets are the histogram buckets for frame sizes in bytes.
	FrameBuckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithFrameBuckets sets the frame size histogram buckets.
func WithFrameBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.FrameBuckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace:    "netserver",
		FrameBuckets: prometheus.ExponentialBuckets(16, 4, 8), // 16B to 256KB
		Registry:     prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors shared by every instrumented handler.
type Metrics struct {
	starts        prometheus.Counter
	shutdowns     prometheus.Counter
	connects      prometheus.Counter
	refusals      prometheus.Counter
	closes        prometheus.Counter
	idle          prometheus.Counter
	frames        prometheus.Counter
	bytesReceived prometheus.Counter
	frameSize     prometheus.Histogram
	open          prometheus.Gauge
}

// New registers the collectors with the configured registry. It panics if
// they are already registered there, like promauto.
//
// Metrics collected (with the default namespace):
//   - netserver_starts_total, netserver_shutdowns_total
//   - netserver_connections_total: accepted and admitted connections
//   - netserver_connections_refused_total: connections over the cap
//   - netserver_connections_closed_total
//   - netserver_open_connections: gauge of admitted, not yet closed connections
//   - netserver_frames_received_total, netserver_received_bytes_total
//   - netserver_frame_size_bytes: histogram of frame sizes
//   - netserver_idle_total: readiness waits that timed out
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Metrics{
		starts:        counter("starts_total", "Total number of server starts"),
		shutdowns:     counter("shutdowns_total", "Total number of server shutdowns"),
		connects:      counter("connections_total", "Total number of admitted connections"),
		refusals:      counter("connections_refused_total", "Total number of connections refused over the cap"),
		closes:        counter("connections_closed_total", "Total number of closed connections"),
		idle:          counter("idle_total", "Total number of idle timeouts"),
		frames:        counter("frames_received_total", "Total number of frames received"),
		bytesReceived: counter("received_bytes_total", "Total number of bytes received in complete frames"),

		frameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frame_size_bytes",
			Help:        "Size of received frames in bytes, delimiter included",
			ConstLabels: config.ConstLabels,
			Buckets:     config.FrameBuckets,
		}),

		open: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "open_connections",
			Help:        "Number of open connections",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Instrument wraps next so that every hook is counted before being forwarded.
// SetServer is forwarded as well, so next still talks to the real driver.
func (m *Metrics) Instrument(next tcpserver.Handler) *Handler {
	if next == nil {
		next = &tcpserver.BaseHandler{}
	}

	return &Handler{next: next, m: m}
}

// InstrumentFactory wraps every handler produced by factory.
func (m *Metrics) InstrumentFactory(factory tcpserver.HandlerFactory) tcpserver.HandlerFactory {
	return func() tcpserver.Handler {
		if factory == nil {
			return m.Instrument(nil)
		}
		return m.Instrument(factory())
	}
}

// Handler is a tcpserver.Handler decorator that records metrics.
type Handler struct {
	next tcpserver.Handler
	m    *Metrics
}

// Unwrap returns the decorated handler.
func (h *Handler) Unwrap() tcpserver.Handler { return h.next }

func (h *Handler) SetServer(s tcpserver.Server) { h.next.SetServer(s) }

func (h *Handler) OnStart() {
	h.m.starts.Inc()
	h.next.OnStart()
}

func (h *Handler) OnConnect(id int) {
	h.m.connects.Inc()
	h.m.open.Inc()
	h.next.OnConnect(id)
}

func (h *Handler) OnConnectionRefused(id int) {
	h.m.refusals.Inc()
	h.next.OnConnectionRefused(id)
}

func (h *Handler) OnClose(id int) {
	h.m.closes.Inc()
	h.m.open.Dec()
	h.next.OnClose(id)
}

func (h *Handler) OnShutdown() {
	h.m.shutdowns.Inc()
	h.next.OnShutdown()
}

func (h *Handler) OnReceiveData(id int, frame []byte) {
	h.m.frames.Inc()
	h.m.bytesReceived.Add(float64(len(frame)))
	h.m.frameSize.Observe(float64(len(frame)))
	h.next.OnReceiveData(id, frame)
}

func (h *Handler) OnIdle() {
	h.m.idle.Inc()
	h.next.OnIdle()
}
