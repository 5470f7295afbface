package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace prefixes every metric name (default: "collab").
	Namespace string

	// Registry receives the collectors.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures Config.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Collectors records connection, message and session activity.
// It satisfies the Metrics interfaces of the realtime and collaboration services.
type Collectors struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesTotal     *prometheus.CounterVec
	broadcastFailures prometheus.Counter
	authFailures      prometheus.Counter
	idleEvictions     prometheus.Counter
	activeSessions    prometheus.Gauge
	changesTotal      prometheus.Counter
}

// New registers the collectors with the configured registry.
// Registering twice against the same registry panics, so main builds exactly one.
func New(opts ...Option) *Collectors {
	cfg := Config{
		Namespace: "collab",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.Registry)

	return &Collectors{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "active_connections",
			Help:      "Number of registered realtime connections",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted realtime connections",
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "messages_total",
			Help:      "Inbound envelopes by message type",
		}, []string{"type"}),
		broadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "broadcast_failures_total",
			Help:      "Deliveries that failed and evicted the recipient",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected connection credentials",
		}),
		idleEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "idle_evictions_total",
			Help:      "Connections closed by the idle sweep",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "active_sessions",
			Help:      "Number of collaboration sessions held in memory",
		}),
		changesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "changes_total",
			Help:      "Text changes sequenced and broadcast",
		}),
	}
}

func (c *Collectors) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.activeConnections.Inc()
}

func (c *Collectors) ConnectionClosed() {
	c.activeConnections.Dec()
}

func (c *Collectors) MessageReceived(msgType string) {
	c.messagesTotal.WithLabelValues(msgType).Inc()
}

func (c *Collectors) BroadcastFailed() {
	c.broadcastFailures.Inc()
}

func (c *Collectors) AuthFailed() {
	c.authFailures.Inc()
}

func (c *Collectors) IdleEvicted(n int) {
	c.idleEvictions.Add(float64(n))
}

func (c *Collectors) SessionCreated() {
	c.activeSessions.Inc()
}

func (c *Collectors) SessionRemoved() {
	c.activeSessions.Dec()
}

func (c *Collectors) ChangeBroadcast() {
	c.changesTotal.Inc()
}
