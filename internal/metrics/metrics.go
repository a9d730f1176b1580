package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry with the Go runtime and process
// collectors already attached.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Client is safe to use as a nil pointer; every method is then a no-op.
type Client struct {
	connectionState   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	eventsReceived    *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	duplicateEvents   prometheus.Counter
}

func NewClient(reg prometheus.Registerer) *Client {
	c := &Client{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Reconnection attempts made after a transport failure.",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_events_received_total",
			Help: "Inbound transport events by type.",
		}, []string{"event"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Message sends by outcome.",
		}, []string{"result"}),
		duplicateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_duplicate_events_total",
			Help: "Inbound messages absorbed as duplicates.",
		}),
	}
	reg.MustRegister(c.connectionState, c.reconnectAttempts, c.eventsReceived, c.messagesSent, c.duplicateEvents)
	return c
}

func (c *Client) SetConnectionState(v int) {
	if c != nil {
		c.connectionState.Set(float64(v))
	}
}

func (c *Client) IncReconnectAttempt() {
	if c != nil {
		c.reconnectAttempts.Inc()
	}
}

func (c *Client) IncEvent(event string) {
	if c != nil {
		c.eventsReceived.WithLabelValues(event).Inc()
	}
}

// IncSent counts a send outcome: sent, failed, fallback or timeout.
func (c *Client) IncSent(result string) {
	if c != nil {
		c.messagesSent.WithLabelValues(result).Inc()
	}
}

func (c *Client) IncDuplicate() {
	if c != nil {
		c.duplicateEvents.Inc()
	}
}

// Relay is safe to use as a nil pointer.
type Relay struct {
	broadcasts  *prometheus.CounterVec
	rateLimited prometheus.Counter
}

// NewRelay registers relay collectors; clients reports the live
// connection count at scrape time.
func NewRelay(reg prometheus.Registerer, clients func() int) *Relay {
	r := &Relay{
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Events fanned out to room subscribers, by type.",
		}, []string{"event"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Inbound frames rejected by the per-connection rate limit.",
		}),
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_clients",
		Help: "Connected websocket clients.",
	}, func() float64 { return float64(clients()) })
	reg.MustRegister(gauge, r.broadcasts, r.rateLimited)
	return r
}

func (r *Relay) IncBroadcast(event string) {
	if r != nil {
		r.broadcasts.WithLabelValues(event).Inc()
	}
}

func (r *Relay) IncRateLimited() {
	if r != nil {
		r.rateLimited.Inc()
	}
}
