package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestClientCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewClient(reg)

	c.SetConnectionState(2)
	c.IncEvent("message:new")
	c.IncEvent("message:new")
	c.IncSent("sent")
	c.IncDuplicate()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.connectionState))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.eventsReceived.WithLabelValues("message:new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesSent.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.duplicateEvents))
}

func TestNilIsNoop(t *testing.T) {
	var c *Client
	c.IncEvent("x")
	c.SetConnectionState(1)
	var r *Relay
	r.IncBroadcast("x")
	r.IncRateLimited()
}

func TestRelayHandler(t *testing.T) {
	reg := NewRegistry()
	r := NewRelay(reg, func() int { return 3 })
	r.IncBroadcast("message:new")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "relay_clients 3"))
	assert.Contains(t, body, `relay_broadcasts_total{event="message:new"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
