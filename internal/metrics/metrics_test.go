package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposed(t *testing.T) {
	m := New()
	m.MessagesReceived.Inc()
	m.MessagesRejected.WithLabelValues("sender_spoofed").Inc()
	m.Pending.Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Pending))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "xchat_messages_received_total 1")
	assert.Contains(t, body, `xchat_messages_rejected_total{reason="sender_spoofed"} 1`)
	assert.Contains(t, body, "xchat_pending_messages 3")
}

func TestNewIsIndependent(t *testing.T) {
	a, b := New(), New()
	a.Acks.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Acks))
}
