package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGaugesFollowLifecycle(t *testing.T) {
	m := New(Config{})

	m.RoomOpened()
	m.RoomOpened()
	m.RoomClosed()
	m.PeerJoined()
	m.SignalConnected()
	m.SetWorkersAlive(3)
	m.WorkerDied()
	m.ProducerCreated()
	m.ConsumerCreated()
	m.ConsumerCreated()
	m.EventDropped()
	m.SignalMessage("joinMeet")
	m.SignalMessage("joinMeet")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.rooms))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.peers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signalConnections))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.workersAlive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerDeaths))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.producers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.consumers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.signalMessages.WithLabelValues("joinMeet")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RoomOpened()
		m.PeerLeft()
		m.SignalMessage("x")
		m.SampleSystem(context.Background())
		m.Start()
		require.NoError(t, m.Stop(context.Background()))
	})
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(Config{Path: "/metrics"})
	m.RoomOpened()
	m.SampleSystem(context.Background())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "meet_rooms 1"))
	assert.Contains(t, body, "meet_memory_used_bytes")
	assert.Contains(t, body, "go_goroutines")
}
