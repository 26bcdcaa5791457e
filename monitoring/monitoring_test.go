package monitoring

import (
	"context"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector()
	mc.IncrCounter(TrainTotal, 1)
	mc.IncrCounter(TrainTotal, 1)
	mc.SetGauge(ModelGeneration, 3)

	assert.Equal(t, 2.0, mc.Counter(TrainTotal))
	assert.Equal(t, 3.0, mc.Gauge(ModelGeneration))

	snap := mc.Snapshot()
	assert.Equal(t, 2.0, snap.Counters[TrainTotal])
	assert.Equal(t, []string{ModelGeneration, TrainTotal}, snap.Names)
	assert.Positive(t, snap.Goroutines)

	var nilCollector *MetricsCollector
	nilCollector.IncrCounter(TrainTotal, 1)
	nilCollector.SetGauge(ModelGeneration, 1)
}

func TestHubBroadcastsEvents(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(EpochEnd, map[string]interface{}{"epoch": 1, "loss": 0.69})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal(message, &event))
	assert.Equal(t, EpochEnd, event.Type)
	assert.NotEmpty(t, event.ID)
	assert.JSONEq(t, `{"epoch":1,"loss":0.69}`, string(event.Data))
}

func TestHubPublishDropsUnencodableData(t *testing.T) {
	hub := NewHub(nil)
	hub.Publish(EpochEnd, map[string]float64{"loss": math.NaN()})
	assert.Len(t, hub.broadcast, 0)
}
