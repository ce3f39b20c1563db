package consumer

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/registry/internal/messaging"
	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/view"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	measurement string
	deviceID    string
	fields      map[string]interface{}
}

type fakeSink struct {
	mu     sync.Mutex
	points []point
}

func (s *fakeSink) Write(measurement, deviceID string, fields map[string]interface{}, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, point{measurement, deviceID, fields})
}

func (s *fakeSink) Close() error { return nil }

func newTestConsumer(t *testing.T) (*Consumer, *view.MemoryStore, *fakeSink) {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	store := view.NewMemoryStore()
	sink := &fakeSink{}
	c, err := New(Config{View: store, Sink: sink, Logger: log})
	require.NoError(t, err)
	return c, store, sink
}

func handle(t *testing.T, c *Consumer, body string) {
	t.Helper()
	require.NoError(t, c.Handle(context.Background(), []byte(body)))
}

func TestSaveDataRoutesByKindAndUpserts(t *testing.T) {
	c, store, sink := newTestConsumer(t)

	msg := `{"action":"save_data","device_id":"api_device_7","kind":"external_feed","event_id":"evt-1",
		"data":{"device_id":"api_device_7","temperature":18.2,"humidity":55,"precipitation":0,
		"location_lat":48.8566,"location_lon":2.3522,"timestamp":"2024-05-01T12:00:00Z"}}`
	handle(t, c, msg)
	handle(t, c, msg)

	assert.Equal(t, 1, store.Count(view.CollectionFeedData))
	assert.Zero(t, store.Count(view.CollectionSensorData))

	docs, err := store.Find(context.Background(), view.CollectionFeedData, view.Filter{"device_id": "api_device_7"}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 18.2, docs[0]["temperature"])
	assert.Equal(t, "evt-1", docs[0]["event_id"])

	require.Len(t, sink.points, 2)
	assert.Equal(t, view.CollectionFeedData, sink.points[0].measurement)
	assert.Equal(t, "api_device_7", sink.points[0].deviceID)
}

func TestSaveDataLegacyShapeSniffing(t *testing.T) {
	c, store, _ := newTestConsumer(t)

	handle(t, c, `{"action":"save_data","device_id":"f1","data":{"temperature":1,"location_lat":1,"location_lon":2}}`)
	handle(t, c, `{"action":"save_data","device_id":"h1","data":{"message":"End device data saved successfully","cpu_load":0.5}}`)
	handle(t, c, `{"action":"save_data","device_id":"s1","data":{"temperature":20,"humidity":40}}`)
	handle(t, c, `{"action":"save_data","device_id":"s1","data":{"temperature":20,"humidity":40}}`)

	assert.Equal(t, 1, store.Count(view.CollectionFeedData))
	assert.Equal(t, 1, store.Count(view.CollectionHostData))
	// legacy events carry no replay key
	assert.Equal(t, 2, store.Count(view.CollectionSensorData))
}

func TestRegisterClassifiesDevice(t *testing.T) {
	c, store, _ := newTestConsumer(t)
	ctx := context.Background()

	handle(t, c, `{"action":"register","device_id":"h1","data":{"message":"Device registered successfully","device":{"device_id":"h1","type":"end_device","status":"active"}}}`)
	handle(t, c, `{"action":"register","device_id":"f1","data":{"message":"API device registered successfully"}}`)
	handle(t, c, `{"action":"register","device_id":"s1","kind":"sensor","event_id":"e1","data":{"device":{"device_id":"s1","status":"testing"}}}`)
	handle(t, c, `{"action":"register","device_id":"s1","kind":"sensor","event_id":"e1","data":{"device":{"device_id":"s1","status":"testing"}}}`)

	assert.Equal(t, 3, store.Count(view.CollectionDevices))

	kinds := map[string]string{}
	docs, err := store.Find(ctx, view.CollectionDevices, nil, nil)
	require.NoError(t, err)
	for _, d := range docs {
		kinds[d["device_id"].(string)] = d["kind"].(string)
	}
	assert.Equal(t, map[string]string{
		"h1": string(models.KindHostAgent),
		"f1": string(models.KindExternalFeed),
		"s1": string(models.KindSensor),
	}, kinds)

	s1, err := store.Find(ctx, view.CollectionDevices, view.Filter{"device_id": "s1"}, []string{"status"})
	require.NoError(t, err)
	assert.Equal(t, "testing", s1[0]["status"])
}

func TestUpdateMissingDeviceIsNoop(t *testing.T) {
	c, store, _ := newTestConsumer(t)
	ctx := context.Background()

	handle(t, c, `{"action":"update","device_id":"ghost","data":{"status":"off"}}`)
	assert.Zero(t, store.Count(view.CollectionDevices))

	handle(t, c, `{"action":"register","device_id":"s1","kind":"sensor","data":{"device":{"status":"active"}}}`)
	handle(t, c, `{"action":"update","device_id":"s1","kind":"sensor","data":{"device_id":"s1","status":"off","updated_at":"2024-05-01T12:00:00Z"}}`)

	docs, err := store.Find(ctx, view.CollectionDevices, view.Filter{"device_id": "s1"}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "off", docs[0]["status"])
	assert.Equal(t, "2024-05-01T12:00:00Z", docs[0]["updated_at"])
	assert.EqualValues(t, 0, c.Stats()["failed"])
}

func TestDeleteIsIdempotent(t *testing.T) {
	c, store, _ := newTestConsumer(t)

	handle(t, c, `{"action":"register","device_id":"h1","kind":"host_agent","data":{}}`)
	handle(t, c, `{"action":"save_data","device_id":"h1","kind":"host_agent","event_id":"a","data":{"ip_address":"10.0.0.1"}}`)
	handle(t, c, `{"action":"save_data","device_id":"h2","kind":"host_agent","event_id":"b","data":{"ip_address":"10.0.0.2"}}`)

	handle(t, c, `{"action":"delete","device_id":"h1","kind":"host_agent","data":{}}`)
	handle(t, c, `{"action":"delete","device_id":"h1","kind":"host_agent","data":{}}`)

	assert.Zero(t, store.Count(view.CollectionDevices))
	assert.Equal(t, 1, store.Count(view.CollectionHostData))
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	c, store, _ := newTestConsumer(t)

	handle(t, c, `not json`)
	handle(t, c, `{"device_id":"s1","data":{}}`)
	handle(t, c, `{"action":"explode","device_id":"s1","data":{}}`)
	handle(t, c, `{"action":"save_data","device_id":"s1","data":[1,2]}`)

	stats := c.Stats()
	assert.EqualValues(t, 3, stats["dropped"])
	assert.EqualValues(t, 1, stats["failed"])
	assert.Zero(t, store.Count(view.CollectionSensorData))
}

func TestRunConsumesFromTransport(t *testing.T) {
	c, store, _ := newTestConsumer(t)

	bus := messaging.NewMemoryBus()
	transport := bus.Connect()

	body, err := json.Marshal(models.Event{
		Action:   models.ActionSaveData,
		DeviceID: "s1",
		Kind:     models.KindSensor,
		EventID:  "evt-1",
		Data:     json.RawMessage(`{"temperature":21,"humidity":null}`),
	})
	require.NoError(t, err)
	require.NoError(t, transport.Publish(context.Background(), "device_events", body))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, transport, "device_events") }()

	require.Eventually(t, func() bool {
		return store.Count(view.CollectionSensorData) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
