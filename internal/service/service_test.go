package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/registry/internal/cache"
	"example.com/backstage/services/registry/internal/database"
	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/outbox"
	"example.com/backstage/services/registry/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Events() []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Event(nil), p.events...)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
	sets int
}

func (c *mapCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return v, nil
}

func (c *mapCache) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
	return nil
}

func (c *mapCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *mapCache) Ping(ctx context.Context) error { return nil }
func (c *mapCache) Close() error                   { return nil }

type fixture struct {
	svc   Service
	repo  repository.Repository
	pub   *recordingPublisher
	cache *mapCache
}

func newFixture(t *testing.T, useOutbox bool) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	db, err := database.Open(sqlite.Open(database.SQLiteDSN(filepath.Join(t.TempDir(), "registry.db"))), log, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.AutoMigrate(db))

	f := &fixture{
		repo:  repository.NewRepository(db),
		pub:   &recordingPublisher{},
		cache: &mapCache{data: map[string]string{}},
	}

	cfg := ServiceConfig{
		Repository: f.repo,
		Cache:      f.cache,
		Publisher:  f.pub,
		Logger:     log,
	}
	if useOutbox {
		relay, err := outbox.NewRelay(outbox.RelayConfig{Repository: f.repo, Publisher: f.pub, Logger: log})
		require.NoError(t, err)
		cfg.Relay = relay
	}

	f.svc, err = NewService(cfg)
	require.NoError(t, err)
	return f
}

func float(v float64) *float64 { return &v }

func sample(t *testing.T, body string) SampleInput {
	t.Helper()
	var in SampleInput
	require.NoError(t, json.Unmarshal([]byte(body), &in))
	return in
}

func TestRegisterThenGet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	record, err := f.svc.Register(ctx, "", RegisterInput{DeviceID: "sensor-1", Kind: "sensor"})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultStatus, record.Status)

	got, err := f.svc.Get(ctx, "", "sensor-1")
	require.NoError(t, err)
	assert.Equal(t, "sensor-1", got.DeviceID)
	assert.Equal(t, models.KindSensor, got.Kind)
	assert.Equal(t, models.DefaultStatus, got.Status)

	seed, ok := got.LatestData.(*models.SensorSample)
	require.True(t, ok)
	assert.Nil(t, seed.Temperature)
	assert.Nil(t, seed.Humidity)

	events := f.pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.ActionRegister, events[0].Action)
	assert.Equal(t, models.KindSensor, events[0].Kind)
	assert.NotEmpty(t, events[0].EventID)

	var payload struct {
		Message string          `json:"message"`
		Device  json.RawMessage `json:"device"`
	}
	require.NoError(t, json.Unmarshal(events[0].Data, &payload))
	assert.Equal(t, RegisteredMessage, payload.Message)
	assert.Contains(t, string(payload.Device), `"device_id":"sensor-1"`)
}

func TestRegisterDuplicateIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.svc.Register(ctx, models.KindHostAgent, RegisterInput{DeviceID: "host-1"})
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, models.KindHostAgent, RegisterInput{DeviceID: "host-1"})
	require.ErrorIs(t, err, ErrConflict)

	devices, err := f.repo.ListDevices(ctx, "")
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Len(t, f.pub.Events(), 1)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	cases := map[string]RegisterInput{
		"missing id":       {Kind: "sensor"},
		"missing kind":     {DeviceID: "x"},
		"unknown kind":     {DeviceID: "x", Kind: "toaster"},
		"feed no location": {DeviceID: "x", Kind: "external_feed", LocationLat: float(1)},
		"lat out of range": {DeviceID: "x", Kind: "external_feed", LocationLat: float(91), LocationLon: float(0)},
	}
	for name, in := range cases {
		_, err := f.svc.Register(ctx, "", in)
		assert.ErrorIs(t, err, ErrInvalidInput, name)
	}
	assert.Empty(t, f.pub.Events())
}

func TestRegisterAcceptsLegacyType(t *testing.T) {
	f := newFixture(t, true)

	record, err := f.svc.Register(context.Background(), "", RegisterInput{
		DeviceID:        "feed-1",
		Type:            "api",
		LocationLat:     float(10),
		LocationLon:     float(20),
		MonitoredParams: []string{"temperature", "humidity"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindExternalFeed, record.Kind)
	assert.Equal(t, []string{"temperature", "humidity"}, record.Params())
	assert.Nil(t, record.LatestData)
}

func TestSaveDataAutoCreatesSensor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	saved, err := f.svc.SaveData(ctx, "", "sensor-9", sample(t, `{"temperature": 21.5, "humidity": null}`))
	require.NoError(t, err)
	assert.Equal(t, models.KindSensor, saved.SampleKind())

	got, err := f.svc.Get(ctx, "", "sensor-9")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultStatus, got.Status)

	latest, ok := got.LatestData.(*models.SensorSample)
	require.True(t, ok)
	require.NotNil(t, latest.Temperature)
	assert.Equal(t, 21.5, *latest.Temperature)
	assert.Nil(t, latest.Humidity)

	events := f.pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.ActionRegister, events[0].Action)
	assert.Equal(t, models.ActionSaveData, events[1].Action)
	assert.Equal(t, models.KindSensor, events[1].Kind)
}

func TestSaveDataInfersHostKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.svc.SaveData(ctx, "", "agent-1", sample(t, `{"ip_address": "10.0.0.4", "cpu_load": 0.3}`))
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, models.KindHostAgent, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.KindHostAgent, got.Kind)

	events := f.pub.Events()
	require.Len(t, events, 2)
	assert.Contains(t, string(events[1].Data), models.HostSavedMessage)
}

func TestSaveDataRejectsBadShapes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.svc.Register(ctx, models.KindHostAgent, RegisterInput{DeviceID: "host-1"})
	require.NoError(t, err)

	_, err = f.svc.SaveData(ctx, models.KindSensor, "s1", sample(t, `{"temperature": 1}`))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.SaveData(ctx, "", "host-1", sample(t, `{"cpu_load": 1}`))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.SaveData(ctx, models.KindSensor, "host-1", sample(t, `{"temperature": 1, "humidity": 2}`))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Get(ctx, "", "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExternalFeedScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.svc.Register(ctx, models.KindExternalFeed, RegisterInput{
		DeviceID:    "api_device_7",
		LocationLat: float(48.8566),
		LocationLon: float(2.3522),
	})
	require.NoError(t, err)

	_, err = f.svc.SaveData(ctx, models.KindExternalFeed, "api_device_7", sample(t,
		`{"temperature": 18.2, "humidity": 55, "precipitation": 0, "location_lat": 48.8566, "location_lon": 2.3522}`))
	require.NoError(t, err)

	events := f.pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.ActionRegister, events[0].Action)

	saved := events[1]
	assert.Equal(t, models.ActionSaveData, saved.Action)
	assert.Equal(t, models.KindExternalFeed, saved.Kind)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(saved.Data, &payload))
	assert.Equal(t, 18.2, payload["temperature"])
	assert.Equal(t, 55.0, payload["humidity"])
	assert.Equal(t, 0.0, payload["precipitation"])
	assert.Equal(t, 48.8566, payload["location_lat"])
	assert.Equal(t, 2.3522, payload["location_lon"])
	assert.NotEmpty(t, payload["timestamp"])
	assert.Equal(t, "api_device_7", payload["device_id"])
}

func TestUpdateAppliesAllowList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	before, err := f.svc.Register(ctx, models.KindSensor, RegisterInput{DeviceID: "sensor-1"})
	require.NoError(t, err)

	status := "maintenance"
	after, err := f.svc.Update(ctx, "", "sensor-1", UpdateInput{
		Status:      &status,
		LocationLat: float(1),
		LocationLon: float(2),
	})
	require.NoError(t, err)
	assert.Equal(t, "maintenance", after.Status)
	assert.Nil(t, after.LocationLat)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))

	_, err = f.svc.Register(ctx, models.KindExternalFeed, RegisterInput{DeviceID: "feed-1", LocationLat: float(1), LocationLon: float(1)})
	require.NoError(t, err)

	feed, err := f.svc.Update(ctx, models.KindExternalFeed, "feed-1", UpdateInput{
		LocationLat:     float(5),
		MonitoredParams: []string{"precipitation"},
	})
	require.NoError(t, err)
	require.NotNil(t, feed.LocationLat)
	assert.Equal(t, 5.0, *feed.LocationLat)
	assert.Equal(t, 1.0, *feed.LocationLon)
	assert.Equal(t, []string{"precipitation"}, feed.Params())

	events := f.pub.Events()
	last := events[len(events)-1]
	assert.Equal(t, models.ActionUpdate, last.Action)
	assert.Contains(t, string(last.Data), `"location_lat":5`)
}

func TestUpdateAndGetRespectKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.svc.Register(ctx, models.KindSensor, RegisterInput{DeviceID: "sensor-1"})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, models.KindHostAgent, "sensor-1")
	assert.ErrorIs(t, err, ErrNotFound)

	status := "off"
	_, err = f.svc.Update(ctx, "", "ghost", UpdateInput{Status: &status})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.svc.SaveData(ctx, models.KindSensor, "sensor-1", sample(t, `{"temperature": 1, "humidity": 2}`))
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, "", "sensor-1"))

	_, err = f.svc.Get(ctx, "", "sensor-1")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := f.repo.CountSamples(ctx, "sensor-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	events := f.pub.Events()
	last := events[len(events)-1]
	assert.Equal(t, models.ActionDelete, last.Action)
	assert.JSONEq(t, `{}`, string(last.Data))

	assert.ErrorIs(t, f.svc.Delete(ctx, "", "sensor-1"), ErrNotFound)
}

func TestListAndTelemetryReads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.svc.Register(ctx, models.KindHostAgent, RegisterInput{DeviceID: "host-1"})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, models.KindSensor, RegisterInput{DeviceID: "sensor-1"})
	require.NoError(t, err)

	_, err = f.svc.LatestData(ctx, "", "host-1")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		_, err = f.svc.SaveData(ctx, "", "host-1", sample(t, `{"ip_address": "`+ip+`"}`))
		require.NoError(t, err)
	}

	samples, err := f.svc.ListData(ctx, models.KindHostAgent, "host-1")
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "10.0.0.2", samples[0].(*models.HostSample).IPAddress)

	latest, err := f.svc.LatestData(ctx, "", "host-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", latest.(*models.HostSample).IPAddress)

	all, err := f.svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	sensors, err := f.svc.List(ctx, models.KindSensor)
	require.NoError(t, err)
	require.Len(t, sensors, 1)
	assert.NotNil(t, sensors[0].LatestData)
}

func TestDirectPublishFailureKeepsCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.pub.err = errors.New("connection refused")

	_, err := f.svc.Register(ctx, models.KindSensor, RegisterInput{DeviceID: "sensor-1"})
	require.ErrorIs(t, err, ErrTransport)

	_, err = f.repo.FindDevice(ctx, "sensor-1")
	require.NoError(t, err)

	pending, err := f.repo.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPublishFailureStillInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.svc.Register(ctx, models.KindSensor, RegisterInput{DeviceID: "sensor-1"})
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, "", "sensor-1")
	require.NoError(t, err)
	require.Contains(t, f.cache.data, cache.DeviceKey("sensor-1"))

	f.pub.err = errors.New("broker down")

	status := "maintenance"
	_, err = f.svc.Update(ctx, "", "sensor-1", UpdateInput{Status: &status})
	require.ErrorIs(t, err, ErrTransport)

	rec, err := f.svc.Get(ctx, "", "sensor-1")
	require.NoError(t, err)
	assert.Equal(t, "maintenance", rec.Status)

	err = f.svc.Delete(ctx, "", "sensor-1")
	require.ErrorIs(t, err, ErrTransport)

	_, err = f.svc.Get(ctx, "", "sensor-1")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NotContains(t, f.cache.data, cache.DeviceKey("sensor-1"))
}

type stallingPublisher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *stallingPublisher) Publish(ctx context.Context, event models.Event) error {
	p.once.Do(func() { close(p.entered) })
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestMutationDoesNotWaitForStalledFlush(t *testing.T) {
	f := newFixture(t, false)
	log := logrus.New()
	log.SetOutput(io.Discard)

	pub := &stallingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	relay, err := outbox.NewRelay(outbox.RelayConfig{Repository: f.repo, Publisher: pub, Logger: log})
	require.NoError(t, err)
	svc, err := NewService(ServiceConfig{Repository: f.repo, Relay: relay, Logger: log})
	require.NoError(t, err)

	require.NoError(t, f.repo.AppendOutbox(context.Background(), &models.OutboxEvent{
		EventID:  "evt-stalled",
		Action:   models.ActionDelete,
		DeviceID: "gone",
		Kind:     models.KindSensor,
		Payload:  []byte(`{}`),
	}))

	flushed := make(chan error, 1)
	go func() {
		_, err := relay.Flush(context.Background())
		flushed <- err
	}()
	<-pub.entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	_, err = svc.Register(ctx, models.KindSensor, RegisterInput{DeviceID: "sensor-1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	pending, err := f.repo.PendingOutbox(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	close(pub.release)
	require.NoError(t, <-flushed)

	// the registration row was committed after the running flush listed its batch
	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err = f.repo.PendingOutbox(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxKeepsEventsWhenBrokerDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.pub.err = errors.New("connection refused")

	_, err := f.svc.Register(ctx, models.KindSensor, RegisterInput{DeviceID: "sensor-1"})
	require.NoError(t, err)

	pending, err := f.repo.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ActionRegister, pending[0].Action)

	f.pub.err = nil
	status := "retired"
	_, err = f.svc.Update(ctx, "", "sensor-1", UpdateInput{Status: &status})
	require.NoError(t, err)

	events := f.pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.ActionRegister, events[0].Action)
	assert.Equal(t, models.ActionUpdate, events[1].Action)
}

func TestGetReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.svc.Register(ctx, models.KindSensor, RegisterInput{DeviceID: "sensor-1"})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, "", "sensor-1")
	require.NoError(t, err)
	require.Contains(t, f.cache.data, cache.DeviceKey("sensor-1"))

	cached, err := f.svc.Get(ctx, "", "sensor-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.cache.sets)
	assert.IsType(t, &models.SensorSample{}, cached.LatestData)

	status := "off"
	_, err = f.svc.Update(ctx, "", "sensor-1", UpdateInput{Status: &status})
	require.NoError(t, err)
	assert.NotContains(t, f.cache.data, cache.DeviceKey("sensor-1"))

	got, err := f.svc.Get(ctx, "", "sensor-1")
	require.NoError(t, err)
	assert.Equal(t, "off", got.Status)
}
