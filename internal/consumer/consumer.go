package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"example.com/backstage/services/registry/internal/messaging"
	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/timeseries"
	"example.com/backstage/services/registry/internal/view"

	"github.com/sirupsen/logrus"
)

// deviceFields are copied from a device record into its view summary
var deviceFields = []string{"status", "location_lat", "location_lon", "monitored_params", "created_at", "updated_at"}

// Consumer applies registry events to the secondary view
type Consumer struct {
	view view.Store
	sink timeseries.Sink
	log  *logrus.Logger

	applied  atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
	lastSeen atomic.Value // time.Time
}

// Config holds the consumer dependencies; Sink is optional
type Config struct {
	View   view.Store
	Sink   timeseries.Sink
	Logger *logrus.Logger
}

// New creates a consumer
func New(cfg Config) (*Consumer, error) {
	if cfg.View == nil {
		return nil, errors.New("view store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Consumer{view: cfg.View, sink: cfg.Sink, log: cfg.Logger}, nil
}

// Run subscribes to queue and handles messages one at a time until ctx is done
func (c *Consumer) Run(ctx context.Context, transport messaging.Transport, queue string) error {
	if err := transport.Declare(ctx, queue); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	c.log.WithField("queue", queue).Info("Consuming registry events")
	err := transport.Subscribe(ctx, queue, c.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle processes one raw message. It never returns an error: malformed
// messages are dropped and view failures are logged.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	c.lastSeen.Store(time.Now().UTC())

	var event models.Event
	if err := json.Unmarshal(body, &event); err != nil {
		c.dropped.Add(1)
		c.log.WithError(err).Warn("Dropping malformed message")
		return nil
	}
	if event.Action == "" || event.DeviceID == "" {
		c.dropped.Add(1)
		c.log.WithField("body", string(body)).Warn("Dropping message without action or device_id")
		return nil
	}

	if err := c.Apply(ctx, event); err != nil {
		c.failed.Add(1)
		c.log.WithError(err).WithFields(logrus.Fields{
			"action":    event.Action,
			"device_id": event.DeviceID,
			"event_id":  event.EventID,
		}).Error("Failed to apply event")
		return nil
	}

	c.applied.Add(1)
	return nil
}

// Apply dispatches a decoded event by action
func (c *Consumer) Apply(ctx context.Context, event models.Event) error {
	payload := map[string]interface{}{}
	if len(event.Data) > 0 && string(event.Data) != "null" {
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return fmt.Errorf("payload is not an object: %w", err)
		}
	}

	switch event.Action {
	case models.ActionSaveData:
		return c.saveData(ctx, &event, payload)
	case models.ActionRegister:
		return c.register(ctx, &event, payload)
	case models.ActionUpdate:
		return c.update(ctx, &event, payload)
	case models.ActionDelete:
		return c.delete(ctx, &event)
	default:
		c.dropped.Add(1)
		c.log.WithField("action", event.Action).Warn("Ignoring unknown action")
		return nil
	}
}

func (c *Consumer) saveData(ctx context.Context, event *models.Event, payload map[string]interface{}) error {
	kind := sampleKind(event, payload)
	collection, err := view.CollectionFor(kind)
	if err != nil {
		return err
	}

	doc := view.Document(payload)
	doc["device_id"] = event.DeviceID
	doc["kind"] = string(kind)
	if event.EventID != "" {
		doc["event_id"] = event.EventID
	}

	// events without an id are inserted under a generated one
	if err := c.view.Insert(ctx, collection, event.EventID, doc); err != nil {
		return err
	}

	if c.sink != nil {
		c.sink.Write(collection, event.DeviceID, payload, sampleTime(payload))
	}

	c.log.WithFields(logrus.Fields{
		"device_id":  event.DeviceID,
		"collection": collection,
		"event_id":   event.EventID,
	}).Debug("Telemetry stored in view")
	return nil
}

func (c *Consumer) register(ctx context.Context, event *models.Event, payload map[string]interface{}) error {
	kind := deviceKind(event, payload)

	source := payload
	if device, ok := payload["device"].(map[string]interface{}); ok {
		source = device
	}

	doc := view.Document{
		"device_id": event.DeviceID,
		"kind":      string(kind),
	}
	for _, field := range deviceFields {
		if v, ok := source[field]; ok {
			doc[field] = v
		}
	}
	if _, ok := doc["status"]; !ok {
		doc["status"] = models.DefaultStatus
	}

	if err := c.view.Insert(ctx, view.CollectionDevices, event.DeviceID, doc); err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{"device_id": event.DeviceID, "kind": kind}).Info("Device added to view")
	return nil
}

func (c *Consumer) update(ctx context.Context, event *models.Event, payload map[string]interface{}) error {
	patch := view.Document{}
	for _, field := range deviceFields {
		if field == "created_at" {
			continue
		}
		if v, ok := payload[field]; ok {
			patch[field] = v
		}
	}
	if _, ok := patch["updated_at"]; !ok {
		patch["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	matched, err := c.view.UpdateOne(ctx, view.CollectionDevices, view.Filter{"device_id": event.DeviceID}, patch)
	if err != nil {
		return err
	}
	if !matched {
		c.log.WithField("device_id", event.DeviceID).Warn("Update for device missing from view, ignoring")
	}
	return nil
}

func (c *Consumer) delete(ctx context.Context, event *models.Event) error {
	var total int64
	for _, collection := range view.Collections {
		n, err := c.view.DeleteMany(ctx, collection, view.Filter{"device_id": event.DeviceID})
		if err != nil {
			return err
		}
		total += n
	}

	c.log.WithFields(logrus.Fields{"device_id": event.DeviceID, "documents": total}).Info("Device removed from view")
	return nil
}

// Stats returns consumer counters
func (c *Consumer) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"applied": c.applied.Load(),
		"dropped": c.dropped.Load(),
		"failed":  c.failed.Load(),
	}
	if v, ok := c.lastSeen.Load().(time.Time); ok {
		stats["last_message"] = v
	}
	return stats
}

func sampleTime(payload map[string]interface{}) time.Time {
	if s, ok := payload["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}
