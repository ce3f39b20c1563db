package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"example.com/backstage/services/registry/internal/models"

	"github.com/sirupsen/logrus"
)

// Publisher emits registry events
type Publisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// EventPublisher serializes events onto one queue of a transport
type EventPublisher struct {
	transport Transport
	queue     string
	log       *logrus.Logger

	mu       sync.Mutex
	declared bool
}

// NewEventPublisher creates a publisher for queue
func NewEventPublisher(transport Transport, queue string, log *logrus.Logger) *EventPublisher {
	return &EventPublisher{
		transport: transport,
		queue:     queue,
		log:       log,
	}
}

// Publish declares the queue once, then sends the event as a single JSON message
func (p *EventPublisher) Publish(ctx context.Context, event models.Event) error {
	if err := p.ensureQueue(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.transport.Publish(ctx, p.queue, body); err != nil {
		// the connection may have been replaced; declare again next time
		p.mu.Lock()
		p.declared = false
		p.mu.Unlock()
		return fmt.Errorf("failed to publish %s event for %s: %w", event.Action, event.DeviceID, err)
	}

	p.log.WithFields(logrus.Fields{
		"action":    event.Action,
		"device_id": event.DeviceID,
		"kind":      event.Kind,
		"event_id":  event.EventID,
		"queue":     p.queue,
	}).Debug("Event published")

	return nil
}

func (p *EventPublisher) ensureQueue(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.declared {
		return nil
	}
	if err := p.transport.Declare(ctx, p.queue); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", p.queue, err)
	}
	p.declared = true
	return nil
}
