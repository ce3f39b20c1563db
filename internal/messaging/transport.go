package messaging

import (
	"context"
	"errors"
	"fmt"

	"example.com/backstage/services/registry/config"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("transport closed")

// Handler processes one delivered message body. Deliveries are acknowledged
// on receipt, so the handler's error does not cause redelivery.
type Handler func(ctx context.Context, body []byte) error

// Transport is a single-queue message broker connection
type Transport interface {
	// Declare ensures the queue exists; calling it again is harmless
	Declare(ctx context.Context, queue string) error
	Publish(ctx context.Context, queue string, body []byte) error
	// Subscribe delivers messages in order until ctx is done
	Subscribe(ctx context.Context, queue string, handler Handler) error
	Ping(ctx context.Context) error
	Close() error
}

// DialFunc opens a transport
type DialFunc func(ctx context.Context) (Transport, error)

// NewDialer returns a DialFunc for the configured driver
func NewDialer(cfg config.BrokerConfig, log *logrus.Logger) (DialFunc, error) {
	switch cfg.Driver {
	case "", "memory":
		bus := NewMemoryBus()
		return func(ctx context.Context) (Transport, error) {
			return bus.Connect(), nil
		}, nil
	case "servicebus":
		if cfg.ServiceBus.ConnectionString == "" {
			return nil, fmt.Errorf("servicebus driver requires broker.servicebus.connectionstring")
		}
		return func(ctx context.Context) (Transport, error) {
			return NewServiceBusTransport(cfg.ServiceBus, cfg.Queue, log)
		}, nil
	case "nats":
		return func(ctx context.Context) (Transport, error) {
			return NewNATSTransport(ctx, cfg.NATS, log)
		}, nil
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("kafka driver requires broker.kafka.brokers")
		}
		return func(ctx context.Context) (Transport, error) {
			return NewKafkaTransport(cfg.Kafka, log), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported broker driver %q", cfg.Driver)
	}
}
