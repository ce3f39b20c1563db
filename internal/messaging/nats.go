package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/backstage/services/registry/config"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
)

const (
	natsFetchBatch   = 10
	natsFetchMaxWait = time.Second
)

// natsTransport implements Transport on a JetStream work-queue stream per queue
type natsTransport struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   string
	consumer string
	log      *logrus.Logger
}

// NewNATSTransport connects to NATS and opens a JetStream context
func NewNATSTransport(ctx context.Context, cfg config.NATSConfig, log *logrus.Logger) (Transport, error) {
	opts := []nats.Option{
		nats.Name("registry-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "device-monitor"
	}

	return &natsTransport{
		nc:       nc,
		js:       js,
		stream:   cfg.Stream,
		consumer: consumer,
		log:      log,
	}, nil
}

// streamName derives a valid stream name from the queue unless one is configured
func (t *natsTransport) streamName(queue string) string {
	if t.stream != "" {
		return t.stream
	}
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(queue))
}

// Declare creates or updates a work-queue stream capturing the queue subject
func (t *natsTransport) Declare(ctx context.Context, queue string) error {
	_, err := t.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      t.streamName(queue),
		Subjects:  []string{queue},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to declare stream for %s: %w", queue, err)
	}
	return nil
}

func (t *natsTransport) Publish(ctx context.Context, queue string, body []byte) error {
	if _, err := t.js.Publish(ctx, queue, body); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Subscribe pulls with a durable consumer and acks each message before handling it
func (t *natsTransport) Subscribe(ctx context.Context, queue string, handler Handler) error {
	consumer, err := t.js.CreateOrUpdateConsumer(ctx, t.streamName(queue), jetstream.ConsumerConfig{
		Durable:       t.consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		FilterSubject: queue,
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	t.log.WithFields(logrus.Fields{
		"stream":   t.streamName(queue),
		"consumer": t.consumer,
	}).Info("Starting JetStream pull consumer")

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := consumer.Fetch(natsFetchBatch, jetstream.FetchMaxWait(natsFetchMaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return err
			}
			t.log.WithError(err).Warn("Failed to fetch messages")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range msgs.Messages() {
			if err := msg.Ack(); err != nil {
				t.log.WithError(err).Warn("Failed to ack message")
			}
			_ = handler(ctx, msg.Data())
		}
		if fetchErr := msgs.Error(); fetchErr != nil && !errors.Is(fetchErr, nats.ErrTimeout) {
			t.log.WithError(fetchErr).Debug("Fetch ended with error")
		}
	}
}

func (t *natsTransport) Ping(ctx context.Context) error {
	if !t.nc.IsConnected() {
		return fmt.Errorf("nats not connected: %s", t.nc.Status())
	}
	return nil
}

func (t *natsTransport) Close() error {
	t.nc.Close()
	return nil
}
