package messaging

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/registry/config"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const (
	kafkaMinBytes = 1
	kafkaMaxBytes = 10_000_000 // 10MB

	// one partition keeps the topic FIFO
	kafkaPartitions  = 1
	kafkaReplication = 1
)

// kafkaTransport implements Transport on single-partition Kafka topics
type kafkaTransport struct {
	brokers []string
	groupID string
	log     *logrus.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaTransport creates a transport for the given brokers; connections are opened on use
func NewKafkaTransport(cfg config.KafkaConfig, log *logrus.Logger) Transport {
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "device-monitor"
	}
	return &kafkaTransport{
		brokers: cfg.Brokers,
		groupID: groupID,
		log:     log,
		writers: make(map[string]*kafka.Writer),
	}
}

// Declare creates the topic through the cluster controller
func (k *kafkaTransport) Declare(ctx context.Context, queue string) error {
	conn, err := kafka.DialContext(ctx, "tcp", k.brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	ctrlAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := kafka.DialContext(ctx, "tcp", ctrlAddr)
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer ctrlConn.Close()

	err = ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             queue,
		NumPartitions:     kafkaPartitions,
		ReplicationFactor: kafkaReplication,
	})
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "exists") {
		return fmt.Errorf("create topic %s: %w", queue, err)
	}

	return nil
}

func (k *kafkaTransport) Publish(ctx context.Context, queue string, body []byte) error {
	if err := k.writer(queue).WriteMessages(ctx, kafka.Message{Value: body}); err != nil {
		return fmt.Errorf("failed to write to %s: %w", queue, err)
	}
	return nil
}

// Subscribe reads through the consumer group; offsets are committed as messages are read
func (k *kafkaTransport) Subscribe(ctx context.Context, queue string, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		GroupID:  k.groupID,
		Topic:    queue,
		MinBytes: kafkaMinBytes,
		MaxBytes: kafkaMaxBytes,
		MaxWait:  500 * time.Millisecond,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read from %s: %w", queue, err)
		}
		_ = handler(ctx, msg.Value)
	}
}

func (k *kafkaTransport) Ping(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", k.brokers[0])
	if err != nil {
		return fmt.Errorf("kafka unreachable: %w", err)
	}
	return conn.Close()
}

func (k *kafkaTransport) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var firstErr error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(k.writers, topic)
	}
	return firstErr
}

func (k *kafkaTransport) writer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()

	if w, ok := k.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 5 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	k.writers[topic] = w
	return w
}
