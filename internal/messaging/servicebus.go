package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"example.com/backstage/services/registry/config"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"
	"github.com/sirupsen/logrus"
)

const serviceBusReceiveBatch = 10

// serviceBusTransport implements Transport on Azure Service Bus queues
type serviceBusTransport struct {
	client    *azservicebus.Client
	admin     *admin.Client
	queueName string
	log       *logrus.Logger

	mu      sync.Mutex
	senders map[string]*azservicebus.Sender
}

// NewServiceBusTransport creates a Service Bus client for the given namespace
func NewServiceBusTransport(cfg config.ServiceBusConfig, queueName string, log *logrus.Logger) (Transport, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	adminClient, err := admin.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("failed to create Service Bus admin client: %w", err)
	}

	return &serviceBusTransport{
		client:    client,
		admin:     adminClient,
		queueName: queueName,
		log:       log,
		senders:   make(map[string]*azservicebus.Sender),
	}, nil
}

// Declare creates the queue when the namespace does not have it yet
func (s *serviceBusTransport) Declare(ctx context.Context, queue string) error {
	existing, err := s.admin.GetQueue(ctx, queue, nil)
	if err != nil {
		return fmt.Errorf("failed to look up queue %s: %w", queue, err)
	}
	if existing != nil {
		return nil
	}

	if _, err := s.admin.CreateQueue(ctx, queue, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict {
			return nil
		}
		return fmt.Errorf("failed to create queue %s: %w", queue, err)
	}

	s.log.WithField("queue", queue).Info("Created Service Bus queue")
	return nil
}

// Publish sends body as a single message
func (s *serviceBusTransport) Publish(ctx context.Context, queue string, body []byte) error {
	sender, err := s.sender(queue)
	if err != nil {
		return err
	}

	msg := &azservicebus.Message{
		Body: body,
		ApplicationProperties: map[string]interface{}{
			"source": "registry-service",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}
	contentType := "application/json"
	msg.ContentType = &contentType

	if err := sender.SendMessage(ctx, msg, nil); err != nil {
		s.dropSender(queue)
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}

// Subscribe completes each message as soon as it is received and then hands it to handler
func (s *serviceBusTransport) Subscribe(ctx context.Context, queue string, handler Handler) error {
	receiver, err := s.client.NewReceiverForQueue(queue, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
	if err != nil {
		return fmt.Errorf("failed to create Service Bus receiver: %w", err)
	}
	defer receiver.Close(context.Background())

	for {
		messages, err := receiver.ReceiveMessages(ctx, serviceBusReceiveBatch, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive messages: %w", err)
		}

		for _, msg := range messages {
			if err := receiver.CompleteMessage(ctx, msg, nil); err != nil {
				s.log.WithError(err).WithField("message_id", msg.MessageID).Warn("Failed to complete message")
			}
			_ = handler(ctx, msg.Body)
		}
	}
}

// Ping checks that the configured queue can be read through the management API
func (s *serviceBusTransport) Ping(ctx context.Context) error {
	if _, err := s.admin.GetQueue(ctx, s.queueName, nil); err != nil {
		return fmt.Errorf("service bus unreachable: %w", err)
	}
	return nil
}

// Close closes all senders and the client
func (s *serviceBusTransport) Close() error {
	s.mu.Lock()
	for queue, sender := range s.senders {
		_ = sender.Close(context.Background())
		delete(s.senders, queue)
	}
	s.mu.Unlock()

	return s.client.Close(context.Background())
}

func (s *serviceBusTransport) sender(queue string) (*azservicebus.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sender, ok := s.senders[queue]; ok {
		return sender, nil
	}

	sender, err := s.client.NewSender(queue, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}
	s.senders[queue] = sender
	return sender, nil
}

func (s *serviceBusTransport) dropSender(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sender, ok := s.senders[queue]; ok {
		_ = sender.Close(context.Background())
		delete(s.senders, queue)
	}
}
