package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Managed owns one transport connection. It dials on first use, and after a
// failed publish or health check it closes the connection so the next call
// dials again. Each dial is bounded by dialTimeout when it is positive.
type Managed struct {
	dial        DialFunc
	dialTimeout time.Duration
	log         *logrus.Logger

	mu      sync.Mutex
	current Transport
	closed  bool
}

// NewManaged wraps dial; nothing is opened until the first call
func NewManaged(dial DialFunc, dialTimeout time.Duration, log *logrus.Logger) *Managed {
	return &Managed{dial: dial, dialTimeout: dialTimeout, log: log}
}

func (m *Managed) get(ctx context.Context) (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.current != nil {
		return m.current, nil
	}

	dialCtx := ctx
	if m.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.dialTimeout)
		defer cancel()
	}

	t, err := m.dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	m.current = t
	m.log.Debug("Broker connection established")
	return t, nil
}

// reset drops t if it is still the current connection
func (m *Managed) reset(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != t {
		return
	}
	if err := t.Close(); err != nil {
		m.log.WithError(err).Debug("Error closing broken broker connection")
	}
	m.current = nil
}

func (m *Managed) Declare(ctx context.Context, queue string) error {
	t, err := m.get(ctx)
	if err != nil {
		return err
	}
	if err := t.Declare(ctx, queue); err != nil {
		m.reset(t)
		return err
	}
	return nil
}

func (m *Managed) Publish(ctx context.Context, queue string, body []byte) error {
	t, err := m.get(ctx)
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, queue, body); err != nil {
		m.reset(t)
		return err
	}
	return nil
}

// Subscribe blocks on the current connection; on error the connection is dropped
func (m *Managed) Subscribe(ctx context.Context, queue string, handler Handler) error {
	t, err := m.get(ctx)
	if err != nil {
		return err
	}
	if err := t.Subscribe(ctx, queue, handler); err != nil {
		m.reset(t)
		return err
	}
	return nil
}

// Ping dials if needed and checks the connection
func (m *Managed) Ping(ctx context.Context) error {
	t, err := m.get(ctx)
	if err != nil {
		return err
	}
	if err := t.Ping(ctx); err != nil {
		m.reset(t)
		return err
	}
	return nil
}

func (m *Managed) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}
