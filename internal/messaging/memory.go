package messaging

import (
	"context"
	"sync"
)

const memoryQueueDepth = 1024

// MemoryBus is an in-process broker for local development and tests. Every
// transport connected to the same bus shares its queues.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[string]chan []byte
}

// NewMemoryBus creates an empty bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{queues: make(map[string]chan []byte)}
}

// Connect returns a transport bound to the bus
func (b *MemoryBus) Connect() Transport {
	return &memoryTransport{bus: b}
}

// Depth reports how many messages wait in queue
func (b *MemoryBus) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

func (b *MemoryBus) queue(name string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan []byte, memoryQueueDepth)
		b.queues[name] = q
	}
	return q
}

type memoryTransport struct {
	bus    *MemoryBus
	mu     sync.RWMutex
	closed bool
}

func (t *memoryTransport) Declare(ctx context.Context, queue string) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.bus.queue(queue)
	return nil
}

func (t *memoryTransport) Publish(ctx context.Context, queue string, body []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	msg := make([]byte, len(body))
	copy(msg, body)

	select {
	case t.bus.queue(queue) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memoryTransport) Subscribe(ctx context.Context, queue string, handler Handler) error {
	if t.isClosed() {
		return ErrClosed
	}
	q := t.bus.queue(queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case body := <-q:
			_ = handler(ctx, body)
		}
	}
}

func (t *memoryTransport) Ping(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	return nil
}

func (t *memoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *memoryTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
