// internal/outbox/relay.go
package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"example.com/backstage/services/registry/internal/messaging"
	"example.com/backstage/services/registry/internal/repository"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

const (
	defaultBatchSize    = 100
	defaultFlushTimeout = 30 * time.Second
)

// ErrFlushInProgress is returned by TryFlush when another flush holds the relay
var ErrFlushInProgress = errors.New("outbox flush already in progress")

// Relay drains committed outbox rows to the transport in commit order
type Relay struct {
	repo         repository.Repository
	publisher    messaging.Publisher
	log          *logrus.Logger
	batchSize    int
	flushTimeout time.Duration

	// one flush at a time keeps publish order equal to commit order
	mu sync.Mutex

	published atomic.Int64
	failures  atomic.Int64
	lastError atomic.Value // string
	lastFlush atomic.Value // time.Time
}

// RelayConfig holds the relay dependencies
type RelayConfig struct {
	Repository repository.Repository
	Publisher  messaging.Publisher
	Logger     *logrus.Logger
	BatchSize  int

	// FlushTimeout bounds each periodic flush
	FlushTimeout time.Duration
}

// NewRelay creates a relay
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}

	return &Relay{
		repo:         cfg.Repository,
		publisher:    cfg.Publisher,
		log:          cfg.Logger,
		batchSize:    cfg.BatchSize,
		flushTimeout: cfg.FlushTimeout,
	}, nil
}

// Flush publishes pending events oldest first. It stops at the first failed
// publish so that later events never overtake an earlier one, and returns
// how many events it published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.flush(ctx)
}

// TryFlush flushes like Flush but never waits for a flush already running;
// it returns ErrFlushInProgress instead and leaves the rows to that flush or
// the next periodic one.
func (r *Relay) TryFlush(ctx context.Context) (int, error) {
	if !r.mu.TryLock() {
		return 0, ErrFlushInProgress
	}
	defer r.mu.Unlock()

	return r.flush(ctx)
}

func (r *Relay) flush(ctx context.Context) (int, error) {
	r.lastFlush.Store(time.Now().UTC())

	sent := 0
	for {
		pending, err := r.repo.PendingOutbox(ctx, r.batchSize)
		if err != nil {
			return sent, err
		}

		for _, row := range pending {
			if err := r.publisher.Publish(ctx, row.Event()); err != nil {
				r.failures.Add(1)
				r.lastError.Store(err.Error())
				// record the failure even when ctx is what ended the publish
				if markErr := r.repo.MarkOutboxFailed(context.WithoutCancel(ctx), row.ID, err.Error()); markErr != nil {
					r.log.WithError(markErr).WithField("event_id", row.EventID).Error("Failed to record publish failure")
				}
				return sent, err
			}

			if err := r.repo.MarkOutboxPublished(ctx, row.ID); err != nil {
				// the event went out; it will be sent again and the consumer upserts it
				r.log.WithError(err).WithField("event_id", row.EventID).Error("Failed to mark event as published")
				return sent, err
			}

			sent++
			r.published.Add(1)
		}

		if len(pending) < r.batchSize {
			return sent, nil
		}
	}
}

// Run flushes on a fixed interval until ctx is done
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			flushCtx, cancel := context.WithTimeout(ctx, r.flushTimeout)
			defer cancel()

			n, err := r.Flush(flushCtx)
			if err != nil {
				r.log.WithError(err).WithField("published", n).Warn("Outbox flush stopped early")
				return
			}
			if n > 0 {
				r.log.WithField("published", n).Info("Outbox flushed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return err
	}

	r.log.WithField("interval", interval.String()).Info("Starting outbox relay")
	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}

// Stats returns relay counters
func (r *Relay) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"published": r.published.Load(),
		"failures":  r.failures.Load(),
	}
	if v, ok := r.lastError.Load().(string); ok {
		stats["last_error"] = v
	}
	if v, ok := r.lastFlush.Load().(time.Time); ok {
		stats["last_flush"] = v
	}
	return stats
}
