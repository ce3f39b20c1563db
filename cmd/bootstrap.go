package cmd

import (
	"context"
	"errors"
	"time"

	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/cache"
	"example.com/backstage/services/registry/internal/consumer"
	"example.com/backstage/services/registry/internal/database"
	"example.com/backstage/services/registry/internal/messaging"
	"example.com/backstage/services/registry/internal/timeseries"
	"example.com/backstage/services/registry/internal/view"

	"github.com/sirupsen/logrus"
)

const (
	dbMaxRetries       = 5
	maxReconnectDelay  = 30 * time.Second
	defaultGracePeriod = 30 * time.Second
)

// connectDatabase connects with exponential backoff
func connectDatabase(cfg config.DatabaseConfig) (database.DB, error) {
	var db database.DB
	var err error
	retryInterval := time.Second

	for i := 0; i < dbMaxRetries; i++ {
		log.WithFields(logrus.Fields{"attempt": i + 1, "driver": cfg.Driver}).Info("Connecting to database...")
		db, err = database.Connect(cfg, log)
		if err == nil {
			log.Info("Successfully connected to database")
			return db, nil
		}

		log.WithFields(logrus.Fields{
			"error":         err.Error(),
			"retry_attempt": i + 1,
			"max_retries":   dbMaxRetries,
		}).Error("Failed to connect to database, retrying...")

		// Exponential backoff
		if i < dbMaxRetries-1 {
			time.Sleep(retryInterval)
			retryInterval *= 2
		}
	}

	return nil, err
}

func closeDatabase(db database.DB) {
	log.Info("Closing database connection...")
	if err := db.Close(); err != nil {
		log.WithError(err).Error("Error closing database connection")
	}
}

// newTransport returns the broker dialer and a managed connection built on it
func newTransport(cfg config.BrokerConfig) (messaging.DialFunc, *messaging.Managed, error) {
	dial, err := messaging.NewDialer(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	log.WithFields(logrus.Fields{"driver": cfg.Driver, "queue": cfg.Queue}).Info("Broker configured")
	return dial, messaging.NewManaged(dial, cfg.DialTimeout, log), nil
}

func openCache(cfg config.RedisConfig) (cache.RedisClient, error) {
	if !cfg.Enabled {
		return cache.NewNoopClient(), nil
	}
	log.Info("Connecting to Redis...")
	return cache.NewRedisClient(cfg)
}

// openView connects the secondary view store and prepares its indices
func openView(ctx context.Context, cfg *config.Config) (view.Store, error) {
	switch cfg.View.Driver {
	case "", "memory":
		log.Warn("Using in-memory view; contents are lost on restart")
		return view.NewMemoryStore(), nil
	case "elasticsearch":
		store, err := view.NewElasticsearchStore(cfg.Elasticsearch, log)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureIndices(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.New("unsupported view driver " + cfg.View.Driver)
	}
}

// openSink returns nil when the time-series sink is disabled or unreachable
func openSink(cfg config.InfluxDBConfig) timeseries.Sink {
	sink, err := timeseries.NewInfluxSink(cfg, log)
	if errors.Is(err, timeseries.ErrDisabled) {
		return nil
	}
	if err != nil {
		log.WithError(err).Warn("InfluxDB unavailable, telemetry sink disabled")
		return nil
	}
	return sink
}

// consumeWithRetry keeps the consumer subscribed, redialing with backoff
// until ctx is done
func consumeWithRetry(ctx context.Context, cons *consumer.Consumer, transport messaging.Transport, queue string) error {
	delay := time.Second
	for {
		err := cons.Run(ctx, transport, queue)
		if ctx.Err() != nil {
			return nil
		}

		log.WithError(err).WithField("retry_in", delay.String()).Warn("Consumer stopped, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
