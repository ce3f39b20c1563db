package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/registry/api"
	"example.com/backstage/services/registry/api/handlers"
	"example.com/backstage/services/registry/api/routes"
	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/database"
	"example.com/backstage/services/registry/internal/messaging"
	"example.com/backstage/services/registry/internal/outbox"
	"example.com/backstage/services/registry/internal/repository"
	"example.com/backstage/services/registry/internal/service"
	"example.com/backstage/services/registry/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// Serve command flags
	disableNewRelic bool
	serverPort      int
	gracefulTimeout int
	runMigrations   bool
	withConsumer    bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the registry API server",
	Long: `Starts the registry API server and the outbox relay.

With --with-consumer the event consumer and its query API run in the same
process, which is required for the in-memory broker.
It will gracefully shut down on receiving SIGINT or SIGTERM signals.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := startServer(); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Serve-specific flags
	serveCmd.Flags().BoolVar(&disableNewRelic, "disable-newrelic", false, "Disable New Relic monitoring")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "Server port (overrides config file)")
	serveCmd.Flags().IntVar(&gracefulTimeout, "graceful-timeout", 30, "Graceful shutdown timeout in seconds")
	serveCmd.Flags().BoolVar(&runMigrations, "migrate", true, "Run database migrations on startup")
	serveCmd.Flags().BoolVar(&withConsumer, "with-consumer", false, "Also run the event consumer and monitoring API")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func gracePeriod() time.Duration {
	if gracefulTimeout <= 0 {
		return defaultGracePeriod
	}
	return time.Duration(gracefulTimeout) * time.Second
}

// serveHTTP runs server until ctx is done, then shuts it down
func serveHTTP(ctx context.Context, g *errgroup.Group, server *api.Server) {
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracePeriod())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}

// startServer initializes and starts the API server
func startServer() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Override config with command line flags if provided
	if serverPort > 0 {
		cfg.Server.Port = serverPort
	}

	log.WithFields(logrus.Fields{
		"port":             cfg.Server.Port,
		"broker":           cfg.Broker.Driver,
		"outbox":           cfg.Outbox.Enabled,
		"newrelic_enabled": cfg.NewRelic.Enabled && !disableNewRelic,
	}).Info("Initializing service components...")

	// Set up graceful shutdown
	ctx, stop := signalContext()
	defer stop()

	// Initialize New Relic if enabled
	if disableNewRelic {
		cfg.NewRelic.Enabled = false
	}
	nrApp, err := telemetry.InitNewRelic(cfg.NewRelic, log)
	if err != nil {
		log.Warnf("Failed to initialize New Relic: %v", err)
	}
	defer telemetry.Shutdown(nrApp)

	// Initialize database with retry logic
	db, err := connectDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer closeDatabase(db)

	// Run database migrations
	if runMigrations {
		log.Info("Running database migrations...")
		if err := database.AutoMigrate(db); err != nil {
			return err
		}
	}

	// Initialize Redis cache client
	redisClient, err := openCache(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// Initialize messaging client
	dial, transport, err := newTransport(cfg.Broker)
	if err != nil {
		return err
	}
	defer transport.Close()

	// Create repositories
	repo := repository.NewRepository(db)
	publisher := messaging.NewEventPublisher(transport, cfg.Broker.Queue, log)

	// Events are written to the outbox and relayed after commit
	var relay *outbox.Relay
	if cfg.Outbox.Enabled {
		relay, err = outbox.NewRelay(outbox.RelayConfig{
			Repository:   repo,
			Publisher:    publisher,
			Logger:       log,
			BatchSize:    cfg.Outbox.BatchSize,
			FlushTimeout: cfg.Outbox.FlushTimeout,
		})
		if err != nil {
			return err
		}
	}

	// Create service with configuration
	svc, err := service.NewService(service.ServiceConfig{
		Repository: repo,
		Cache:      redisClient,
		Publisher:  publisher,
		Relay:      relay,
		Logger:     log,
		CacheTTL:   cfg.Redis.TTL,
	})
	if err != nil {
		return err
	}

	var stats func() map[string]interface{}
	if relay != nil {
		stats = relay.Stats
	}
	health := handlers.NewHealthHandler("registry-service", map[string]handlers.Check{
		"database": db.Ping,
		"broker":   transport.Ping,
		"cache":    redisClient.Ping,
	}, stats)

	// Create and initialize the server
	server := api.NewServer("registry", cfg.Server, log, nrApp, func(r *gin.Engine) {
		routes.SetupRoutes(r, svc, health, log)
	})

	// Run the server and background jobs until a signal arrives
	g, ctx := errgroup.WithContext(ctx)
	serveHTTP(ctx, g, server)

	if relay != nil {
		g.Go(func() error { return relay.Run(ctx, cfg.Outbox.Interval) })
	}
	if withConsumer {
		g.Go(func() error { return runConsumer(ctx, cfg, dial, nrApp) })
	}

	err = g.Wait()
	log.Info("Server shutdown complete")
	return err
}
