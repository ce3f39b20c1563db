package cmd

import (
	"context"

	"example.com/backstage/services/registry/api"
	"example.com/backstage/services/registry/api/handlers"
	"example.com/backstage/services/registry/api/routes"
	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/consumer"
	"example.com/backstage/services/registry/internal/messaging"
	"example.com/backstage/services/registry/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var monitorPort int

// consumeCmd represents the consume command
var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Apply registry events to the secondary view",
	Long: `Subscribes to the registry event queue, applies every event to the
secondary view and serves the monitoring query API.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := startConsumer(); err != nil {
			log.Fatalf("Consumer failed: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(consumeCmd)

	consumeCmd.Flags().IntVar(&monitorPort, "port", 0, "Monitoring API port (overrides config file)")
	consumeCmd.Flags().IntVar(&gracefulTimeout, "graceful-timeout", 30, "Graceful shutdown timeout in seconds")
}

func startConsumer() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if monitorPort > 0 {
		cfg.Monitor.Port = monitorPort
	}

	ctx, stop := signalContext()
	defer stop()

	// Initialize New Relic if enabled
	nrApp, err := telemetry.InitNewRelic(cfg.NewRelic, log)
	if err != nil {
		log.Warnf("Failed to initialize New Relic: %v", err)
	}
	defer telemetry.Shutdown(nrApp)

	dial, err := messaging.NewDialer(cfg.Broker, log)
	if err != nil {
		return err
	}

	err = runConsumer(ctx, cfg, dial, nrApp)
	log.Info("Consumer shutdown complete")
	return err
}

// runConsumer runs the event consumer and the monitoring API until ctx is done
func runConsumer(ctx context.Context, cfg *config.Config, dial messaging.DialFunc, nrApp *newrelic.Application) error {
	// Connect the secondary view
	store, err := openView(ctx, cfg)
	if err != nil {
		return err
	}

	// Optional time-series sink
	sink := openSink(cfg.InfluxDB)
	if sink != nil {
		defer sink.Close()
	}

	cons, err := consumer.New(consumer.Config{View: store, Sink: sink, Logger: log})
	if err != nil {
		return err
	}

	// Initialize messaging client
	transport := messaging.NewManaged(dial, cfg.Broker.DialTimeout, log)
	defer transport.Close()

	health := handlers.NewHealthHandler("registry-monitor", map[string]handlers.Check{
		"view":   store.Ping,
		"broker": transport.Ping,
	}, cons.Stats)

	// Create and initialize the monitoring server
	server := api.NewServer("monitor", cfg.Monitor, log, nrApp, func(r *gin.Engine) {
		routes.SetupMonitorRoutes(r, store, health, log)
	})

	g, ctx := errgroup.WithContext(ctx)
	serveHTTP(ctx, g, server)
	g.Go(func() error { return consumeWithRetry(ctx, cons, transport, cfg.Broker.Queue) })

	return g.Wait()
}
