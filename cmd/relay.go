package cmd

import (
	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/messaging"
	"example.com/backstage/services/registry/internal/outbox"
	"example.com/backstage/services/registry/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// relayCmd represents the relay command
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish pending outbox events",
	Long: `Runs only the outbox relay. Use it when the API servers run with
outbox.enabled but should not publish themselves. Run a single relay per
database so events leave in commit order.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := startRelay(); err != nil {
			log.Fatalf("Relay failed: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
}

func startRelay() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	// Connect to database
	db, err := connectDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer closeDatabase(db)

	_, transport, err := newTransport(cfg.Broker)
	if err != nil {
		return err
	}
	defer transport.Close()

	relay, err := outbox.NewRelay(outbox.RelayConfig{
		Repository:   repository.NewRepository(db),
		Publisher:    messaging.NewEventPublisher(transport, cfg.Broker.Queue, log),
		Logger:       log,
		BatchSize:    cfg.Outbox.BatchSize,
		FlushTimeout: cfg.Outbox.FlushTimeout,
	})
	if err != nil {
		return err
	}

	err = relay.Run(ctx, cfg.Outbox.Interval)
	log.WithFields(logrus.Fields(relay.Stats())).Info("Relay stopped")
	return err
}
