package cmd

import (
	"context"

	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/consumer"
	"example.com/backstage/services/registry/internal/messaging"
	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const replayPageSize = 500

var (
	replayAfterID   uint64
	replayRepublish bool
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild the secondary view from the event outbox",
	Long: `Reads every recorded event from the outbox in commit order and applies
it to the secondary view. With --republish the events are sent to the broker
again instead. Replaying is idempotent: telemetry documents are keyed by
event id and device documents by device id.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runReplay(); err != nil {
			log.Fatalf("Replay failed: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().Uint64Var(&replayAfterID, "after-id", 0, "Only replay outbox rows with a greater id")
	replayCmd.Flags().BoolVar(&replayRepublish, "republish", false, "Publish to the broker instead of writing the view directly")
}

func runReplay() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	db, err := connectDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer closeDatabase(db)
	repo := repository.NewRepository(db)

	// Pick the destination: the broker or the view directly
	var apply func(ctx context.Context, event models.Event) error
	if replayRepublish {
		_, transport, err := newTransport(cfg.Broker)
		if err != nil {
			return err
		}
		defer transport.Close()
		apply = messaging.NewEventPublisher(transport, cfg.Broker.Queue, log).Publish
	} else {
		store, err := openView(ctx, cfg)
		if err != nil {
			return err
		}
		sink := openSink(cfg.InfluxDB)
		if sink != nil {
			defer sink.Close()
		}
		cons, err := consumer.New(consumer.Config{View: store, Sink: sink, Logger: log})
		if err != nil {
			return err
		}
		apply = cons.Apply
	}

	return replayOutbox(ctx, repo, replayAfterID, apply)
}

// replayOutbox pages through the outbox after afterID and hands each event to apply
func replayOutbox(ctx context.Context, repo repository.Repository, afterID uint64, apply func(context.Context, models.Event) error) error {
	var total int
	for {
		rows, err := repo.ListOutbox(ctx, afterID, replayPageSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := apply(ctx, row.Event()); err != nil {
				log.WithFields(logrus.Fields{
					"outbox_id": row.ID,
					"event_id":  row.EventID,
					"action":    row.Action,
				}).WithError(err).Error("Replay stopped")
				return err
			}
			afterID = row.ID
			total++
		}

		log.WithFields(logrus.Fields{"replayed": total, "last_id": afterID}).Info("Replay progress")
	}

	log.WithField("replayed", total).Info("Replay completed")
	return nil
}
