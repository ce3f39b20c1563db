package cmd

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"example.com/backstage/services/registry/internal/consumer"
	"example.com/backstage/services/registry/internal/database"
	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/repository"
	"example.com/backstage/services/registry/internal/view"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
)

func newReplayRepository(t *testing.T) repository.Repository {
	t.Helper()
	log.SetOutput(io.Discard)

	db, err := database.Open(sqlite.Open(database.SQLiteDSN(filepath.Join(t.TempDir(), "registry.db"))), log, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.AutoMigrate(db))
	return repository.NewRepository(db)
}

func appendEvent(t *testing.T, repo repository.Repository, action models.Action, deviceID, payload string) {
	t.Helper()
	require.NoError(t, repo.AppendOutbox(context.Background(), &models.OutboxEvent{
		EventID:  uuid.NewString(),
		Action:   action,
		DeviceID: deviceID,
		Kind:     models.KindSensor,
		Payload:  datatypes.JSON(payload),
	}))
}

func TestReplayOutboxRebuildsViewIdempotently(t *testing.T) {
	ctx := context.Background()
	repo := newReplayRepository(t)

	appendEvent(t, repo, models.ActionRegister, "sensor-1",
		`{"message":"Device registered successfully","device":{"device_id":"sensor-1","kind":"sensor","status":"active"}}`)
	appendEvent(t, repo, models.ActionSaveData, "sensor-1",
		`{"device_id":"sensor-1","temperature":21.5,"humidity":40,"timestamp":"2026-01-02T03:04:05Z"}`)
	appendEvent(t, repo, models.ActionSaveData, "sensor-1",
		`{"device_id":"sensor-1","temperature":22,"humidity":41,"timestamp":"2026-01-02T03:05:05Z"}`)

	store := view.NewMemoryStore()
	cons, err := consumer.New(consumer.Config{View: store, Logger: log})
	require.NoError(t, err)

	require.NoError(t, replayOutbox(ctx, repo, 0, cons.Apply))
	require.NoError(t, replayOutbox(ctx, repo, 0, cons.Apply))

	assert.Equal(t, 1, store.Count(view.CollectionDevices))
	assert.Equal(t, 2, store.Count(view.CollectionSensorData))
}

func TestReplayOutboxHonoursAfterID(t *testing.T) {
	ctx := context.Background()
	repo := newReplayRepository(t)

	for _, id := range []string{"a", "b", "c"} {
		appendEvent(t, repo, models.ActionDelete, id, `{}`)
	}
	rows, err := repo.ListOutbox(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	var seen []string
	err = replayOutbox(ctx, repo, rows[0].ID, func(_ context.Context, event models.Event) error {
		seen = append(seen, event.DeviceID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, seen)
}

func TestReplayOutboxStopsOnFailure(t *testing.T) {
	ctx := context.Background()
	repo := newReplayRepository(t)

	appendEvent(t, repo, models.ActionDelete, "a", `{}`)
	appendEvent(t, repo, models.ActionDelete, "b", `{}`)

	calls := 0
	boom := errors.New("broker down")
	err := replayOutbox(ctx, repo, 0, func(context.Context, models.Event) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
