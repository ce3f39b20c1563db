package repository

import (
	"context"

	"example.com/backstage/services/registry/internal/database"
	"example.com/backstage/services/registry/internal/models"

	"gorm.io/gorm"
)

// Repository provides data access methods
type Repository interface {
	// Transaction support
	WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error

	// Device operations
	CreateDevice(ctx context.Context, device *models.Device) error
	FindDevice(ctx context.Context, deviceID string) (*models.Device, error)
	ListDevices(ctx context.Context, kind models.Kind) ([]*models.Device, error)
	UpdateDeviceFields(ctx context.Context, deviceID string, fields map[string]interface{}) error
	DeleteDevice(ctx context.Context, deviceID string) error

	// Sample operations
	CreateSample(ctx context.Context, sample models.Sample) error
	LatestSample(ctx context.Context, kind models.Kind, deviceID string) (models.Sample, error)
	ListSamples(ctx context.Context, kind models.Kind, deviceID string) ([]models.Sample, error)
	CountSamples(ctx context.Context, deviceID string) (int64, error)

	// Outbox operations
	AppendOutbox(ctx context.Context, event *models.OutboxEvent) error
	PendingOutbox(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
	ListOutbox(ctx context.Context, afterID uint64, limit int) ([]*models.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, id uint64) error
	MarkOutboxFailed(ctx context.Context, id uint64, reason string) error
}

// repo is an implementation of the Repository interface
type repo struct {
	db database.DB
}

// Helper type for transaction support
type dbWrapper struct {
	db *gorm.DB
}

func (w *dbWrapper) DB() (*gorm.DB, error) {
	return w.db, nil
}

func (w *dbWrapper) Ping(ctx context.Context) error {
	return nil
}

func (w *dbWrapper) Close() error {
	return nil
}

// NewRepository creates a new repository instance
func NewRepository(db database.DB) Repository {
	return &repo{
		db: db,
	}
}

// WithTransaction executes the given function within a database transaction
func (r *repo) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := &repo{
			db: &dbWrapper{db: tx},
		}
		return fn(ctx, txRepo)
	})
}

// conn returns the handle bound to ctx
func (r *repo) conn(ctx context.Context) (*gorm.DB, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}
	return gormDB.WithContext(ctx), nil
}
