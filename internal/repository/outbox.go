package repository

import (
	"context"
	"time"

	"example.com/backstage/services/registry/internal/models"

	"gorm.io/gorm"
)

func (r *repo) AppendOutbox(ctx context.Context, event *models.OutboxEvent) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return translate(db.Create(event).Error, ErrCreateFailed)
}

// PendingOutbox returns unpublished events in commit order
func (r *repo) PendingOutbox(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var events []*models.OutboxEvent
	query := db.Where("published = ?", false).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, translate(err, nil)
	}

	return events, nil
}

// ListOutbox pages through the full event history, published or not
func (r *repo) ListOutbox(ctx context.Context, afterID uint64, limit int) ([]*models.OutboxEvent, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var events []*models.OutboxEvent
	query := db.Where("id > ?", afterID).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, translate(err, nil)
	}

	return events, nil
}

func (r *repo) MarkOutboxPublished(ctx context.Context, id uint64) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result := db.Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"published":    true,
		"published_at": now,
		"attempts":     gorm.Expr("attempts + 1"),
		"last_error":   "",
	})
	if result.Error != nil {
		return translate(result.Error, ErrUpdateFailed)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *repo) MarkOutboxFailed(ctx context.Context, id uint64, reason string) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	result := db.Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": reason,
	})
	if result.Error != nil {
		return translate(result.Error, ErrUpdateFailed)
	}

	return nil
}
