package repository

import (
	"context"
	"fmt"

	"example.com/backstage/services/registry/internal/models"

	"gorm.io/gorm"
)

// latestOrder puts the newest sample first; equal timestamps fall back to insertion order
const latestOrder = "timestamp DESC, id DESC"

func (r *repo) CreateSample(ctx context.Context, sample models.Sample) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return translate(db.Create(sample).Error, ErrCreateFailed)
}

func (r *repo) LatestSample(ctx context.Context, kind models.Kind, deviceID string) (models.Sample, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	sample, err := models.NewSample(kind)
	if err != nil {
		return nil, err
	}

	if err := db.Where("device_id = ?", deviceID).Order(latestOrder).First(sample).Error; err != nil {
		return nil, translate(err, nil)
	}

	return sample, nil
}

func (r *repo) ListSamples(ctx context.Context, kind models.Kind, deviceID string) ([]models.Sample, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Where("device_id = ?", deviceID).Order(latestOrder)

	switch kind {
	case models.KindSensor:
		var rows []*models.SensorSample
		return collect(query, &rows, func() []models.Sample { return toSamples(rows) })
	case models.KindHostAgent:
		var rows []*models.HostSample
		return collect(query, &rows, func() []models.Sample { return toSamples(rows) })
	case models.KindExternalFeed:
		var rows []*models.FeedSample
		return collect(query, &rows, func() []models.Sample { return toSamples(rows) })
	default:
		return nil, fmt.Errorf("unknown device kind %q", kind)
	}
}

// CountSamples counts the samples of every kind owned by deviceID
func (r *repo) CountSamples(ctx context.Context, deviceID string) (int64, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, table := range []interface{}{&models.SensorSample{}, &models.HostSample{}, &models.FeedSample{}} {
		var n int64
		if err := db.Model(table).Where("device_id = ?", deviceID).Count(&n).Error; err != nil {
			return 0, translate(err, nil)
		}
		total += n
	}

	return total, nil
}

func collect(query *gorm.DB, dest interface{}, convert func() []models.Sample) ([]models.Sample, error) {
	if err := query.Find(dest).Error; err != nil {
		return nil, translate(err, nil)
	}
	return convert(), nil
}

func toSamples[T models.Sample](rows []T) []models.Sample {
	out := make([]models.Sample, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	return out
}
