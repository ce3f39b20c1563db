package repository

import (
	"context"

	"example.com/backstage/services/registry/internal/models"
)

func (r *repo) CreateDevice(ctx context.Context, device *models.Device) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return translate(db.Create(device).Error, ErrCreateFailed)
}

func (r *repo) FindDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var device models.Device
	if err := db.Where("device_id = ?", deviceID).First(&device).Error; err != nil {
		return nil, translate(err, nil)
	}

	return &device, nil
}

// ListDevices returns devices ordered by creation; an empty kind lists all
func (r *repo) ListDevices(ctx context.Context, kind models.Kind) ([]*models.Device, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Order("id ASC")
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}

	var devices []*models.Device
	if err := query.Find(&devices).Error; err != nil {
		return nil, translate(err, nil)
	}

	return devices, nil
}

func (r *repo) UpdateDeviceFields(ctx context.Context, deviceID string, fields map[string]interface{}) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	result := db.Model(&models.Device{}).Where("device_id = ?", deviceID).Updates(fields)
	if result.Error != nil {
		return translate(result.Error, ErrUpdateFailed)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteDevice removes the samples of every kind and then the device. The
// foreign keys cascade as well; the explicit deletes keep SQLite without
// foreign key enforcement consistent.
func (r *repo) DeleteDevice(ctx context.Context, deviceID string) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	for _, table := range []interface{}{&models.SensorSample{}, &models.HostSample{}, &models.FeedSample{}} {
		if err := db.Where("device_id = ?", deviceID).Delete(table).Error; err != nil {
			return translate(err, ErrDeleteFailed)
		}
	}

	result := db.Where("device_id = ?", deviceID).Delete(&models.Device{})
	if result.Error != nil {
		return translate(result.Error, ErrDeleteFailed)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
