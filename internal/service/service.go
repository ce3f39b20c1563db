package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/backstage/services/registry/internal/cache"
	"example.com/backstage/services/registry/internal/messaging"
	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/outbox"
	"example.com/backstage/services/registry/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RegisteredMessage accompanies the device record in register events
const RegisteredMessage = "Device registered successfully"

// Service defines the registry operations. A non-empty kind restricts the
// operation to devices of that kind.
type Service interface {
	Register(ctx context.Context, kind models.Kind, in RegisterInput) (*models.DeviceRecord, error)
	Get(ctx context.Context, kind models.Kind, deviceID string) (*models.DeviceRecord, error)
	Update(ctx context.Context, kind models.Kind, deviceID string, in UpdateInput) (*models.DeviceRecord, error)
	Delete(ctx context.Context, kind models.Kind, deviceID string) error
	SaveData(ctx context.Context, kind models.Kind, deviceID string, in SampleInput) (models.Sample, error)
	List(ctx context.Context, kind models.Kind) ([]*models.DeviceRecord, error)
	ListData(ctx context.Context, kind models.Kind, deviceID string) ([]models.Sample, error)
	LatestData(ctx context.Context, kind models.Kind, deviceID string) (models.Sample, error)
}

// service is an implementation of the Service interface
type service struct {
	repo      repository.Repository
	cache     cache.RedisClient
	publisher messaging.Publisher
	relay     *outbox.Relay
	log       *logrus.Logger
	cacheTTL  time.Duration
	now       func() time.Time
}

// ServiceConfig holds the configuration for the service. With a Relay set,
// events go through the outbox; otherwise they are published directly after
// commit.
type ServiceConfig struct {
	Repository repository.Repository
	Cache      cache.RedisClient
	Publisher  messaging.Publisher
	Relay      *outbox.Relay
	Logger     *logrus.Logger
	CacheTTL   time.Duration
}

// NewService creates a new service instance
func NewService(config ServiceConfig) (Service, error) {
	if config.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if config.Relay == nil && config.Publisher == nil {
		return nil, errors.New("publisher or outbox relay is required")
	}
	if config.Cache == nil {
		config.Cache = cache.NewNoopClient()
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 10 * time.Minute
	}

	return &service{
		repo:      config.Repository,
		cache:     config.Cache,
		publisher: config.Publisher,
		relay:     config.Relay,
		log:       config.Logger,
		cacheTTL:  config.CacheTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func newEvent(action models.Action, deviceID string, kind models.Kind, payload interface{}) (models.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to encode %s payload: %w", action, err)
	}
	return models.Event{
		Action:   action,
		DeviceID: deviceID,
		Kind:     kind,
		EventID:  uuid.New().String(),
		Data:     data,
	}, nil
}

// commit runs fn in one transaction together with the outbox rows for the
// events it returns, then hands the events to the transport. Store errors
// roll everything back; transport errors never undo the commit. The cached
// record of deviceID is dropped as soon as the transaction commits and once
// more on return, so a read that raced the write cannot keep it stale.
func (s *service) commit(ctx context.Context, deviceID string, fn func(ctx context.Context, tx repository.Repository) ([]models.Event, error)) error {
	var events []models.Event

	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		var err error
		events, err = fn(ctx, tx)
		if err != nil {
			return err
		}
		if s.relay == nil {
			return nil
		}
		for _, event := range events {
			row := &models.OutboxEvent{
				EventID:  event.EventID,
				Action:   event.Action,
				DeviceID: event.DeviceID,
				Kind:     event.Kind,
				Payload:  []byte(event.Data),
			}
			if err := tx.AppendOutbox(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}

	defer s.invalidate(ctx, deviceID)

	if s.relay != nil {
		n, err := s.relay.TryFlush(ctx)
		switch {
		case errors.Is(err, outbox.ErrFlushInProgress):
			s.log.WithField("device_id", deviceID).Debug("Outbox flush already running, events left to it")
		case err != nil:
			s.log.WithError(err).WithField("published", n).Warn("Outbox flush failed, events stay pending")
		}
		return nil
	}

	for _, event := range events {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"action":    event.Action,
				"device_id": event.DeviceID,
				"event_id":  event.EventID,
			}).Error("Failed to publish event")
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	return nil
}

func (s *service) invalidate(ctx context.Context, deviceID string) {
	if err := s.cache.Delete(ctx, cache.DeviceKey(deviceID)); err != nil {
		s.log.WithError(err).WithField("device_id", deviceID).Warn("Failed to invalidate cached device")
	}
}

// findDevice loads a device and applies the kind restriction
func findDevice(ctx context.Context, repo repository.Repository, kind models.Kind, deviceID string) (*models.Device, error) {
	device, err := repo.FindDevice(ctx, deviceID)
	if err != nil {
		return nil, classify(err)
	}
	if kind != "" && device.Kind != kind {
		return nil, ErrNotFound
	}
	return device, nil
}

// latest returns the newest sample or nil when the device has none
func latest(ctx context.Context, repo repository.Repository, device *models.Device) (models.Sample, error) {
	sample, err := repo.LatestSample(ctx, device.Kind, device.DeviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return sample, nil
}

func cleanID(deviceID string) (string, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", invalidf("device_id is required")
	}
	return deviceID, nil
}

// createDevice inserts the device, seeds sensors with an empty sample and
// returns the register event
func (s *service) createDevice(ctx context.Context, tx repository.Repository, device *models.Device) (*models.DeviceRecord, models.Event, error) {
	now := s.now()
	device.CreatedAt = now
	device.UpdatedAt = now

	if err := tx.CreateDevice(ctx, device); err != nil {
		return nil, models.Event{}, err
	}

	record := &models.DeviceRecord{Device: *device}
	if device.Kind == models.KindSensor {
		seed := &models.SensorSample{DeviceID: device.DeviceID, Timestamp: now}
		if err := tx.CreateSample(ctx, seed); err != nil {
			return nil, models.Event{}, err
		}
		record.LatestData = seed
	}

	event, err := newEvent(models.ActionRegister, device.DeviceID, device.Kind, map[string]interface{}{
		"message": RegisteredMessage,
		"device":  record,
	})
	if err != nil {
		return nil, models.Event{}, err
	}
	return record, event, nil
}

func (s *service) Register(ctx context.Context, kind models.Kind, in RegisterInput) (*models.DeviceRecord, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	deviceID, err := cleanID(in.DeviceID)
	if err != nil {
		return nil, err
	}
	kind, err = resolveKind(kind, in.Kind, in.Type)
	if err != nil {
		return nil, err
	}

	device := &models.Device{
		DeviceID: deviceID,
		Kind:     kind,
		Status:   strings.TrimSpace(in.Status),
	}
	if device.Status == "" {
		device.Status = models.DefaultStatus
	}
	if kind == models.KindExternalFeed {
		if in.LocationLat == nil || in.LocationLon == nil {
			return nil, invalidf("location_lat and location_lon are required for %s devices", kind)
		}
		device.LocationLat = in.LocationLat
		device.LocationLon = in.LocationLon
		device.SetParams(in.MonitoredParams)
	}

	var record *models.DeviceRecord
	err = s.commit(ctx, deviceID, func(ctx context.Context, tx repository.Repository) ([]models.Event, error) {
		var event models.Event
		var err error
		record, event, err = s.createDevice(ctx, tx, device)
		if err != nil {
			return nil, err
		}
		return []models.Event{event}, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"device_id": deviceID, "kind": kind}).Info("Device registered")

	return record, nil
}

func (s *service) Get(ctx context.Context, kind models.Kind, deviceID string) (*models.DeviceRecord, error) {
	deviceID, err := cleanID(deviceID)
	if err != nil {
		return nil, err
	}

	if cached, err := s.cache.Get(ctx, cache.DeviceKey(deviceID)); err == nil {
		if record, err := models.DecodeRecord([]byte(cached)); err == nil {
			if kind != "" && record.Kind != kind {
				return nil, ErrNotFound
			}
			return record, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		s.log.WithError(err).WithField("device_id", deviceID).Warn("Cache read failed")
	}

	device, err := findDevice(ctx, s.repo, kind, deviceID)
	if err != nil {
		return nil, err
	}
	sample, err := latest(ctx, s.repo, device)
	if err != nil {
		return nil, err
	}
	record := &models.DeviceRecord{Device: *device, LatestData: sample}

	if b, err := json.Marshal(record); err == nil {
		if err := s.cache.Set(ctx, cache.DeviceKey(deviceID), string(b), s.cacheTTL); err != nil {
			s.log.WithError(err).WithField("device_id", deviceID).Warn("Cache write failed")
		}
	}

	return record, nil
}

func (s *service) Update(ctx context.Context, kind models.Kind, deviceID string, in UpdateInput) (*models.DeviceRecord, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	deviceID, err := cleanID(deviceID)
	if err != nil {
		return nil, err
	}

	var record *models.DeviceRecord
	err = s.commit(ctx, deviceID, func(ctx context.Context, tx repository.Repository) ([]models.Event, error) {
		device, err := findDevice(ctx, tx, kind, deviceID)
		if err != nil {
			return nil, err
		}

		fields := map[string]interface{}{}
		if in.Status != nil && strings.TrimSpace(*in.Status) != "" {
			fields["status"] = strings.TrimSpace(*in.Status)
		}
		if device.Kind == models.KindExternalFeed {
			if in.LocationLat != nil {
				fields["location_lat"] = *in.LocationLat
			}
			if in.LocationLon != nil {
				fields["location_lon"] = *in.LocationLon
			}
			if in.MonitoredParams != nil {
				probe := models.Device{}
				probe.SetParams(in.MonitoredParams)
				fields["monitored_params"] = probe.MonitoredParams
			}
		}

		updatedAt := s.now()
		if !updatedAt.After(device.UpdatedAt) {
			updatedAt = device.UpdatedAt.Add(time.Microsecond)
		}
		fields["updated_at"] = updatedAt

		if err := tx.UpdateDeviceFields(ctx, deviceID, fields); err != nil {
			return nil, err
		}

		device, err = tx.FindDevice(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		sample, err := latest(ctx, tx, device)
		if err != nil {
			return nil, err
		}
		record = &models.DeviceRecord{Device: *device, LatestData: sample}

		event, err := newEvent(models.ActionUpdate, deviceID, device.Kind, device)
		if err != nil {
			return nil, err
		}
		return []models.Event{event}, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"device_id": deviceID, "kind": record.Kind}).Info("Device updated")

	return record, nil
}

func (s *service) Delete(ctx context.Context, kind models.Kind, deviceID string) error {
	deviceID, err := cleanID(deviceID)
	if err != nil {
		return err
	}

	err = s.commit(ctx, deviceID, func(ctx context.Context, tx repository.Repository) ([]models.Event, error) {
		device, err := findDevice(ctx, tx, kind, deviceID)
		if err != nil {
			return nil, err
		}
		if err := tx.DeleteDevice(ctx, deviceID); err != nil {
			return nil, err
		}

		event, err := newEvent(models.ActionDelete, deviceID, device.Kind, struct{}{})
		if err != nil {
			return nil, err
		}
		return []models.Event{event}, nil
	})
	if err != nil {
		return err
	}

	s.log.WithField("device_id", deviceID).Info("Device deleted")

	return nil
}

func (s *service) SaveData(ctx context.Context, kind models.Kind, deviceID string, in SampleInput) (models.Sample, error) {
	deviceID, err := cleanID(deviceID)
	if err != nil {
		return nil, err
	}

	var sample models.Sample
	save := func(ctx context.Context, tx repository.Repository) ([]models.Event, error) {
		var events []models.Event

		device, err := tx.FindDevice(ctx, deviceID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			target := kind
			if target == "" {
				target = in.inferKind()
			}
			if err := in.check(target); err != nil {
				return nil, err
			}

			device = &models.Device{DeviceID: deviceID, Kind: target, Status: models.DefaultStatus}
			if target == models.KindExternalFeed {
				device.LocationLat = in.LocationLat.Value
				device.LocationLon = in.LocationLon.Value
			}
			_, event, err := s.createDevice(ctx, tx, device)
			if err != nil {
				return nil, err
			}
			events = append(events, event)

			s.log.WithFields(logrus.Fields{"device_id": deviceID, "kind": target}).Info("Device auto-registered on first telemetry")
		case err != nil:
			return nil, err
		default:
			if kind != "" && device.Kind != kind {
				return nil, invalidf("device %s is a %s device, not %s", deviceID, device.Kind, kind)
			}
			if err := in.check(device.Kind); err != nil {
				return nil, err
			}
			if device.Kind == models.KindExternalFeed && !device.HasLocation() {
				return nil, invalidf("device %s has no location", deviceID)
			}
		}

		sample = in.toSample(device.Kind, deviceID, s.now())
		if err := tx.CreateSample(ctx, sample); err != nil {
			return nil, err
		}

		event, err := newEvent(models.ActionSaveData, deviceID, device.Kind, sample)
		if err != nil {
			return nil, err
		}
		return append(events, event), nil
	}

	err = s.commit(ctx, deviceID, save)
	if errors.Is(err, ErrConflict) {
		// a concurrent first sample created the device; the retry finds it
		err = s.commit(ctx, deviceID, save)
	}
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"device_id": deviceID, "kind": sample.SampleKind()}).Debug("Telemetry saved")

	return sample, nil
}

func (s *service) List(ctx context.Context, kind models.Kind) ([]*models.DeviceRecord, error) {
	devices, err := s.repo.ListDevices(ctx, kind)
	if err != nil {
		return nil, classify(err)
	}

	records := make([]*models.DeviceRecord, 0, len(devices))
	for _, device := range devices {
		sample, err := latest(ctx, s.repo, device)
		if err != nil {
			return nil, err
		}
		records = append(records, &models.DeviceRecord{Device: *device, LatestData: sample})
	}
	return records, nil
}

func (s *service) ListData(ctx context.Context, kind models.Kind, deviceID string) ([]models.Sample, error) {
	deviceID, err := cleanID(deviceID)
	if err != nil {
		return nil, err
	}
	device, err := findDevice(ctx, s.repo, kind, deviceID)
	if err != nil {
		return nil, err
	}

	samples, err := s.repo.ListSamples(ctx, device.Kind, deviceID)
	if err != nil {
		return nil, classify(err)
	}
	return samples, nil
}

func (s *service) LatestData(ctx context.Context, kind models.Kind, deviceID string) (models.Sample, error) {
	deviceID, err := cleanID(deviceID)
	if err != nil {
		return nil, err
	}
	device, err := findDevice(ctx, s.repo, kind, deviceID)
	if err != nil {
		return nil, err
	}

	sample, err := latest(ctx, s.repo, device)
	if err != nil {
		return nil, err
	}
	if sample == nil {
		return nil, ErrNotFound
	}
	return sample, nil
}
