package timeseries

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"example.com/backstage/services/registry/config"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const (
	connectTimeout        = 10 * time.Second
	millisecondsPerSecond = 1000
)

// ErrDisabled is returned by NewInfluxSink when the sink is turned off
var ErrDisabled = errors.New("influxdb sink disabled")

// Sink receives telemetry as time-series points
type Sink interface {
	Write(measurement, deviceID string, fields map[string]interface{}, ts time.Time)
	Close() error
}

// InfluxSink batches points onto an InfluxDB v2 bucket
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      *logrus.Logger
}

// NewInfluxSink connects to InfluxDB and starts the non-blocking writer
func NewInfluxSink(cfg config.InfluxDBConfig, log *logrus.Logger) (*InfluxSink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influxdb server not healthy")
	}

	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		log:      log,
	}
	go s.handleWriteErrors(s.writeAPI.Errors())

	log.WithFields(logrus.Fields{"url": cfg.URL, "bucket": cfg.Bucket}).Info("Connected to InfluxDB")
	return s, nil
}

func (s *InfluxSink) handleWriteErrors(errs <-chan error) {
	for err := range errs {
		s.log.WithError(err).Warn("InfluxDB write failed")
	}
}

// Write queues one point; points without numeric fields are skipped
func (s *InfluxSink) Write(measurement, deviceID string, fields map[string]interface{}, ts time.Time) {
	if point := BuildPoint(measurement, deviceID, fields, ts); point != nil {
		s.writeAPI.WritePoint(point)
	}
}

// Close flushes pending points and closes the client
func (s *InfluxSink) Close() error {
	s.writeAPI.Flush()
	s.client.Close()
	return nil
}

// BuildPoint turns a telemetry document into a point tagged with the device
// id, keeping only numeric fields. It returns nil when nothing is numeric.
func BuildPoint(measurement, deviceID string, doc map[string]interface{}, ts time.Time) *write.Point {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := map[string]interface{}{}
	for _, k := range keys {
		switch v := doc[k].(type) {
		case float64:
			fields[k] = v
		case float32:
			fields[k] = float64(v)
		case int:
			fields[k] = float64(v)
		case int64:
			fields[k] = float64(v)
		}
	}
	if len(fields) == 0 {
		return nil
	}

	return write.NewPoint(measurement, map[string]string{"device_id": deviceID}, fields, ts)
}
