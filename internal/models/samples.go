package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sample is one immutable telemetry row owned by a device
type Sample interface {
	SampleKind() Kind
	Owner() string
	Time() time.Time
}

// SensorSample is a sensor reading; both readings may be null
type SensorSample struct {
	ID          uint      `json:"-" gorm:"primarykey"`
	DeviceID    string    `json:"device_id" gorm:"Column:device_id;size:50;not null;index"`
	Device      *Device   `json:"-" gorm:"foreignKey:DeviceID;references:DeviceID;constraint:OnDelete:CASCADE"`
	Temperature *float64  `json:"temperature" gorm:"Column:temperature"`
	Humidity    *float64  `json:"humidity" gorm:"Column:humidity"`
	Timestamp   time.Time `json:"timestamp" gorm:"Column:timestamp;not null;index"`
}

// HostSample is a host-agent report
type HostSample struct {
	ID          uint      `json:"-" gorm:"primarykey"`
	DeviceID    string    `json:"device_id" gorm:"Column:device_id;size:50;not null;index"`
	Device      *Device   `json:"-" gorm:"foreignKey:DeviceID;references:DeviceID;constraint:OnDelete:CASCADE"`
	IPAddress   string    `json:"ip_address" gorm:"Column:ip_address;size:64;not null"`
	CPULoad     *float64  `json:"cpu_load" gorm:"Column:cpu_load"`
	MemoryUsage *float64  `json:"memory_usage" gorm:"Column:memory_usage"`
	DiskUsage   *float64  `json:"disk_usage" gorm:"Column:disk_usage"`
	Timestamp   time.Time `json:"timestamp" gorm:"Column:timestamp;not null;index"`
}

// FeedSample is an external-feed observation at a location
type FeedSample struct {
	ID            uint      `json:"-" gorm:"primarykey"`
	DeviceID      string    `json:"device_id" gorm:"Column:device_id;size:50;not null;index"`
	Device        *Device   `json:"-" gorm:"foreignKey:DeviceID;references:DeviceID;constraint:OnDelete:CASCADE"`
	Temperature   *float64  `json:"temperature" gorm:"Column:temperature"`
	Precipitation *float64  `json:"precipitation" gorm:"Column:precipitation"`
	Humidity      *float64  `json:"humidity" gorm:"Column:humidity"`
	LocationLat   float64   `json:"location_lat" gorm:"Column:location_lat;not null"`
	LocationLon   float64   `json:"location_lon" gorm:"Column:location_lon;not null"`
	Timestamp     time.Time `json:"timestamp" gorm:"Column:timestamp;not null;index"`
}

func (s *SensorSample) SampleKind() Kind { return KindSensor }
func (s *SensorSample) Owner() string { return s.DeviceID }
func (s *SensorSample) Time() time.Time { return s.Timestamp }
func (s *HostSample) SampleKind() Kind { return KindHostAgent }
func (s *HostSample) Owner() string { return s.DeviceID }
func (s *HostSample) Time() time.Time { return s.Timestamp }
func (s *FeedSample) SampleKind() Kind { return KindExternalFeed }
func (s *FeedSample) Owner() string { return s.DeviceID }
func (s *FeedSample) Time() time.Time { return s.Timestamp }

// HostSavedMessage marks host-agent telemetry events; older consumers classify on it
const HostSavedMessage = "End device data saved successfully"

// MarshalJSON adds the host marker message to the serialized sample
func (s *HostSample) MarshalJSON() ([]byte, error) {
	type plain HostSample
	return json.Marshal(struct {
		*plain
		Message string `json:"message"`
	}{plain: (*plain)(s), Message: HostSavedMessage})
}

// Reading is a nullable measurement that remembers whether its key was present
type Reading struct {
	Value *float64
	Set   bool
}

// UnmarshalJSON records presence, accepting null
func (r *Reading) UnmarshalJSON(b []byte) error {
	r.Set = true
	if string(b) == "null" {
		r.Value = nil
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	r.Value = &v
	return nil
}

// MarshalJSON writes the value or null
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Value)
}

// Present reports whether the key was given with a non-null value
func (r Reading) Present() bool {
	return r.Set && r.Value != nil
}

// NewSample allocates an empty sample of the given kind
func NewSample(kind Kind) (Sample, error) {
	switch kind {
	case KindSensor:
		return &SensorSample{}, nil
	case KindHostAgent:
		return &HostSample{}, nil
	case KindExternalFeed:
		return &FeedSample{}, nil
	}
	return nil, fmt.Errorf("unknown device kind %q", kind)
}
