package models

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// DefaultStatus is assigned to devices registered without an explicit status
const DefaultStatus = "active"

// Kind is the device kind; it determines allowed attributes and telemetry shape
type Kind string

const (
	// KindSensor is a sensor node reporting temperature and humidity
	KindSensor Kind = "sensor"
	// KindHostAgent is an agent reporting host metrics
	KindHostAgent Kind = "host_agent"
	// KindExternalFeed is an external data feed bound to a location
	KindExternalFeed Kind = "external_feed"
)

// Kinds lists every supported kind
var Kinds = []Kind{KindSensor, KindHostAgent, KindExternalFeed}

var kindAliases = map[string]Kind{
	"sensor":        KindSensor,
	"iot":           KindSensor,
	"host_agent":    KindHostAgent,
	"host-agent":    KindHostAgent,
	"end_device":    KindHostAgent,
	"external_feed": KindExternalFeed,
	"external-feed": KindExternalFeed,
	"api":           KindExternalFeed,
}

// ParseKind resolves a kind name, accepting the legacy aliases iot, end_device and api
func ParseKind(s string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	return k, ok
}

// Valid reports whether k is a supported kind
func (k Kind) Valid() bool {
	switch k {
	case KindSensor, KindHostAgent, KindExternalFeed:
		return true
	}
	return false
}

// Device model represents a registered device of any kind
type Device struct {
	ID              uint           `json:"-" gorm:"primarykey"`
	DeviceID        string         `json:"device_id" gorm:"<-:create;Column:device_id;size:50;not null;uniqueIndex"`
	Kind            Kind           `json:"kind" gorm:"<-:create;Column:kind;size:20;not null;index"`
	Status          string         `json:"status" gorm:"Column:status;size:50;not null;default:active"`
	MonitoredParams datatypes.JSON `json:"monitored_params,omitempty" gorm:"Column:monitored_params"`
	LocationLat     *float64       `json:"location_lat,omitempty" gorm:"Column:location_lat"`
	LocationLon     *float64       `json:"location_lon,omitempty" gorm:"Column:location_lon"`
	CreatedAt       time.Time      `json:"created_at" gorm:"Column:created_at"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"Column:updated_at"`
}

// Params decodes the monitored parameter list
func (d *Device) Params() []string {
	if len(d.MonitoredParams) == 0 {
		return nil
	}
	var params []string
	if err := json.Unmarshal(d.MonitoredParams, &params); err != nil {
		return nil
	}
	return params
}

// SetParams encodes the monitored parameter list; nil clears it
func (d *Device) SetParams(params []string) {
	if params == nil {
		d.MonitoredParams = nil
		return
	}
	b, _ := json.Marshal(params)
	d.MonitoredParams = datatypes.JSON(b)
}

// HasLocation reports whether both coordinates are set
func (d *Device) HasLocation() bool {
	return d.LocationLat != nil && d.LocationLon != nil
}

// DeviceRecord is a device joined with its most recent sample
type DeviceRecord struct {
	Device
	LatestData Sample `json:"latest_data"`
}

// DecodeRecord restores a DeviceRecord from its JSON form, typing latest_data by the device kind
func DecodeRecord(b []byte) (*DeviceRecord, error) {
	var raw struct {
		Device
		LatestData json.RawMessage `json:"latest_data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}

	record := &DeviceRecord{Device: raw.Device}
	if len(raw.LatestData) == 0 || string(raw.LatestData) == "null" {
		return record, nil
	}

	sample, err := NewSample(raw.Kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw.LatestData, sample); err != nil {
		return nil, err
	}
	record.LatestData = sample
	return record, nil
}
