package service

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"example.com/backstage/services/registry/internal/models"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateStruct runs the struct tags and reports failures as ErrInvalidInput
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return invalidf("%v", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return invalidf("%s", strings.Join(msgs, "; "))
}

// RegisterInput holds the attributes accepted at registration
type RegisterInput struct {
	DeviceID        string   `json:"device_id" validate:"required,max=50"`
	Kind            string   `json:"kind"`
	Type            string   `json:"type"`
	Status          string   `json:"status" validate:"max=50"`
	LocationLat     *float64 `json:"location_lat" validate:"omitempty,min=-90,max=90"`
	LocationLon     *float64 `json:"location_lon" validate:"omitempty,min=-180,max=180"`
	MonitoredParams []string `json:"monitored_params" validate:"omitempty,dive,required"`
}

// UpdateInput holds the mutable attributes. Fields outside the kind's
// allow-list, and unknown JSON keys, are ignored.
type UpdateInput struct {
	Status          *string  `json:"status" validate:"omitempty,max=50"`
	LocationLat     *float64 `json:"location_lat" validate:"omitempty,min=-90,max=90"`
	LocationLon     *float64 `json:"location_lon" validate:"omitempty,min=-180,max=180"`
	MonitoredParams []string `json:"monitored_params" validate:"omitempty,dive,required"`
}

// SampleInput is a telemetry submission for any kind
type SampleInput struct {
	Temperature   models.Reading `json:"temperature"`
	Humidity      models.Reading `json:"humidity"`
	Precipitation models.Reading `json:"precipitation"`
	IPAddress     *string        `json:"ip_address"`
	CPULoad       models.Reading `json:"cpu_load"`
	MemoryUsage   models.Reading `json:"memory_usage"`
	DiskUsage     models.Reading `json:"disk_usage"`
	LocationLat   models.Reading `json:"location_lat"`
	LocationLon   models.Reading `json:"location_lon"`
}

// inferKind guesses the kind of an unknown device from the sample shape
func (in *SampleInput) inferKind() models.Kind {
	switch {
	case in.LocationLat.Set || in.LocationLon.Set:
		return models.KindExternalFeed
	case in.IPAddress != nil:
		return models.KindHostAgent
	default:
		return models.KindSensor
	}
}

// check verifies the sample carries what the kind requires
func (in *SampleInput) check(kind models.Kind) error {
	switch kind {
	case models.KindSensor:
		if !in.Temperature.Set || !in.Humidity.Set {
			return invalidf("temperature and humidity are required")
		}
	case models.KindHostAgent:
		if in.IPAddress == nil || strings.TrimSpace(*in.IPAddress) == "" {
			return invalidf("ip_address is required")
		}
	case models.KindExternalFeed:
		if !in.LocationLat.Present() || !in.LocationLon.Present() {
			return invalidf("location_lat and location_lon are required")
		}
		if lat := *in.LocationLat.Value; lat < -90 || lat > 90 {
			return invalidf("location_lat out of range")
		}
		if lon := *in.LocationLon.Value; lon < -180 || lon > 180 {
			return invalidf("location_lon out of range")
		}
	default:
		return invalidf("unknown device kind %q", kind)
	}
	return nil
}

// toSample builds the row for kind; check must have passed
func (in *SampleInput) toSample(kind models.Kind, deviceID string, ts time.Time) models.Sample {
	switch kind {
	case models.KindHostAgent:
		return &models.HostSample{
			DeviceID:    deviceID,
			IPAddress:   strings.TrimSpace(*in.IPAddress),
			CPULoad:     in.CPULoad.Value,
			MemoryUsage: in.MemoryUsage.Value,
			DiskUsage:   in.DiskUsage.Value,
			Timestamp:   ts,
		}
	case models.KindExternalFeed:
		return &models.FeedSample{
			DeviceID:      deviceID,
			Temperature:   in.Temperature.Value,
			Precipitation: in.Precipitation.Value,
			Humidity:      in.Humidity.Value,
			LocationLat:   *in.LocationLat.Value,
			LocationLon:   *in.LocationLon.Value,
			Timestamp:     ts,
		}
	default:
		return &models.SensorSample{
			DeviceID:    deviceID,
			Temperature: in.Temperature.Value,
			Humidity:    in.Humidity.Value,
			Timestamp:   ts,
		}
	}
}

// resolveKind picks the route kind, then the kind field, then the legacy type field
func resolveKind(route models.Kind, names ...string) (models.Kind, error) {
	if route != "" {
		return route, nil
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		kind, ok := models.ParseKind(name)
		if !ok {
			return "", invalidf("invalid device kind %q", name)
		}
		return kind, nil
	}
	return "", invalidf("kind is required")
}
