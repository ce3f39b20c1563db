package view

import (
	"context"
	"fmt"

	"example.com/backstage/services/registry/internal/models"
)

// Collections of the secondary view
const (
	CollectionDevices    = "devices"
	CollectionSensorData = "sensor-data"
	CollectionHostData   = "host-data"
	CollectionFeedData   = "feed-data"
)

// Collections lists every collection, devices first
var Collections = []string{CollectionDevices, CollectionSensorData, CollectionHostData, CollectionFeedData}

// Document is a schemaless view document
type Document map[string]interface{}

// Filter matches documents whose fields equal every given value
type Filter map[string]interface{}

// Store is the document store backing the secondary view
type Store interface {
	// Insert writes doc under id, replacing any document with the same id.
	// An empty id stores the document under a generated id.
	Insert(ctx context.Context, collection, id string, doc Document) error
	// UpdateOne merges patch into the first document matching filter and
	// reports whether one matched
	UpdateOne(ctx context.Context, collection string, filter Filter, patch Document) (bool, error)
	DeleteMany(ctx context.Context, collection string, filter Filter) (int64, error)
	Distinct(ctx context.Context, collection, field string) ([]interface{}, error)
	// Find returns matching documents; a non-empty fields list limits the
	// returned keys
	Find(ctx context.Context, collection string, filter Filter, fields []string) ([]Document, error)
	Ping(ctx context.Context) error
}

// CollectionFor returns the telemetry collection of a device kind
func CollectionFor(kind models.Kind) (string, error) {
	switch kind {
	case models.KindSensor:
		return CollectionSensorData, nil
	case models.KindHostAgent:
		return CollectionHostData, nil
	case models.KindExternalFeed:
		return CollectionFeedData, nil
	}
	return "", fmt.Errorf("unknown device kind %q", kind)
}

// ValidCollection reports whether name is a view collection
func ValidCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}
