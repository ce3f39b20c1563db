package consumer

import (
	"strings"

	"example.com/backstage/services/registry/internal/models"
)

// sampleKind decides which telemetry collection a save_data payload belongs
// to. The event kind wins; events without one are classified by shape.
func sampleKind(event *models.Event, payload map[string]interface{}) models.Kind {
	if kind, ok := models.ParseKind(string(event.Kind)); ok {
		return kind
	}

	if _, ok := payload["location_lat"]; ok {
		return models.KindExternalFeed
	}
	if msg, ok := payload["message"].(string); ok && strings.Contains(strings.ToLower(msg), "device data saved successfully") {
		return models.KindHostAgent
	}
	if _, ok := payload["ip_address"]; ok {
		return models.KindHostAgent
	}
	return models.KindSensor
}

// deviceKind decides the kind of a registered device: event kind, then the
// kind or type of the nested device object, then the message wording
func deviceKind(event *models.Event, payload map[string]interface{}) models.Kind {
	if kind, ok := models.ParseKind(string(event.Kind)); ok {
		return kind
	}

	if device, ok := payload["device"].(map[string]interface{}); ok {
		for _, key := range []string{"kind", "type"} {
			if name, ok := device[key].(string); ok {
				if kind, ok := models.ParseKind(name); ok {
					return kind
				}
			}
		}
	}

	msg, _ := payload["message"].(string)
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "end device"), strings.Contains(msg, "host"):
		return models.KindHostAgent
	case strings.Contains(msg, "api"), strings.Contains(msg, "feed"):
		return models.KindExternalFeed
	default:
		return models.KindSensor
	}
}
