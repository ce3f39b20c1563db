package telemetry

import (
	"time"

	"example.com/backstage/services/registry/config"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

const connectTimeout = 5 * time.Second

// InitNewRelic starts the New Relic agent. It returns nil when the agent is
// disabled or has no license key.
func InitNewRelic(cfg config.NewRelicConfig, log *logrus.Logger) (*newrelic.Application, error) {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		log.Debug("New Relic disabled")
		return nil, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return nil, err
	}

	if err := app.WaitForConnection(connectTimeout); err != nil {
		app.Shutdown(connectTimeout)
		return nil, err
	}

	log.WithField("app", cfg.AppName).Info("New Relic agent connected")
	return app, nil
}

// Shutdown flushes and stops the agent; a nil app is ignored
func Shutdown(app *newrelic.Application) {
	if app != nil {
		app.Shutdown(connectTimeout)
	}
}
