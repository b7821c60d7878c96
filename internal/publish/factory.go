package publish

import (
	"fmt"

	"infernode/internal/log"
)

// NewDestinationFromConfig builds a destination with its transport. When the
// transport cannot be set up (unknown type, unreachable broker, bad port)
// the destination is still returned, unconfigured: it refuses sends and
// reports why, instead of failing the whole pipeline configuration.
func NewDestinationFromConfig(cfg Config, vars Vars) *Destination {
	transport, err := buildTransport(cfg, vars)
	d := NewDestination(cfg, transport)
	if err != nil {
		d.mu.Lock()
		d.lastError = err.Error()
		d.mu.Unlock()
		logger := log.WithComponent("destination")
		logger.Warn().
			Str("destination_id", cfg.ID).
			Str("destination_type", cfg.Type).
			Err(err).
			Msg("transport setup failed, destination unconfigured")
	}
	return d
}

func buildTransport(cfg Config, vars Vars) (Transport, error) {
	switch cfg.Type {
	case "webhook":
		return newWebhookTransport(cfg.Settings, vars)
	case "mqtt":
		return newMQTTTransport(cfg.Settings, vars)
	case "folder":
		return newFolderTransport(cfg.Settings, vars)
	case "serial":
		return newSerialTransport(cfg.Settings)
	case "null":
		return &nullTransport{}, nil
	default:
		return nil, fmt.Errorf("unknown destination type %q", cfg.Type)
	}
}
