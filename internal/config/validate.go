package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/neurolens/neurolens/internal/artifacts"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if strings.TrimSpace(cfg.Server.StaticDir) == "" {
		return errors.New("server.static_dir must be set")
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		return errors.New("server.max_upload_bytes must be positive")
	}

	if err := validateClients(cfg.Server.Clients); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Runtime.Device)) {
	case "", "cpu", "cuda":
	default:
		return fmt.Errorf("runtime.device must be cpu or cuda, got %q", cfg.Runtime.Device)
	}
	if cfg.Runtime.IntraThreads < 0 || cfg.Runtime.InterThreads < 0 {
		return errors.New("runtime thread counts must not be negative")
	}

	table, err := cfg.ModelTable()
	if err != nil {
		return err
	}
	if err := table.Validate(); err != nil {
		return err
	}

	if cfg.Ensemble.WeightSecondary < 0 || cfg.Ensemble.WeightPrimary < 0 {
		return errors.New("ensemble weights must not be negative")
	}
	if cfg.Ensemble.WeightSecondary+cfg.Ensemble.WeightPrimary <= 0 {
		return errors.New("ensemble weights must sum to a positive value")
	}

	if err := validateAttributionConfig(cfg.Attribution); err != nil {
		return err
	}
	if err := validateRecordsConfig(cfg.Records); err != nil {
		return err
	}
	if err := validateEventsConfig(cfg.Events); err != nil {
		return err
	}
	if err := validateRetentionConfig(cfg.Retention); err != nil {
		return err
	}
	return validateTelemetryConfig(cfg.Telemetry)
}

func validateClients(clients []ClientConfig) error {
	seen := make(map[string]string)
	for i, c := range clients {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("server.clients[%d].name must be set", i)
		}
		for _, key := range c.APIKeys {
			if strings.TrimSpace(key) == "" {
				return fmt.Errorf("server.clients[%s] has an empty api key", c.Name)
			}
			if owner, ok := seen[key]; ok {
				return fmt.Errorf("api key is assigned to both %s and %s", owner, c.Name)
			}
			seen[key] = c.Name
		}
	}
	return nil
}

func validateAttributionConfig(a AttributionConfig) error {
	if a.Workers < 1 {
		return errors.New("attribution.workers must be at least 1")
	}
	if a.QueueSize < 1 {
		return errors.New("attribution.queue_size must be at least 1")
	}
	if a.DisplaySize < 16 {
		return fmt.Errorf("attribution.display_size must be at least 16, got %d", a.DisplaySize)
	}
	if a.Threshold < 0 || a.Threshold > 254 {
		return fmt.Errorf("attribution.threshold must be within 0..254, got %d", a.Threshold)
	}
	return nil
}

func validateRecordsConfig(r RecordsConfig) error {
	switch strings.ToLower(strings.TrimSpace(r.Backend)) {
	case "memory":
		return nil
	case "sqlite":
		if strings.TrimSpace(r.Path) == "" {
			return errors.New("records.path must be set for the sqlite backend")
		}
		return nil
	default:
		return fmt.Errorf("records.backend must be memory or sqlite, got %q", r.Backend)
	}
}

func validateEventsConfig(e EventsConfig) error {
	for i, s := range e.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "file_jsonl":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("events sink %d (file_jsonl) missing path", i)
			}
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("events sink %d (webhook) missing url", i)
			}
			u, err := url.Parse(s.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("events sink %d (webhook) has invalid url", i)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("events sink %d (webhook) url must be http or https", i)
			}
		default:
			return fmt.Errorf("events sink %d has unknown type %q", i, s.Type)
		}
	}
	return nil
}

func validateRetentionConfig(r RetentionConfig) error {
	if !r.Enabled {
		return nil
	}
	if r.MaxAge <= 0 {
		return errors.New("retention.max_age must be positive")
	}
	if _, err := artifacts.ParseSchedule(r.Schedule); err != nil {
		return fmt.Errorf("retention.schedule: %w", err)
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
	case "", "grpc", "http":
		return nil
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
	}
}
