package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/model"
)

// Config holds the service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Models      ModelsConfig      `yaml:"models"`
	Ensemble    EnsembleConfig    `yaml:"ensemble"`
	Attribution AttributionConfig `yaml:"attribution"`
	Records     RecordsConfig     `yaml:"records"`
	Events      EventsConfig      `yaml:"events"`
	Retention   RetentionConfig   `yaml:"retention"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`       // e.g. ":8000"
	StaticDir      string        `yaml:"static_dir"` // uploads and generated images
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	CORS           CORSConfig    `yaml:"cors"`
	// Clients lists API key holders. When empty the prediction endpoints are
	// open.
	Clients []ClientConfig `yaml:"clients"`
}

type ClientConfig struct {
	Name    string   `yaml:"name"`
	APIKeys []string `yaml:"api_keys"`
}

type CORSConfig struct {
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

type RuntimeConfig struct {
	Device        string `yaml:"device"` // cpu | cuda
	SharedLibrary string `yaml:"shared_library"`
	IntraThreads  int    `yaml:"intra_threads"`
	InterThreads  int    `yaml:"inter_threads"`
}

// ModelsConfig overrides rows of the built-in model table. Keys are
// "<condition>/<modality>", e.g. "alzheimer/mri_axial".
type ModelsConfig struct {
	Dir   string                 `yaml:"dir"`
	Table map[string]EntryConfig `yaml:"table"`
}

type EntryConfig struct {
	Primary   CheckpointConfig  `yaml:"primary"`
	Secondary *CheckpointConfig `yaml:"secondary"`
}

type CheckpointConfig struct {
	Arch    string            `yaml:"arch"`
	Path    string            `yaml:"path"` // directory, relative to models.dir
	Classes int               `yaml:"classes"`
	SHA256  map[string]string `yaml:"sha256"`
}

type EnsembleConfig struct {
	WeightSecondary float64 `yaml:"weight_secondary"`
	WeightPrimary   float64 `yaml:"weight_primary"`
}

type AttributionConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DisplaySize     int           `yaml:"display_size"`
	Threshold       int           `yaml:"threshold"`
}

type RecordsConfig struct {
	Backend string `yaml:"backend"` // memory | sqlite
	Path    string `yaml:"path"`
}

type EventsConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	Workers         int           `yaml:"workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Log             bool          `yaml:"log"`
	Sinks           []SinkConfig  `yaml:"sinks"`
}

type SinkConfig struct {
	Type    string            `yaml:"type"` // file_jsonl | webhook
	Path    string            `yaml:"path"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
	Service  string `yaml:"service"`
	Version  string `yaml:"version"`
}

type LoggingConfig struct {
	RedactFilenames *bool `yaml:"redact_filenames"`
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = "static"
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 32 << 20
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 60 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if len(cfg.Server.CORS.AllowOrigins) == 0 {
		cfg.Server.CORS.AllowOrigins = []string{"*"}
	}

	if cfg.Runtime.Device == "" {
		cfg.Runtime.Device = "cpu"
	}

	if cfg.Models.Dir == "" {
		cfg.Models.Dir = "models"
	}

	if cfg.Ensemble.WeightSecondary == 0 && cfg.Ensemble.WeightPrimary == 0 {
		cfg.Ensemble.WeightSecondary = 0.5
		cfg.Ensemble.WeightPrimary = 0.5
	}

	if cfg.Attribution.Workers == 0 {
		cfg.Attribution.Workers = 4
	}
	if cfg.Attribution.QueueSize == 0 {
		cfg.Attribution.QueueSize = 64
	}
	if cfg.Attribution.ShutdownTimeout == 0 {
		cfg.Attribution.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Attribution.DisplaySize == 0 {
		cfg.Attribution.DisplaySize = 256
	}
	if cfg.Attribution.Threshold == 0 {
		cfg.Attribution.Threshold = 100
	}

	if cfg.Records.Backend == "" {
		cfg.Records.Backend = "memory"
	}
	if cfg.Records.Backend == "sqlite" && cfg.Records.Path == "" {
		cfg.Records.Path = filepath.Join("data", "records.db")
	}

	if cfg.Events.QueueSize == 0 {
		cfg.Events.QueueSize = 256
	}
	if cfg.Events.Workers == 0 {
		cfg.Events.Workers = 1
	}
	if cfg.Events.ShutdownTimeout == 0 {
		cfg.Events.ShutdownTimeout = 2 * time.Second
	}

	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
	if cfg.Retention.MaxAge == 0 {
		cfg.Retention.MaxAge = 7 * 24 * time.Hour
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.Service == "" {
		cfg.Telemetry.Service = "neurolens"
	}

	if cfg.Logging.RedactFilenames == nil {
		on := true
		cfg.Logging.RedactFilenames = &on
	}
}

// ModelTable returns the built-in table rooted at models.dir with the
// configured rows applied on top.
func (c *Config) ModelTable() (model.Table, error) {
	table := model.DefaultTable(c.Models.Dir)
	for name, e := range c.Models.Table {
		key, err := modality.ParseKeyString(name)
		if err != nil {
			return nil, fmt.Errorf("models.table[%s]: %w", name, err)
		}
		primary, err := c.checkpoint(e.Primary)
		if err != nil {
			return nil, fmt.Errorf("models.table[%s].primary: %w", name, err)
		}
		entry := model.Entry{Primary: primary}
		if e.Secondary != nil {
			s, err := c.checkpoint(*e.Secondary)
			if err != nil {
				return nil, fmt.Errorf("models.table[%s].secondary: %w", name, err)
			}
			entry.Secondary = &s
		}
		table[key] = entry
	}
	return table, nil
}

func (c *Config) checkpoint(cc CheckpointConfig) (model.Spec, error) {
	arch, err := model.ParseArchitecture(cc.Arch)
	if err != nil {
		return model.Spec{}, err
	}
	dir := cc.Path
	if dir != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(c.Models.Dir, dir)
	}
	return model.Spec{Arch: arch, Dir: dir, Classes: cc.Classes, SHA256: cc.SHA256}, nil
}

// RuntimeSettings converts the runtime section for the model package.
func (c *Config) RuntimeSettings() model.RuntimeSettings {
	return model.RuntimeSettings{
		SharedLibrary: c.Runtime.SharedLibrary,
		Device:        c.Runtime.Device,
		IntraThreads:  c.Runtime.IntraThreads,
		InterThreads:  c.Runtime.InterThreads,
	}
}
