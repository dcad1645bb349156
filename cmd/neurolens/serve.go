package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neurolens/neurolens/internal/artifacts"
	"github.com/neurolens/neurolens/internal/attribution"
	"github.com/neurolens/neurolens/internal/config"
	"github.com/neurolens/neurolens/internal/events"
	"github.com/neurolens/neurolens/internal/jobs"
	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/model"
	"github.com/neurolens/neurolens/internal/orchestrator"
	"github.com/neurolens/neurolens/internal/records"
	"github.com/neurolens/neurolens/internal/redact"
	"github.com/neurolens/neurolens/internal/server"
	"github.com/neurolens/neurolens/internal/telemetry"
)

const serverShutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP prediction service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}

func runServer(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  cfg.Telemetry.Service,
		Version:  cfg.Telemetry.Version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	dir, err := artifacts.Open(cfg.Server.StaticDir)
	if err != nil {
		return err
	}
	defer dir.Close()
	if cfg.Retention.Enabled {
		if err := dir.StartSweeper(ctx, cfg.Retention.Schedule, cfg.Retention.MaxAge); err != nil {
			return err
		}
	}

	store, err := records.Open(cfg.Records.Backend, cfg.Records.Path)
	if err != nil {
		return fmt.Errorf("open records: %w", err)
	}
	defer store.Close()

	emitter, err := newEmitter(cfg.Events)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Events.ShutdownTimeout)
		defer cancel()
		emitter.Close(closeCtx)
	}()

	registry, err := newRegistry(cfg, tel)
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			redact.Logf("close models: %v", err)
		}
		if err := model.ShutdownRuntime(); err != nil {
			redact.Logf("shutdown onnxruntime: %v", err)
		}
	}()

	pool := jobs.New(cfg.Attribution.Workers, cfg.Attribution.QueueSize)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Attribution.ShutdownTimeout)
		defer cancel()
		if err := pool.Close(closeCtx); err != nil {
			redact.Logf("attribution pool: %v", err)
		}
	}()

	engine := attribution.NewEngine()
	engine.DisplaySize = cfg.Attribution.DisplaySize
	engine.Threshold = uint8(cfg.Attribution.Threshold)

	orch, err := orchestrator.New(orchestrator.Deps{
		Models:          registry,
		Engine:          engine,
		Dir:             dir,
		Records:         store,
		Pool:            pool,
		Events:          emitter,
		Telemetry:       tel,
		WeightSecondary: cfg.Ensemble.WeightSecondary,
		WeightPrimary:   cfg.Ensemble.WeightPrimary,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(cfg.Server, orch, dir.Root())
	if err != nil {
		return err
	}
	return srv.Run(ctx, cfg.Server.Addr, serverShutdownTimeout)
}

func newEmitter(cfg config.EventsConfig) (*events.Emitter, error) {
	sinkCfgs := make([]events.SinkConfig, 0, len(cfg.Sinks))
	for _, s := range cfg.Sinks {
		sinkCfgs = append(sinkCfgs, events.SinkConfig{
			Type:    s.Type,
			Path:    s.Path,
			URL:     s.URL,
			Headers: s.Headers,
			Timeout: s.Timeout,
		})
	}
	sinks, err := events.BuildSinks(sinkCfgs)
	if err != nil {
		return nil, fmt.Errorf("build event sinks: %w", err)
	}
	return events.NewEmitter(events.Options{
		QueueSize:       cfg.QueueSize,
		Workers:         cfg.Workers,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Log:             cfg.Log,
	}, sinks), nil
}

func newRegistry(cfg *config.Config, tel *telemetry.Provider) (*model.Registry, error) {
	table, err := cfg.ModelTable()
	if err != nil {
		return nil, err
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	hook := func(key modality.Key, member model.Member, d time.Duration, err error) {
		tel.RecordModelLoad(key.String(), string(member), d, err)
	}
	return model.New(table, model.NewONNXLoader(cfg.RuntimeSettings()), model.WithLoadHook(hook)), nil
}
