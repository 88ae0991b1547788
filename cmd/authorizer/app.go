package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avauthz/internal/audit"
	"github.com/vyrodovalexey/avauthz/internal/authorizer"
	"github.com/vyrodovalexey/avauthz/internal/config"
	"github.com/vyrodovalexey/avauthz/internal/observability"
	"github.com/vyrodovalexey/avauthz/internal/server"
)

// errPipelineRejected marks reloads whose configuration parsed but could
// not be built. The authorizer already counts those.
var errPipelineRejected = errors.New("pipeline rejected")

// application holds the process-level components.
type application struct {
	config     *config.Config
	logger     observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	auditor    audit.Logger
	authorizer *authorizer.Authorizer
	server     *server.Server
	watcher    *config.Watcher
}

// run serves until ctx is cancelled or the server fails.
func run(ctx context.Context, flags cliFlags) error {
	app, err := newApplication(ctx, flags)
	if err != nil {
		return err
	}

	app.startWatcher(ctx, flags.configPath)

	errCh := make(chan error, 1)
	go func() { errCh <- app.server.Start() }()

	select {
	case <-ctx.Done():
		app.logger.Info("received shutdown signal")
		err = nil
	case err = <-errCh:
		app.logger.Error("server failed", observability.Error(err))
	}

	app.shutdown()
	return err
}

func newApplication(ctx context.Context, flags cliFlags) (*application, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, err := newLogger(cfg, flags)
	if err != nil {
		return nil, err
	}
	logger.Info("starting avauthz",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	app := &application{config: cfg, logger: logger}

	app.metrics = observability.NewMetrics(observability.DefaultNamespace)
	app.metrics.SetBuildInfo(version, gitCommit, buildTime)
	componentMetrics := authorizer.NewMetrics(observability.DefaultNamespace)
	componentMetrics.Register(app.metrics.Registry())

	app.tracer, err = observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize tracer: %w", err)
	}

	app.auditor = audit.NewNoopLogger()
	if cfg.Audit.Enabled {
		app.auditor, err = audit.NewLogger(audit.Config{
			Output:       cfg.Audit.Output,
			RedactFields: cfg.Audit.RedactFields,
		}, audit.WithLogger(logger), audit.WithMetrics(componentMetrics.Audit))
		if err != nil {
			app.shutdown()
			return nil, fmt.Errorf("initialize audit logger: %w", err)
		}
	}

	app.authorizer, err = authorizer.New(ctx, cfg, authorizer.Deps{
		Logger:  logger,
		Metrics: componentMetrics,
		Auditor: app.auditor,
	}, authorizer.WithReloadObserver(app.metrics.RecordConfigReload))
	if err != nil {
		app.shutdown()
		return nil, fmt.Errorf("build authorizer: %w", err)
	}

	app.server, err = server.New(server.Config{
		Address:        cfg.Server.Address,
		ReadTimeout:    cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:   cfg.Server.WriteTimeout.Duration(),
		TrustedProxies: cfg.Server.TrustedProxies,
	}, app.authorizer, server.WithLogger(logger), server.WithMetrics(app.metrics))
	if err != nil {
		app.shutdown()
		return nil, fmt.Errorf("create server: %w", err)
	}

	logger.Info("configuration loaded",
		observability.Int("federated_issuers", len(cfg.Identity.Federated)),
		observability.Bool("internal_tokens", cfg.Identity.Internal.Enabled()),
		observability.Bool("redis", cfg.Redis.Enabled),
		observability.Bool("vault", cfg.Vault.Enabled),
		observability.Bool("audit", cfg.Audit.Enabled),
	)
	return app, nil
}

func newLogger(cfg *config.Config, flags cliFlags) (observability.Logger, error) {
	lc := observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if flags.logLevel != "" {
		lc.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		lc.Format = flags.logFormat
	}
	logger, err := observability.NewLogger(lc)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	return logger, nil
}

// startWatcher reloads the authorizer when the configuration file changes.
// Logging, tracing, audit output and the listen address keep their start-up
// values until restart.
func (app *application) startWatcher(ctx context.Context, configPath string) {
	w, err := config.NewWatcher(configPath, func(cfg *config.Config) error {
		if err := app.authorizer.Reload(ctx, cfg); err != nil {
			return fmt.Errorf("%w: %w", errPipelineRejected, err)
		}
		return nil
	},
		config.WithWatcherLogger(app.logger),
		config.WithErrorHandler(func(err error) {
			if !errors.Is(err, errPipelineRejected) {
				app.metrics.RecordConfigReload(false)
			}
		}),
	)
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		return
	}
	if err := w.Start(ctx); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		_ = w.Stop()
		return
	}
	app.watcher = w
}

// shutdown stops components in reverse start order within the configured
// shutdown timeout.
func (app *application) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout.Duration())
	defer cancel()

	if app.watcher != nil {
		_ = app.watcher.Stop()
	}
	if app.server != nil {
		if err := app.server.Stop(ctx); err != nil {
			app.logger.Error("failed to stop server gracefully", observability.Error(err))
		}
	}
	if app.authorizer != nil {
		if err := app.authorizer.Close(); err != nil {
			app.logger.Error("failed to close authorizer", observability.Error(err))
		}
	}
	if app.auditor != nil {
		if err := app.auditor.Close(); err != nil {
			app.logger.Error("failed to close audit logger", observability.Error(err))
		}
	}
	if app.tracer != nil {
		if err := app.tracer.Shutdown(ctx); err != nil {
			app.logger.Error("failed to shutdown tracer", observability.Error(err))
		}
	}

	app.logger.Info("authorizer stopped")
	_ = app.logger.Sync()
}
