package main

import (
	"context"
	"fmt"
	"os"

	"github.com/HerbHall/wazuhsync/internal/agent"
	"github.com/HerbHall/wazuhsync/internal/config"
	"github.com/HerbHall/wazuhsync/internal/connection"
	"github.com/HerbHall/wazuhsync/internal/cooldown"
	"github.com/HerbHall/wazuhsync/internal/event"
	"github.com/HerbHall/wazuhsync/internal/finding"
	"github.com/HerbHall/wazuhsync/internal/inventory"
	"github.com/HerbHall/wazuhsync/internal/natsbridge"
	"github.com/HerbHall/wazuhsync/internal/registry"
	"github.com/HerbHall/wazuhsync/internal/scheduler"
	"github.com/HerbHall/wazuhsync/internal/server"
	"github.com/HerbHall/wazuhsync/internal/store"
	"github.com/HerbHall/wazuhsync/internal/telemetry"
	"github.com/HerbHall/wazuhsync/internal/vault"
	"github.com/HerbHall/wazuhsync/internal/version"
	"github.com/HerbHall/wazuhsync/internal/webhook"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app is the composed process: every module registered, initialized and
// cross-wired, but not yet started.
type app struct {
	viper  *viper.Viper
	logger *zap.Logger
	db     *store.SQLiteStore
	bus    *event.Bus
	reg    *registry.Registry

	conn      *connection.Module
	inventory *inventory.Module
	agents    *agent.Module
	findings  *finding.Module
	scheduler *scheduler.Module

	closers []func(context.Context) error
}

// bootstrap loads configuration and composes the modules. The caller owns
// Close.
func bootstrap(ctx context.Context, configPath string) (*app, error) {
	// Load configuration (before logger, so log level/format can be configured).
	v, err := server.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	cfg := config.New(v)

	logger, err := config.LoggerFromViper(v)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	a := &app{viper: v, logger: logger}

	logger.Info("wazuhsync starting", zap.String("version", version.Short()))
	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults", zap.String("component", "config"))
	}

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.FromViper(v), logger.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	dsn := v.GetString("database.dsn")
	if dir := v.GetString("server.data_dir"); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	a.db, err = store.New(dsn)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.db.Close() })
	logger.Info("database initialized", zap.String("component", "database"), zap.String("dsn", dsn))

	a.bus = event.NewBus(logger.Named("event"))
	a.reg = registry.New(logger.Named("registry"))

	a.conn = connection.New()
	a.inventory = inventory.New()
	a.agents = agent.New()
	a.findings = finding.New()
	a.scheduler = scheduler.New()

	// Compile-time composition.
	modules := []plugin.Plugin{
		vault.New(),
		a.conn,
		a.inventory,
		a.agents,
		a.findings,
		a.scheduler,
		webhook.New(),
		natsbridge.New(),
	}
	for _, m := range modules {
		if err := a.reg.Register(m); err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("register plugin: %w", err)
		}
		name := m.Info().Name
		if key := "plugins." + name + ".enabled"; v.IsSet(key) && !v.GetBool(key) {
			a.reg.Disable(name)
		}
	}
	if err := a.reg.Validate(); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("plugin validation: %w", err)
	}

	if err := a.reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("plugins." + name),
			Logger:  logger.Named(name),
			Store:   a.db,
			Bus:     a.bus,
			Plugins: a.reg,
		}
	}); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("initialize plugins: %w", err)
	}

	if err := a.wire(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// wire connects the modules through their consumer-side interfaces. Lives
// in the composition root so no module imports another's concrete type.
func (a *app) wire(ctx context.Context) error {
	// Disabled modules keep nil stores; never wrap those in interfaces.
	if !a.reg.IsDisabled("agents") {
		a.agents.SetProfileSource(a.conn)
		a.agents.SetDeviceStore(a.inventory.Store())
		a.agents.SetClient(a.conn.Client())
		a.inventory.SetLinkSource(a.agents.Store())
	}
	if !a.reg.IsDisabled("findings") {
		a.findings.SetTargetProvider(a.inventory)
		a.findings.SetIndexerProvider(a.conn)
	}

	if a.viper.GetString("cooldown.backend") == "redis" {
		guard, err := cooldown.NewRedis(ctx, cooldown.RedisConfig{
			Address:   a.viper.GetString("cooldown.redis.address"),
			Password:  a.viper.GetString("cooldown.redis.password"),
			DB:        a.viper.GetInt("cooldown.redis.db"),
			KeyPrefix: a.viper.GetString("cooldown.redis.key_prefix"),
			Window:    a.viper.GetDuration("plugins.findings.cooldown_window"),
		})
		if err != nil {
			return fmt.Errorf("cooldown: %w", err)
		}
		a.findings.SetGuard(guard)
		a.closers = append(a.closers, func(context.Context) error { return guard.Close() })
		a.logger.Info("shared cooldown guard wired",
			zap.String("component", "cooldown"),
			zap.String("address", a.viper.GetString("cooldown.redis.address")),
		)
	}

	if a.reg.IsDisabled("scheduler") {
		return nil
	}
	if err := a.scheduler.Register(scheduler.TaskSyncAgents, "@every 24h", func(ctx context.Context) error {
		_, _, err := a.agents.SyncAll(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", scheduler.TaskSyncAgents, err)
	}
	if err := a.scheduler.Register(scheduler.TaskFetchFindings, "@every 1h", func(ctx context.Context) error {
		_, err := a.findings.SyncAll(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", scheduler.TaskFetchFindings, err)
	}
	return nil
}

// Close stops the modules, drains in-flight events and releases resources
// in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	if a.reg != nil {
		a.reg.StopAll(ctx)
	}
	if a.bus != nil {
		if err := a.bus.Drain(ctx); err != nil {
			a.logger.Warn("event bus drain incomplete", zap.Error(err))
		}
	}
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return firstErr
}
