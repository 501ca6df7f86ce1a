// Package bootstrap performs the startup sequence shared by the Netboot
// Studio binaries: path layout, preflight, configuration, logging,
// telemetry, metrics, and the broker connection.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/internal/telemetry"
	"github.com/bishopdynamics/netbootstudio/pkg/bus"
	"github.com/bishopdynamics/netbootstudio/pkg/clients"
	"github.com/bishopdynamics/netbootstudio/pkg/config"
	"github.com/bishopdynamics/netbootstudio/pkg/metrics"
)

// Options identify the calling binary and its command line.
type Options struct {
	// Service is the short binary name (nbs-api, nbs-tftp, nbs-watcher).
	Service string

	// ConfigDir is the working directory holding config.ini and all
	// content directories.
	ConfigDir string

	// Mode is prod or dev; dev forces debug logging.
	Mode string

	// Version is the build version, injected via ldflags.
	Version string
}

// App is the common state every binary starts from.
type App struct {
	Paths  config.Paths
	Config *config.Config
	Bus    *bus.Client

	telemetryShutdown func(context.Context) error
}

// Up runs the startup sequence. The caller owns the returned App and
// must call Down when the service exits.
func Up(ctx context.Context, opts Options) (*App, error) {
	paths := config.NewPaths(opts.ConfigDir)
	if err := config.Preflight(paths); err != nil {
		return nil, fmt.Errorf("preflight failed: %w", err)
	}

	cfg, err := config.Load(paths)
	if err != nil {
		return nil, err
	}

	logCfg := logger.Config{
		Level:  logger.Level(cfg.Logging.Level),
		Format: logger.Format(cfg.Logging.Format),
	}
	if opts.Mode == "dev" {
		logCfg.Level = logger.LevelDebug
	}
	logger.Init(logCfg)

	logger.Info("Netboot Studio starting",
		"service", opts.Service,
		"version", opts.Version,
		"mode", opts.Mode,
		"configdir", opts.ConfigDir,
	)

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    opts.Service,
		ServiceVersion: opts.Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	metrics.Init()

	b, err := bus.Connect(bus.Options{
		Service:  opts.Service,
		URL:      cfg.Broker.Addr(),
		User:     cfg.Broker.User,
		Password: cfg.Broker.Password,
		CAFile:   paths.CACert,
	})
	if err != nil {
		if terr := telemetryShutdown(ctx); terr != nil {
			logger.Error("telemetry shutdown error", "error", terr)
		}
		return nil, err
	}

	return &App{
		Paths:             paths,
		Config:            cfg,
		Bus:               b,
		telemetryShutdown: telemetryShutdown,
	}, nil
}

// Down releases what Up acquired, in reverse order.
func (a *App) Down(ctx context.Context) {
	a.Bus.Close()
	if err := a.telemetryShutdown(ctx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}
}

// OpenClientStore opens the client database selected by the config: the
// sqlite file under the config dir, or the configured MySQL server.
func (a *App) OpenClientStore() (*clients.Store, error) {
	sc := clients.StoreConfig{Path: a.Paths.DatabaseFile}
	switch a.Config.Database.Type {
	case "mysql":
		sc.Type = clients.DatabaseMySQL
		sc.DSN = a.Config.Database.DSN()
	default:
		sc.Type = clients.DatabaseSQLite
	}
	return clients.OpenStore(sc)
}
