// nbs-api is the Netboot Studio API service: it owns the task engine,
// answers api_request calls from the broker and the web UI, publishes
// the clients/tasks/architectures/ipxe_commit_ids data sources, and
// serves the HTTPS auth and API endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bishopdynamics/netbootstudio/internal/bootstrap"
	"github.com/bishopdynamics/netbootstudio/pkg/api"
	"github.com/bishopdynamics/netbootstudio/pkg/clients"
	"github.com/bishopdynamics/netbootstudio/pkg/config"
	"github.com/bishopdynamics/netbootstudio/pkg/datasource"
	"github.com/bishopdynamics/netbootstudio/pkg/files"
	"github.com/bishopdynamics/netbootstudio/pkg/service"
	"github.com/bishopdynamics/netbootstudio/pkg/settings"
	"github.com/bishopdynamics/netbootstudio/pkg/tasks"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configDir string
	mode      string
)

var rootCmd = &cobra.Command{
	Use:           "nbs-api",
	Short:         "Netboot Studio API service",
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&configDir, "configdir", "c", config.DefaultConfigDir, "path to the Netboot Studio working directory")
	rootCmd.Flags().StringVarP(&mode, "mode", "m", "prod", "operation mode: prod or dev (dev enables debug logging)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	app, err := bootstrap.Up(ctx, bootstrap.Options{
		Service:   "nbs-api",
		ConfigDir: configDir,
		Mode:      mode,
		Version:   version,
	})
	if err != nil {
		return err
	}
	defer app.Down(ctx)

	store, err := app.OpenClientStore()
	if err != nil {
		return fmt.Errorf("failed to open client store: %w", err)
	}
	defer store.Close()

	settingsStore := settings.NewStore(app.Paths.SettingsFile)
	if err := settingsStore.Load(); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	clientManager := clients.NewManager(store, settingsStore, app.Bus)
	if err := clientManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client manager: %w", err)
	}

	taskManager := tasks.NewManager(tasks.Deps{Config: app.Config, Paths: app.Paths}, app.Bus)
	if err := taskManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task manager: %w", err)
	}

	fileManager := files.NewManager(app.Bus)
	if err := fileManager.Start(); err != nil {
		return fmt.Errorf("failed to start file manager: %w", err)
	}

	// The 1Hz clients sample is also what drives client state expiry.
	providers := []*datasource.Provider{
		datasource.NewProvider(app.Bus, "clients", time.Second, func() (any, error) {
			return clientManager.List(context.Background()), nil
		}),
		datasource.NewProvider(app.Bus, "tasks", time.Second, func() (any, error) {
			return taskManager.Statuses(), nil
		}),
		datasource.NewProvider(app.Bus, "architectures", time.Minute, func() (any, error) {
			return api.Architectures(), nil
		}),
		datasource.NewProvider(app.Bus, "ipxe_commit_ids", time.Minute, func() (any, error) {
			return api.IPXECommitIDs(), nil
		}),
	}
	for _, p := range providers {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("failed to start data source: %w", err)
		}
	}

	dispatcher := api.NewDispatcher(app.Paths, app.Bus, clientManager, taskManager, fileManager)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start api dispatcher: %w", err)
	}

	rt := service.New("nbs-api")
	rt.Go("https-api", api.NewServer(app.Config, app.Paths, dispatcher))
	rt.OnStop("data-sources", func() {
		for _, p := range providers {
			p.Stop()
		}
	})
	rt.OnStop("task-manager", taskManager.Stop)
	return rt.Run(ctx)
}
