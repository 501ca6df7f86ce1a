// nbs-watcher owns the file inventory data sources: it scans the content
// directories, publishes each list on the bus, and re-scans when
// filesystem events arrive.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bishopdynamics/netbootstudio/internal/bootstrap"
	"github.com/bishopdynamics/netbootstudio/pkg/config"
	"github.com/bishopdynamics/netbootstudio/pkg/files"
	"github.com/bishopdynamics/netbootstudio/pkg/service"
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
	Use:           "nbs-watcher",
	Short:         "Netboot Studio file inventory service",
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
		Service:   "nbs-watcher",
		ConfigDir: configDir,
		Mode:      mode,
		Version:   version,
	})
	if err != nil {
		return err
	}
	defer app.Down(ctx)

	publisher, err := files.NewPublisher(app.Bus, app.Paths)
	if err != nil {
		return fmt.Errorf("failed to build inventory publisher: %w", err)
	}
	if err := publisher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start inventory publisher: %w", err)
	}

	rt := service.New("nbs-watcher")
	rt.OnStop("inventory-publisher", publisher.Stop)
	return rt.Run(ctx)
}
