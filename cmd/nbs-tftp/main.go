// nbs-tftp serves stage0 of the netboot flow: it watches DHCP traffic to
// register clients the moment they ask for an address, and answers their
// TFTP requests with the iPXE build assigned to each client.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bishopdynamics/netbootstudio/internal/bootstrap"
	"github.com/bishopdynamics/netbootstudio/pkg/clients"
	"github.com/bishopdynamics/netbootstudio/pkg/config"
	"github.com/bishopdynamics/netbootstudio/pkg/service"
	"github.com/bishopdynamics/netbootstudio/pkg/settings"
	"github.com/bishopdynamics/netbootstudio/pkg/sniffer"
	"github.com/bishopdynamics/netbootstudio/pkg/tftpd"
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
	Use:           "nbs-tftp",
	Short:         "Netboot Studio TFTP and DHCP sniffer service",
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
		Service:   "nbs-tftp",
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

	dhcpSniffer := sniffer.New(sniffer.Config{
		ServerIP: app.Config.Main.NetbootServerIP,
	}, clientManager)
	if err := dhcpSniffer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dhcp sniffer: %w", err)
	}

	tftpServer := tftpd.New(tftpd.Config{
		Port:      app.Config.TFTP.Port,
		Timeout:   time.Duration(app.Config.TFTP.TimeoutSeconds) * time.Second,
		Retries:   app.Config.TFTP.Retries,
		BlockSize: app.Config.TFTP.BlockSize,
	}, tftpd.NewResolver(app.Paths, clientManager))

	rt := service.New("nbs-tftp")
	rt.Go("tftp-server", service.RunnerFunc(func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			tftpServer.Shutdown()
		}()
		return tftpServer.ListenAndServe()
	}))
	rt.OnStop("dhcp-sniffer", dhcpSniffer.Stop)
	return rt.Run(ctx)
}
