package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"citydata/internal/app"
	"citydata/internal/config"
)

var (
	configPath string
	rootCmd    *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "citydata",
		Short: "citydata - municipal open-data ETL pipeline",
		Long: `citydata fetches municipal parcel data and its auxiliary tables, enriches it
through a chain of validated stages, and publishes a GeoJSON of vacant
parcels ranked by priority.

Running without a subcommand runs the full pipeline.`,
		RunE:          runPipeline, // Default action is run
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the YAML config file")
	rootCmd.Flags().Bool("force-reload", false, "Fetch every source instead of reusing the source cache")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(testStageCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(runsCmd)
}

// Execute runs the root command.
func Execute(version string) error {
	rootCmd.Version = version
	mcpVersion = version
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// loadConfig reads --config. The default path may be absent; an explicit
// one must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Lookup("force-reload") != nil {
		if force, _ := cmd.Flags().GetBool("force-reload"); force {
			cfg.ForceReload = true
		}
	}
	return cfg, nil
}

// openApp loads configuration and wires the App. Logs go to stderr so
// stdout stays clean for command output and the MCP transport.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, os.Stderr)
}
