package commands

import (
	"context"
	"fmt"
	"os"

	"bookaware/internal/components/serviceutil"
	"bookaware/internal/components/telemetry"
	"bookaware/internal/config"
	"bookaware/internal/scrapers/session"
	"bookaware/internal/scrapers/voebb"

	"github.com/spf13/cobra"
)

var (
	configPath *string
	verbose    *bool
)

var rootCmd = &cobra.Command{
	Use:   "bookaware",
	Short: "bookaware tracks the loans of a VÖBB library account and publishes them to Home Assistant.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(*verbose)
	},
}

func init() {
	configPath = rootCmd.PersistentFlags().String("config", config.DefaultPath, "The options file to read.")
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug messages.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	return cfg
}

func newWalker(cfg config.Config, tel telemetry.API) *voebb.Walker {
	password, err := cfg.ResolvePassword()
	if err != nil {
		serviceutil.Fatal("failed to resolve password", err)
	}

	opts := session.Options{
		UserAgent:         cfg.UserAgent,
		RequestsPerSecond: cfg.RequestsPerSecond,
		CloudflareBypass:  cfg.CloudflareBypass,
	}
	if cfg.HttpDumpDir != "" {
		output, err := telemetry.NewFilesystemOutput(cfg.HttpDumpDir, tel)
		if err != nil {
			serviceutil.Fatal("failed to create http dump directory", err)
		}
		opts.HttpOutput = output
	}

	return voebb.NewWalker(
		cfg.PortalURL,
		voebb.Credentials{Username: cfg.Username, Password: password},
		opts,
		tel,
	)
}
