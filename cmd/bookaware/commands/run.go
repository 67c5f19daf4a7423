package commands

import (
	"context"
	"log/slog"
	"os"
	"time"

	"bookaware/internal/components/chrono"
	"bookaware/internal/components/serviceutil"
	"bookaware/internal/components/telemetry"
	"bookaware/internal/daemon"
	"bookaware/internal/publish"
	"bookaware/internal/schedule"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scrapes on schedule and publishes the loans over MQTT until stopped.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := serviceutil.SignalContext()
		cfg := loadConfig()
		tel := telemetry.SlogAPI{}

		otelProviders, err := telemetry.Setup(ctx, "bookaware", cfg.Telemetry)
		if err != nil {
			serviceutil.Fatal("failed to setup telemetry", err)
		}
		defer otelProviders.Shutdown(context.Background())
		telemetry.InstrumentPerfStats(ctx, tel)

		clock, err := chrono.NewStandardTime(cfg.Timezone)
		if err != nil {
			serviceutil.Fatal("failed to load timezone", err)
		}

		store, err := schedule.Open(ctx, schedule.Options{
			Path:     cfg.StateFile,
			Interval: cfg.Interval(),
			Time:     clock,
		}, tel)
		if err != nil {
			serviceutil.Fatal("failed to open schedule store", err)
		}
		defer store.Close()

		broker, err := cfg.ResolveBroker(ctx, nil)
		if err != nil {
			serviceutil.Fatal("failed to resolve mqtt broker", err)
		}
		conn := publish.Dial(publish.BrokerConfig{
			Host:     broker.Host,
			Port:     broker.Port,
			Username: broker.Username,
			Password: broker.Password,
		}, cfg.TopicPrefix, tel)

		loop, err := daemon.NewLoop(store, newWalker(cfg, tel), conn, clock, tel, daemon.Options{})
		if err != nil {
			serviceutil.Fatal("failed to create scrape loop", err)
		}

		slog.Info(
			"starting scrape loop",
			"interval", cfg.Interval().String(),
			"state_file", cfg.StateFile,
			"topic_prefix", conn.Topics().Prefix,
		)

		group, ctx := errgroup.WithContext(ctx)
		commands := daemon.ReadLines(ctx, os.Stdin, tel)
		group.Go(func() error {
			return loop.Run(ctx, commands)
		})
		group.Go(func() error {
			<-ctx.Done()
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn.Close(closeCtx)
			return nil
		})

		err = group.Wait()
		if err != nil {
			serviceutil.Fatal("scrape loop stopped", err)
		}
		slog.Info("stopped")
	},
}
