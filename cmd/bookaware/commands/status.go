package commands

import (
	"os"
	"time"

	"bookaware/internal/components/chrono"
	"bookaware/internal/components/serviceutil"
	"bookaware/internal/schedule"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Prints the stored scrape schedule.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		clock, err := chrono.NewStandardTime(cfg.Timezone)
		if err != nil {
			serviceutil.Fatal("failed to load timezone", err)
		}

		state, ok, err := schedule.Inspect(cmd.Context(), cfg.StateFile)
		if err != nil {
			serviceutil.Fatal("failed to read schedule", err)
		}

		now := clock.Now()
		lastScrape := "never"
		if !state.LastScrape.IsZero() {
			lastScrape = state.LastScrape.In(clock.Location()).Format(time.DateTime)
		}
		nextScrape := state.NextScrape.In(clock.Location()).Format(time.DateTime)
		if !ok {
			nextScrape = "on first run"
		} else if state.Due(now, time.Time{}) {
			nextScrape += " (due)"
		} else {
			nextScrape += " (in " + state.NextScrape.Sub(now).Round(time.Second).String() + ")"
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendRows([]table.Row{
			{"State file", cfg.StateFile},
			{"Interval", cfg.Interval().String()},
			{"Last scrape", lastScrape},
			{"Next scrape", nextScrape},
		})
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
