package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"bookaware/internal/components/chrono"
	"bookaware/internal/components/serviceutil"
	"bookaware/internal/components/telemetry"
	"bookaware/internal/loans"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var scrapeJson *bool

func init() {
	scrapeJson = scrapeCmd.Flags().Bool("json", false, "Print the loans as json instead of a table.")
	rootCmd.AddCommand(scrapeCmd)
}

type loanOutput struct {
	DueDate  string `json:"due_date"`
	Library  string `json:"library"`
	Title    string `json:"title"`
	Hint     string `json:"hint"`
	DaysLeft int    `json:"days_left"`
}

func printLoanTable(records []loans.Record, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Due", "Days left", "Library", "Title", "Hint"})
	for _, r := range records {
		t.AppendRow(table.Row{r.ISODueDate(), r.DaysLeft(now), r.Library, r.Title, r.Hint})
	}

	summary := loans.Summarize(records, now)
	closest := "-"
	if summary.Closest != nil {
		closest = summary.Closest.ISODueDate()
	}
	t.AppendFooter(table.Row{
		closest,
		"",
		"",
		fmt.Sprintf("%d due within %d days", summary.DueSoon, loans.DueSoonDays),
		fmt.Sprintf("%d total", summary.Total),
	})
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func printLoanJson(records []loans.Record, now time.Time) error {
	out := make([]loanOutput, 0, len(records))
	for _, r := range records {
		out = append(out, loanOutput{
			DueDate:  r.ISODueDate(),
			Library:  r.Library,
			Title:    r.Title,
			Hint:     r.Hint,
			DaysLeft: r.DaysLeft(now),
		})
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape [--json]",
	Short: "Walks the portal once and prints the loans, the schedule is left untouched.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		tel := telemetry.SlogAPI{}

		clock, err := chrono.NewStandardTime(cfg.Timezone)
		if err != nil {
			serviceutil.Fatal("failed to load timezone", err)
		}

		slog.Info("scraping using user", "username", cfg.Username)
		t1 := time.Now()
		records, err := newWalker(cfg, tel).Run(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to scrape loans", err)
		}
		slog.Info("scraping time", "seconds", time.Since(t1).Seconds())

		now := clock.Now()
		records = loans.SortedByDueDate(records)
		if *scrapeJson {
			err = printLoanJson(records, now)
			if err != nil {
				serviceutil.Fatal("failed to write json", err)
			}
			return
		}
		printLoanTable(records, now)
	},
}
