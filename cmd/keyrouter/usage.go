package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/baatcheet/keyrouter/pkg/ledger"
	"github.com/baatcheet/keyrouter/pkg/models"
)

func newUsageCmd(flags *rootFlags) *cobra.Command {
	var (
		provider string
		since    string
		events   bool
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show dispatch outcomes recorded in the usage ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			from, err := parseSince(since, time.Now().UTC())
			if err != nil {
				return err
			}

			l, err := ledger.New(sqliteDSN(cfg.DBPath))
			if err != nil {
				return err
			}
			defer l.Close()

			ctx := cmd.Context()

			if events {
				evs, err := l.QueryByProvider(ctx, models.Provider(provider), from)
				if err != nil {
					return err
				}
				if len(evs) == 0 {
					fmt.Println("No usage data found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tPROVIDER\tKEY\tCAPABILITY\tOUTCOME\tSTATUS\tLATENCY\tUSER")
				for _, e := range evs {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%s\t%s\n",
						formatTime(e.CreatedAt), e.Provider, e.KeyIndex, e.Capability, e.Outcome,
						e.StatusCode, e.Latency, e.UserID)
				}
				return w.Flush()
			}

			summaries, err := l.Summary(ctx, models.Provider(provider), from)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tKEY\tSUCCESS\tQUOTA\tTRANSIENT\tFATAL\tTOTAL")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
					s.Provider, s.KeyIndex, s.Successes, s.QuotaExceeded, s.Transient, s.Fatal, s.Total)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&since, "since", "24h", "lookback as a duration (e.g. 6h) or a YYYY-MM-DD date")
	cmd.Flags().BoolVar(&events, "events", false, "list individual events instead of the summary")
	return cmd
}

// parseSince accepts a lookback duration or a calendar date.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: use a duration like 24h or a YYYY-MM-DD date", s)
	}
	return t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02T15:04:05")
}
