package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/baatcheet/keyrouter/pkg/models"
)

func newHealthCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show provider capacity from the last saved key state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg, runtimeOpts{restore: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			report := rt.reporter.Snapshot()
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return printHealth(report)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printHealth(report models.HealthReport) error {
	fmt.Printf("Status: %s (%d/%d providers with capacity, %d of %d requests used)\n\n",
		report.Status, report.Summary.ActiveProviders, report.Summary.TotalProviders,
		report.Summary.TotalUsed, report.Summary.TotalCapacity)

	if len(report.Providers) == 0 {
		fmt.Println("No providers configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tKEYS\tAVAILABLE\tCAPACITY\tUSED\tUSED%")
	for _, h := range report.Providers {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f\n",
			h.Provider, h.TotalKeys, h.AvailableKeys, h.DailyCapacity, h.UsedToday, h.PercentUsed)
	}
	return w.Flush()
}
