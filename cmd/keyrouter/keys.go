package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/baatcheet/keyrouter/pkg/models"
)

func newKeysCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keys <provider>",
		Short: "Show per-key diagnostics for a provider",
		Args:  cobra.ExactArgs(1),
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

			details, err := rt.reporter.KeyDetails(models.Provider(args[0]))
			if err != nil {
				return err
			}
			if len(details) == 0 {
				fmt.Printf("No keys configured for %s.\n", args[0])
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tAVAILABLE\tUSED\tCAPACITY\tFAILURES\tWINDOW START\tLAST SUCCESS\tREASON")
			for _, d := range details {
				fmt.Fprintf(w, "%d\t%t\t%d\t%d\t%d\t%s\t%s\t%s\n",
					d.Index, d.Available, d.UsedToday, d.DailyCapacity, d.FailuresToday,
					formatTime(d.WindowStartedAt), formatTime(d.LastSuccessAt), d.ExhaustedReason)
			}
			return w.Flush()
		},
	}
}
