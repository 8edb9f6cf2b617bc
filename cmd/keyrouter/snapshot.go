package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	snapsqlite "github.com/baatcheet/keyrouter/pkg/snapshot/sqlite"
)

func newSnapshotCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or clear the persisted key counters",
	}
	cmd.AddCommand(newSnapshotShowCmd(flags), newSnapshotClearCmd(flags))
	return cmd
}

func openSnapshots(flags *rootFlags) (*snapsqlite.Store, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	return snapsqlite.New(sqliteDSN(cfg.DBPath))
}

func newSnapshotShowCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the saved key counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSnapshots(flags)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, ok, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("No snapshot saved.")
				return nil
			}

			fmt.Printf("Snapshot taken at %s (%d keys)\n\n", formatTime(snap.TakenAt), len(snap.Keys))
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tKEY\tFINGERPRINT\tUSED\tEXHAUSTED\tFAILURES\tWINDOW START")
			for _, k := range snap.Keys {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%t\t%d\t%s\n",
					k.Provider, k.Index, k.Fingerprint, k.UsedToday, k.Exhausted, k.FailuresToday,
					formatTime(k.WindowStartedAt))
			}
			return w.Flush()
		},
	}
}

func newSnapshotClearCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the saved key counters so every key starts fresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSnapshots(flags)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("Cleared %d saved keys.\n", stats.Keys)
			return nil
		},
	}
}
