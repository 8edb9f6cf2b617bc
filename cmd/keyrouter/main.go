package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/baatcheet/keyrouter/pkg/config"
)

var version = "dev"

type rootFlags struct {
	configPath string
	envFile    string
}

func main() {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "keyrouter",
		Short:         "keyrouter: capacity-aware API key rotation and provider fallback for AI vendors",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(flags.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath, "path to config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file with provider keys")

	root.AddCommand(
		newServeCmd(flags),
		newHealthCmd(flags),
		newKeysCmd(flags),
		newUsageCmd(flags),
		newSnapshotCmd(flags),
		newMCPCmd(flags),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
