package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/baatcheet/keyrouter/pkg/mcp"
)

func newMCPCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve keyrouter diagnostics as an MCP server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// stdout carries the protocol, so logs go to stderr.
			rt, err := newRuntime(ctx, cfg, runtimeOpts{logOut: os.Stderr, ledger: true, restore: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			var usage mcp.UsageSummarizer
			if rt.ledger != nil {
				usage = rt.ledger
			}
			return mcp.New(rt.reporter, usage, version, rt.logger).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
