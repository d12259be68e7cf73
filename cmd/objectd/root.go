package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "objectd",
		Short: "Digital Objects actor host",
		Long: `objectd hosts durably-stateful actors. Each actor owns a SQLite
database, a scheduler and a change log that bubbles to its parent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newCallCommand())
	return cmd
}
