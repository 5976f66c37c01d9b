package main

import "github.com/spf13/cobra"

func execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "flashd",
		Short:         "flashd: pay-in-arrears settlement facilitator",
		Long:          "flashd accumulates metered usage per agent session, asks agents to sign settlement requests and submits them against the escrow ledger.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)

	return rootCmd
}
