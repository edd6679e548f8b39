package main

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newDemoCmd())
}

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run the built-in malloc walkthrough",
		Long: `The demo command allocates 64, 16, 1234 and 12345 bytes from a 1M
memory map, frees them again and checks that both allocators end up in their
initial state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newSimulator(cmd.OutOrStdout()).run(demoScenario())
		},
	}
}
