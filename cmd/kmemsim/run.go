package main

import (
	"github.com/spf13/cobra"
)

var (
	scenarioPath string
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().StringVarP(&scenarioPath, "file", "f", "", "Scenario file (YAML)")
	_ = cmd.MarkFlagRequired("file")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run -f <scenario.yaml>",
		Short: "Run a scenario file",
		Long: `The run command loads a scenario describing the boot memory map, the
kernel image bounds and a list of steps, then executes the steps against the
allocators.

Supported steps:
  palloc  allocate 'pages' pages and bind the result to 'label'
  pfree   free the pages bound to 'label'
  malloc  allocate 'size' bytes from the heap and bind the result to 'label'
  free    free the heap block bound to 'label'
  dump    print both free lists, optionally checking 'expect_pages' and
          'expect_heap'

Example:
  kmemsim run -f scenarios/fragmentation.yaml
  kmemsim run -v -f scenarios/fragmentation.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(cmd, scenarioPath)
		},
	}
	return cmd
}

func runScenarioFile(cmd *cobra.Command, path string) error {
	sc, err := loadScenario(path)
	if err != nil {
		return err
	}
	return newSimulator(cmd.OutOrStdout()).run(sc)
}
