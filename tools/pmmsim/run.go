package main

import (
	"runtime"

	"github.com/spf13/cobra"
)

var (
	runWorkers int
	runAudit   bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().IntVar(&runWorkers, "workers", runtime.NumCPU(), "Number of concurrent allocating workers")
	cmd.Flags().BoolVar(&runAudit, "audit", true, "Cross-check the page bitmap after releasing all pages")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the memory manager and exhaust all memory",
		Long: `The run command initializes the physical memory manager from the
simulated boot loader payload, allocates every free page from concurrent
workers, verifies that no page was handed out twice, releases all pages and
audits the manager state.

Example:
  pmmsim run --ram 512 --workers 8
  pmmsim run --proto mb1 --kernel-start 0x200000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd)
		},
	}
	return cmd
}

func runSimulation(cmd *cobra.Command) error {
	tag, err := reportLanguage()
	if err != nil {
		return err
	}

	cfg := baseConfig()
	cfg.workers = runWorkers
	cfg.audit = runAudit

	attachKernelOutput(cmd.OutOrStdout())

	report, err := simulate(cfg)
	if err != nil {
		return err
	}

	printReport(cmd.OutOrStdout(), tag, report)
	return nil
}
