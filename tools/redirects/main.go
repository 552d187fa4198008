// Command redirects locates kernel functions that replace Go runtime
// functions (marked with a go:redirect-from directive) and patches their
// addresses into the redirect table of a linked kernel image.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootDir string

var rootCmd = &cobra.Command{
	Use:           "redirects",
	Short:         "Manage the runtime redirect table of the kernel image",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "Path to the repository root")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Print the number of redirects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			redirects, err := findRedirects(rootDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d", len(redirects))
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List each redirect as a source and destination symbol pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			redirects, err := findRedirects(rootDir)
			if err != nil {
				return err
			}
			for _, r := range redirects {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", r.src, r.dst)
			}
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "populate-table <kernel image>",
		Short: "Write the redirect table into a linked kernel image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			redirects, err := findRedirects(rootDir)
			if err != nil {
				return err
			}
			return populateRedirectTable(redirects, args[0])
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[redirects] error: %s\n", err)
		os.Exit(1)
	}
}
