package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"frameos/kernel/kfmt"
	"frameos/kernel/mm"
)

var (
	// Global flags
	ramMiB      uint64
	kernelStart uint64
	kernelSize  uint64
	proto       string
	lang        string
)

var rootCmd = &cobra.Command{
	Use:   "pmmsim",
	Short: "Simulate the kernel physical memory manager on emulated RAM",
	Long: `pmmsim runs the kernel's multiboot parsers and physical memory manager
as a regular process. The simulated machine is described by a qemu-like
firmware memory map; its RAM is an anonymous memory mapping.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().Uint64Var(&ramMiB, "ram", 128, "Emulated RAM size in MiB")
	rootCmd.PersistentFlags().Uint64Var(&kernelStart, "kernel-start", 0x100000, "Physical load address of the kernel image")
	rootCmd.PersistentFlags().Uint64Var(&kernelSize, "kernel-size", 0x200000, "Size of the kernel image in bytes")
	rootCmd.PersistentFlags().StringVar(&proto, "proto", "mb2", "Boot protocol used to pass the memory map (mb1 or mb2)")
	rootCmd.PersistentFlags().StringVar(&lang, "lang", "en", "Language used for formatting numbers in reports")
}

func execute() {
	// Fatal kernel errors terminate the process instead of halting the CPU.
	kfmt.SetHaltFn(func() { os.Exit(2) })

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// attachKernelOutput sends kernel log output to w, prefixing each line so it
// can be told apart from the tool's own output.
func attachKernelOutput(w io.Writer) {
	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: w, Prefix: []byte("kernel| ")})
}

// baseConfig returns the simulation config derived from the global flags.
func baseConfig() simConfig {
	return simConfig{
		ramSize:     ramMiB * uint64(mm.Mb),
		kernelStart: kernelStart,
		kernelSize:  kernelSize,
		proto:       proto,
		workers:     1,
	}
}

func reportLanguage() (language.Tag, error) {
	tag, err := language.Parse(lang)
	if err != nil {
		return language.Und, fmt.Errorf("invalid --lang value %q: %w", lang, err)
	}
	return tag, nil
}
