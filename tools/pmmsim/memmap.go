package main

import (
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"frameos/kernel/hal/multiboot"
	"frameos/kernel/kfmt"
)

func init() {
	rootCmd.AddCommand(newMemmapCmd())
}

func newMemmapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "memmap",
		Short: "Print the memory map passed to the kernel",
		Long: `The memmap command encodes the simulated firmware memory map using the
selected boot protocol, parses it back with the kernel's multiboot package and
prints every region together with the available memory total.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemmap(cmd)
		},
	}
}

func runMemmap(cmd *cobra.Command) error {
	tag, err := reportLanguage()
	if err != nil {
		return err
	}

	cfg := baseConfig()
	if err := cfg.validate(); err != nil {
		return err
	}

	entries, err := qemuMemoryMap(cfg.ramSize)
	if err != nil {
		return err
	}

	boot, err := loadBootInfo(cfg.proto, entries)
	if err != nil {
		return err
	}
	defer runtime.KeepAlive(boot.blob)

	out := cmd.OutOrStdout()
	p := message.NewPrinter(tag)

	var visitor multiboot.MemRegionVisitor = func(entry *multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(out, "[0x%10x - 0x%10x] %s\n", entry.PhysAddress, entry.PhysAddress+entry.Length, entry.Type.String())
		return true
	}

	switch info := boot.memMap.(type) {
	case multiboot.LegacyInfo:
		info.VisitMemRegions(visitor)
	default:
		multiboot.VisitMemRegions(visitor)
	}

	p.Fprintf(out, "available: %d bytes\n", uint64(boot.memMap.TotalAvailable()))
	return nil
}
