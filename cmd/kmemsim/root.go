package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"tutos/kernel/kfmt"
)

var (
	// Global flags
	verbose   bool
	maxMemory uint64
)

var rootCmd = &cobra.Command{
	Use:   "kmemsim",
	Short: "Simulate the kernel page and heap allocators",
	Long: `kmemsim runs the kernel page allocator and heap allocator against an
emulated physical address space. Scenarios describe the boot memory map, the
kernel image location and a sequence of allocations and frees; the allocator
free lists can be dumped (and checked) at any step.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show the allocator log")
	rootCmd.PersistentFlags().
		Uint64Var(&maxMemory, "max-memory", 1<<30, "Largest physical address span (in bytes) that may be emulated")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// redirectKernelLog sends the allocator log to out when verbose output is
// enabled and discards it otherwise. The returned function restores the
// previous sink.
func redirectKernelLog(out io.Writer) func() {
	prev := kfmt.GetOutputSink()
	if verbose {
		kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: out, Prefix: []byte("    | ")})
	} else {
		kfmt.SetOutputSink(io.Discard)
	}
	return func() { kfmt.SetOutputSink(prev) }
}
