// Command vmboot plans and builds the boot-time state of a VM without running
// it: memory layout, firmware tables, boot structures and initial registers.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vmboot/internal/debug"
)

func newRootCmd() *cobra.Command {
	var (
		verbose   bool
		traceFile string
	)
	cmd := &cobra.Command{
		Use:           "vmboot",
		Short:         "Plan and build VM boot state",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			if traceFile != "" {
				if err := debug.OpenFile(traceFile); err != nil {
					return fmt.Errorf("open trace file: %w", err)
				}
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return debug.Close()
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every bring-up phase")
	cmd.PersistentFlags().StringVar(&traceFile, "trace", "", "write a binary debug trace to this file")

	cmd.AddCommand(
		newPlanCmd(),
		newTablesCmd(),
		newInspectCmd(),
		newTraceCmd(),
		newTimingsCmd(),
	)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vmboot: %v\n", err)
		os.Exit(1)
	}
}
