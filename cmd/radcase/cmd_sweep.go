package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/radcase/radcase/internal/lifecycle"
)

func sweepCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale work folders and interrupted-save leftovers",
		RunE: func(cmd *cobra.Command, args []string) error {
			lm := lifecycle.NewManager(cfg, newLogger())
			report, err := lm.Sweep(cmd.Context(), dryRun)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}

			fmt.Printf("Sweep report:\n")
			fmt.Printf("  Work folders:  %d\n", report.WorkDirs)
			fmt.Printf("  Temp files:    %d\n", report.TempFiles)
			if dryRun {
				fmt.Println("  (dry run, no changes applied)")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview changes without applying")
	return cmd
}
