package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/radcase/radcase/internal/pipeline"
)

func pipelineCmd() *cobra.Command {
	var inputs []string

	cmd := &cobra.Command{
		Use:   "pipeline [patient] [descriptor.yaml]",
		Short: "Run a processing pipeline and import its outputs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			st, err := newStore(logger)
			if err != nil {
				return fmt.Errorf("pipeline: opening store: %w", err)
			}
			p, err := st.OpenPatient(args[0])
			if err != nil {
				return fmt.Errorf("pipeline: %w", err)
			}
			desc, err := pipeline.LoadDescriptor(args[1])
			if err != nil {
				return fmt.Errorf("pipeline: %w", err)
			}
			if len(inputs) > 0 {
				desc.Inputs = inputs
			}

			workDir, err := os.MkdirTemp("", "radcase-pipeline-")
			if err != nil {
				return fmt.Errorf("pipeline: creating work folder: %w", err)
			}
			defer func() { _ = os.RemoveAll(workDir) }()

			exec, err := pipeline.NewCommandExecutor(p, desc.Inputs, workDir, logger)
			if err != nil {
				return fmt.Errorf("pipeline: %w", err)
			}
			job := pipeline.NewRunner(exec, logger).Start(ctx, desc)
			outputs, err := job.Wait(ctx)
			if err != nil {
				return fmt.Errorf("pipeline: %s: %w", job.Name(), err)
			}

			ids, applyErr := pipeline.Apply(p, outputs)
			if err := p.Save(); err != nil {
				return fmt.Errorf("pipeline: saving: %w", err)
			}
			for _, id := range ids {
				fmt.Printf("Imported %s\n", id)
			}
			if applyErr != nil {
				return fmt.Errorf("pipeline: applying outputs: %w", applyErr)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputs, "input", nil, "entity ids to process (default: descriptor inputs)")
	return cmd
}
