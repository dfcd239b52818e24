package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"shortform/internal/config"
	"shortform/internal/queue"
	"shortform/internal/stage"
)

func newRerunCommand(ctx *commandContext) *cobra.Command {
	var stageFlag string

	cmd := &cobra.Command{
		Use:   "rerun <jobID>",
		Short: "Force a job to re-run from a stage, discarding later artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}
			target, err := stage.Parse(strings.TrimSpace(stageFlag))
			if err != nil {
				return err
			}

			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				job, err := store.ForceRerun(cmd.Context(), ids[0], target, stage.Downstream(target))
				if errors.Is(err, queue.ErrNotFound) {
					return fmt.Errorf("job %d not found", ids[0])
				}
				if errors.Is(err, queue.ErrJobRunning) {
					return fmt.Errorf("job %d is running; stop it first", ids[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %d will re-run from %s; later artifacts were discarded\n",
					job.ID, target)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&stageFlag, "stage", "", "Stage to re-run from: "+strings.Join(stage.Sequence, ", "))
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}
