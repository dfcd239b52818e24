package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"shortform/internal/config"
	"shortform/internal/queue"
	"shortform/internal/stage"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <jobID>",
		Short: "Show one job with its stage artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				job, err := store.GetByID(cmd.Context(), ids[0])
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("job %d not found", ids[0])
				}
				artifacts, err := store.ArtifactsForJob(cmd.Context(), job.ID)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				fmt.Fprintf(out, "Job %d (%s)\n", job.ID, job.UUID)
				fmt.Fprintf(out, "  Subject:       %s\n", job.Subject)
				fmt.Fprintf(out, "  Style:         %s\n", job.Style)
				fmt.Fprintf(out, "  Status:        %s\n", paintStatus(string(job.Status), colorize))
				fmt.Fprintf(out, "  Stage:         %s\n", job.Stage)
				fmt.Fprintf(out, "  Auto-publish:  %s\n", yesNo(job.AutoPublish))
				if job.AffiliateLink != "" {
					fmt.Fprintf(out, "  Link:          %s\n", job.AffiliateLink)
				}
				if job.BatchID != "" {
					fmt.Fprintf(out, "  Batch:         %s (position %d)\n", job.BatchID, job.BatchIndex+1)
				}
				if job.RunAt != nil {
					fmt.Fprintf(out, "  Run at:        %s\n", formatTime(*job.RunAt))
				}
				if job.StopRequested {
					fmt.Fprintln(out, "  Stop requested: yes")
				}
				if job.ErrorMessage != "" {
					fmt.Fprintf(out, "  Last error:    %s\n", job.ErrorMessage)
				}
				for _, name := range stage.Sequence {
					if retries := job.RetriesFor(name); retries > 0 {
						fmt.Fprintf(out, "  Retries (%s): %d\n", name, retries)
					}
				}
				fmt.Fprintf(out, "  Created:       %s\n", formatTime(job.CreatedAt))
				fmt.Fprintf(out, "  Updated:       %s\n", formatTime(job.UpdatedAt))

				if len(artifacts) == 0 {
					fmt.Fprintln(out, "No artifacts yet")
					return nil
				}
				rows := make([][]string, 0, len(artifacts))
				for _, artifact := range artifacts {
					rows = append(rows, []string{
						artifact.Stage,
						artifact.Kind,
						truncate(artifact.Ref, 60),
						strconv.Itoa(artifact.Version),
						formatTime(artifact.CreatedAt),
					})
				}
				table := renderTable(
					[]string{"Stage", "Kind", "Ref", "Version", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				)
				fmt.Fprintln(out, table)
				return nil
			})
		},
	}
}
