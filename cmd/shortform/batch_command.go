package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"shortform/internal/config"
	"shortform/internal/provider/script"
	"shortform/internal/queue"
	"shortform/internal/scheduler"
	"shortform/internal/stage"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var (
		anchorFlag   string
		intervalFlag time.Duration
		autoPublish  bool
	)

	cmd := &cobra.Command{
		Use:   "batch <file.yaml>",
		Short: "Queue a batch of video jobs on a spaced schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := scheduler.LoadBatchFile(args[0])
			if err != nil {
				return err
			}
			for i, item := range items {
				if item.Style != "" && !script.ValidStyle(item.Style) {
					return fmt.Errorf("item %d: unknown style %q (choose one of %s)",
						i+1, item.Style, strings.Join(script.StyleNames(), ", "))
				}
			}

			var anchor time.Time
			if anchorFlag != "" {
				anchor, err = time.Parse(time.RFC3339, anchorFlag)
				if err != nil {
					return fmt.Errorf("parse --anchor (want RFC3339): %w", err)
				}
			}

			slots := scheduler.PlanBatch(anchor, intervalFlag, len(items), time.Now())
			batchID := uuid.NewString()

			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				out := cmd.OutOrStdout()
				for i, item := range items {
					style := item.Style
					if style == "" {
						style = "review"
					}
					publish := autoPublish
					if item.AutoPublish != nil {
						publish = *item.AutoPublish
					}
					runAt := slots[i]
					job, err := store.NewJob(cmd.Context(), queue.NewJobParams{
						Subject:       item.Subject,
						AffiliateLink: item.AffiliateLink,
						Style:         style,
						AutoPublish:   publish,
						FirstStage:    stage.First(),
						RunAt:         &runAt,
						BatchID:       batchID,
						BatchIndex:    i,
					})
					if err != nil {
						return fmt.Errorf("queue item %d (%s): %w", i+1, item.Subject, err)
					}
					fmt.Fprintf(out, "Queued job %d: %s at %s\n", job.ID, job.Subject, formatTime(runAt))
				}
				fmt.Fprintf(out, "Batch %s: %d jobs, %s apart\n", batchID, len(items), intervalFlag)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&anchorFlag, "anchor", "", "Start time for the first job (RFC3339, default now)")
	cmd.Flags().DurationVar(&intervalFlag, "interval", time.Hour, "Spacing between consecutive jobs")
	cmd.Flags().BoolVar(&autoPublish, "auto-publish", false, "Default auto-publish for items that do not set it")
	return cmd
}
