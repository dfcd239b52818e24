package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shortform/internal/config"
	"shortform/internal/provider/script"
	"shortform/internal/queue"
	"shortform/internal/stage"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		link        string
		style       string
		projectName string
		autoPublish bool
		runAtFlag   string
	)

	cmd := &cobra.Command{
		Use:   "submit <subject>",
		Short: "Queue a video job for a product subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := strings.TrimSpace(args[0])
			if subject == "" {
				return fmt.Errorf("subject must not be empty")
			}
			if !script.ValidStyle(style) {
				return fmt.Errorf("unknown style %q (choose one of %s)", style, strings.Join(script.StyleNames(), ", "))
			}
			link = strings.TrimSpace(link)
			if link == "" {
				return fmt.Errorf("--link is required: every job needs an affiliate link for the video description")
			}
			if _, err := url.ParseRequestURI(link); err != nil {
				return fmt.Errorf("invalid affiliate link %q: %w", link, err)
			}

			var runAt *time.Time
			if runAtFlag != "" {
				parsed, err := time.Parse(time.RFC3339, runAtFlag)
				if err != nil {
					return fmt.Errorf("parse --at (want RFC3339, e.g. 2026-01-02T15:04:05Z): %w", err)
				}
				runAt = &parsed
			}

			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				job, err := store.NewJob(cmd.Context(), queue.NewJobParams{
					Subject:       subject,
					AffiliateLink: link,
					Style:         style,
					ProjectName:   projectName,
					AutoPublish:   autoPublish,
					FirstStage:    stage.First(),
					RunAt:         runAt,
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Queued job %d: %s (style %s)\n", job.ID, job.Subject, job.Style)
				if job.RunAt != nil {
					fmt.Fprintf(out, "Scheduled to start no earlier than %s\n", formatTime(*job.RunAt))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&link, "link", "", "Affiliate link to fold into the video description (required)")
	cmd.Flags().StringVar(&style, "style", "review", "Script style: "+strings.Join(script.StyleNames(), ", "))
	cmd.Flags().StringVar(&projectName, "project", "", "Override the derived project directory name")
	cmd.Flags().BoolVar(&autoPublish, "auto-publish", false, "Upload the finished video automatically")
	cmd.Flags().StringVar(&runAtFlag, "at", "", "Earliest start time (RFC3339)")
	return cmd
}
