package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"shortform/internal/config"
	"shortform/internal/queue"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	statusLabelWidth = 18
	statusIndent     = "  "
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				for _, line := range renderSectionHeader("Pipeline", colorize) {
					fmt.Fprintln(out, line)
				}
				fmt.Fprintln(out, renderStatusLine("Workspace", statusInfo, cfg.Paths.WorkspaceDir, colorize))
				fmt.Fprintln(out, renderStatusLine("Queue database", statusInfo, store.Path(), colorize))
				fmt.Fprintln(out, renderStatusLine("Concurrency cap", statusInfo,
					fmt.Sprintf("%d jobs", cfg.Workflow.MaxConcurrentJobs), colorize))
				publishKind := statusWarn
				publishMsg := "disabled"
				if cfg.Publish.Enabled {
					publishKind = statusOK
					publishMsg = "enabled"
				}
				fmt.Fprintln(out, renderStatusLine("Publishing", publishKind, publishMsg, colorize))
				notifyMsg := "not configured"
				if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
					notifyMsg = "ntfy"
				}
				fmt.Fprintln(out, renderStatusLine("Notifications", statusInfo, notifyMsg, colorize))

				if len(cfg.Budgets) > 0 {
					keys := make([]string, 0, len(cfg.Budgets))
					for key := range cfg.Budgets {
						keys = append(keys, key)
					}
					sort.Strings(keys)
					for _, key := range keys {
						budget := cfg.Budgets[key]
						fmt.Fprintln(out, renderStatusLine("Budget "+key, statusInfo,
							fmt.Sprintf("%d per %s", budget.Limit, budget.Window()), colorize))
					}
				}

				health, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				for _, line := range renderSectionHeader("Queue", colorize) {
					fmt.Fprintln(out, line)
				}
				fmt.Fprintln(out, renderStatusLine("Total", statusInfo, fmt.Sprintf("%d", health.Total), colorize))
				fmt.Fprintln(out, renderStatusLine("Pending", statusInfo, fmt.Sprintf("%d", health.Pending), colorize))
				fmt.Fprintln(out, renderStatusLine("Running", statusInfo, fmt.Sprintf("%d", health.Running), colorize))
				retryKind := statusInfo
				if health.WaitingRetry > 0 {
					retryKind = statusWarn
				}
				fmt.Fprintln(out, renderStatusLine("Waiting retry", retryKind, fmt.Sprintf("%d", health.WaitingRetry), colorize))
				fmt.Fprintln(out, renderStatusLine("Completed", statusOK, fmt.Sprintf("%d", health.Completed), colorize))
				failedKind := statusOK
				if health.Failed > 0 {
					failedKind = statusError
				}
				fmt.Fprintln(out, renderStatusLine("Failed", failedKind, fmt.Sprintf("%d", health.Failed), colorize))
				return nil
			})
		},
	}
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}
