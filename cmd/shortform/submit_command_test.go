package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shortform/internal/queue"
	"shortform/internal/stage"
)

func TestSubmitQueuesJob(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{
		"submit", "vegetable chopper",
		"--link", "https://example.com/chopper",
		"--style", "humorous",
		"--auto-publish",
	}, env.configPath)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	requireContains(t, out, "Queued job")
	requireContains(t, out, "vegetable chopper")

	jobs, err := env.store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Style != "humorous" || !job.AutoPublish {
		t.Fatalf("unexpected job fields: %+v", job)
	}
	if job.Stage != stage.First() {
		t.Fatalf("expected first stage, got %s", job.Stage)
	}
	if job.AffiliateLink != "https://example.com/chopper" {
		t.Fatalf("unexpected link %q", job.AffiliateLink)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, _, err := runCLI(t, []string{"submit", "gadget", "--style", "operatic"}, env.configPath); err == nil {
		t.Fatal("expected unknown style error")
	}
	if _, _, err := runCLI(t, []string{"submit", "gadget"}, env.configPath); err == nil || !strings.Contains(err.Error(), "--link is required") {
		t.Fatalf("expected missing link error, got %v", err)
	}
	if _, _, err := runCLI(t, []string{"submit", "gadget", "--link", "not a url"}, env.configPath); err == nil {
		t.Fatal("expected invalid link error")
	}
	if _, _, err := runCLI(t, []string{"submit", "gadget", "--link", "https://example.com/gadget", "--at", "tomorrow"}, env.configPath); err == nil {
		t.Fatal("expected RFC3339 parse error")
	}

	jobs, err := env.store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("rejected submissions must not queue jobs, got %d", len(jobs))
	}
}

func TestSubmitScheduledJobWaits(t *testing.T) {
	env := setupCLITestEnv(t)

	at := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	out, _, err := runCLI(t, []string{"submit", "gadget", "--link", "https://example.com/gadget", "--at", at}, env.configPath)
	if err != nil {
		t.Fatalf("submit --at: %v", err)
	}
	requireContains(t, out, "no earlier than")

	jobs, err := env.store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].RunAt == nil {
		t.Fatalf("expected scheduled job, got %+v", jobs)
	}

	ready, err := env.store.NextReady(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("next ready: %v", err)
	}
	if len(ready) != 0 {
		t.Fatal("scheduled job must not be ready before its slot")
	}
}

func TestBatchQueuesSpacedJobs(t *testing.T) {
	env := setupCLITestEnv(t)

	batchPath := filepath.Join(t.TempDir(), "batch.yaml")
	content := strings.Join([]string{
		"items:",
		"  - subject: vegetable chopper",
		"    affiliate_link: https://example.com/chopper",
		"    style: review",
		"  - subject: desk lamp",
		"    affiliate_link: https://example.com/lamp",
		"    style: humorous",
		"    auto_publish: true",
		"  - subject: water bottle",
		"    affiliate_link: https://example.com/bottle",
	}, "\n")
	if err := os.WriteFile(batchPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write batch file: %v", err)
	}

	anchor := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	out, _, err := runCLI(t, []string{
		"batch", batchPath,
		"--anchor", anchor,
		"--interval", "30m",
	}, env.configPath)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	requireContains(t, out, "3 jobs")

	jobs, err := env.store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}

	batchID := jobs[0].BatchID
	if batchID == "" {
		t.Fatal("expected batch id")
	}
	batch, err := env.store.ListBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("list batch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 batch members, got %d", len(batch))
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].RunAt == nil || batch[i-1].RunAt == nil {
			t.Fatalf("batch members must be scheduled: %+v", batch[i])
		}
		gap := batch[i].RunAt.Sub(*batch[i-1].RunAt)
		if gap != 30*time.Minute {
			t.Fatalf("expected 30m spacing, got %s", gap)
		}
	}
	if !batch[1].AutoPublish {
		t.Fatal("item-level auto_publish must win")
	}
	if batch[2].Style != "review" {
		t.Fatalf("expected default style review, got %s", batch[2].Style)
	}
}

func TestBatchRejectsUnknownStyle(t *testing.T) {
	env := setupCLITestEnv(t)

	batchPath := filepath.Join(t.TempDir(), "batch.yaml")
	content := "items:\n  - subject: gadget\n    affiliate_link: https://example.com/gadget\n    style: interpretive-dance\n"
	if err := os.WriteFile(batchPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write batch file: %v", err)
	}

	_, _, err := runCLI(t, []string{"batch", batchPath}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "unknown style") {
		t.Fatalf("expected unknown style error, got %v", err)
	}
}

func TestBatchRejectsBadLinks(t *testing.T) {
	env := setupCLITestEnv(t)

	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "missing",
			content: "items:\n  - subject: gadget\n",
			want:    "no affiliate_link",
		},
		{
			name:    "malformed",
			content: "items:\n  - subject: gadget\n    affiliate_link: not a url\n",
			want:    "invalid affiliate_link",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			batchPath := filepath.Join(t.TempDir(), "batch.yaml")
			if err := os.WriteFile(batchPath, []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write batch file: %v", err)
			}
			_, _, err := runCLI(t, []string{"batch", batchPath}, env.configPath)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
			jobs, listErr := env.store.List(context.Background())
			if listErr != nil {
				t.Fatalf("list: %v", listErr)
			}
			if len(jobs) != 0 {
				t.Fatalf("rejected batch must not queue jobs, got %d", len(jobs))
			}
		})
	}
}

func TestRerunInvalidatesDownstream(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	job := queueCompletedJob(t, env.store)

	out, _, err := runCLI(t, []string{
		"rerun", fmt.Sprintf("%d", job.ID),
		"--stage", stage.VoiceSynthesis,
	}, env.configPath)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	requireContains(t, out, stage.VoiceSynthesis)

	updated, err := env.store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if updated.Status != queue.StatusPending || updated.Stage != stage.VoiceSynthesis {
		t.Fatalf("expected pending at voice_synthesis, got %s at %s", updated.Status, updated.Stage)
	}
	for _, name := range stage.Downstream(stage.VoiceSynthesis) {
		if artifact, _ := env.store.ArtifactForStage(ctx, job.ID, name); artifact != nil {
			t.Fatalf("downstream artifact %s must be discarded", name)
		}
	}
	for _, name := range stage.Upstream(stage.VoiceSynthesis) {
		if artifact, _ := env.store.ArtifactForStage(ctx, job.ID, name); artifact == nil {
			t.Fatalf("upstream artifact %s must survive", name)
		}
	}
}

func TestRerunRejectsUnknownStage(t *testing.T) {
	env := setupCLITestEnv(t)
	job := queueCompletedJob(t, env.store)

	_, _, err := runCLI(t, []string{
		"rerun", fmt.Sprintf("%d", job.ID),
		"--stage", "color_grading",
	}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "unknown stage") {
		t.Fatalf("expected unknown stage error, got %v", err)
	}
}

func TestShowDisplaysJobAndArtifacts(t *testing.T) {
	env := setupCLITestEnv(t)
	job := queueCompletedJob(t, env.store)

	out, _, err := runCLI(t, []string{"show", fmt.Sprintf("%d", job.ID)}, env.configPath)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	requireContains(t, out, "vegetable chopper")
	requireContains(t, out, "completed")
	for _, name := range stage.Sequence[:len(stage.Sequence)-1] {
		requireContains(t, out, name)
	}
}

// queueCompletedJob walks a job through every stage except publish,
// leaving it completed with artifacts for each finished stage.
func queueCompletedJob(t *testing.T, store *queue.Store) *queue.Job {
	t.Helper()
	ctx := context.Background()

	job, err := store.NewJob(ctx, queue.NewJobParams{
		Subject:    "vegetable chopper",
		Style:      "review",
		FirstStage: stage.First(),
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	for i, name := range stage.Sequence {
		if name == stage.Publish {
			break
		}
		if _, err := store.Claim(ctx, job.ID, time.Now()); err != nil {
			t.Fatalf("claim %s: %v", name, err)
		}
		next := ""
		if i+2 < len(stage.Sequence) {
			next = stage.Sequence[i+1]
		}
		result := queue.StageResult{Kind: name, Ref: "/tmp/" + name}
		if _, err := store.CompleteStage(ctx, job.ID, name, result, next); err != nil {
			t.Fatalf("complete %s: %v", name, err)
		}
	}
	return job
}
