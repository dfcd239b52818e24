// Package stageexec runs one stage attempt for a claimed job and persists
// the resulting queue transition: advance, retry, budget wait, or failure.
package stageexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"shortform/internal/backoff"
	"shortform/internal/config"
	"shortform/internal/logging"
	"shortform/internal/provider"
	"shortform/internal/queue"
	"shortform/internal/scheduler"
	"shortform/internal/services"
	"shortform/internal/stage"
)

// Disposition describes how an attempt left the job.
type Disposition int

const (
	// Advanced: the stage completed and the job moved on (or finished).
	Advanced Disposition = iota
	// Deferred: the attempt failed and a retry is gated on run_at.
	Deferred
	// Parked: a rate budget was exhausted; the job waits without losing
	// retry budget.
	Parked
	// Failed: the job is terminally failed and the record says so.
	Failed
	// Interrupted: the context ended mid-attempt; nothing was persisted
	// and the caller decides what happens to the running job.
	Interrupted
	// Errored: a queue write failed, leaving the job at its last durable
	// state. The stale-heartbeat reclaim will pick it up again.
	Errored
)

func (d Disposition) String() string {
	switch d {
	case Advanced:
		return "advanced"
	case Deferred:
		return "deferred"
	case Parked:
		return "parked"
	case Failed:
		return "failed"
	case Interrupted:
		return "interrupted"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Outcome reports the persisted result of one stage attempt.
type Outcome struct {
	Disposition Disposition
	// Job is the refreshed job after an Advanced transition.
	Job *queue.Job
	// Adapter names the adapter that ran, when one did.
	Adapter string
	// RetryAt is set for Deferred and Parked outcomes.
	RetryAt time.Time
	Err     error
}

// Finished reports whether an Advanced outcome completed the whole job.
func (o Outcome) Finished() bool {
	return o.Disposition == Advanced && o.Job != nil && o.Job.Status == queue.StatusCompleted
}

// Executor drives stage attempts. Each call performs exactly one provider
// attempt; retry waits live in the queue (waiting_retry plus run_at), so a
// daemon restart never loses retry state.
type Executor struct {
	cfg      *config.Config
	store    *queue.Store
	governor *scheduler.Governor
	logger   *slog.Logger
	adapters map[string][]provider.Adapter

	clock    func() time.Time
	strategy func(config.Retry) backoff.Strategy
}

// Option customizes the executor.
type Option func(*Executor)

// WithClock overrides time measurement (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithStrategy overrides backoff construction (useful for deterministic
// test delays).
func WithStrategy(strategy func(config.Retry) backoff.Strategy) Option {
	return func(e *Executor) {
		if strategy != nil {
			e.strategy = strategy
		}
	}
}

// New builds an executor over the given adapter chains, keyed by stage.
func New(cfg *config.Config, store *queue.Store, governor *scheduler.Governor, logger *slog.Logger, adapters map[string][]provider.Adapter, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg,
		store:    store,
		governor: governor,
		logger:   logger,
		adapters: adapters,
		clock:    time.Now,
		strategy: backoff.FromPolicy,
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteStage runs one attempt of the job's current stage. The job must
// already be claimed (status running).
func (e *Executor) ExecuteStage(ctx context.Context, job *queue.Job) Outcome {
	stageName := job.Stage
	chain := e.adapters[stageName]
	if len(chain) == 0 {
		return e.fail(ctx, job, "", fmt.Errorf("no adapters configured for stage %s", stageName))
	}

	policy := e.cfg.RetryFor(stageName)
	perAdapter := policy.MaxAttempts
	if perAdapter < 1 {
		perAdapter = 1
	}
	attempts := job.RetriesFor(stageName)
	total := perAdapter * len(chain)
	if attempts >= total {
		return e.fail(ctx, job, "", fmt.Errorf("stage %s exhausted %d attempts across %d providers", stageName, attempts, len(chain)))
	}
	adapter := chain[attempts/perAdapter]
	attemptOnAdapter := attempts % perAdapter

	ctx = services.WithJobID(ctx, job.ID)
	ctx = services.WithStage(ctx, stageName)
	ctx = services.WithProvider(ctx, adapter.Name())
	logger := logging.WithContext(ctx, e.logger).With(
		logging.Int(logging.FieldAttempt, attempts+1),
	)

	rateKey := adapter.RateKey()
	if wait, ok := e.governor.ReserveBudget(rateKey); !ok {
		resumeAt := e.clock().Add(wait)
		reason := fmt.Sprintf("rate budget %s exhausted; resuming %s", rateKey, resumeAt.UTC().Format(time.RFC3339))
		if err := e.store.Park(ctx, job.ID, resumeAt, reason); err != nil {
			return Outcome{Disposition: Errored, Adapter: adapter.Name(), Err: fmt.Errorf("park job: %w", err)}
		}
		logger.Info("rate budget exhausted, job parked",
			logging.String("rate_key", rateKey),
			logging.Time("resume_at", resumeAt))
		return Outcome{Disposition: Parked, Adapter: adapter.Name(), RetryAt: resumeAt}
	}

	req, err := e.buildRequest(ctx, job)
	if err != nil {
		e.governor.ReleaseBudget(rateKey)
		return e.fail(ctx, job, adapter.Name(), err)
	}

	logger.Info("stage attempt started")
	result, invokeErr := adapter.Invoke(ctx, req)
	if invokeErr == nil {
		e.governor.CommitBudget(rateKey)
		return e.advance(ctx, logger, job, adapter.Name(), result)
	}
	return e.handleFailure(ctx, logger, job, adapter.Name(), rateKey, attempts, attemptOnAdapter, perAdapter, total, policy, invokeErr)
}

func (e *Executor) advance(ctx context.Context, logger *slog.Logger, job *queue.Job, adapterName string, result queue.StageResult) Outcome {
	next := stage.Next(job.Stage)
	if next == stage.Publish && e.skipPublish(job) {
		logger.Info("publish disabled for job, finishing after composition")
		next = ""
	}
	updated, err := e.store.CompleteStage(ctx, job.ID, job.Stage, result, next)
	if err != nil {
		return Outcome{Disposition: Errored, Adapter: adapterName, Err: fmt.Errorf("complete stage: %w", err)}
	}
	logger.Info("stage completed",
		logging.String("artifact_kind", result.Kind),
		logging.String("next_stage", next))
	return Outcome{Disposition: Advanced, Job: updated, Adapter: adapterName}
}

func (e *Executor) handleFailure(ctx context.Context, logger *slog.Logger, job *queue.Job, adapterName, rateKey string, attempts, attemptOnAdapter, perAdapter, total int, policy config.Retry, invokeErr error) Outcome {
	failure, ok := services.AsFailure(invokeErr)
	if !ok {
		if errors.Is(invokeErr, services.ErrValidation) || errors.Is(invokeErr, services.ErrConfiguration) {
			e.governor.ReleaseBudget(rateKey)
			return e.fail(ctx, job, adapterName, invokeErr)
		}
		failure = services.NewFailure(services.ClassifyError(invokeErr), adapterName, "invoke", "unclassified error", invokeErr)
	}
	if failure.QuotaConsumed {
		e.governor.CommitBudget(rateKey)
	} else {
		e.governor.ReleaseBudget(rateKey)
	}

	if ctx.Err() != nil {
		// Shutdown or stop mid-attempt. Leave the job running; the caller
		// owns the cleanup transition.
		return Outcome{Disposition: Interrupted, Adapter: adapterName, Err: invokeErr}
	}

	logger.Warn("stage attempt failed",
		logging.String("failure_kind", string(failure.Kind)),
		logging.Bool("quota_consumed", failure.QuotaConsumed),
		logging.Error(invokeErr))

	if !failure.Retryable() {
		// Auth and invalid-input failures will not heal on retry or on a
		// fallback provider fed the same input.
		return e.fail(ctx, job, adapterName, invokeErr)
	}

	nextAttempt := attempts + 1
	if nextAttempt >= total {
		return e.fail(ctx, job, adapterName,
			fmt.Errorf("stage %s exhausted %d attempts: %w", job.Stage, total, invokeErr))
	}

	var retryAt time.Time
	if nextAttempt%perAdapter == 0 {
		// This adapter's budget is spent; the fallback starts immediately.
		retryAt = e.clock()
	} else {
		delay := e.strategy(policy).Delay(attemptOnAdapter + 1)
		if failure.RetryAfter > delay {
			delay = failure.RetryAfter
		}
		retryAt = e.clock().Add(delay)
	}
	return e.scheduleRetry(ctx, logger, job, adapterName, retryAt, 1, failure.Error())
}

func (e *Executor) scheduleRetry(ctx context.Context, logger *slog.Logger, job *queue.Job, adapterName string, retryAt time.Time, attempts int, reason string) Outcome {
	if err := e.store.Defer(ctx, job.ID, retryAt, reason, attempts); err != nil {
		return Outcome{Disposition: Errored, Adapter: adapterName, Err: fmt.Errorf("defer job: %w", err)}
	}
	logger.Info("stage retry scheduled", logging.Time("retry_at", retryAt))
	return Outcome{Disposition: Deferred, Adapter: adapterName, RetryAt: retryAt}
}

func (e *Executor) fail(ctx context.Context, job *queue.Job, adapterName string, cause error) Outcome {
	message := "stage failed"
	if cause != nil {
		message = cause.Error()
	}
	if err := e.store.MarkFailed(ctx, job.ID, message); err != nil {
		return Outcome{Disposition: Errored, Adapter: adapterName, Err: errors.Join(cause, fmt.Errorf("mark failed: %w", err))}
	}
	logging.WithContext(ctx, e.logger).Error("job failed", logging.Error(cause))
	return Outcome{Disposition: Failed, Adapter: adapterName, Err: cause}
}

func (e *Executor) buildRequest(ctx context.Context, job *queue.Job) (provider.Request, error) {
	artifacts, err := e.store.ArtifactsForJob(ctx, job.ID)
	if err != nil {
		return provider.Request{}, fmt.Errorf("load artifacts: %w", err)
	}
	byStage := make(map[string]queue.Artifact, len(artifacts))
	for _, artifact := range artifacts {
		byStage[artifact.Stage] = *artifact
	}
	return provider.Request{
		Job:       job,
		Artifacts: byStage,
		WorkDir:   e.WorkDir(job),
	}, nil
}

// WorkDir returns the job's working directory under the workspace.
func (e *Executor) WorkDir(job *queue.Job) string {
	return filepath.Join(e.cfg.Paths.WorkspaceDir, "projects", job.ProjectName)
}

func (e *Executor) skipPublish(job *queue.Job) bool {
	return !e.cfg.Publish.Enabled || !job.AutoPublish
}
