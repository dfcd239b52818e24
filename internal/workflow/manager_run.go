package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"shortform/internal/logging"
	"shortform/internal/queue"
	"shortform/internal/stageexec"
)

// Start begins background processing. Jobs left running by an unclean
// shutdown are reset to pending before workers spin up; their completed
// stages keep their artifacts, so they resume where they stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	if reset, err := m.store.ResetStuckRunning(runCtx); err != nil {
		m.logger.Warn("reset of stuck running jobs failed", logging.Error(err))
	} else if reset > 0 {
		m.logger.Info("reset stuck running jobs from prior shutdown", logging.Int64("count", reset))
	}

	go m.dispatch(runCtx)
	return nil
}

// Stop terminates background processing and waits for in-flight stage
// attempts to finish or abort.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) dispatch(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.heartbeat.ReclaimStale(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("stale job reclamation failed", logging.Error(err))
		}

		dispatched := m.dispatchReady(ctx)
		if dispatched == 0 {
			m.maybeNotifyDrained(ctx)
			m.sleepUntilWork(ctx)
		}
	}
}

// dispatchReady claims as many ready jobs as free slots allow and hands
// each to a worker goroutine. Returns the number of jobs dispatched.
func (m *Manager) dispatchReady(ctx context.Context) int {
	now := time.Now()
	ready, err := m.store.NextReady(ctx, now, m.cfg.Workflow.MaxConcurrentJobs)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Error("queue poll failed", logging.Error(err))
			m.sleepFor(ctx, time.Duration(m.cfg.Workflow.ErrorRetryInterval)*time.Second)
		}
		return 0
	}

	dispatched := 0
	for _, candidate := range ready {
		if !m.governor.TryAcquireSlot() {
			break
		}
		claimed, err := m.store.Claim(ctx, candidate.ID, now)
		if err != nil {
			m.governor.ReleaseSlot()
			if errors.Is(err, queue.ErrNotClaimed) {
				continue
			}
			if !errors.Is(err, context.Canceled) {
				m.logger.Error("claim failed", logging.Int64(logging.FieldJobID, candidate.ID), logging.Error(err))
			}
			continue
		}

		m.mu.Lock()
		if !m.queueActive {
			m.queueActive = true
			m.queueStart = now
			m.completed = 0
			m.failed = 0
		}
		m.workers++
		m.mu.Unlock()

		m.wg.Add(1)
		go m.runJob(ctx, claimed)
		dispatched++
	}
	return dispatched
}

// runJob drives one claimed job stage by stage until it defers, finishes,
// or fails. Stop requests are honored at stage boundaries.
func (m *Manager) runJob(ctx context.Context, job *queue.Job) {
	defer m.wg.Done()
	defer m.governor.ReleaseSlot()
	defer func() {
		m.mu.Lock()
		m.workers--
		m.mu.Unlock()
	}()

	logger := m.logger.With(
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("subject", job.Subject),
	)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go m.heartbeat.StartLoop(heartbeatCtx, &heartbeatWG, job.ID)
	defer func() {
		stopHeartbeat()
		heartbeatWG.Wait()
	}()

	for {
		if job.StopRequested {
			m.finalizeStopped(ctx, logger, job)
			return
		}

		outcome := m.executor.ExecuteStage(ctx, job)
		switch outcome.Disposition {
		case stageexec.Advanced:
			if outcome.Finished() {
				logger.Info("job completed", logging.String(logging.FieldStage, job.Stage))
				m.recordFinished(true)
				if err := m.notifier.NotifyJobCompleted(ctx, job.Subject, finalRef(ctx, m, outcome.Job)); err != nil {
					logger.Debug("completion notification failed", logging.Error(err))
				}
				return
			}
			next, err := m.rearm(ctx, outcome.Job)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Warn("could not continue advanced job", logging.Error(err))
				}
				return
			}
			job = next

		case stageexec.Deferred, stageexec.Parked:
			// Back in the queue behind its run_at gate.
			return

		case stageexec.Failed:
			m.recordFinished(false)
			reason := ""
			if outcome.Err != nil {
				reason = outcome.Err.Error()
			}
			if err := m.notifier.NotifyJobFailed(ctx, job.Subject, reason); err != nil {
				logger.Debug("failure notification failed", logging.Error(err))
			}
			return

		case stageexec.Interrupted:
			m.handleInterrupted(logger, job)
			return

		case stageexec.Errored:
			// The queue write failed, so the record still shows the job's
			// last durable state. No failure notification; the heartbeat
			// reclaim re-dispatches it once its heartbeat goes stale.
			logger.Error("stage outcome could not be persisted", logging.Error(outcome.Err))
			return
		}
	}
}

// rearm re-claims a job that just advanced so the same worker continues
// into the next stage, honoring any stop request recorded meanwhile.
func (m *Manager) rearm(ctx context.Context, job *queue.Job) (*queue.Job, error) {
	refreshed, err := m.store.GetByID(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if refreshed == nil {
		return nil, queue.ErrNotFound
	}
	if refreshed.StopRequested {
		m.finalizeStopped(ctx, m.logger.With(logging.Int64(logging.FieldJobID, job.ID)), refreshed)
		return nil, context.Canceled
	}
	return m.store.Claim(ctx, job.ID, time.Now())
}

func (m *Manager) finalizeStopped(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	// Use a fresh context: the stop must be recorded even during shutdown.
	finalizeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.MarkFailed(finalizeCtx, job.ID, queue.UserStopReason); err != nil {
		logger.Error("failed to finalize stopped job", logging.Error(err))
		return
	}
	logger.Info("job stopped at stage boundary", logging.String(logging.FieldStage, job.Stage))
	m.recordFinished(false)
}

// handleInterrupted deals with a context cancellation mid-attempt. A user
// stop finalizes the job; a daemon shutdown leaves it running so the
// startup reset returns it to pending with its artifacts intact.
func (m *Manager) handleInterrupted(logger *slog.Logger, job *queue.Job) {
	checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	refreshed, err := m.store.GetByID(checkCtx, job.ID)
	if err != nil || refreshed == nil {
		logger.Warn("could not inspect interrupted job", logging.Error(err))
		return
	}
	if refreshed.StopRequested {
		m.finalizeStopped(checkCtx, logger, refreshed)
		return
	}
	logger.Info("stage interrupted by shutdown, job will resume on restart",
		logging.String(logging.FieldStage, refreshed.Stage))
}

func (m *Manager) recordFinished(completed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if completed {
		m.completed++
	} else {
		m.failed++
	}
}

// maybeNotifyDrained fires the queue-drained notification once per burst,
// when nothing is ready, waiting, or in flight.
func (m *Manager) maybeNotifyDrained(ctx context.Context) {
	m.mu.Lock()
	active := m.queueActive
	workers := m.workers
	completed := m.completed
	failed := m.failed
	start := m.queueStart
	m.mu.Unlock()
	if !active || workers > 0 {
		return
	}

	health, err := m.store.Health(ctx)
	if err != nil || health.Pending > 0 || health.Running > 0 || health.WaitingRetry > 0 {
		return
	}

	m.mu.Lock()
	m.queueActive = false
	m.mu.Unlock()

	m.logger.Info("queue drained",
		logging.Int("completed", completed),
		logging.Int("failed", failed))
	if err := m.notifier.NotifyQueueDrained(ctx, completed, failed, time.Since(start)); err != nil {
		m.logger.Debug("drained notification failed", logging.Error(err))
	}
}

// sleepUntilWork blocks until the next poll, the next run_at gate, or
// shutdown, whichever comes first.
func (m *Manager) sleepUntilWork(ctx context.Context) {
	wait := m.pollInterval
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if wake, err := m.store.NextWake(ctx, time.Now()); err == nil && wake != nil {
		if until := time.Until(*wake); until > 0 && until < wait {
			wait = until
		}
	}
	m.sleepFor(ctx, wait)
}

func (m *Manager) sleepFor(ctx context.Context, wait time.Duration) {
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// finalRef returns the most user-relevant artifact ref for a finished job:
// the published video URL when it exists, otherwise the composed file.
func finalRef(ctx context.Context, m *Manager, job *queue.Job) string {
	if job == nil {
		return ""
	}
	for _, stageName := range []string{"publish", "video_composition"} {
		artifact, err := m.store.ArtifactForStage(ctx, job.ID, stageName)
		if err == nil && artifact != nil {
			return artifact.Ref
		}
	}
	return ""
}
