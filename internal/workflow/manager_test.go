package workflow_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shortform/internal/backoff"
	"shortform/internal/config"
	"shortform/internal/notifications"
	"shortform/internal/provider"
	"shortform/internal/queue"
	"shortform/internal/services"
	"shortform/internal/stage"
	"shortform/internal/stageexec"
	"shortform/internal/workflow"
)

type stubAdapter struct {
	name    string
	rateKey string

	mu       sync.Mutex
	calls    int
	failures int
	kind     services.Kind
	result   queue.StageResult
}

func (s *stubAdapter) Name() string    { return s.name }
func (s *stubAdapter) RateKey() string { return s.rateKey }

func (s *stubAdapter) Invoke(ctx context.Context, req provider.Request) (queue.StageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return queue.StageResult{}, services.NewFailure(s.kind, s.name, "invoke", "stubbed failure", nil)
	}
	result := s.result
	if result.Kind == "" {
		result.Kind = s.name
	}
	return result, nil
}

func (s *stubAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	drained   int
}

func (r *recordingNotifier) NotifyJobCompleted(_ context.Context, subject, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, subject)
	return nil
}

func (r *recordingNotifier) NotifyJobFailed(_ context.Context, subject, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, subject)
	return nil
}

func (r *recordingNotifier) NotifyQueueDrained(context.Context, int, int, time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drained++
	return nil
}

func (r *recordingNotifier) TestNotification(context.Context) error { return nil }

func healthyAdapters() map[string][]provider.Adapter {
	adapters := make(map[string][]provider.Adapter, len(stage.Sequence))
	for _, name := range stage.Sequence {
		adapters[name] = []provider.Adapter{&stubAdapter{name: name}}
	}
	return adapters
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.WorkspaceDir = t.TempDir()
	cfg.Workflow.QueuePollInterval = 1
	cfg.Workflow.MaxConcurrentJobs = 2
	cfg.Retry = map[string]config.Retry{
		"default": {MaxAttempts: 2, BaseDelaySeconds: 1, Multiplier: 2, MaxDelaySeconds: 1},
	}
	return &cfg
}

func newManager(t *testing.T, cfg *config.Config, adapters map[string][]provider.Adapter, notifier notifications.Service) (*workflow.Manager, *queue.Store) {
	t.Helper()
	store, err := queue.OpenPath(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	manager := workflow.NewManagerWithAdapters(cfg, store, nil, notifier, adapters,
		stageexec.WithStrategy(func(config.Retry) backoff.Strategy {
			return backoff.NewConstant(10 * time.Millisecond)
		}))
	return manager, store
}

func waitForStatus(t *testing.T, store *queue.Store, id int64, want queue.Status) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	job, _ := store.GetByID(context.Background(), id)
	t.Fatalf("timed out waiting for %s, job is %+v", want, job)
	return nil
}

func TestManagerRunsJobThroughAllStages(t *testing.T) {
	cfg := testConfig(t)
	cfg.Publish.Enabled = true
	notifier := &recordingNotifier{}
	adapters := healthyAdapters()
	manager, store := newManager(t, cfg, adapters, notifier)

	job, err := store.NewJob(context.Background(), queue.NewJobParams{
		Subject:     "vegetable chopper",
		Style:       "review",
		AutoPublish: true,
		FirstStage:  stage.First(),
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	waitForStatus(t, store, job.ID, queue.StatusCompleted)

	artifacts, err := store.ArtifactsForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	if len(artifacts) != len(stage.Sequence) {
		t.Fatalf("expected %d artifacts, got %d", len(stage.Sequence), len(artifacts))
	}
	for _, name := range stage.Sequence {
		if adapters[name][0].(*stubAdapter).callCount() != 1 {
			t.Fatalf("stage %s: expected exactly one call", name)
		}
	}
}

func TestManagerSkipsPublishWithoutAutoPublish(t *testing.T) {
	cfg := testConfig(t)
	cfg.Publish.Enabled = true
	adapters := healthyAdapters()
	manager, store := newManager(t, cfg, adapters, &recordingNotifier{})

	job, err := store.NewJob(context.Background(), queue.NewJobParams{
		Subject:    "desk lamp",
		Style:      "humorous",
		FirstStage: stage.First(),
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	waitForStatus(t, store, job.ID, queue.StatusCompleted)
	if calls := adapters[stage.Publish][0].(*stubAdapter).callCount(); calls != 0 {
		t.Fatalf("publish should be skipped, got %d calls", calls)
	}
	if artifact, err := store.ArtifactForStage(context.Background(), job.ID, stage.VideoComposition); err != nil || artifact == nil {
		t.Fatalf("expected composition artifact, got %v %v", artifact, err)
	}
}

func TestManagerRetriesTransientFailures(t *testing.T) {
	cfg := testConfig(t)
	notifier := &recordingNotifier{}
	adapters := healthyAdapters()
	flaky := &stubAdapter{name: stage.VoiceSynthesis, failures: 1, kind: services.KindUnavailable}
	adapters[stage.VoiceSynthesis] = []provider.Adapter{flaky}
	manager, store := newManager(t, cfg, adapters, notifier)

	job, err := store.NewJob(context.Background(), queue.NewJobParams{
		Subject:    "water bottle",
		Style:      "educational",
		FirstStage: stage.First(),
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	done := waitForStatus(t, store, job.ID, queue.StatusCompleted)
	if flaky.callCount() != 2 {
		t.Fatalf("expected retry after transient failure, got %d calls", flaky.callCount())
	}
	if done.RetriesFor(stage.VoiceSynthesis) != 1 {
		t.Fatalf("expected one recorded retry, got %d", done.RetriesFor(stage.VoiceSynthesis))
	}
}

// concurrencyGauge records the peak number of simultaneous stage attempts.
type concurrencyGauge struct {
	mu     sync.Mutex
	active int
	peak   int
}

func (g *concurrencyGauge) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
}

func (g *concurrencyGauge) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
}

func (g *concurrencyGauge) peakActive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

type gaugedAdapter struct {
	stub  stubAdapter
	gauge *concurrencyGauge
	hold  time.Duration
}

func (g *gaugedAdapter) Name() string    { return g.stub.Name() }
func (g *gaugedAdapter) RateKey() string { return g.stub.RateKey() }

func (g *gaugedAdapter) Invoke(ctx context.Context, req provider.Request) (queue.StageResult, error) {
	g.gauge.enter()
	defer g.gauge.leave()
	// Hold the slot long enough for waiting jobs to pile up behind it.
	timer := time.NewTimer(g.hold)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return queue.StageResult{}, services.NewFailure(services.ClassifyError(ctx.Err()), g.Name(), "invoke", "canceled", ctx.Err())
	}
	return g.stub.Invoke(ctx, req)
}

func TestManagerCapsConcurrentJobsUnderBurst(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workflow.MaxConcurrentJobs = 2

	gauge := &concurrencyGauge{}
	adapters := make(map[string][]provider.Adapter, len(stage.Sequence))
	for _, name := range stage.Sequence {
		adapters[name] = []provider.Adapter{&gaugedAdapter{
			stub:  stubAdapter{name: name},
			gauge: gauge,
			hold:  20 * time.Millisecond,
		}}
	}
	manager, store := newManager(t, cfg, adapters, &recordingNotifier{})

	const burst = 5
	ids := make([]int64, 0, burst)
	subjects := []string{"chopper", "lamp", "bottle", "opener", "stand"}
	for _, subject := range subjects {
		job, err := store.NewJob(context.Background(), queue.NewJobParams{
			Subject:    subject,
			Style:      "review",
			FirstStage: stage.First(),
		})
		if err != nil {
			t.Fatalf("new job %s: %v", subject, err)
		}
		ids = append(ids, job.ID)
	}

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	for _, id := range ids {
		waitForStatus(t, store, id, queue.StatusCompleted)
	}

	if peak := gauge.peakActive(); peak > cfg.Workflow.MaxConcurrentJobs {
		t.Fatalf("burst exceeded the concurrency cap: peak %d > %d", peak, cfg.Workflow.MaxConcurrentJobs)
	}
}

func TestManagerRecoversAfterRepeatedTransientFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retry = map[string]config.Retry{
		"default": {MaxAttempts: 3, BaseDelaySeconds: 1, Multiplier: 2, MaxDelaySeconds: 1},
	}
	notifier := &recordingNotifier{}
	adapters := healthyAdapters()
	flaky := &stubAdapter{name: stage.VoiceSynthesis, failures: 2, kind: services.KindUnavailable}
	adapters[stage.VoiceSynthesis] = []provider.Adapter{flaky}
	manager, store := newManager(t, cfg, adapters, notifier)

	job, err := store.NewJob(context.Background(), queue.NewJobParams{
		Subject:    "kitchen gadget",
		Style:      "review",
		FirstStage: stage.First(),
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	done := waitForStatus(t, store, job.ID, queue.StatusCompleted)
	if flaky.callCount() != 3 {
		t.Fatalf("expected success on the third attempt, got %d calls", flaky.callCount())
	}
	if done.RetriesFor(stage.VoiceSynthesis) != 2 {
		t.Fatalf("expected two recorded retries on voice_synthesis, got %d", done.RetriesFor(stage.VoiceSynthesis))
	}
	for _, name := range stage.Sequence {
		if name == stage.VoiceSynthesis {
			continue
		}
		if retries := done.RetriesFor(name); retries != 0 {
			t.Fatalf("stage %s must carry no retries, got %d", name, retries)
		}
	}

	notifier.mu.Lock()
	failedNotices := len(notifier.failed)
	notifier.mu.Unlock()
	if failedNotices != 0 {
		t.Fatalf("recovered job must not raise failure notifications, got %d", failedNotices)
	}
}

func TestManagerFailsJobAfterExhaustion(t *testing.T) {
	cfg := testConfig(t)
	notifier := &recordingNotifier{}
	adapters := healthyAdapters()
	adapters[stage.ScriptGeneration] = []provider.Adapter{
		&stubAdapter{name: "always-down", failures: 100, kind: services.KindUnavailable},
	}
	manager, store := newManager(t, cfg, adapters, notifier)

	job, err := store.NewJob(context.Background(), queue.NewJobParams{
		Subject:    "doomed gadget",
		Style:      "review",
		FirstStage: stage.First(),
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	failed := waitForStatus(t, store, job.ID, queue.StatusFailed)
	if failed.ErrorMessage == "" {
		t.Fatal("expected failure reason on job")
	}

	notifier.mu.Lock()
	failedNotices := len(notifier.failed)
	notifier.mu.Unlock()
	if failedNotices != 1 {
		t.Fatalf("expected one failure notification, got %d", failedNotices)
	}
}

func TestManagerHonorsStopBetweenStages(t *testing.T) {
	cfg := testConfig(t)
	adapters := healthyAdapters()
	// Slow first stage gives the stop request time to land mid-job.
	slowGate := make(chan struct{})
	adapters[stage.ScriptGeneration] = []provider.Adapter{&gatedAdapter{
		stub: stubAdapter{name: stage.ScriptGeneration},
		gate: slowGate,
	}}
	manager, store := newManager(t, cfg, adapters, &recordingNotifier{})

	job, err := store.NewJob(context.Background(), queue.NewJobParams{
		Subject:    "stoppable gadget",
		Style:      "review",
		FirstStage: stage.First(),
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	waitForStatus(t, store, job.ID, queue.StatusRunning)
	if _, err := store.RequestStop(context.Background(), job.ID); err != nil {
		t.Fatalf("request stop: %v", err)
	}
	close(slowGate)

	stopped := waitForStatus(t, store, job.ID, queue.StatusFailed)
	if !queue.IsUserStopReason(stopped.ErrorMessage) {
		t.Fatalf("expected user stop reason, got %q", stopped.ErrorMessage)
	}
	// The in-flight stage finished before the stop landed; its artifact
	// stays for a later resume.
	if artifact, err := store.ArtifactForStage(context.Background(), job.ID, stage.ScriptGeneration); err != nil || artifact == nil {
		t.Fatalf("expected completed stage artifact, got %v %v", artifact, err)
	}
	if artifact, _ := store.ArtifactForStage(context.Background(), job.ID, stage.ScriptProcessing); artifact != nil {
		t.Fatal("stages after the stop must not run")
	}
}

type gatedAdapter struct {
	stub stubAdapter
	gate chan struct{}
}

func (g *gatedAdapter) Name() string    { return g.stub.Name() }
func (g *gatedAdapter) RateKey() string { return g.stub.RateKey() }

func (g *gatedAdapter) Invoke(ctx context.Context, req provider.Request) (queue.StageResult, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return queue.StageResult{}, services.NewFailure(services.ClassifyError(ctx.Err()), g.Name(), "invoke", "canceled", ctx.Err())
	}
	return g.stub.Invoke(ctx, req)
}

func TestManagerNotifiesQueueDrained(t *testing.T) {
	cfg := testConfig(t)
	notifier := &recordingNotifier{}
	manager, store := newManager(t, cfg, healthyAdapters(), notifier)

	job, err := store.NewJob(context.Background(), queue.NewJobParams{
		Subject:    "gadget",
		Style:      "review",
		FirstStage: stage.First(),
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	waitForStatus(t, store, job.ID, queue.StatusCompleted)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		notifier.mu.Lock()
		drained := notifier.drained
		notifier.mu.Unlock()
		if drained == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected queue drained notification")
}
