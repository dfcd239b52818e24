// Package workflow coordinates queue processing: claiming ready jobs,
// driving their stages through the executor, and reporting lifecycle events.
package workflow

import (
	"log/slog"
	"sync"
	"time"

	"shortform/internal/config"
	"shortform/internal/logging"
	"shortform/internal/notifications"
	"shortform/internal/provider"
	"shortform/internal/provider/compose"
	"shortform/internal/provider/publish"
	"shortform/internal/provider/script"
	"shortform/internal/provider/speech"
	"shortform/internal/provider/visuals"
	"shortform/internal/queue"
	"shortform/internal/scheduler"
	"shortform/internal/stage"
	"shortform/internal/stageexec"
)

// Manager owns the daemon's processing loop: a dispatcher that claims ready
// jobs under the concurrency cap and a worker per in-flight job.
type Manager struct {
	cfg          *config.Config
	store        *queue.Store
	logger       *slog.Logger
	notifier     notifications.Service
	governor     *scheduler.Governor
	executor     *stageexec.Executor
	pollInterval time.Duration
	heartbeat    *HeartbeatMonitor

	mu      sync.Mutex
	running bool
	cancel  func()
	wg      sync.WaitGroup
	workers int

	queueActive bool
	queueStart  time.Time
	completed   int
	failed      int
}

// NewManager constructs a manager with the full provider stack.
func NewManager(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Manager {
	return NewManagerWithAdapters(cfg, store, logger, notifications.NewService(cfg), BuildAdapters(cfg))
}

// NewManagerWithAdapters constructs a manager with custom adapters and
// notifier (used in tests).
func NewManagerWithAdapters(cfg *config.Config, store *queue.Store, logger *slog.Logger, notifier notifications.Service, adapters map[string][]provider.Adapter, execOpts ...stageexec.Option) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	governor := scheduler.NewGovernor(cfg.Workflow.MaxConcurrentJobs, cfg.Budgets)
	return &Manager{
		cfg:          cfg,
		store:        store,
		logger:       logger.With(logging.String(logging.FieldComponent, "workflow")),
		notifier:     notifier,
		governor:     governor,
		executor:     stageexec.New(cfg, store, governor, logger, adapters, execOpts...),
		pollInterval: time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
	}
}

// BuildAdapters wires the production adapter chain for every stage.
func BuildAdapters(cfg *config.Config) map[string][]provider.Adapter {
	return map[string][]provider.Adapter{
		stage.ScriptGeneration: script.Generators(cfg.Script),
		stage.ScriptProcessing: {script.NewProcessor()},
		stage.VoiceSynthesis:   speech.Synthesizers(cfg.Speech),
		stage.VisualGeneration: {visuals.NewGenerator(cfg.Visuals)},
		stage.VideoComposition: {compose.NewComposer(cfg.Compose)},
		stage.Publish:          {publish.NewUploader(cfg.Publish)},
	}
}

// Governor exposes the admission controller, mainly for status output.
func (m *Manager) Governor() *scheduler.Governor {
	return m.governor
}
