package queue

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle of a queue job.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusWaitingRetry Status = "waiting_retry"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// UserStopReason is the error message set when a user explicitly stops a job.
const UserStopReason = "Stop requested by user"

// DaemonStopReason is the error message set when jobs are failed due to daemon shutdown.
const DaemonStopReason = "Daemon stopped"

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusWaitingRetry,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status ends the job's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsEligible reports whether a job in this status can be claimed once its
// run_at gate passes.
func (s Status) IsEligible() bool {
	return s == StatusPending || s == StatusWaitingRetry
}

// Job represents a pipeline job persisted in SQLite. The stage pointer names
// the next stage to execute; all stages strictly before it have a durable
// artifact.
type Job struct {
	ID            int64
	UUID          string
	Subject       string
	AffiliateLink string
	Style         string
	ProjectName   string
	AutoPublish   bool
	Stage         string
	Status        Status
	ErrorMessage  string
	RetryCounts   map[string]int
	RunAt         *time.Time
	BatchID       string
	BatchIndex    int
	StopRequested bool
	ForceStage    string
	LastHeartbeat *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RetriesFor returns the recorded retry count for a stage.
func (j *Job) RetriesFor(stage string) int {
	if j == nil || j.RetryCounts == nil {
		return 0
	}
	return j.RetryCounts[stage]
}

// IsUserStopReason reports whether an error message represents a user-initiated stop.
func IsUserStopReason(reason string) bool {
	return strings.EqualFold(strings.TrimSpace(reason), UserStopReason)
}

// Artifact is the durable output of one completed stage. Immutable once
// written except through the forced re-run path, which bumps the version.
type Artifact struct {
	ID         int64
	JobID      int64
	Stage      string
	Kind       string
	Ref        string
	DetailJSON string
	Version    int
	CreatedAt  time.Time
}

// Detail unmarshals the artifact payload into target.
func (a *Artifact) Detail(target any) error {
	if strings.TrimSpace(a.DetailJSON) == "" {
		return nil
	}
	return json.Unmarshal([]byte(a.DetailJSON), target)
}

// StageResult is the payload a completed stage persists as an artifact.
type StageResult struct {
	Kind       string
	Ref        string
	DetailJSON string
}

// NewJobParams carries everything needed to enqueue a job.
type NewJobParams struct {
	Subject       string
	AffiliateLink string
	Style         string
	ProjectName   string
	AutoPublish   bool
	FirstStage    string
	RunAt         *time.Time
	BatchID       string
	BatchIndex    int
}

// HealthSummary describes aggregated queue counts per key lifecycle states.
type HealthSummary struct {
	Total        int
	Pending      int
	Running      int
	WaitingRetry int
	Completed    int
	Failed       int
}

// ProjectNameFor derives the default project name from a subject and a
// timestamp, mirroring the workspace directory naming convention.
func ProjectNameFor(subject string, now time.Time) string {
	slug := slugify(subject)
	if slug == "" {
		slug = "project"
	}
	return slug + "_" + now.UTC().Format("20060102_150405")
}

func slugify(value string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

func marshalRetryCounts(counts map[string]int) (string, error) {
	if len(counts) == 0 {
		return "", nil
	}
	data, err := json.Marshal(counts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalRetryCounts(raw string) map[string]int {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	counts := make(map[string]int)
	if err := json.Unmarshal([]byte(raw), &counts); err != nil {
		return nil
	}
	return counts
}
