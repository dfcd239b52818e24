// Package notifications sends push notifications for job lifecycle events
// through ntfy. Without a configured topic every call is a no-op.
package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"shortform/internal/config"
)

const userAgent = "shortform/0.1.0"

// Service defines the notification surface exposed to the workflow manager.
type Service interface {
	NotifyJobCompleted(ctx context.Context, subject, videoRef string) error
	NotifyJobFailed(ctx context.Context, subject, reason string) error
	NotifyQueueDrained(ctx context.Context, completed, failed int, duration time.Duration) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dedup := time.Duration(cfg.Notifications.DedupWindowSeconds) * time.Second

	return &ntfyService{
		endpoint:    topic,
		client:      &http.Client{Timeout: timeout},
		cfg:         cfg.Notifications,
		dedupWindow: dedup,
		recent:      make(map[string]time.Time),
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	cfg      config.Notifications

	dedupWindow time.Duration
	mu          sync.Mutex
	recent      map[string]time.Time
}

func (n *ntfyService) NotifyJobCompleted(ctx context.Context, subject, videoRef string) error {
	if !n.cfg.JobComplete {
		return nil
	}
	subject = strings.TrimSpace(subject)
	message := fmt.Sprintf("Video ready: %s", subject)
	if videoRef = strings.TrimSpace(videoRef); videoRef != "" {
		message = fmt.Sprintf("%s\n%s", message, videoRef)
	}
	return n.send(ctx, payload{
		title:   "Shortform - Job Complete",
		message: message,
		tags:    []string{"shortform", "job", "completed"},
	})
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, subject, reason string) error {
	if !n.cfg.JobFailed {
		return nil
	}
	subject = strings.TrimSpace(subject)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	return n.send(ctx, payload{
		title:    "Shortform - Job Failed",
		message:  fmt.Sprintf("Job failed: %s\n%s", subject, reason),
		tags:     []string{"shortform", "job", "failed"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyQueueDrained(ctx context.Context, completed, failed int, duration time.Duration) error {
	if !n.cfg.QueueDrained {
		return nil
	}
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	var message string
	if failed == 0 {
		message = fmt.Sprintf("Queue drained: %d videos in %s", completed, duration)
	} else {
		message = fmt.Sprintf("Queue drained: %d succeeded, %d failed in %s", completed, failed, duration)
	}
	return n.send(ctx, payload{
		title:   "Shortform - Queue Drained",
		message: message,
		tags:    []string{"shortform", "queue", "drained"},
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "Shortform - Test",
		message:  "Notification system test",
		tags:     []string{"shortform", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}
	if n.isDuplicate(data) {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// isDuplicate suppresses identical notifications inside the dedup window so
// a flapping job does not spam the topic.
func (n *ntfyService) isDuplicate(data payload) bool {
	if n.dedupWindow <= 0 {
		return false
	}
	key := data.title + "\x00" + data.message
	now := time.Now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.recent[key]; ok && now.Sub(last) < n.dedupWindow {
		return true
	}
	for k, at := range n.recent {
		if now.Sub(at) >= n.dedupWindow {
			delete(n.recent, k)
		}
	}
	n.recent[key] = now
	return false
}

type noopService struct{}

func (noopService) NotifyJobCompleted(context.Context, string, string) error            { return nil }
func (noopService) NotifyJobFailed(context.Context, string, string) error               { return nil }
func (noopService) NotifyQueueDrained(context.Context, int, int, time.Duration) error   { return nil }
func (noopService) TestNotification(context.Context) error                              { return nil }
