package notifications_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shortform/internal/config"
	"shortform/internal/notifications"
)

func notifyConfig(topic string) *config.Config {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = topic
	cfg.Notifications.JobComplete = true
	cfg.Notifications.JobFailed = true
	cfg.Notifications.QueueDrained = true
	return &cfg
}

func TestNoopWithoutTopic(t *testing.T) {
	service := notifications.NewService(notifyConfig(""))
	if err := service.NotifyJobCompleted(context.Background(), "gadget", ""); err != nil {
		t.Fatalf("noop should never error: %v", err)
	}
}

func TestJobCompletedSendsNtfyRequest(t *testing.T) {
	var titles []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		titles = append(titles, r.Header.Get("Title"))
	}))
	defer server.Close()

	service := notifications.NewService(notifyConfig(server.URL))
	if err := service.NotifyJobCompleted(context.Background(), "gadget", "https://youtube.com/watch?v=x"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(titles) != 1 || titles[0] != "Shortform - Job Complete" {
		t.Fatalf("unexpected notifications %v", titles)
	}
}

func TestEventTogglesSuppressNotifications(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	cfg := notifyConfig(server.URL)
	cfg.Notifications.JobFailed = false
	service := notifications.NewService(cfg)
	if err := service.NotifyJobFailed(context.Background(), "gadget", "boom"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected suppressed notification, got %d calls", calls)
	}
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	cfg := notifyConfig(server.URL)
	cfg.Notifications.DedupWindowSeconds = 300
	service := notifications.NewService(cfg)

	for i := 0; i < 3; i++ {
		if err := service.NotifyJobFailed(context.Background(), "gadget", "same error"); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 delivered notification, got %d", calls)
	}

	if err := service.NotifyQueueDrained(context.Background(), 2, 1, time.Minute); err != nil {
		t.Fatalf("notify drained: %v", err)
	}
	if calls != 2 {
		t.Fatalf("distinct notification should pass dedup, got %d", calls)
	}
}
