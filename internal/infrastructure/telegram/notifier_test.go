package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"MarketSignals/internal/domain"
)

func TestPublishDigest(t *testing.T) {
	t.Parallel()

	requests := make(chan *http.Request, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		requests <- r
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	n := NewNotifier("token123", "-10042").WithAPIBase(server.URL)
	if err := n.PublishDigest(context.Background(), "*hello*"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	r := <-requests
	gotPath, gotChat, gotText := r.URL.Path, r.PostForm.Get("chat_id"), r.PostForm.Get("text")
	if gotPath != "/bottoken123/sendMessage" || gotChat != "-10042" || gotText != "*hello*" {
		t.Fatalf("unexpected request path=%s chat=%s text=%s", gotPath, gotChat, gotText)
	}
}

func TestPublishDigestErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"ok":false,"description":"chat not found"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	err := NewNotifier("t", "c").WithAPIBase(server.URL).PublishDigest(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected telegram error, got %v", err)
	}
	if err := NewNotifier("", "").PublishDigest(context.Background(), "x"); err == nil {
		t.Fatal("expected misconfiguration error")
	}
}

func TestFormatDigest(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	windows := []domain.SignalWindow{
		{Tag: "nifty50", Score: 0.31, Low: 0.2, High: 0.4, Count: 12, Start: start, End: start.Add(5 * time.Minute)},
		{Tag: "banks", Score: -0.55, Low: -0.7, High: -0.4, Count: 5, Degraded: 1, Start: start, End: start.Add(5 * time.Minute)},
		{Tag: "it", Score: 0.05, Count: 3, Start: start, End: start.Add(5 * time.Minute)},
	}

	got := FormatDigest(windows, 0.2)
	if strings.Contains(got, "#it") {
		t.Fatalf("weak window should be filtered: %s", got)
	}
	banks := strings.Index(got, "#banks BEARISH -0.55")
	nifty := strings.Index(got, "#nifty50 BULLISH +0.31")
	if banks < 0 || nifty < 0 || banks > nifty {
		t.Fatalf("unexpected digest order or content:\n%s", got)
	}
	if !strings.Contains(got, "1 degraded") || !strings.Contains(got, "09:00–09:05 UTC") {
		t.Fatalf("missing details:\n%s", got)
	}

	if FormatDigest(windows, 0.9) != "" {
		t.Fatal("expected empty digest when nothing qualifies")
	}
}
