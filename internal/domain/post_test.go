package domain

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"MarketSignals/internal/textnorm"
)

func TestNewPostDerivesFields(t *testing.T) {
	t.Parallel()

	raw := RawPost{
		ID:        "p1",
		Author:    "trader",
		CreatedAt: time.Date(2025, 3, 3, 10, 0, 0, 0, time.FixedZone("IST", 19800)),
		Text:      "#NIFTY50 looks strong @desk see https://x.io/c #Sensex",
		Tags:      []string{"#Nifty50", " Banknifty "},
	}
	post := NewPost(raw, 0.8)

	wantTags := []string{"banknifty", "nifty50", "sensex"}
	if fmt.Sprint(post.Tags) != fmt.Sprint(wantTags) {
		t.Fatalf("unexpected tags: %v", post.Tags)
	}
	if !post.HasTag("#Sensex") || post.HasTag("dow") {
		t.Fatalf("HasTag mismatch for %v", post.Tags)
	}
	if len(post.Mentions) != 1 || post.Mentions[0] != "desk" {
		t.Fatalf("unexpected mentions: %v", post.Mentions)
	}
	if post.CreatedAt.Location() != time.UTC {
		t.Fatalf("createdAt must be UTC, got %v", post.CreatedAt.Location())
	}
	if post.ContentHash != textnorm.ContentHash(raw.Text) {
		t.Fatalf("content hash must derive from text")
	}
}

func TestAggregationTagsFallsBackToUntagged(t *testing.T) {
	t.Parallel()

	post := NewPost(RawPost{ID: "p", Text: "markets flat today"}, 1)
	tags := post.AggregationTags()
	if len(tags) != 1 || tags[0] != UntaggedTag {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

func TestFetchErrorClassification(t *testing.T) {
	t.Parallel()

	transient := fmt.Errorf("wrap: %w", TransientError("fetch", "p1", io.ErrUnexpectedEOF))
	if !IsTransient(transient) || !errors.Is(transient, io.ErrUnexpectedEOF) {
		t.Fatalf("transient error lost its classification: %v", transient)
	}

	permanent := PermanentError("fetch", "p2", errors.New("404"))
	if IsTransient(permanent) || !errors.Is(permanent, ErrPermanentFetch) {
		t.Fatalf("permanent error misclassified: %v", permanent)
	}

	if IsTransient(errors.New("plain")) {
		t.Fatalf("unclassified errors must be permanent")
	}
}

func TestRejectedError(t *testing.T) {
	t.Parallel()

	err := Reject(RejectStale, "age %s", "200h")
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Reason != RejectStale {
		t.Fatalf("expected stale rejection, got %v", err)
	}
	if !errors.Is(err, ErrValidationRejected) {
		t.Fatalf("rejection must match ErrValidationRejected")
	}
}

func TestWindowIDStable(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	if WindowID("nifty50", start) != WindowID("nifty50", start) {
		t.Fatalf("window id must be deterministic")
	}
	if WindowID("nifty50", start) == WindowID("sensex", start) {
		t.Fatalf("window id must depend on tag")
	}
}
