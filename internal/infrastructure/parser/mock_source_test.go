package parser

import (
	"context"
	"errors"
	"testing"
	"time"

	"MarketSignals/internal/clock"
	"MarketSignals/internal/domain"
)

func drainMock(t *testing.T, src *MockSource, q domain.Query) []domain.Candidate {
	t.Helper()
	pager, err := src.Open(context.Background(), q)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	var out []domain.Candidate
	for {
		page, err := pager.NextPage(context.Background())
		out = append(out, page...)
		if errors.Is(err, domain.ErrEndOfStream) {
			return out
		}
		if err != nil {
			t.Fatalf("NextPage() error = %v", err)
		}
	}
}

func TestMockSourceIsDeterministic(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	a := NewMockSource(MockConfig{Name: "demo", Total: 12, PageSize: 5, Seed: 9}, clock.NewFake(now))
	b := NewMockSource(MockConfig{Name: "demo", Total: 12, PageSize: 5, Seed: 9}, clock.NewFake(now))

	ca := drainMock(t, a, domain.Query{Term: "#Sensex"})
	cb := drainMock(t, b, domain.Query{Term: "#Sensex"})
	if len(ca) != 12 {
		t.Fatalf("expected 12 candidates, got %d", len(ca))
	}
	for i := range ca {
		if ca[i] != cb[i] {
			t.Fatalf("candidate %d differs: %+v vs %+v", i, ca[i], cb[i])
		}
		if ca[i].Source != "demo" {
			t.Fatalf("candidate source = %q, want demo", ca[i].Source)
		}
		ra, err := a.Fetch(context.Background(), ca[i])
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		rb, _ := b.Fetch(context.Background(), cb[i])
		if ra.Text != rb.Text || !ra.CreatedAt.Equal(rb.CreatedAt) {
			t.Fatalf("post %s differs between generators", ra.ID)
		}
		if ra.CreatedAt.After(now) || ra.CreatedAt.Before(now.Add(-30*time.Minute)) {
			t.Fatalf("createdAt %v outside the default spread", ra.CreatedAt)
		}
	}
}

func TestMockSourceFailureInjection(t *testing.T) {
	t.Parallel()

	src := NewMockSource(MockConfig{Total: 6, FailEvery: 3}, clock.NewFake(time.Now()))
	cands := drainMock(t, src, domain.Query{Term: "nifty50"})

	var transient int
	for _, c := range cands {
		_, err := src.Fetch(context.Background(), c)
		if err != nil {
			if !domain.IsTransient(err) {
				t.Fatalf("injected failure must be transient, got %v", err)
			}
			transient++
		}
	}
	if transient != 2 {
		t.Fatalf("expected 2 injected failures, got %d", transient)
	}
	if src.Fetches() != 6 {
		t.Fatalf("expected 6 fetches, got %d", src.Fetches())
	}

	_, err := src.Fetch(context.Background(), domain.Candidate{ID: "missing", Source: "mock"})
	if err == nil || domain.IsTransient(err) {
		t.Fatalf("unknown id must fail permanently, got %v", err)
	}
}
