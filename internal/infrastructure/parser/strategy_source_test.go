package parser

import (
	"context"
	"errors"
	"testing"
	"time"

	"MarketSignals/internal/clock"
	"MarketSignals/internal/domain"
	"MarketSignals/internal/ports"
	"MarketSignals/internal/scanner"
)

func drain(t *testing.T, src *StrategySource, q domain.Query) []domain.Candidate {
	t.Helper()
	pager, err := src.Open(context.Background(), q)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var all []domain.Candidate
	for i := 0; i < 100; i++ {
		page, err := pager.NextPage(context.Background())
		all = append(all, page...)
		if errors.Is(err, domain.ErrEndOfStream) {
			return all
		}
		if err != nil {
			t.Fatalf("next page: %v", err)
		}
	}
	t.Fatal("pager never finished")
	return nil
}

type emptySource struct{}

func (emptySource) Name() string { return "empty" }

func (emptySource) Open(context.Context, domain.Query) (ports.Pager, error) {
	return emptyPager{}, nil
}

func (emptySource) Fetch(context.Context, domain.Candidate) (domain.RawPost, error) {
	return domain.RawPost{}, nil
}

type emptyPager struct{}

func (emptyPager) NextPage(context.Context) ([]domain.Candidate, error) {
	return nil, domain.ErrEndOfStream
}

func TestStrategySourceChainsPagers(t *testing.T) {
	t.Parallel()

	reg := scanner.NewRegistry()
	reg.Register(emptySource{})
	mock := NewMockSource(MockConfig{Total: 7, PageSize: 3}, clock.NewFake(time.Now()))
	reg.Register(mock)

	src := NewStrategySource(reg, []string{"empty", "mock", "empty"}, nil)
	cands := drain(t, src, domain.Query{Term: "sensex"})
	if len(cands) != 7 {
		t.Fatalf("expected 7 candidates, got %d", len(cands))
	}
	for _, c := range cands {
		if c.Source != "mock" {
			t.Fatalf("candidate %s stamped with %q", c.ID, c.Source)
		}
	}

	raw, err := src.Fetch(context.Background(), cands[0])
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if raw.ID != cands[0].ID || raw.Source != "mock" {
		t.Fatalf("unexpected post: %+v", raw)
	}
}

func TestStrategySourceQueryOverridesSources(t *testing.T) {
	t.Parallel()

	reg := scanner.NewRegistry()
	reg.Register(NewMockSource(MockConfig{Total: 2}, clock.NewFake(time.Now())))
	src := NewStrategySource(reg, []string{"forum"}, nil)

	if _, err := src.Open(context.Background(), domain.Query{Term: "x"}); err == nil {
		t.Fatal("expected error for unregistered source")
	}
	if cands := drain(t, src, domain.Query{Term: "x", Source: "mock"}); len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if _, err := src.Fetch(context.Background(), domain.Candidate{ID: "a", Source: "forum"}); !errors.Is(err, domain.ErrPermanentFetch) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
