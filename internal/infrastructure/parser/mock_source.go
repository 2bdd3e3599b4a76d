package parser

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"MarketSignals/internal/clock"
	"MarketSignals/internal/domain"
	"MarketSignals/internal/ports"
)

var (
	bullishTemplates = []string{
		"%s breaking out above resistance, strong buying in banks #%s",
		"Bullish on %s today, volumes picking up nicely #%s",
		"%s rallies as FIIs turn net buyers, targets revised higher #%s",
		"Buy the dip in %s, support held perfectly #%s",
	}
	bearishTemplates = []string{
		"%s slipping below support, weak breadth across sectors #%s",
		"Bearish on %s, profit booking visible at highs #%s",
		"%s falls as global cues turn negative, stay cautious #%s",
		"Sell on rise in %s until the trend reverses #%s",
	}
	mockAuthors = []string{"chartwala", "niftytrader", "dalal_street", "optionsguru", "swingdesk"}

	errInjected = errors.New("injected upstream failure")
)

// MockConfig shapes the generated stream.
type MockConfig struct {
	// Name registers the source; defaults to "mock".
	Name     string
	Total    int
	PageSize int
	// FailEvery makes every Nth fetch fail transiently; 0 disables injection.
	FailEvery int
	Seed      uint64
	// Spread is the span over which CreatedAt values are distributed, ending at now.
	Spread time.Duration
}

// MockSource generates plausible market posts for offline runs.
type MockSource struct {
	cfg   MockConfig
	clock clock.Clock

	mu      sync.Mutex
	fetches int
	posts   map[string]domain.RawPost
}

var _ ports.PostSource = (*MockSource)(nil)

// NewMockSource builds a generator; zero values fall back to small defaults.
func NewMockSource(cfg MockConfig, clk clock.Clock) *MockSource {
	if cfg.Name == "" {
		cfg.Name = "mock"
	}
	if cfg.Total <= 0 {
		cfg.Total = 40
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	if cfg.Spread <= 0 {
		cfg.Spread = 30 * time.Minute
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &MockSource{cfg: cfg, clock: clk, posts: map[string]domain.RawPost{}}
}

// Name identifies the source inside the registry.
func (m *MockSource) Name() string { return m.cfg.Name }

// Open generates the full stream for q up front; pages are served from memory.
func (m *MockSource) Open(_ context.Context, q domain.Query) (ports.Pager, error) {
	term := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(q.Term)), "#")
	if term == "" {
		term = "nifty50"
	}
	now := m.clock.Now()
	rng := rand.New(rand.NewPCG(m.cfg.Seed, uint64(len(term))))

	candidates := make([]domain.Candidate, 0, m.cfg.Total)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.cfg.Total; i++ {
		id := fmt.Sprintf("mock-%s-%d", term, i)
		templates := bullishTemplates
		if rng.IntN(2) == 0 {
			templates = bearishTemplates
		}
		symbol := strings.ToUpper(term)
		offset := time.Duration(rng.Int64N(int64(m.cfg.Spread)))
		m.posts[id] = domain.RawPost{
			ID:              id,
			Author:          mockAuthors[rng.IntN(len(mockAuthors))],
			AuthorFollowers: 100 + rng.Int64N(50000),
			CreatedAt:       now.Add(-offset),
			Text:            fmt.Sprintf(templates[rng.IntN(len(templates))], symbol, term),
			Engagement: domain.Engagement{
				Likes:   rng.Int64N(500),
				Shares:  rng.Int64N(80),
				Replies: rng.Int64N(40),
			},
			Language: "en",
			Source:   m.Name(),
		}
		candidates = append(candidates, domain.Candidate{ID: id, Source: m.Name()})
	}
	return &mockPager{items: candidates, size: m.cfg.PageSize}, nil
}

// Fetch returns the generated post, failing transiently on every FailEvery-th call.
func (m *MockSource) Fetch(_ context.Context, c domain.Candidate) (domain.RawPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.cfg.FailEvery > 0 && m.fetches%m.cfg.FailEvery == 0 {
		return domain.RawPost{}, domain.TransientError("fetch", c.ID, errInjected)
	}
	raw, ok := m.posts[c.ID]
	if !ok {
		return domain.RawPost{}, domain.PermanentError("fetch", c.ID, errors.New("unknown post"))
	}
	raw.FetchedAt = m.clock.Now()
	return raw, nil
}

// Fetches reports how many Fetch calls were made.
func (m *MockSource) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

type mockPager struct {
	items []domain.Candidate
	size  int
	pos   int
}

func (p *mockPager) NextPage(context.Context) ([]domain.Candidate, error) {
	if p.pos >= len(p.items) {
		return nil, domain.ErrEndOfStream
	}
	end := min(p.pos+p.size, len(p.items))
	page := p.items[p.pos:end]
	p.pos = end
	if end == len(p.items) {
		return page, domain.ErrEndOfStream
	}
	return page, nil
}
