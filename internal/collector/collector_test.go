package collector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketSignals/internal/clock"
	"MarketSignals/internal/domain"
	"MarketSignals/internal/ports"
	"MarketSignals/internal/ratelimit"
)

var start = time.Date(2025, time.March, 3, 9, 15, 0, 0, time.UTC)

type scriptedSource struct {
	mu        sync.Mutex
	pages     [][]string
	page      int
	transient map[string]int // failures before success, -1 forever
	permanent map[string]bool
	latency   map[string]time.Duration
	calls     map[string]int
}

func newScriptedSource(pages ...[]string) *scriptedSource {
	return &scriptedSource{
		pages:     pages,
		transient: map[string]int{},
		permanent: map[string]bool{},
		latency:   map[string]time.Duration{},
		calls:     map[string]int{},
	}
}

var _ ports.PostSource = (*scriptedSource)(nil)

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Open(context.Context, domain.Query) (ports.Pager, error) { return s, nil }

func (s *scriptedSource) NextPage(context.Context) ([]domain.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page >= len(s.pages) {
		return nil, domain.ErrEndOfStream
	}
	ids := s.pages[s.page]
	s.page++
	out := make([]domain.Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Candidate{ID: id, Source: "scripted"})
	}
	if s.page == len(s.pages) {
		return out, domain.ErrEndOfStream
	}
	return out, nil
}

func (s *scriptedSource) Fetch(ctx context.Context, c domain.Candidate) (domain.RawPost, error) {
	s.mu.Lock()
	s.calls[c.ID]++
	n := s.calls[c.ID]
	left := s.transient[c.ID]
	perm := s.permanent[c.ID]
	lat := s.latency[c.ID]
	s.mu.Unlock()

	if lat > 0 {
		time.Sleep(lat)
	}
	if perm {
		return domain.RawPost{}, domain.PermanentError("fetch", c.ID, errors.New("status 404"))
	}
	if left < 0 || n <= left {
		return domain.RawPost{}, domain.TransientError("fetch", c.ID, errors.New("status 503"))
	}
	return domain.RawPost{ID: c.ID, Text: "post " + c.ID, CreatedAt: start}, nil
}

func (s *scriptedSource) callCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func newGate(t *testing.T, clk clock.Clock, mutate func(*ratelimit.Config)) *ratelimit.Gate {
	t.Helper()
	cfg := ratelimit.DefaultConfig()
	cfg.Capacity = 100
	cfg.RefillPerSecond = 100
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := ratelimit.New(cfg, clk)
	require.NoError(t, err)
	return g
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff.Jitter = 0
	return cfg
}

func ids(posts []domain.RawPost) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID)
	}
	return out
}

func collectAll(run *Run) []domain.RawPost {
	return slices.Collect(run.All())
}

func TestCollectPreservesDiscoveryOrder(t *testing.T) {
	t.Parallel()

	src := newScriptedSource([]string{"a", "b", "c"}, []string{"d", "e"})
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		src.latency[id] = time.Duration(5-i) * 3 * time.Millisecond
	}
	clk := clock.NewFake(start)
	col := New(newGate(t, clk, nil), testConfig(), WithClock(clk))

	run := col.Collect(context.Background(), src, domain.Query{Term: "#nifty50"})
	got := collectAll(run)

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(got))
	assert.NoError(t, run.Err())
	assert.Empty(t, run.Events())
	assert.Equal(t, Stats{Discovered: 5, Emitted: 5}, run.Stats())
}

func TestTransientFailuresAreRetried(t *testing.T) {
	t.Parallel()

	src := newScriptedSource([]string{"a", "b", "c"})
	src.transient["b"] = 2
	clk := clock.NewFake(start)
	cfg := testConfig()
	cfg.Workers = 1
	col := New(newGate(t, clk, nil), cfg, WithClock(clk))

	run := col.Collect(context.Background(), src, domain.Query{})
	got := collectAll(run)

	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
	assert.Equal(t, 3, src.callCount("b"))
	assert.Contains(t, clk.Sleeps(), time.Second, "first retry waits the initial backoff")
	assert.Contains(t, clk.Sleeps(), 2*time.Second, "second retry doubles it")
}

func TestExhaustedRetriesSkipItem(t *testing.T) {
	t.Parallel()

	src := newScriptedSource([]string{"a", "b", "c"})
	src.transient["b"] = -1
	src.permanent["c"] = true
	clk := clock.NewFake(start)
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 3
	col := New(newGate(t, clk, nil), cfg, WithClock(clk))

	run := col.Collect(context.Background(), src, domain.Query{})
	got := collectAll(run)

	assert.Equal(t, []string{"a"}, ids(got))
	require.NoError(t, run.Err(), "item failures never abort the run")
	assert.Equal(t, 3, src.callCount("b"))
	assert.Equal(t, 1, src.callCount("c"), "permanent failures are not retried")

	events := run.Events()
	require.Len(t, events, 2)
	byID := map[string]domain.FailureEvent{}
	for _, e := range events {
		byID[e.ItemID] = e
	}
	assert.Equal(t, domain.EventFetchSkipped, byID["b"].Kind)
	assert.Equal(t, 3, byID["b"].Attempts)
	assert.Equal(t, domain.EventFetchPermanent, byID["c"].Kind)
	assert.Equal(t, 2, run.Stats().Skipped)
}

func TestMaxItemsStopsEarly(t *testing.T) {
	t.Parallel()

	src := newScriptedSource([]string{"a", "b", "c", "d"}, []string{"e", "f"})
	clk := clock.NewFake(start)
	col := New(newGate(t, clk, nil), testConfig(), WithClock(clk))

	run := col.Collect(context.Background(), src, domain.Query{MaxItems: 3})
	got := collectAll(run)

	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
	assert.NoError(t, run.Err())
}

func TestConsumerBreakStopsRun(t *testing.T) {
	t.Parallel()

	src := newScriptedSource([]string{"a", "b", "c", "d"})
	clk := clock.NewFake(start)
	col := New(newGate(t, clk, nil), testConfig(), WithClock(clk))

	run := col.Collect(context.Background(), src, domain.Query{})
	var got []string
	for p := range run.All() {
		got = append(got, p.ID)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.NoError(t, run.Err())
}

func TestRunIsSingleUse(t *testing.T) {
	t.Parallel()

	src := newScriptedSource([]string{"a"})
	clk := clock.NewFake(start)
	col := New(newGate(t, clk, nil), testConfig(), WithClock(clk))

	run := col.Collect(context.Background(), src, domain.Query{})
	assert.Len(t, collectAll(run), 1)
	assert.Empty(t, collectAll(run))
}

func TestCircuitOpenBeyondMaxWaitAbortsRun(t *testing.T) {
	t.Parallel()

	src := newScriptedSource([]string{"a", "b"})
	src.transient["a"] = -1
	clk := clock.NewFake(start)
	gate := newGate(t, clk, func(c *ratelimit.Config) {
		c.FailureThreshold = 2
		c.CoolDown = 10 * time.Minute
	})
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 5
	cfg.MaxWait = time.Minute
	col := New(gate, cfg, WithClock(clk))

	run := col.Collect(context.Background(), src, domain.Query{})
	got := collectAll(run)

	assert.Empty(t, got)
	require.Error(t, run.Err())
	assert.ErrorIs(t, run.Err(), domain.ErrCircuitOpen)
	assert.Equal(t, 2, src.callCount("a"), "no upstream calls once the circuit is open")
	assert.Equal(t, 0, src.callCount("b"))

	events := run.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventCircuitOpen, events[len(events)-1].Kind)
}

func TestCircuitOpenPausesUntilTrialSucceeds(t *testing.T) {
	t.Parallel()

	src := newScriptedSource([]string{"a", "b", "c"})
	src.transient["a"] = 2
	clk := clock.NewFake(start)
	gate := newGate(t, clk, func(c *ratelimit.Config) {
		c.FailureThreshold = 2
		c.CoolDown = 30 * time.Second
	})
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 5
	cfg.MaxWait = 2 * time.Minute
	col := New(gate, cfg, WithClock(clk))

	run := col.Collect(context.Background(), src, domain.Query{})
	got := collectAll(run)

	require.NoError(t, run.Err())
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
	assert.Equal(t, 3, src.callCount("a"), "two failures, then the half-open trial")
	assert.Equal(t, ratelimit.StateClosed, gate.State())
	assert.False(t, clk.Now().Before(start.Add(30*time.Second)), "run waited out the cool-down")
	for _, ev := range run.Events() {
		assert.NotEqual(t, domain.EventCircuitOpen, ev.Kind)
	}
}

func TestCallerDeadlineReturnsPartialResults(t *testing.T) {
	t.Parallel()

	src := newScriptedSource([]string{"a", "b"})
	src.latency["b"] = 200 * time.Millisecond
	clk := clock.NewFake(start)
	cfg := testConfig()
	cfg.Workers = 1
	col := New(newGate(t, clk, nil), cfg, WithClock(clk))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	run := col.Collect(ctx, src, domain.Query{})
	got := collectAll(run)

	assert.Equal(t, []string{"a"}, ids(got))
	assert.NoError(t, run.Err(), "caller deadline is not an error")
	events := run.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventDeadlineReached, events[len(events)-1].Kind)
	assert.Contains(t, events[len(events)-1].Message, "caller deadline")
}

func TestDeadlineReturnsPartialResults(t *testing.T) {
	t.Parallel()

	src := newScriptedSource([]string{"a", "b", "c"})
	src.transient["b"] = -1
	clk := clock.NewFake(start)
	gate := newGate(t, clk, func(c *ratelimit.Config) {
		c.FailureThreshold = 1000
	})
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 1000
	cfg.RunTimeout = 30 * time.Second
	cfg.Backoff = Backoff{Initial: 10 * time.Second, Factor: 1, Max: 10 * time.Second}
	col := New(gate, cfg, WithClock(clk))

	run := col.Collect(context.Background(), src, domain.Query{})
	got := collectAll(run)

	assert.Equal(t, []string{"a"}, ids(got))
	assert.NoError(t, run.Err(), "deadline is not an error")
	events := run.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventDeadlineReached, events[len(events)-1].Kind)
	assert.False(t, clk.Now().Before(start.Add(30*time.Second)))
}

func TestRateWaitBeyondMaxWaitAbandonsItem(t *testing.T) {
	t.Parallel()

	src := newScriptedSource([]string{"a", "b"})
	clk := clock.NewFake(start)
	gate := newGate(t, clk, func(c *ratelimit.Config) {
		c.Capacity = 2
		c.RefillPerSecond = 0.001
	})
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxWait = time.Minute
	col := New(gate, cfg, WithClock(clk))

	run := col.Collect(context.Background(), src, domain.Query{})
	got := collectAll(run)

	assert.Equal(t, []string{"a"}, ids(got))
	require.NoError(t, run.Err())
	events := run.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventWaitAbandoned, events[0].Kind)
	assert.Equal(t, "b", events[0].ItemID)
	assert.Equal(t, 0, src.callCount("b"))
}

func TestRateLimitedItemsWaitAndProceed(t *testing.T) {
	t.Parallel()

	src := newScriptedSource([]string{"a", "b", "c"})
	clk := clock.NewFake(start)
	gate := newGate(t, clk, func(c *ratelimit.Config) {
		c.Capacity = 1
		c.RefillPerSecond = 1
	})
	cfg := testConfig()
	cfg.Workers = 2
	cfg.MaxWait = time.Hour
	col := New(gate, cfg, WithClock(clk))

	got := collectAll(col.Collect(context.Background(), src, domain.Query{}))

	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
	assert.GreaterOrEqual(t, clk.Now().Sub(start), 3*time.Second, "one token per second for page + three items")
}

func TestRetryDelayJitterBounds(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Seed = 42
	cfg.Backoff = Backoff{Initial: time.Second, Factor: 2, Max: 5 * time.Second, Jitter: 0.5}
	col := New(nil, cfg)

	for attempt := 1; attempt <= 6; attempt++ {
		base := time.Duration(float64(time.Second) * float64(int(1)<<(attempt-1)))
		if base > 5*time.Second {
			base = 5 * time.Second
		}
		d := col.retryDelay(attempt)
		assert.GreaterOrEqual(t, d, base/2, fmt.Sprintf("attempt %d", attempt))
		assert.LessOrEqual(t, d, base*3/2, fmt.Sprintf("attempt %d", attempt))
	}
}
