package signal

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketSignals/internal/clock"
	"MarketSignals/internal/domain"
)

type fixedScorer struct {
	byText map[string]float64
	fail   map[string]error
}

func (f fixedScorer) Score(_ context.Context, text string) (float64, error) {
	if err, ok := f.fail[text]; ok {
		return 0, err
	}
	return f.byText[text], nil
}

type recordingStore struct {
	mu      sync.Mutex
	windows []domain.SignalWindow
	err     error
}

func (s *recordingStore) PersistPosts(context.Context, []domain.Post) error { return nil }

func (s *recordingStore) PersistWindow(_ context.Context, w domain.SignalWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, w)
	return s.err
}

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func post(id, text string, at time.Time, likes int64, tags ...string) domain.Post {
	return domain.Post{
		ID:         id,
		Text:       text,
		CreatedAt:  at,
		Engagement: domain.Engagement{Likes: likes},
		Tags:       tags,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Seed = 42
	cfg.BootstrapSamples = 200
	return cfg
}

func TestCompositeBounded(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 1000; i++ {
		w := Weights{
			Sentiment:  rng.Float64()*4 - 2,
			Engagement: rng.Float64()*4 - 2,
			Momentum:   rng.Float64()*4 - 2,
			Temporal:   rng.Float64()*4 - 2,
		}
		nw, err := w.Normalized()
		require.NoError(t, err)
		c := Components{
			Sentiment:      rng.Float64()*2 - 1,
			EngagementRate: rng.Float64()*2 - 1,
			TagMomentum:    rng.Float64()*2 - 1,
			Temporal:       rng.Float64(),
		}
		s := Composite(nw, c)
		assert.GreaterOrEqual(t, s, -1.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestWeightsNormalized(t *testing.T) {
	t.Parallel()

	w, err := Weights{Sentiment: 2, Engagement: -1, Momentum: 1}.Normalized()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, w.Sentiment, 1e-12)
	assert.InDelta(t, -0.25, w.Engagement, 1e-12)
	assert.InDelta(t, 1.0, math.Abs(w.Sentiment)+math.Abs(w.Engagement)+math.Abs(w.Momentum)+math.Abs(w.Temporal), 1e-12)

	_, err = Weights{}.Normalized()
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestComponentFormulas(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0, engagementRate(9, 9), 1e-12)
	assert.Greater(t, engagementRate(1000, 9), 0.9)
	assert.Less(t, engagementRate(0, 99), -0.9)

	assert.InDelta(t, 0, tagMomentum(3, 3), 1e-12)
	assert.Greater(t, tagMomentum(30, 1), 0.0)

	end := base.Add(5 * time.Minute)
	assert.InDelta(t, 1, temporalFactor(end, end, 5*time.Minute), 1e-12)
	assert.InDelta(t, 0.5, temporalFactor(base, end, 5*time.Minute), 1e-12)
	assert.InDelta(t, 1, temporalFactor(end.Add(time.Minute), end, 5*time.Minute), 1e-12)
}

func TestAggregateWindowBoundsAndCounts(t *testing.T) {
	t.Parallel()

	scorer := fixedScorer{byText: map[string]float64{"up": 0.9, "down": -0.9, "flat": 0}}
	store := &recordingStore{}
	agg, err := New(testConfig(), scorer, WithStore(store), WithClock(clock.NewFake(base)))
	require.NoError(t, err)

	posts := []domain.Post{
		post("a", "up", base.Add(time.Minute), 10, "nifty"),
		post("b", "up", base.Add(2*time.Minute), 20, "nifty"),
		post("c", "down", base.Add(3*time.Minute), 5, "nifty"),
		post("d", "flat", base.Add(4*time.Minute), 0, "nifty", "banks"),
	}
	res, err := agg.Add(context.Background(), posts)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Accepted)
	assert.Zero(t, res.Late)

	windows, err := agg.CloseExpired(context.Background(), base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Len(t, store.windows, 2)

	var nifty domain.SignalWindow
	for _, w := range windows {
		assert.LessOrEqual(t, w.Low, w.Score)
		assert.LessOrEqual(t, w.Score, w.High)
		assert.GreaterOrEqual(t, w.Score, -1.0)
		assert.LessOrEqual(t, w.Score, 1.0)
		assert.Equal(t, domain.WindowID(w.Tag, w.Start), w.ID)
		if w.Tag == "nifty" {
			nifty = w
		}
	}
	assert.Equal(t, 4, nifty.Count)
	assert.Equal(t, 4, nifty.Bullish+nifty.Bearish+nifty.Neutral)
	assert.Equal(t, []string{"a", "b", "c", "d"}, nifty.SampleIDs)
	assert.Equal(t, base, nifty.Start)
	assert.Equal(t, base.Add(5*time.Minute), nifty.End)
	assert.Equal(t, base, nifty.EmittedAt)
	assert.Zero(t, agg.Stats().OpenWindows)
}

func TestCloseExpiredKeepsOpenWindows(t *testing.T) {
	t.Parallel()

	agg, err := New(testConfig(), fixedScorer{})
	require.NoError(t, err)
	_, err = agg.Add(context.Background(), []domain.Post{
		post("a", "x", base.Add(time.Minute), 0, "nifty"),
		post("b", "y", base.Add(6*time.Minute), 0, "nifty"),
	})
	require.NoError(t, err)

	windows, err := agg.CloseExpired(context.Background(), base.Add(9*time.Minute))
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, base, windows[0].Start)
	assert.Equal(t, 1, agg.Stats().OpenWindows)

	windows, err = agg.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, base.Add(5*time.Minute), windows[0].Start)
}

func TestDeterministicForFixedSeed(t *testing.T) {
	t.Parallel()

	scorer := fixedScorer{byText: map[string]float64{}}
	var posts []domain.Post
	for i := 0; i < 40; i++ {
		text := "t" + strconv.Itoa(i)
		scorer.byText[text] = math.Sin(float64(i))
		posts = append(posts, post("p"+strconv.Itoa(i), text, base.Add(time.Duration(i)*5*time.Second), int64(i*3), "nifty"))
	}

	run := func() domain.SignalWindow {
		agg, err := New(testConfig(), scorer)
		require.NoError(t, err)
		_, err = agg.Add(context.Background(), posts)
		require.NoError(t, err)
		windows, err := agg.Flush(context.Background())
		require.NoError(t, err)
		require.Len(t, windows, 1)
		return windows[0]
	}

	first, second := run(), run()
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Low, second.Low)
	assert.Equal(t, first.High, second.High)
	assert.Less(t, first.Low, first.High)
}

func TestScorerFailureDegradesToNeutral(t *testing.T) {
	t.Parallel()

	scorer := fixedScorer{
		byText: map[string]float64{"ok": 1},
		fail:   map[string]error{"broken": errors.New("model unavailable")},
	}
	agg, err := New(testConfig(), scorer)
	require.NoError(t, err)

	res, err := agg.Add(context.Background(), []domain.Post{
		post("a", "ok", base.Add(time.Minute), 0, "nifty"),
		post("b", "broken", base.Add(time.Minute), 0, "nifty"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Degraded)
	require.Len(t, res.Events, 1)
	assert.Equal(t, domain.EventAggregationDegraded, res.Events[0].Kind)
	assert.Equal(t, "b", res.Events[0].ItemID)

	scores, err := agg.Score(context.Background(), post("b", "broken", base.Add(time.Minute), 0, "nifty"))
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.True(t, scores[0].Degraded)
	assert.Zero(t, scores[0].Components.Sentiment)

	windows, err := agg.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, 1, windows[0].Degraded)
	assert.Equal(t, 1, agg.Stats().Degraded)
}

func TestLateRecordsDropped(t *testing.T) {
	t.Parallel()

	agg, err := New(testConfig(), fixedScorer{})
	require.NoError(t, err)
	_, err = agg.Add(context.Background(), []domain.Post{post("a", "x", base.Add(time.Minute), 0, "nifty")})
	require.NoError(t, err)
	_, err = agg.Flush(context.Background())
	require.NoError(t, err)

	res, err := agg.Add(context.Background(), []domain.Post{
		post("late", "x", base.Add(2*time.Minute), 0, "nifty"),
		post("older", "x", base.Add(-time.Hour), 0, "nifty"),
		post("other-tag", "x", base.Add(2*time.Minute), 0, "banks"),
		post("next", "x", base.Add(6*time.Minute), 0, "nifty"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Late)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 2, agg.Stats().Late)
	for _, ev := range res.Events {
		assert.Equal(t, domain.EventLateRecord, ev.Kind)
	}
}

func TestUntaggedPostsShareOneWindow(t *testing.T) {
	t.Parallel()

	agg, err := New(testConfig(), fixedScorer{})
	require.NoError(t, err)
	_, err = agg.Add(context.Background(), []domain.Post{
		post("a", "x", base.Add(time.Minute), 0),
		post("b", "y", base.Add(2*time.Minute), 0),
	})
	require.NoError(t, err)

	windows, err := agg.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, domain.UntaggedTag, windows[0].Tag)
	assert.Equal(t, 2, windows[0].Count)
}

func TestMomentumFollowsBaseline(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Weights = Weights{Momentum: 1}
	cfg.BaselineWindows = 2
	agg, err := New(cfg, fixedScorer{})
	require.NoError(t, err)

	_, err = agg.Add(context.Background(), []domain.Post{post("a", "x", base.Add(time.Minute), 0, "nifty")})
	require.NoError(t, err)
	first, err := agg.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Zero(t, first[0].Score)

	var burst []domain.Post
	for i := 0; i < 8; i++ {
		burst = append(burst, post("b"+strconv.Itoa(i), "x", base.Add(6*time.Minute), 0, "nifty"))
	}
	_, err = agg.Add(context.Background(), burst)
	require.NoError(t, err)
	second, err := agg.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
	// baseline = (1 + 0) / 2
	assert.InDelta(t, math.Tanh(math.Log(9/1.5)), second[0].Score, 1e-9)
}

func TestPersistFailureStillReturnsWindows(t *testing.T) {
	t.Parallel()

	store := &recordingStore{err: errors.New("db down")}
	agg, err := New(testConfig(), fixedScorer{}, WithStore(store))
	require.NoError(t, err)
	_, err = agg.Add(context.Background(), []domain.Post{post("a", "x", base, 0, "nifty")})
	require.NoError(t, err)

	windows, err := agg.Flush(context.Background())
	require.Error(t, err)
	assert.Len(t, windows, 1)
}

func TestBootstrapSingleItem(t *testing.T) {
	t.Parallel()

	mean, low, high, err := bootstrapInterval([]float64{0.3}, 50, windowRNG(7, "w"))
	require.NoError(t, err)
	assert.InDelta(t, 0.3, mean, 1e-12)
	assert.InDelta(t, 0.3, low, 1e-12)
	assert.InDelta(t, 0.3, high, 1e-12)

	_, _, _, err = bootstrapInterval(nil, 50, windowRNG(7, "w"))
	assert.ErrorIs(t, err, errNoItems)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Window = 0
	cfg.BootstrapSamples = 0
	err := cfg.Validate()
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "window")
	assert.Contains(t, err.Error(), "bootstrap")

	_, err = New(DefaultConfig(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}
