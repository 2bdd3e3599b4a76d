package ports

import (
	"context"
	"time"

	"MarketSignals/internal/domain"
)

// PostSource discovers and fetches posts from one upstream.
type PostSource interface {
	Name() string
	// Open starts discovery for q without performing I/O.
	Open(ctx context.Context, q domain.Query) (Pager, error)
	// Fetch retrieves a single discovered item. Errors should be *domain.FetchError.
	Fetch(ctx context.Context, c domain.Candidate) (domain.RawPost, error)
}

// Pager yields candidates in discovery order, one upstream request per page.
// It returns domain.ErrEndOfStream when exhausted.
type Pager interface {
	NextPage(ctx context.Context) ([]domain.Candidate, error)
}

// SentimentScorer rates text in [-1, 1].
type SentimentScorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// SignalStore persists posts and emitted windows. Both calls must be idempotent by id.
type SignalStore interface {
	PersistPosts(ctx context.Context, posts []domain.Post) error
	PersistWindow(ctx context.Context, w domain.SignalWindow) error
}

// Notifier streams selected digests to Telegram or other channels.
type Notifier interface {
	PublishDigest(ctx context.Context, digest string) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}

// PostIndex reports which posts were persisted by an earlier run.
type PostIndex interface {
	KnownPostIDs(ctx context.Context, ids []string) (map[string]bool, error)
}

// WindowReader lists emitted windows, newest first.
type WindowReader interface {
	RecentWindows(ctx context.Context, tag string, limit int) ([]domain.SignalWindow, error)
}
