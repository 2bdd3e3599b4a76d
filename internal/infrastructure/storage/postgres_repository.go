package storage

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"MarketSignals/internal/domain"
	"MarketSignals/internal/ports"
)

//go:embed schema.sql
var schema string

// postBatchSize keeps a single INSERT well below the 65535 bind parameter limit.
const postBatchSize = 500

var postColumns = []string{
	"id", "author", "created_at", "text", "likes", "shares", "replies",
	"tags", "language", "source", "content_hash", "quality_score",
}

var windowColumns = []string{
	"id", "tag", "window_start", "window_end", "item_count", "score", "ci_low", "ci_high",
	"bullish", "bearish", "neutral", "degraded", "sample_ids", "emitted_at",
}

// PostgresRepository persists posts and emitted windows into Postgres.
// Every insert is ON CONFLICT DO NOTHING so redelivery is a no-op.
type PostgresRepository struct {
	db      *sqlx.DB
	builder sq.StatementBuilderType
}

var (
	_ ports.SignalStore  = (*PostgresRepository)(nil)
	_ ports.PostIndex    = (*PostgresRepository)(nil)
	_ ports.WindowReader = (*PostgresRepository)(nil)
)

// NewPostgresRepository wires a sqlx.DB implementation.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// OpenPostgres connects with the lib/pq driver and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Migrate creates the tables when they do not exist yet.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PersistPosts inserts posts in batches inside one transaction.
func (r *PostgresRepository) PersistPosts(ctx context.Context, posts []domain.Post) error {
	if len(posts) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(posts); start += postBatchSize {
		end := min(start+postBatchSize, len(posts))
		insert := r.builder.Insert("posts").Columns(postColumns...)
		for _, p := range posts[start:end] {
			insert = insert.Values(
				p.ID, p.Author, p.CreatedAt, p.Text,
				p.Engagement.Likes, p.Engagement.Shares, p.Engagement.Replies,
				pq.StringArray(p.Tags), p.Language, p.Source,
				p.ContentHash.String(), p.QualityScore,
			)
		}
		query, args, err := insert.Suffix("ON CONFLICT (id) DO NOTHING").ToSql()
		if err != nil {
			return fmt.Errorf("build posts insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert posts: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit posts: %w", err)
	}
	return nil
}

// PersistWindow inserts one emitted window.
func (r *PostgresRepository) PersistWindow(ctx context.Context, w domain.SignalWindow) error {
	query, args, err := r.builder.Insert("signal_windows").
		Columns(windowColumns...).
		Values(
			w.ID, w.Tag, w.Start, w.End, w.Count, w.Score, w.Low, w.High,
			w.Bullish, w.Bearish, w.Neutral, w.Degraded, pq.StringArray(w.SampleIDs), w.EmittedAt,
		).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build window insert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert window %s: %w", w.ID, err)
	}
	return nil
}

// KnownPostIDs returns a map with IDs that already exist in storage.
func (r *PostgresRepository) KnownPostIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	result := make(map[string]bool)
	if len(ids) == 0 {
		return result, nil
	}

	var found []string
	if err := r.db.SelectContext(ctx, &found, `SELECT id FROM posts WHERE id = ANY($1)`, pq.StringArray(ids)); err != nil {
		return nil, fmt.Errorf("query known posts: %w", err)
	}
	for _, id := range found {
		result[id] = true
	}
	return result, nil
}

type windowRow struct {
	ID        string         `db:"id"`
	Tag       string         `db:"tag"`
	Start     time.Time      `db:"window_start"`
	End       time.Time      `db:"window_end"`
	Count     int            `db:"item_count"`
	Score     float64        `db:"score"`
	Low       float64        `db:"ci_low"`
	High      float64        `db:"ci_high"`
	Bullish   int            `db:"bullish"`
	Bearish   int            `db:"bearish"`
	Neutral   int            `db:"neutral"`
	Degraded  int            `db:"degraded"`
	SampleIDs pq.StringArray `db:"sample_ids"`
	EmittedAt time.Time      `db:"emitted_at"`
}

// RecentWindows lists the newest windows, optionally filtered by tag.
func (r *PostgresRepository) RecentWindows(ctx context.Context, tag string, limit int) ([]domain.SignalWindow, error) {
	if limit <= 0 {
		limit = 20
	}
	sel := r.builder.Select(windowColumns...).From("signal_windows")
	if tag != "" {
		sel = sel.Where(sq.Eq{"tag": tag})
	}
	query, args, err := sel.OrderBy("window_start DESC", "tag").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build windows select: %w", err)
	}

	var rows []windowRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select windows: %w", err)
	}

	out := make([]domain.SignalWindow, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.SignalWindow{
			ID:        row.ID,
			Tag:       row.Tag,
			Start:     row.Start.UTC(),
			End:       row.End.UTC(),
			Count:     row.Count,
			Score:     row.Score,
			Low:       row.Low,
			High:      row.High,
			Bullish:   row.Bullish,
			Bearish:   row.Bearish,
			Neutral:   row.Neutral,
			Degraded:  row.Degraded,
			SampleIDs: []string(row.SampleIDs),
			EmittedAt: row.EmittedAt.UTC(),
		})
	}
	return out, nil
}
