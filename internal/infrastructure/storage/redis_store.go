package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"MarketSignals/internal/domain"
	"MarketSignals/internal/ports"
)

const defaultKeyPrefix = "marketsignals"

// RedisStore keeps posts and windows as JSON values written with SETNX, so a
// second persist of the same id never overwrites the first.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var (
	_ ports.SignalStore  = (*RedisStore)(nil)
	_ ports.PostIndex    = (*RedisStore)(nil)
	_ ports.WindowReader = (*RedisStore)(nil)
)

// NewRedisStore wraps client. A zero ttl keeps keys forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: defaultKeyPrefix, ttl: ttl}
}

// OpenRedis creates a client for addr and pings it.
func OpenRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) postKey(id string) string   { return s.prefix + ":post:" + id }
func (s *RedisStore) windowKey(id string) string { return s.prefix + ":window:" + id }

func (s *RedisStore) windowIndex(tag string) string {
	if tag == "" {
		return s.prefix + ":windows"
	}
	return s.prefix + ":windows:" + tag
}

// PersistPosts writes all posts in one pipeline.
func (s *RedisStore) PersistPosts(ctx context.Context, posts []domain.Post) error {
	if len(posts) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, p := range posts {
		payload, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal post %s: %w", p.ID, err)
		}
		pipe.SetNX(ctx, s.postKey(p.ID), payload, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist posts: %w", err)
	}
	return nil
}

// PersistWindow stores the window and indexes it by start time, globally and per tag.
func (s *RedisStore) PersistWindow(ctx context.Context, w domain.SignalWindow) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal window %s: %w", w.ID, err)
	}
	member := redis.Z{Score: float64(w.Start.Unix()), Member: w.ID}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, s.windowKey(w.ID), payload, s.ttl)
		pipe.ZAdd(ctx, s.windowIndex(w.Tag), member)
		pipe.ZAdd(ctx, s.windowIndex(""), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist window %s: %w", w.ID, err)
	}
	return nil
}

// KnownPostIDs checks key existence for every id in one round trip.
func (s *RedisStore) KnownPostIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	result := make(map[string]bool)
	if len(ids) == 0 {
		return result, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, s.postKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check known posts: %w", err)
	}
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			result[ids[i]] = true
		}
	}
	return result, nil
}

// RecentWindows reads the newest window ids from the index and loads them.
// Ids whose payload expired are skipped.
func (s *RedisStore) RecentWindows(ctx context.Context, tag string, limit int) ([]domain.SignalWindow, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.client.ZRevRange(ctx, s.windowIndex(tag), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read window index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.windowKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load windows: %w", err)
	}

	out := make([]domain.SignalWindow, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var w domain.SignalWindow
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("decode window %s: %w", ids[i], err)
		}
		out = append(out, w)
	}
	return out, nil
}
