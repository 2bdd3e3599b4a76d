package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"MarketSignals/internal/domain"
	"MarketSignals/internal/ports"
)

// MemoryStore is an in-process store for dry runs and tests. First write wins.
type MemoryStore struct {
	mu      sync.RWMutex
	posts   map[string]domain.Post
	windows map[string]domain.SignalWindow
}

var (
	_ ports.SignalStore  = (*MemoryStore)(nil)
	_ ports.PostIndex    = (*MemoryStore)(nil)
	_ ports.WindowReader = (*MemoryStore)(nil)
)

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts:   map[string]domain.Post{},
		windows: map[string]domain.SignalWindow{},
	}
}

func (m *MemoryStore) PersistPosts(_ context.Context, posts []domain.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range posts {
		if _, ok := m.posts[p.ID]; !ok {
			m.posts[p.ID] = p
		}
	}
	return nil
}

func (m *MemoryStore) PersistWindow(_ context.Context, w domain.SignalWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.windows[w.ID]; !ok {
		m.windows[w.ID] = w
	}
	return nil
}

func (m *MemoryStore) KnownPostIDs(_ context.Context, ids []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := m.posts[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m *MemoryStore) RecentWindows(_ context.Context, tag string, limit int) ([]domain.SignalWindow, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	out := make([]domain.SignalWindow, 0, len(m.windows))
	for _, w := range m.windows {
		if tag == "" || w.Tag == tag {
			out = append(out, w)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.SignalWindow) int {
		if c := b.Start.Compare(a.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.Tag, b.Tag)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Counts reports how many posts and windows are stored.
func (m *MemoryStore) Counts() (posts, windows int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.posts), len(m.windows)
}
