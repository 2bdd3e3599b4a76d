// Package dedupe collapses exact and near-duplicate posts within a batch.
//
// Exact duplicates share a content hash. Near-duplicates are found by
// normalized Levenshtein similarity, but only between posts created within
// a sliding time window of each other; posts further apart are assumed
// distinct without comparison, which keeps the pass from going quadratic
// over the whole batch.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/sync/errgroup"

	"MarketSignals/internal/domain"
	"MarketSignals/internal/logging"
	"MarketSignals/internal/textnorm"
)

// Config tunes near-duplicate detection.
type Config struct {
	SimilarityThreshold float64
	Window              time.Duration
	// Workers > 1 compares disjoint time partitions concurrently.
	Workers int
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{SimilarityThreshold: 0.85, Window: 10 * time.Minute, Workers: 1}
}

// Validate rejects configurations the deduplicator cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 || math.IsNaN(c.SimilarityThreshold) {
		errs = append(errs, fmt.Errorf("similarityThreshold must be within (0,1], got %v", c.SimilarityThreshold))
	}
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("window must be > 0, got %v", c.Window))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: dedupe: %w", domain.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Result is the outcome of one batch.
type Result struct {
	Posts   []domain.Post
	Groups  []domain.DuplicateGroup
	Removed int
}

// Deduplicator holds no batch state and is safe for concurrent use.
type Deduplicator struct {
	cfg    Config
	logger logging.Logger
}

// New validates cfg.
func New(cfg Config, log logging.Logger) (*Deduplicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Deduplicator{cfg: cfg, logger: log}, nil
}

// Similarity is 1 - levenshtein(a,b)/max(len(a),len(b)) over normalized runes.
func Similarity(a, b string) float64 {
	a, b = textnorm.Normalize(a), textnorm.Normalize(b)
	return similarityNormalized(a, b)
}

func similarityNormalized(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

type edge struct {
	a, b int
	sim  float64
}

// Dedupe returns one canonical post per duplicate group, ordered by each
// group's earliest input position.
func (d *Deduplicator) Dedupe(ctx context.Context, posts []domain.Post) (Result, error) {
	n := len(posts)
	if n == 0 {
		return Result{}, nil
	}

	uf := newUnionFind(n)

	// Pass 1: exact.
	firstByHash := make(map[textnorm.Hash]int, n)
	for i, p := range posts {
		if j, ok := firstByHash[p.ContentHash]; ok {
			uf.union(i, j)
			continue
		}
		firstByHash[p.ContentHash] = i
	}

	// Pass 2: fuzzy within the time window.
	normalized := make([]string, n)
	for i, p := range posts {
		normalized[i] = textnorm.Normalize(p.Text)
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int { return compareCanonical(posts[a], posts[b]) })

	partitions := d.partition(posts, order)
	edges := make([][]edge, len(partitions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for pi, part := range partitions {
		g.Go(func() error {
			found, err := d.compare(gctx, posts, normalized, part)
			edges[pi] = found
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("dedupe: %w", err)
	}

	var fuzzyEdges []edge
	for _, part := range edges {
		for _, e := range part {
			uf.union(e.a, e.b)
			fuzzyEdges = append(fuzzyEdges, e)
		}
	}

	res := d.assemble(posts, uf, fuzzyEdges)
	d.logger.Debug("dedupe finished",
		logging.Int("input", n),
		logging.Int("output", len(res.Posts)),
		logging.Int("groups", len(res.Groups)),
		logging.Int("partitions", len(partitions)),
	)
	return res, nil
}

// partition splits the time-sorted order wherever consecutive posts are more
// than one window apart; no comparable pair can straddle such a gap.
func (d *Deduplicator) partition(posts []domain.Post, order []int) [][]int {
	var parts [][]int
	startIdx := 0
	for k := 1; k <= len(order); k++ {
		if k == len(order) || posts[order[k]].CreatedAt.Sub(posts[order[k-1]].CreatedAt) > d.cfg.Window {
			parts = append(parts, order[startIdx:k])
			startIdx = k
		}
	}
	return parts
}

// compare runs the windowed pairwise pass for one partition on a single goroutine.
func (d *Deduplicator) compare(ctx context.Context, posts []domain.Post, normalized []string, part []int) ([]edge, error) {
	local := newUnionFind(len(part))
	var out []edge
	for x := 0; x < len(part); x++ {
		if x%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		i := part[x]
		for y := x + 1; y < len(part); y++ {
			j := part[y]
			if posts[j].CreatedAt.Sub(posts[i].CreatedAt) > d.cfg.Window {
				break
			}
			if posts[i].ContentHash == posts[j].ContentHash || local.find(x) == local.find(y) {
				continue
			}
			sim := similarityNormalized(normalized[i], normalized[j])
			if sim >= d.cfg.SimilarityThreshold {
				local.union(x, y)
				out = append(out, edge{a: i, b: j, sim: sim})
			}
		}
	}
	return out, nil
}

func (d *Deduplicator) assemble(posts []domain.Post, uf *unionFind, fuzzy []edge) Result {
	members := map[int][]int{}
	var roots []int
	for i := range posts {
		r := uf.find(i)
		if _, ok := members[r]; !ok {
			roots = append(roots, r)
		}
		members[r] = append(members[r], i)
	}

	hasFuzzy := map[int]bool{}
	minSim := map[int]float64{}
	for _, e := range fuzzy {
		r := uf.find(e.a)
		hasFuzzy[r] = true
		if cur, ok := minSim[r]; !ok || e.sim < cur {
			minSim[r] = e.sim
		}
	}

	// roots is ordered by first input index because members are scanned in input order.
	res := Result{Posts: make([]domain.Post, 0, len(roots))}
	for _, r := range roots {
		idx := members[r]
		canon := idx[0]
		for _, i := range idx[1:] {
			if compareCanonical(posts[i], posts[canon]) < 0 {
				canon = i
			}
		}
		res.Posts = append(res.Posts, posts[canon])
		if len(idx) == 1 {
			continue
		}

		group := domain.DuplicateGroup{
			CanonicalID:   posts[canon].ID,
			MemberIDs:     make([]string, 0, len(idx)),
			Kind:          domain.GroupExact,
			MinSimilarity: 1,
		}
		hashes := map[textnorm.Hash]int{}
		for _, i := range idx {
			group.MemberIDs = append(group.MemberIDs, posts[i].ID)
			hashes[posts[i].ContentHash]++
		}
		if hasFuzzy[r] {
			group.Kind = domain.GroupFuzzy
			group.MinSimilarity = minSim[r]
			for _, c := range hashes {
				if c > 1 {
					group.Kind = domain.GroupMixed
					break
				}
			}
		}
		res.Groups = append(res.Groups, group)
	}
	res.Removed = len(posts) - len(res.Posts)
	return res
}

// compareCanonical orders by createdAt, then id.
func compareCanonical(a, b domain.Post) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}
