package parser

import (
	"context"
	"errors"
	"fmt"

	"MarketSignals/internal/domain"
	"MarketSignals/internal/logging"
	"MarketSignals/internal/ports"
	"MarketSignals/internal/scanner"
)

// StrategySource fans one query out over several registered sources and
// presents them to the collector as a single PostSource.
type StrategySource struct {
	registry *scanner.Registry
	names    []string
	logger   logging.Logger
}

var _ ports.PostSource = (*StrategySource)(nil)

// NewStrategySource wires the registry with the source names to query, in order.
func NewStrategySource(reg *scanner.Registry, names []string, log logging.Logger) *StrategySource {
	if log == nil {
		log = logging.NewNop()
	}
	return &StrategySource{registry: reg, names: names, logger: log}
}

// Name identifies the combined source.
func (s *StrategySource) Name() string {
	return "strategy"
}

// Open resolves every configured source up front so a typo fails before any request.
func (s *StrategySource) Open(ctx context.Context, q domain.Query) (ports.Pager, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("source registry is not configured")
	}
	names := s.names
	if q.Source != "" {
		names = []string{q.Source}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}

	pagers := make([]namedPager, 0, len(names))
	for _, name := range names {
		src, err := s.registry.Resolve(name)
		if err != nil {
			return nil, err
		}
		p, err := src.Open(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		s.logger.Debug("source opened", logging.String("source", name), logging.String("query", q.Term))
		pagers = append(pagers, namedPager{name: name, pager: p})
	}
	return &chainPager{pagers: pagers}, nil
}

// Fetch dispatches to the source that discovered c.
func (s *StrategySource) Fetch(ctx context.Context, c domain.Candidate) (domain.RawPost, error) {
	src, err := s.registry.Resolve(c.Source)
	if err != nil {
		return domain.RawPost{}, domain.PermanentError("fetch", c.ID, err)
	}
	raw, err := src.Fetch(ctx, c)
	if err != nil {
		return domain.RawPost{}, err
	}
	if raw.Source == "" {
		raw.Source = c.Source
	}
	return raw, nil
}

type namedPager struct {
	name  string
	pager ports.Pager
}

type chainPager struct {
	pagers []namedPager
	idx    int
}

// NextPage drains each pager in turn and stamps candidates with their source name.
func (c *chainPager) NextPage(ctx context.Context) ([]domain.Candidate, error) {
	for c.idx < len(c.pagers) {
		cur := c.pagers[c.idx]
		page, err := cur.pager.NextPage(ctx)
		for i := range page {
			if page[i].Source == "" {
				page[i].Source = cur.name
			}
		}
		if !errors.Is(err, domain.ErrEndOfStream) {
			return page, err
		}
		c.idx++
		if len(page) == 0 {
			continue
		}
		if c.idx >= len(c.pagers) {
			return page, domain.ErrEndOfStream
		}
		return page, nil
	}
	return nil, domain.ErrEndOfStream
}
