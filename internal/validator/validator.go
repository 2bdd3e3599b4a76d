// Package validator promotes raw posts to records or rejects them with a reason.
package validator

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	ahocorasick "github.com/cloudflare/ahocorasick"

	"MarketSignals/internal/clock"
	"MarketSignals/internal/domain"
	"MarketSignals/internal/textnorm"
)

var (
	idExpr     = regexp.MustCompile(`^[A-Za-z0-9_:-]{1,64}$`)
	authorExpr = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)
	bareRTExpr = regexp.MustCompile(`(?i)^\s*rt\s*$`)
)

// Config holds field limits and quality scoring inputs.
type Config struct {
	MinLength        int
	MaxLength        int
	MaxAge           time.Duration
	MaxFutureSkew    time.Duration
	MaxEngagement    int64
	MaxTags          int
	QualityThreshold float64
	SpamMarkers      []string
	RelevantTags     []string
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MinLength:        5,
		MaxLength:        280,
		MaxAge:           7 * 24 * time.Hour,
		MaxFutureSkew:    time.Hour,
		MaxEngagement:    1_000_000,
		MaxTags:          30,
		QualityThreshold: 0.5,
		SpamMarkers: []string{
			"guaranteed profit", "guaranteed returns", "100% profit", "sure shot",
			"free money", "join my telegram", "dm for", "whatsapp", "click here", "giveaway",
		},
		RelevantTags: []string{"nifty50", "sensex", "banknifty", "intraday", "stockmarket"},
	}
}

// Validate rejects configurations the validator cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.MinLength < 1 {
		errs = append(errs, fmt.Errorf("minLength must be >= 1, got %d", c.MinLength))
	}
	if c.MaxLength < c.MinLength {
		errs = append(errs, fmt.Errorf("maxLength %d must be >= minLength %d", c.MaxLength, c.MinLength))
	}
	if c.MaxAge <= 0 {
		errs = append(errs, fmt.Errorf("maxAge must be > 0, got %v", c.MaxAge))
	}
	if c.MaxFutureSkew < 0 {
		errs = append(errs, fmt.Errorf("maxFutureSkew must be >= 0, got %v", c.MaxFutureSkew))
	}
	if c.MaxEngagement < 0 {
		errs = append(errs, fmt.Errorf("maxEngagement must be >= 0, got %d", c.MaxEngagement))
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		errs = append(errs, fmt.Errorf("qualityThreshold must be within [0,1], got %v", c.QualityThreshold))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: validate: %w", domain.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validator is safe for concurrent use.
type Validator struct {
	cfg      Config
	clock    clock.Clock
	markers  []string
	matcher  *ahocorasick.Matcher
	relevant map[string]struct{}

	mu       sync.Mutex
	accepted int
	rejected map[domain.RejectReason]int
	quality  float64
}

// New compiles the spam marker automaton.
func New(cfg Config, clk clock.Clock) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	v := &Validator{
		cfg:      cfg,
		clock:    clk,
		relevant: map[string]struct{}{},
		rejected: map[domain.RejectReason]int{},
	}
	for _, m := range cfg.SpamMarkers {
		if m = textnorm.Normalize(m); m != "" {
			v.markers = append(v.markers, m)
		}
	}
	if len(v.markers) > 0 {
		v.matcher = ahocorasick.NewStringMatcher(v.markers)
	}
	for _, t := range cfg.RelevantTags {
		v.relevant[strings.ToLower(strings.TrimPrefix(t, "#"))] = struct{}{}
	}
	return v, nil
}

// Validate returns the promoted post or a *domain.RejectedError.
func (v *Validator) Validate(raw domain.RawPost) (domain.Post, error) {
	if err := v.checkFields(raw); err != nil {
		v.count(err, 0)
		return domain.Post{}, err
	}

	post := domain.NewPost(raw, 0)
	if len(post.Tags) > v.cfg.MaxTags {
		err := domain.Reject(domain.RejectTooManyTags, "%d tags, max %d", len(post.Tags), v.cfg.MaxTags)
		v.count(err, 0)
		return domain.Post{}, err
	}

	post.QualityScore = v.Quality(raw, post.Tags)
	if post.QualityScore < v.cfg.QualityThreshold {
		err := domain.Reject(domain.RejectLowQuality, "score %.2f below %.2f", post.QualityScore, v.cfg.QualityThreshold)
		v.count(err, 0)
		return domain.Post{}, err
	}

	v.count(nil, post.QualityScore)
	return post, nil
}

func (v *Validator) checkFields(raw domain.RawPost) error {
	switch {
	case strings.TrimSpace(raw.ID) == "":
		return domain.Reject(domain.RejectMissingField, "id")
	case strings.TrimSpace(raw.Author) == "":
		return domain.Reject(domain.RejectMissingField, "author")
	case strings.TrimSpace(raw.Text) == "":
		return domain.Reject(domain.RejectMissingField, "text")
	case raw.CreatedAt.IsZero():
		return domain.Reject(domain.RejectMissingField, "createdAt")
	}

	if !idExpr.MatchString(raw.ID) {
		return domain.Reject(domain.RejectInvalidFormat, "id %q", raw.ID)
	}
	if !authorExpr.MatchString(raw.Author) {
		return domain.Reject(domain.RejectInvalidFormat, "author %q", raw.Author)
	}

	if bareRTExpr.MatchString(raw.Text) || textnorm.OnlyMentions(raw.Text) {
		return domain.Reject(domain.RejectForbiddenPattern, "%q", raw.Text)
	}

	if n := utf8.RuneCountInString(raw.Text); n < v.cfg.MinLength || n > v.cfg.MaxLength {
		return domain.Reject(domain.RejectTextLength, "%d runes, want [%d,%d]", n, v.cfg.MinLength, v.cfg.MaxLength)
	}

	now := v.clock.Now()
	if raw.CreatedAt.Before(now.Add(-v.cfg.MaxAge)) {
		return domain.Reject(domain.RejectStale, "created %s", raw.CreatedAt.UTC().Format(time.RFC3339))
	}
	if raw.CreatedAt.After(now.Add(v.cfg.MaxFutureSkew)) {
		return domain.Reject(domain.RejectFuture, "created %s", raw.CreatedAt.UTC().Format(time.RFC3339))
	}

	e := raw.Engagement
	if e.Likes < 0 || e.Shares < 0 || e.Replies < 0 {
		return domain.Reject(domain.RejectNegativeEngagement, "%+v", e)
	}
	if e.Likes > v.cfg.MaxEngagement || e.Shares > v.cfg.MaxEngagement || e.Replies > v.cfg.MaxEngagement {
		return domain.Reject(domain.RejectEngagementRange, "%+v exceeds %d", e, v.cfg.MaxEngagement)
	}
	return nil
}

// Quality scores a raw post in [0,1] from its text, spam markers and engagement.
func (v *Validator) Quality(raw domain.RawPost, tags []string) float64 {
	score := 1.0
	score -= 0.25 * float64(v.spamHits(raw.Text))

	runes := utf8.RuneCountInString(raw.Text)
	if runes < 10 {
		score -= 0.15
	}
	if textnorm.CountHashtagTokens(raw.Text) > 20 {
		score -= 0.05
	}
	if textnorm.CountMentionTokens(raw.Text) > 30 {
		score -= 0.05
	}

	total := raw.Engagement.Total()
	if total > 10_000 && float64(raw.Engagement.Likes)/float64(total) > 0.95 {
		score -= 0.05
	}
	if raw.AuthorFollowers > 0 {
		ratio := float64(total) / float64(raw.AuthorFollowers)
		switch {
		case ratio > 1:
			score -= 0.1
		case ratio >= 0.01:
			score += 0.05
		}
	} else if total > 100 {
		score += 0.1
	}

	if runes >= 50 && runes <= 200 {
		score += 0.05
	}
	if slices.ContainsFunc(tags, func(t string) bool { _, ok := v.relevant[t]; return ok }) {
		score += 0.1
	}
	return math.Max(0, math.Min(1, score))
}

func (v *Validator) spamHits(text string) int {
	if v.matcher == nil {
		return 0
	}
	hits := map[int]struct{}{}
	for _, idx := range v.matcher.Match([]byte(textnorm.Normalize(text))) {
		hits[idx] = struct{}{}
	}
	return len(hits)
}

func (v *Validator) count(err error, quality float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var rej *domain.RejectedError
	if errors.As(err, &rej) {
		v.rejected[rej.Reason]++
		return
	}
	v.accepted++
	v.quality += quality
}

// Counts returns accepted posts and rejections by reason.
func (v *Validator) Counts() (int, map[domain.RejectReason]int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[domain.RejectReason]int, len(v.rejected))
	for k, n := range v.rejected {
		out[k] = n
	}
	return v.accepted, out
}

// Reset clears counters between batches.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accepted = 0
	v.quality = 0
	v.rejected = map[domain.RejectReason]int{}
}
