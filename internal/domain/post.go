package domain

import (
	"slices"
	"strings"
	"time"

	"MarketSignals/internal/textnorm"
)

// UntaggedTag is the aggregation key for posts without any tag.
const UntaggedTag = "untagged"

// Engagement holds public interaction counters of a post.
type Engagement struct {
	Likes   int64 `json:"likes"`
	Shares  int64 `json:"shares"`
	Replies int64 `json:"replies"`
}

// Total sums all counters.
func (e Engagement) Total() int64 {
	return e.Likes + e.Shares + e.Replies
}

// Query describes one collection run against a source.
type Query struct {
	Term     string
	Source   string
	MaxItems int
}

// Candidate is an item discovered by a source but not fetched yet.
type Candidate struct {
	ID     string
	URL    string
	Source string
}

// RawPost is a fetched, unvalidated post.
type RawPost struct {
	ID              string
	Author          string
	AuthorFollowers int64
	CreatedAt       time.Time
	Text            string
	Engagement      Engagement
	Tags            []string
	Language        string
	IsRetweet       bool
	IsReply         bool
	URL             string
	Source          string
	FetchedAt       time.Time
}

// Post is a validated record. Build it with NewPost; fields must not be mutated afterwards.
type Post struct {
	ID           string
	Author       string
	CreatedAt    time.Time
	Text         string
	Engagement   Engagement
	Tags         []string
	Mentions     []string
	URLs         []string
	Language     string
	Source       string
	ContentHash  textnorm.Hash
	QualityScore float64
}

// NewPost derives tags, mentions, links and the content hash from raw.
func NewPost(raw RawPost, quality float64) Post {
	tags := make([]string, 0, len(raw.Tags))
	for _, t := range raw.Tags {
		t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "#"))
		if t != "" {
			tags = append(tags, t)
		}
	}
	tags = append(tags, textnorm.Hashtags(raw.Text)...)
	slices.Sort(tags)
	tags = slices.Compact(tags)

	return Post{
		ID:           raw.ID,
		Author:       raw.Author,
		CreatedAt:    raw.CreatedAt.UTC(),
		Text:         raw.Text,
		Engagement:   raw.Engagement,
		Tags:         tags,
		Mentions:     textnorm.Mentions(raw.Text),
		URLs:         textnorm.URLs(raw.Text),
		Language:     raw.Language,
		Source:       raw.Source,
		ContentHash:  textnorm.ContentHash(raw.Text),
		QualityScore: quality,
	}
}

// AggregationTags returns the keys a post contributes to.
func (p Post) AggregationTags() []string {
	if len(p.Tags) == 0 {
		return []string{UntaggedTag}
	}
	return p.Tags
}

// HasTag reports whether the post carries tag (case-insensitive, '#' optional).
func (p Post) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimPrefix(tag, "#"))
	_, found := slices.BinarySearch(p.Tags, tag)
	return found
}

// GroupKind tells how members of a duplicate group were matched.
type GroupKind string

const (
	GroupExact GroupKind = "exact"
	GroupFuzzy GroupKind = "fuzzy"
	GroupMixed GroupKind = "mixed"
)

// DuplicateGroup lists posts judged equivalent within one batch.
type DuplicateGroup struct {
	CanonicalID   string
	MemberIDs     []string
	Kind          GroupKind
	MinSimilarity float64
}
