package parser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"MarketSignals/internal/domain"
	"MarketSignals/internal/ports"
	"MarketSignals/internal/textnorm"
)

const (
	defaultPageSize = 50
	userAgent       = "MarketSignals/1.0"
)

var errParse = errors.New("unexpected markup")

// HTMLSource reads a server-rendered search listing and per-post permalink pages.
// Listing entries are article[data-post-id] elements; the next page is linked by a.next[data-cursor].
type HTMLSource struct {
	name     string
	baseURL  string
	client   *http.Client
	pageSize int
	now      func() time.Time
}

var _ ports.PostSource = (*HTMLSource)(nil)

// NewHTMLSource wires an HTTP client; pageSize defaults to 50.
func NewHTMLSource(name, baseURL string, client *http.Client) *HTMLSource {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTMLSource{
		name:     name,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		client:   client,
		pageSize: defaultPageSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Name identifies the source inside the registry.
func (s *HTMLSource) Name() string {
	return s.name
}

// Open prepares a pager over the search listing for q.Term.
func (s *HTMLSource) Open(_ context.Context, q domain.Query) (ports.Pager, error) {
	if strings.TrimSpace(q.Term) == "" {
		return nil, domain.PermanentError("open", "", errors.New("empty query term"))
	}
	return &htmlPager{src: s, term: q.Term}, nil
}

type htmlPager struct {
	src    *HTMLSource
	term   string
	cursor string
	done   bool
}

// NextPage only advances the cursor after a successful request so retries refetch the same page.
func (p *htmlPager) NextPage(ctx context.Context) ([]domain.Candidate, error) {
	if p.done {
		return nil, domain.ErrEndOfStream
	}
	pageURL, err := buildPageURL(p.src.baseURL+"/search", p.term, p.cursor, p.src.pageSize)
	if err != nil {
		return nil, domain.PermanentError("list", "", err)
	}

	doc, err := p.src.fetchDocument(ctx, "list", "", pageURL)
	if err != nil {
		return nil, err
	}

	candidates := p.src.extractCandidates(doc)
	next, ok := doc.Find("a.next").First().Attr("data-cursor")
	if !ok || strings.TrimSpace(next) == "" || len(candidates) == 0 {
		p.done = true
		return candidates, domain.ErrEndOfStream
	}
	p.cursor = next
	return candidates, nil
}

func (s *HTMLSource) extractCandidates(doc *goquery.Document) []domain.Candidate {
	var out []domain.Candidate
	doc.Find("article[data-post-id]").Each(func(_ int, sel *goquery.Selection) {
		id := strings.TrimSpace(sel.AttrOr("data-post-id", ""))
		if id == "" {
			return
		}
		href := sel.Find("a.permalink").First().AttrOr("href", "/posts/"+url.PathEscape(id))
		out = append(out, domain.Candidate{ID: id, URL: s.absolute(href), Source: s.name})
	})
	return out
}

// Fetch loads the permalink page of one candidate.
func (s *HTMLSource) Fetch(ctx context.Context, c domain.Candidate) (domain.RawPost, error) {
	target := c.URL
	if target == "" {
		target = s.absolute("/posts/" + url.PathEscape(c.ID))
	}
	doc, err := s.fetchDocument(ctx, "fetch", c.ID, target)
	if err != nil {
		return domain.RawPost{}, err
	}

	sel := doc.Find("article[data-post-id]").First()
	if sel.Length() == 0 {
		return domain.RawPost{}, domain.PermanentError("fetch", c.ID, errParse)
	}
	raw, err := parsePost(sel)
	if err != nil {
		return domain.RawPost{}, domain.PermanentError("fetch", c.ID, err)
	}
	raw.URL = target
	raw.Source = s.name
	raw.FetchedAt = s.now()
	return raw, nil
}

func (s *HTMLSource) fetchDocument(ctx context.Context, op, itemID, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, domain.PermanentError(op, itemID, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.TransientError(op, itemID, fmt.Errorf("request document: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("%s returned %s", s.name, resp.Status)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, domain.TransientError(op, itemID, statusErr)
		}
		return nil, domain.PermanentError(op, itemID, statusErr)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, domain.TransientError(op, itemID, fmt.Errorf("parse document: %w", err))
	}
	return doc, nil
}

func parsePost(sel *goquery.Selection) (domain.RawPost, error) {
	raw := domain.RawPost{
		ID:       strings.TrimSpace(sel.AttrOr("data-post-id", "")),
		Language: strings.TrimSpace(sel.AttrOr("data-lang", "")),
		Text:     strings.TrimSpace(sel.Find(".text").First().Text()),
	}

	created := strings.TrimSpace(sel.AttrOr("data-created", ""))
	if created == "" {
		created = sel.Find("time").First().AttrOr("datetime", "")
	}
	if created != "" {
		at, err := time.Parse(time.RFC3339, created)
		if err != nil {
			return domain.RawPost{}, fmt.Errorf("created at %q: %w", created, err)
		}
		raw.CreatedAt = at.UTC()
	}

	author := sel.Find(".author").First()
	raw.Author = strings.TrimPrefix(strings.TrimSpace(author.Text()), "@")
	if followers, ok := author.Attr("data-followers"); ok {
		n, err := textnorm.ParseCount(followers)
		if err != nil {
			return domain.RawPost{}, fmt.Errorf("followers: %w", err)
		}
		raw.AuthorFollowers = n
	}

	counters := []struct {
		class string
		dst   *int64
	}{
		{".likes", &raw.Engagement.Likes},
		{".shares", &raw.Engagement.Shares},
		{".replies", &raw.Engagement.Replies},
	}
	for _, c := range counters {
		text := strings.TrimSpace(sel.Find(c.class).First().Text())
		if text == "" {
			continue
		}
		n, err := textnorm.ParseCount(text)
		if err != nil {
			return domain.RawPost{}, fmt.Errorf("%s: %w", strings.TrimPrefix(c.class, "."), err)
		}
		*c.dst = n
	}

	sel.Find(".tags li").Each(func(_ int, li *goquery.Selection) {
		if tag := strings.TrimSpace(li.Text()); tag != "" {
			raw.Tags = append(raw.Tags, tag)
		}
	})
	_, raw.IsRetweet = sel.Attr("data-repost")
	_, raw.IsReply = sel.Attr("data-reply-to")
	return raw, nil
}

func (s *HTMLSource) absolute(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return s.baseURL + href
}

func buildPageURL(base, term, cursor string, pageSize int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid listing url %s: %w", base, err)
	}

	query := parsed.Query()
	query.Set("q", term)
	query.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
