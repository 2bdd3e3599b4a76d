package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"MarketSignals/internal/domain"
	"MarketSignals/internal/ports"
	"MarketSignals/internal/ratelimit"
	"MarketSignals/internal/signal"
)

const (
	defaultWindowLimit = 20
	maxWindowLimit     = 500
)

// GateInspector exposes the admission gate state.
type GateInspector interface {
	Snapshot() ratelimit.Budget
}

// StatsProvider exposes aggregator counters.
type StatsProvider interface {
	Stats() signal.Stats
}

// RunTrigger starts an on-demand pipeline run.
type RunTrigger interface {
	Run(ctx context.Context, q domain.Query) (*domain.RunReport, error)
}

// ItemScorer scores a single post against the current aggregation state.
type ItemScorer interface {
	Score(ctx context.Context, p domain.Post) ([]signal.ItemScore, error)
}

// Handler serves the API routes. Nil dependencies turn their route into 503.
type Handler struct {
	service string
	gate    GateInspector
	windows ports.WindowReader
	stats   StatsProvider
	runner  RunTrigger
	scorer  ItemScorer
	started time.Time
}

// NewHandler creates a handler; optional dependencies may be nil.
func NewHandler(service string, gate GateInspector, windows ports.WindowReader, stats StatsProvider, runner RunTrigger) *Handler {
	return &Handler{
		service: service,
		gate:    gate,
		windows: windows,
		stats:   stats,
		runner:  runner,
		started: time.Now(),
	}
}

// WithScorer enables POST /api/v1/score.
func (h *Handler) WithScorer(s ItemScorer) *Handler {
	h.scorer = s
	return h
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Uptime  string `json:"uptime"`
	Circuit string `json:"circuit,omitempty"`
}

// Health handles GET /health. An open circuit reports degraded with 200.
func (h *Handler) Health(c *gin.Context) {
	resp := healthResponse{
		Status:  "healthy",
		Service: h.service,
		Uptime:  time.Since(h.started).Truncate(time.Second).String(),
	}
	if h.gate != nil {
		resp.Circuit = h.gate.Snapshot().State
		if resp.Circuit != ratelimit.StateClosed.String() {
			resp.Status = "degraded"
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Gate handles GET /api/v1/gate.
func (h *Handler) Gate(c *gin.Context) {
	if h.gate == nil {
		unavailable(c, "gate")
		return
	}
	budget := h.gate.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"budget":      budget,
		"successRate": budget.SuccessRate(),
	})
}

// Windows handles GET /api/v1/windows?tag=&limit=.
func (h *Handler) Windows(c *gin.Context) {
	if h.windows == nil {
		unavailable(c, "window store")
		return
	}
	limit := defaultWindowLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxWindowLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	windows, err := h.windows.RecentWindows(c.Request.Context(), c.Query("tag"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if windows == nil {
		windows = []domain.SignalWindow{}
	}
	c.JSON(http.StatusOK, gin.H{"windows": windows, "count": len(windows)})
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(c *gin.Context) {
	if h.stats == nil {
		unavailable(c, "aggregator")
		return
	}
	c.JSON(http.StatusOK, h.stats.Stats())
}

type runRequest struct {
	Query    string `json:"query" binding:"required"`
	Source   string `json:"source"`
	MaxItems int    `json:"maxItems" binding:"gte=0"`
}

// TriggerRun handles POST /api/v1/runs and blocks until the run finishes.
func (h *Handler) TriggerRun(c *gin.Context) {
	if h.runner == nil {
		unavailable(c, "pipeline")
		return
	}
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := h.runner.Run(c.Request.Context(), domain.Query{
		Term:     req.Query,
		Source:   req.Source,
		MaxItems: req.MaxItems,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, report)
	case errors.Is(err, domain.ErrRunDegraded):
		c.JSON(http.StatusOK, gin.H{"report": report, "warning": err.Error()})
	case errors.Is(err, domain.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"report": report, "error": err.Error()})
	}
}

type scoreRequest struct {
	ID        string    `json:"id"`
	Text      string    `json:"text" binding:"required"`
	Tags      []string  `json:"tags"`
	Likes     int64     `json:"likes" binding:"gte=0"`
	Shares    int64     `json:"shares" binding:"gte=0"`
	Replies   int64     `json:"replies" binding:"gte=0"`
	CreatedAt time.Time `json:"createdAt"`
	Tag       string    `json:"tag"`
}

// ScoreItem handles POST /api/v1/score. It does not add the post to any window.
func (h *Handler) ScoreItem(c *gin.Context) {
	if h.scorer == nil {
		unavailable(c, "scorer")
		return
	}
	var req scoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	post := domain.NewPost(domain.RawPost{
		ID:         req.ID,
		CreatedAt:  req.CreatedAt,
		Text:       req.Text,
		Tags:       req.Tags,
		Engagement: domain.Engagement{Likes: req.Likes, Shares: req.Shares, Replies: req.Replies},
	}, 1)
	if req.Tag != "" && !post.HasTag(req.Tag) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "post does not carry tag " + req.Tag, "tags": post.AggregationTags()})
		return
	}

	scores, err := h.scorer.Score(c.Request.Context(), post)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if req.Tag != "" {
		tag := strings.ToLower(strings.TrimPrefix(req.Tag, "#"))
		filtered := scores[:0]
		for _, s := range scores {
			if s.Tag == tag {
				filtered = append(filtered, s)
			}
		}
		scores = filtered
	}
	if scores == nil {
		scores = []signal.ItemScore{}
	}
	c.JSON(http.StatusOK, gin.H{"scores": scores, "count": len(scores)})
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}
