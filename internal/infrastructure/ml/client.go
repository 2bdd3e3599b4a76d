package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"MarketSignals/internal/ports"
)

// ErrUnavailable is returned when the inference service cannot produce a score.
var ErrUnavailable = errors.New("sentiment service unavailable")

// Client talks to an external ML service for sentiment inference.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.SentimentScorer = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// Score posts the text to {endpoint}/sentiment and returns the clamped score.
func (c *Client) Score(ctx context.Context, text string) (float64, error) {
	if c.endpoint == "" {
		return 0, fmt.Errorf("%w: endpoint not configured", ErrUnavailable)
	}

	var resp struct {
		Score *float64 `json:"score"`
	}
	if err := c.post(ctx, "/sentiment", map[string]any{"text": text}, &resp); err != nil {
		return 0, err
	}
	if resp.Score == nil || math.IsNaN(*resp.Score) {
		return 0, fmt.Errorf("%w: response without score", ErrUnavailable)
	}
	return math.Max(-1, math.Min(1, *resp.Score)), nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: do request: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %s", ErrUnavailable, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
