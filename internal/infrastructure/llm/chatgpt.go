package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"MarketSignals/internal/config"
	"MarketSignals/internal/ports"
)

var numberExpr = regexp.MustCompile(`[-+]?\d*\.?\d+`)

// ChatGPTClient implements ports.SentimentScorer backed by OpenAI-compatible chat APIs.
type ChatGPTClient struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	httpClient   *http.Client
}

var _ ports.SentimentScorer = (*ChatGPTClient)(nil)

// NewChatGPTClient builds a client from configuration.
func NewChatGPTClient(cfg config.ChatGPTConfig) *ChatGPTClient {
	return &ChatGPTClient{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: cfg.SystemPrompt,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

// Score asks the model for a single number in [-1, 1] describing the post's market sentiment.
func (c *ChatGPTClient) Score(ctx context.Context, text string) (float64, error) {
	if c == nil {
		return 0, fmt.Errorf("chatgpt client is nil")
	}
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return 0, fmt.Errorf("chatgpt client misconfigured")
	}

	body, err := json.Marshal(map[string]any{
		"model":       c.model,
		"temperature": 0,
		"messages": []map[string]string{
			{"role": "system", "content": safePrompt(c.systemPrompt)},
			{"role": "user", "content": text},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("marshal chatgpt payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("score sentiment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("chatgpt error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return 0, fmt.Errorf("decode chatgpt response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return 0, fmt.Errorf("chatgpt returned no choices")
	}
	return parseScore(completion.Choices[0].Message.Content)
}

func parseScore(content string) (float64, error) {
	match := numberExpr.FindString(content)
	if match == "" {
		return 0, fmt.Errorf("no score in reply %q", strings.TrimSpace(content))
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", match, err)
	}
	return math.Max(-1, math.Min(1, v)), nil
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "Rate the stock-market sentiment of the user's post. Reply with a single number between -1 (very bearish) and 1 (very bullish)."
	}
	return prompt
}
