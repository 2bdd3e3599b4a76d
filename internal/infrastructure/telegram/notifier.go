package telegram

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"MarketSignals/internal/domain"
	"MarketSignals/internal/ports"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	// Telegram rejects messages longer than 4096 characters.
	maxMessageLen = 4096
)

// Notifier sends digests to a Telegram chat via bot API.
type Notifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// WithAPIBase points the notifier at another Bot API host.
func (n *Notifier) WithAPIBase(base string) *Notifier {
	n.apiBase = strings.TrimSuffix(base, "/")
	return n
}

// PublishDigest posts a Markdown message to Telegram.
func (n *Notifier) PublishDigest(ctx context.Context, digest string) error {
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}
	if strings.TrimSpace(digest) == "" {
		return nil
	}
	if runes := []rune(digest); len(runes) > maxMessageLen {
		digest = string(runes[:maxMessageLen-1]) + "…"
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", digest)
	form.Set("parse_mode", "Markdown")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram error: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return nil
}

// FormatDigest renders windows with |score| >= minAbs, strongest first.
// It returns an empty string when nothing qualifies.
func FormatDigest(windows []domain.SignalWindow, minAbs float64) string {
	selected := make([]domain.SignalWindow, 0, len(windows))
	for _, w := range windows {
		if math.Abs(w.Score) >= minAbs {
			selected = append(selected, w)
		}
	}
	if len(selected) == 0 {
		return ""
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return math.Abs(selected[i].Score) > math.Abs(selected[j].Score)
	})

	var b strings.Builder
	b.WriteString("*Market signals*\n")
	for _, w := range selected {
		fmt.Fprintf(&b, "\n#%s %s %+.2f [%+.2f, %+.2f] n=%d (%s–%s UTC)",
			w.Tag, strings.ToUpper(w.Direction()), w.Score, w.Low, w.High, w.Count,
			w.Start.UTC().Format("15:04"), w.End.UTC().Format("15:04"))
		if w.Degraded > 0 {
			fmt.Fprintf(&b, " ⚠ %d degraded", w.Degraded)
		}
	}
	return b.String()
}
