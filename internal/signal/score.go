package signal

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gopkg.in/yaml.v3"

	"MarketSignals/internal/domain"
)

// Weights combine the four item components. They are normalized so sum(|w|) = 1.
type Weights struct {
	Sentiment  float64 `yaml:"sentiment"`
	Engagement float64 `yaml:"engagement"`
	Momentum   float64 `yaml:"momentum"`
	Temporal   float64 `yaml:"temporal"`
}

// UnmarshalYAML accepts the descriptive keys or their positional aliases w1..w4.
// Keys missing from the mapping keep their current value.
func (w *Weights) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: signal weights must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		var v float64
		if err := node.Content[i+1].Decode(&v); err != nil {
			return fmt.Errorf("weight %s: %w", key.Value, err)
		}
		switch key.Value {
		case "sentiment", "w1":
			w.Sentiment = v
		case "engagement", "w2":
			w.Engagement = v
		case "momentum", "w3":
			w.Momentum = v
		case "temporal", "w4":
			w.Temporal = v
		default:
			return fmt.Errorf("line %d: unknown weight %q", key.Line, key.Value)
		}
	}
	return nil
}

// DefaultWeights are illustrative starting values, not fitted to data.
func DefaultWeights() Weights {
	return Weights{Sentiment: 0.4, Engagement: 0.3, Momentum: 0.2, Temporal: 0.1}
}

// Normalized scales w so the absolute values sum to one.
func (w Weights) Normalized() (Weights, error) {
	sum := math.Abs(w.Sentiment) + math.Abs(w.Engagement) + math.Abs(w.Momentum) + math.Abs(w.Temporal)
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return Weights{}, fmt.Errorf("%w: signal weights must contain a finite non-zero value", domain.ErrInvalidConfig)
	}
	return Weights{
		Sentiment:  w.Sentiment / sum,
		Engagement: w.Engagement / sum,
		Momentum:   w.Momentum / sum,
		Temporal:   w.Temporal / sum,
	}, nil
}

// Components are the per-item inputs, each within [-1, 1].
type Components struct {
	Sentiment      float64 `json:"sentiment"`
	EngagementRate float64 `json:"engagementRate"`
	TagMomentum    float64 `json:"tagMomentum"`
	Temporal       float64 `json:"temporal"`
}

// Composite is the weighted sum. With normalized weights and bounded inputs it stays in [-1, 1].
func Composite(w Weights, c Components) float64 {
	s := w.Sentiment*clampUnit(c.Sentiment) +
		w.Engagement*clampUnit(c.EngagementRate) +
		w.Momentum*clampUnit(c.TagMomentum) +
		w.Temporal*clampUnit(c.Temporal)
	return clampUnit(s)
}

// ItemScore is one post's contribution to one tag window.
type ItemScore struct {
	PostID     string     `json:"postId"`
	Tag        string     `json:"tag"`
	Components Components `json:"components"`
	Score      float64    `json:"score"`
	Degraded   bool       `json:"degraded"`
}

// engagementRate compares a post's engagement with the tag's rolling median.
func engagementRate(total int64, median float64) float64 {
	return math.Tanh(math.Log((float64(total) + 1) / (median + 1)))
}

// tagMomentum compares the window's item count with the trailing baseline mean.
func tagMomentum(current int, baseline float64) float64 {
	return clampUnit(math.Tanh(math.Log((float64(current) + 1) / (baseline + 1))))
}

// temporalFactor halves every halfLife of age measured back from the window end.
func temporalFactor(createdAt, windowEnd time.Time, halfLife time.Duration) float64 {
	age := windowEnd.Sub(createdAt)
	if age < 0 || halfLife <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}

var errNoItems = errors.New("window has no items")
