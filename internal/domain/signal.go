package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

var windowNamespace = uuid.MustParse("6f1d4c1e-3a7b-5c8e-9d20-4b6a1f0e2c71")

// WindowID is stable for a (tag, bucket start) pair so repeated persists are no-ops.
func WindowID(tag string, start time.Time) string {
	return uuid.NewSHA1(windowNamespace, []byte(tag+"|"+strconv.FormatInt(start.Unix(), 10))).String()
}

// SignalWindow is the emitted aggregate for one tag and time bucket.
type SignalWindow struct {
	ID        string    `json:"id"`
	Tag       string    `json:"tag"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Count     int       `json:"count"`
	Score     float64   `json:"score"`
	Low       float64   `json:"low"`
	High      float64   `json:"high"`
	Bullish   int       `json:"bullish"`
	Bearish   int       `json:"bearish"`
	Neutral   int       `json:"neutral"`
	Degraded  int       `json:"degraded"`
	SampleIDs []string  `json:"sampleIds"`
	EmittedAt time.Time `json:"emittedAt"`
}

// Direction classifies the window score.
func (w SignalWindow) Direction() string {
	switch {
	case w.Score > 0.1:
		return "bullish"
	case w.Score < -0.1:
		return "bearish"
	default:
		return "neutral"
	}
}
