// Package lexicon scores market sentiment offline from word lists.
package lexicon

import (
	"context"
	"math"
	"strings"
	"unicode"

	"MarketSignals/internal/ports"
	"MarketSignals/internal/textnorm"
)

// alpha controls how fast the raw sum saturates towards ±1.
const alpha = 15.0

var (
	defaultPositive = map[string]float64{
		"bullish": 2, "bull": 1.5, "breakout": 1.5, "rally": 1.5, "rallies": 1.5, "surge": 2, "surges": 2,
		"buy": 1, "buying": 1, "long": 0.5, "upside": 1.5, "gain": 1, "gains": 1, "green": 1,
		"strong": 1, "higher": 1, "support": 0.5, "recovery": 1, "outperform": 1.5, "beat": 1,
		"beats": 1, "upgrade": 1.5, "accumulate": 1, "record": 0.5, "moon": 2, "rocket": 1.5,
	}
	defaultNegative = map[string]float64{
		"bearish": 2, "bear": 1.5, "breakdown": 1.5, "crash": 2.5, "crashes": 2.5, "dump": 2,
		"sell": 1, "selling": 1, "short": 0.5, "downside": 1.5, "loss": 1, "losses": 1, "red": 1,
		"weak": 1, "lower": 1, "falls": 1, "fall": 1, "slipping": 1, "panic": 2, "fear": 1.5,
		"underperform": 1.5, "miss": 1, "misses": 1, "downgrade": 1.5, "cautious": 0.5, "negative": 1,
	}
	negators     = map[string]struct{}{"not": {}, "no": {}, "never": {}, "dont": {}, "don't": {}, "isnt": {}, "isn't": {}, "without": {}}
	intensifiers = map[string]float64{"very": 1.5, "extremely": 2, "super": 1.5, "massive": 1.5, "huge": 1.5, "slightly": 0.5}
)

// Scorer is a deterministic word-list sentiment scorer.
type Scorer struct {
	positive map[string]float64
	negative map[string]float64
}

var _ ports.SentimentScorer = (*Scorer)(nil)

// New builds a scorer with the built-in market vocabulary plus extra terms.
// Extra weights are positive for bullish terms and negative for bearish ones.
func New(extra map[string]float64) *Scorer {
	s := &Scorer{positive: map[string]float64{}, negative: map[string]float64{}}
	for w, v := range defaultPositive {
		s.positive[w] = v
	}
	for w, v := range defaultNegative {
		s.negative[w] = v
	}
	for w, v := range extra {
		w = strings.ToLower(w)
		switch {
		case v > 0:
			s.positive[w] = v
		case v < 0:
			s.negative[w] = -v
		}
	}
	return s
}

// Score returns a value in [-1, 1]. It never fails.
func (s *Scorer) Score(_ context.Context, text string) (float64, error) {
	tokens := strings.FieldsFunc(textnorm.Normalize(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})

	var sum float64
	for i, tok := range tokens {
		v, ok := s.positive[tok]
		if !ok {
			if neg, found := s.negative[tok]; found {
				v, ok = -neg, true
			}
		}
		if !ok {
			continue
		}
		if i > 0 {
			if k, found := intensifiers[tokens[i-1]]; found {
				v *= k
			}
		}
		for j := max(0, i-3); j < i; j++ {
			if _, found := negators[tokens[j]]; found {
				v = -0.75 * v
				break
			}
		}
		sum += v
	}
	if sum == 0 {
		return 0, nil
	}
	return sum / math.Sqrt(sum*sum+alpha), nil
}
