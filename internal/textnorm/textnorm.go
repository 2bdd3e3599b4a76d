// Package textnorm normalizes post text for hashing and similarity comparison,
// and extracts hashtags, mentions, links and compact counts.
package textnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	urlExpr     = regexp.MustCompile(`https?://\S+`)
	hashtagExpr = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)
	mentionExpr = regexp.MustCompile(`@([A-Za-z0-9_]{1,15})`)
)

// Hash is a 256-bit digest of normalized text.
type Hash [32]byte

// String returns the hex form.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether the hash was never set.
func (h Hash) IsZero() bool { return h == Hash{} }

// ParseHash decodes a hex digest produced by Hash.String.
func ParseHash(s string) (Hash, bool) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(h) {
		return h, false
	}
	copy(h[:], raw)
	return h, true
}

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	parsed, ok := ParseHash(string(b))
	if !ok {
		return fmt.Errorf("invalid content hash %q", b)
	}
	*h = parsed
	return nil
}

// Normalize folds compatibility forms and case, drops accents, links and
// control characters, and collapses whitespace.
func Normalize(text string) string {
	text = urlExpr.ReplaceAllString(text, " ")
	t := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Map(func(r rune) rune {
			if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
				return ' '
			}
			return r
		}),
		norm.NFC,
		cases.Fold(),
	)
	out, _, err := transform.String(t, text)
	if err != nil {
		out = strings.ToLower(text)
	}
	return strings.Join(strings.Fields(out), " ")
}

// ContentHash is sha256 over Normalize(text).
func ContentHash(text string) Hash {
	return sha256.Sum256([]byte(Normalize(text)))
}

// Hashtags returns lower-cased hashtags without '#', in order of first appearance.
func Hashtags(text string) []string {
	return uniqueMatches(hashtagExpr, text, true)
}

// Mentions returns mentioned handles without '@', in order of first appearance.
func Mentions(text string) []string {
	return uniqueMatches(mentionExpr, text, false)
}

// URLs returns links found in text.
func URLs(text string) []string {
	return urlExpr.FindAllString(text, -1)
}

// CountHashtagTokens counts every '#tag' occurrence including repeats.
func CountHashtagTokens(text string) int {
	return len(hashtagExpr.FindAllStringIndex(text, -1))
}

// CountMentionTokens counts every '@handle' occurrence including repeats.
func CountMentionTokens(text string) int {
	return len(mentionExpr.FindAllStringIndex(text, -1))
}

// OnlyMentions reports whether text consists solely of @handles.
func OnlyMentions(text string) bool {
	rest := strings.TrimSpace(mentionExpr.ReplaceAllString(text, ""))
	return rest == "" && mentionExpr.MatchString(text)
}

func uniqueMatches(expr *regexp.Regexp, text string, lower bool) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, m := range expr.FindAllStringSubmatch(text, -1) {
		v := m[1]
		if lower {
			v = strings.ToLower(v)
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ParseCount parses display counts such as "42", "1,204", "1.2K" or "3M".
// Blank input is zero.
func ParseCount(raw string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(raw, ",", "")))
	if s == "" {
		return 0, nil
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1e3, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1e6, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "B"):
		mult, s = 1e9, strings.TrimSuffix(s, "B")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(v * mult)), nil
}
