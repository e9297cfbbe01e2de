package search

import (
	"fmt"
	"regexp"
	"strings"
)

// Rules is the lexical rule set behind the search decision.
type Rules struct {
	YearPattern      string
	Months           []string
	TimeKeywords     []string
	TopicKeywords    []string
	QuestionKeywords []string
}

// DefaultRules returns the built-in Turkish and English lexicons.
func DefaultRules() Rules {
	return Rules{
		YearPattern: `\b\d{4}\b`,
		Months: []string{
			"ocak", "şubat", "mart", "nisan", "mayıs", "haziran",
			"temmuz", "ağustos", "eylül", "ekim", "kasım", "aralık",
			"january", "february", "march", "april", "may", "june",
			"july", "august", "september", "october", "november", "december",
		},
		TimeKeywords: []string{
			"güncel", "bugün", "şu an", "son dakika", "haber", "dün", "yarın",
			"today", "now", "latest", "news", "current", "recent", "yesterday", "tomorrow",
		},
		TopicKeywords: []string{
			"fiyat", "price", "dolar", "euro", "bitcoin", "kripto", "crypto",
			"kur", "borsa", "hisse", "stock", "exchange rate",
			"hava durumu", "weather", "forecast",
			"maç", "skor", "score", "match", "puan durumu",
			"seçim", "election",
		},
		QuestionKeywords: []string{
			"ne zaman", "nerede", "kim", "kaç", "ne kadar", "hangi",
			"when", "where", "who", "how much", "how many", "which",
		},
	}
}

// Decider decides whether an utterance warrants a live web search before
// generating a response. Pure function of its rules; no I/O.
type Decider struct {
	year             *regexp.Regexp
	months           []string
	timeKeywords     []string
	topicKeywords    []string
	questionKeywords []string
}

// NewDecider compiles the rule set into a decider.
func NewDecider(rules Rules) (*Decider, error) {
	year, err := regexp.Compile(rules.YearPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid year pattern: %w", err)
	}
	return &Decider{
		year:             year,
		months:           lowerAll(rules.Months),
		timeKeywords:     lowerAll(rules.TimeKeywords),
		topicKeywords:    lowerAll(rules.TopicKeywords),
		questionKeywords: lowerAll(rules.QuestionKeywords),
	}, nil
}

// ShouldSearch applies the lexical gate. It leans inclusive: a false
// positive costs one extra network call.
func (d *Decider) ShouldSearch(utterance string) bool {
	lower := strings.ToLower(utterance)

	if d.year.MatchString(lower) {
		return true
	}
	if containsAny(lower, d.months) {
		return true
	}
	if containsAny(lower, d.timeKeywords) {
		return true
	}
	if containsAny(lower, d.topicKeywords) {
		return true
	}
	if strings.Contains(lower, "?") && containsAny(lower, d.questionKeywords) {
		return true
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
