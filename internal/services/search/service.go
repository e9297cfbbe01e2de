package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lora-ai-tgbot-go/internal/config"
	"github.com/lora-ai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Service is the web-search gateway. It never returns an error: every failure
// is absorbed and reported as an empty result set.
type Service interface {
	Search(ctx context.Context, query string, maxResults int) []models.SearchResult
}

// DuckDuckGo queries the DuckDuckGo instant-answer API. Outbound requests are
// throttled by a process-wide token bucket; DuckDuckGo rate-limits hard.
type DuckDuckGo struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// NewDuckDuckGo creates a new search service
func NewDuckDuckGo(cfg *config.SearchConfig, logger *logrus.Logger) *DuckDuckGo {
	return &DuckDuckGo{
		endpoint: "https://api.duckduckgo.com/",
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}
}

type apiTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []apiTopic `json:"Topics"`
}

type apiResponse struct {
	Heading       string     `json:"Heading"`
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	RelatedTopics []apiTopic `json:"RelatedTopics"`
}

// Search returns up to maxResults ranked snippets, or nothing.
func (s *DuckDuckGo) Search(ctx context.Context, query string, maxResults int) []models.SearchResult {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, "GET", s.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to build search request")
		return nil
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.WithError(err).WithField("query", query).Warn("Search request failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"query":  query,
		}).Warn("Search returned non-OK status")
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read search response")
		return nil
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		s.logger.WithError(err).Warn("Failed to parse search response")
		return nil
	}

	results := collectResults(&parsed, maxResults)

	s.logger.WithFields(logrus.Fields{
		"query":   query,
		"results": len(results),
	}).Info("Web search completed")

	return results
}

func collectResults(parsed *apiResponse, maxResults int) []models.SearchResult {
	var results []models.SearchResult

	if parsed.AbstractText != "" {
		results = append(results, models.SearchResult{
			Title:   parsed.Heading,
			Snippet: parsed.AbstractText,
			URL:     parsed.AbstractURL,
		})
	}

	var walk func(topics []apiTopic)
	walk = func(topics []apiTopic) {
		for _, topic := range topics {
			if len(results) >= maxResults {
				return
			}
			if len(topic.Topics) > 0 {
				walk(topic.Topics)
				continue
			}
			if topic.Text == "" {
				continue
			}
			// Topic text is "Title - snippet" when a separator is present.
			title := topic.Text
			snippet := topic.Text
			if idx := strings.Index(topic.Text, " - "); idx > 0 {
				title = topic.Text[:idx]
				snippet = topic.Text[idx+3:]
			}
			results = append(results, models.SearchResult{
				Title:   title,
				Snippet: snippet,
				URL:     topic.FirstURL,
			})
		}
	}
	walk(parsed.RelatedTopics)

	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

// FormatContext renders results as the supplementary system instruction block
// appended after the persona prompt.
func FormatContext(results []models.SearchResult) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Web arama sonuçları:\n")
	for i, r := range results {
		b.WriteString(fmt.Sprintf("[%d] %s: %s (Kaynak: %s)\n", i+1, r.Title, r.Snippet, r.URL))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatResults renders results as a user-facing HTML list for /search.
func FormatResults(results []models.SearchResult) string {
	if len(results) == 0 {
		return ""
	}

	formatted := make([]string, 0, len(results))
	for i, r := range results {
		formatted = append(formatted, fmt.Sprintf("%d. <b>%s</b>\n%s\nKaynak: %s", i+1, r.Title, r.Snippet, r.URL))
	}
	return strings.Join(formatted, "\n\n")
}
