package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message metrics
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_messages_received_total",
		Help: "Total number of messages received",
	}, []string{"chat_type"})

	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_messages_processed_total",
		Help: "Total number of messages processed",
	}, []string{"status"})

	// Command metrics
	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	// Completion metrics
	aiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telegram_bot_ai_request_duration_seconds",
		Help:    "Duration of completion requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "status"})

	aiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_ai_requests_total",
		Help: "Total number of completion requests",
	}, []string{"model", "status"})

	aiTokensUsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telegram_bot_ai_tokens_used_total",
		Help: "Total number of tokens reported by the completion backend",
	})

	// Search metrics
	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_searches_total",
		Help: "Total number of web searches",
	}, []string{"status"})

	// Cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telegram_bot_cache_hits_total",
		Help: "Total number of cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telegram_bot_cache_misses_total",
		Help: "Total number of cache misses",
	})

	// Rate limit metrics. Scope is cooldown, user or group.
	rateLimitDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_rate_limit_denied_total",
		Help: "Total number of denied admissions",
	}, []string{"scope"})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})

	// Known users gauge
	knownUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telegram_bot_known_users",
		Help: "Number of users seen by the bot",
	})

	bannedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telegram_bot_banned_users",
		Help: "Number of banned users",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMessageReceived records a received message
func (m *Metrics) RecordMessageReceived(chatType string) {
	messagesReceived.WithLabelValues(chatType).Inc()
}

// RecordMessageProcessed records a processed message
func (m *Metrics) RecordMessageProcessed(status string) {
	messagesProcessed.WithLabelValues(status).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordAIRequest records a completion request
func (m *Metrics) RecordAIRequest(model, status string, duration time.Duration) {
	aiRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
	aiRequestsTotal.WithLabelValues(model, status).Inc()
}

// RecordTokensUsed records tokens consumed by a completion
func (m *Metrics) RecordTokensUsed(tokens int) {
	aiTokensUsed.Add(float64(tokens))
}

// RecordSearch records a web search attempt
func (m *Metrics) RecordSearch(status string) {
	searchesTotal.WithLabelValues(status).Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string) {
	storageOperations.WithLabelValues(operation, status).Inc()
}

// SetKnownUsers sets the number of users seen
func (m *Metrics) SetKnownUsers(count float64) {
	knownUsers.Set(count)
}

// SetBannedUsers sets the number of banned users
func (m *Metrics) SetBannedUsers(count float64) {
	bannedUsers.Set(count)
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string) error {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
