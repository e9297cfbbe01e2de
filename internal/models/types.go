package models

import (
	"time"
)

// ChatMessage is a single prompt turn sent to the completion backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// User is a chat-platform user known to the bot.
type User struct {
	UserID        int64
	Username      string
	FirstName     string
	LastName      string
	IsBanned      bool
	IsWhitelisted bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StoredMessage is one persisted conversation turn, owned by a (user, chat) pair.
type StoredMessage struct {
	ID         int64
	UserID     int64
	ChatID     int64
	Role       string
	Content    string
	TokensUsed int
	CreatedAt  time.Time
}

// Stats holds per-user accumulating usage counters.
type Stats struct {
	UserID        int64
	TotalMessages int64
	TotalTokens   int64
	TotalSearches int64
	LastActive    time.Time
}

// GlobalStats is the aggregate view across all users.
type GlobalStats struct {
	TotalUsers    int64
	TotalMessages int64
	TotalTokens   int64
	TotalSearches int64
	BannedUsers   int64
}

// SearchResult is one ranked hit from the search provider.
type SearchResult struct {
	Title   string
	Snippet string
	URL     string
}

// Completion is the generated text plus the backend's token accounting.
type Completion struct {
	Text       string
	TokensUsed int
}

// CacheEntry represents a cached response
type CacheEntry struct {
	Question  string
	Answer    string
	Model     string
	CreatedAt time.Time
}
