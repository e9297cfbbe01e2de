package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lora-ai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store is the persistence façade for users, conversation history and usage stats.
type Store interface {
	UpsertUser(ctx context.Context, userID int64, username, firstName, lastName string) (*models.User, error)
	IsBanned(ctx context.Context, userID int64) (bool, error)
	SetBanned(ctx context.Context, userID int64, banned bool) (bool, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)

	AppendMessage(ctx context.Context, userID, chatID int64, role, content string, tokensUsed int) error
	History(ctx context.Context, userID, chatID int64, limit int) ([]models.ChatMessage, error)
	ClearHistory(ctx context.Context, userID, chatID int64) (int64, error)

	AccrueStats(ctx context.Context, userID int64, messages, tokens, searches int) error
	UserStats(ctx context.Context, userID int64) (*models.Stats, error)
	GlobalStats(ctx context.Context) (*models.GlobalStats, error)

	Close() error
}

// OpRecorder counts storage operations by name and outcome. Satisfied by
// *middleware.Metrics; a nil recorder disables recording.
type OpRecorder interface {
	RecordStorageOperation(operation, status string)
}

// SQLiteStore implements Store over a single SQLite database file.
type SQLiteStore struct {
	db      *sql.DB
	logger  *logrus.Logger
	metrics OpRecorder
}

// NewSQLiteStore opens the database, creating the file and schema if needed.
func NewSQLiteStore(path string, logger *logrus.Logger, metrics OpRecorder) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger, metrics: metrics}

	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) record(operation string, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordStorageOperation(operation, status)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			user_id INTEGER PRIMARY KEY,
			username TEXT,
			first_name TEXT NOT NULL,
			last_name TEXT,
			is_banned INTEGER DEFAULT 0,
			is_whitelisted INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens_used INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users (user_id)
		);

		CREATE TABLE IF NOT EXISTS stats (
			user_id INTEGER PRIMARY KEY,
			total_messages INTEGER DEFAULT 0,
			total_tokens INTEGER DEFAULT 0,
			total_searches INTEGER DEFAULT 0,
			last_active TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users (user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_user_chat ON messages (user_id, chat_id);
		CREATE INDEX IF NOT EXISTS idx_messages_created ON messages (created_at);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

// UpsertUser creates the user (plus a zeroed stats row) on first contact, and
// refreshes name fields and the updated timestamp on every later contact.
func (s *SQLiteStore) UpsertUser(ctx context.Context, userID int64, username, firstName, lastName string) (user *models.User, err error) {
	defer func() { s.record("upsert_user", err) }()

	now := time.Now()

	row := s.db.QueryRowContext(ctx, `SELECT user_id, username, first_name, last_name, is_banned, is_whitelisted, created_at, updated_at FROM users WHERE user_id = ?`, userID)

	existing, err := scanUser(row)
	if err == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET username = ?, first_name = ?, last_name = ?, updated_at = ? WHERE user_id = ?`,
			username, firstName, lastName, formatTime(now), userID)
		if err != nil {
			return nil, fmt.Errorf("failed to update user: %w", err)
		}
		existing.Username = username
		existing.FirstName = firstName
		existing.LastName = lastName
		existing.UpdatedAt = now
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO users (user_id, username, first_name, last_name, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, username, firstName, lastName, formatTime(now), formatTime(now)); err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO stats (user_id, last_active) VALUES (?, ?)`,
		userID, formatTime(now)); err != nil {
		return nil, fmt.Errorf("failed to insert stats row: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user insert: %w", err)
	}

	s.logger.WithField("user_id", userID).Info("New user registered")

	return &models.User{
		UserID:    userID,
		Username:  username,
		FirstName: firstName,
		LastName:  lastName,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsBanned reports whether the user is banned. Unknown users are not banned.
func (s *SQLiteStore) IsBanned(ctx context.Context, userID int64) (_ bool, err error) {
	defer func() { s.record("is_banned", err) }()

	var banned int
	err = s.db.QueryRowContext(ctx, `SELECT is_banned FROM users WHERE user_id = ?`, userID).Scan(&banned)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query ban status: %w", err)
	}
	return banned != 0, nil
}

// SetBanned flips the ban flag. Returns false when the user id is unknown.
func (s *SQLiteStore) SetBanned(ctx context.Context, userID int64, banned bool) (_ bool, err error) {
	defer func() { s.record("set_banned", err) }()

	flag := 0
	if banned {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_banned = ?, updated_at = ? WHERE user_id = ?`,
		flag, formatTime(time.Now()), userID)
	if err != nil {
		return false, fmt.Errorf("failed to update ban status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// FindByUsername looks up a user by exact username, with any leading @ stripped.
func (s *SQLiteStore) FindByUsername(ctx context.Context, username string) (_ *models.User, err error) {
	defer func() { s.record("find_by_username", err) }()

	if len(username) > 0 && username[0] == '@' {
		username = username[1:]
	}

	row := s.db.QueryRowContext(ctx, `SELECT user_id, username, first_name, last_name, is_banned, is_whitelisted, created_at, updated_at FROM users WHERE username = ?`, username)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user by username: %w", err)
	}
	return user, nil
}

// AppendMessage appends one immutable turn to the (user, chat) log.
func (s *SQLiteStore) AppendMessage(ctx context.Context, userID, chatID int64, role, content string, tokensUsed int) (err error) {
	defer func() { s.record("append_message", err) }()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, chat_id, role, content, tokens_used, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, chatID, role, content, tokensUsed, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// History returns the most recent turns for a (user, chat) pair in
// chronological order: queried newest-first, then reversed. Ordering uses the
// autoincrement id, which is the insertion order; created_at is stored as
// text and does not sort reliably within a second.
func (s *SQLiteStore) History(ctx context.Context, userID, chatID int64, limit int) (_ []models.ChatMessage, err error) {
	defer func() { s.record("history", err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM messages
		 WHERE user_id = ? AND chat_id = ?
		 ORDER BY id DESC LIMIT ?`,
		userID, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var newestFirst []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		if err := rows.Scan(&msg.Role, &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		newestFirst = append(newestFirst, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	history := make([]models.ChatMessage, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		history = append(history, newestFirst[i])
	}
	return history, nil
}

// ClearHistory deletes the whole (user, chat) log and reports the count.
func (s *SQLiteStore) ClearHistory(ctx context.Context, userID, chatID int64) (_ int64, err error) {
	defer func() { s.record("clear_history", err) }()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE user_id = ? AND chat_id = ?`, userID, chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear history: %w", err)
	}
	return res.RowsAffected()
}

// AccrueStats adds to the user's counters and touches last_active.
func (s *SQLiteStore) AccrueStats(ctx context.Context, userID int64, messages, tokens, searches int) (err error) {
	defer func() { s.record("accrue_stats", err) }()

	_, err = s.db.ExecContext(ctx,
		`UPDATE stats SET
		 total_messages = total_messages + ?,
		 total_tokens = total_tokens + ?,
		 total_searches = total_searches + ?,
		 last_active = ?
		 WHERE user_id = ?`,
		messages, tokens, searches, formatTime(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("failed to accrue stats: %w", err)
	}
	return nil
}

// UserStats returns the user's counters, or nil when the user is unknown.
func (s *SQLiteStore) UserStats(ctx context.Context, userID int64) (_ *models.Stats, err error) {
	defer func() { s.record("user_stats", err) }()

	var stats models.Stats
	var lastActive string
	err = s.db.QueryRowContext(ctx,
		`SELECT user_id, total_messages, total_tokens, total_searches, last_active FROM stats WHERE user_id = ?`,
		userID).Scan(&stats.UserID, &stats.TotalMessages, &stats.TotalTokens, &stats.TotalSearches, &lastActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user stats: %w", err)
	}
	stats.LastActive = parseTime(lastActive)
	return &stats, nil
}

// GlobalStats aggregates across all users. Eventually consistent with
// concurrent writers; no snapshot isolation is taken.
func (s *SQLiteStore) GlobalStats(ctx context.Context) (_ *models.GlobalStats, err error) {
	defer func() { s.record("global_stats", err) }()

	var global models.GlobalStats
	var messages, tokens, searches sql.NullInt64

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(total_messages), SUM(total_tokens), SUM(total_searches) FROM stats`).
		Scan(&global.TotalUsers, &messages, &tokens, &searches)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	global.TotalMessages = messages.Int64
	global.TotalTokens = tokens.Int64
	global.TotalSearches = searches.Int64

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE is_banned = 1`).Scan(&global.BannedUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to count banned users: %w", err)
	}

	return &global, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var username, lastName sql.NullString
	var banned, whitelisted int
	var createdAt, updatedAt string

	err := row.Scan(&user.UserID, &username, &user.FirstName, &lastName, &banned, &whitelisted, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	user.Username = username.String
	user.LastName = lastName.String
	user.IsBanned = banned != 0
	user.IsWhitelisted = whitelisted != 0
	user.CreatedAt = parseTime(createdAt)
	user.UpdatedAt = parseTime(updatedAt)
	return &user, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
