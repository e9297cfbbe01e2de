package handlers

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/lora-ai-tgbot-go/internal/config"
	"github.com/lora-ai-tgbot-go/internal/i18n"
	"github.com/lora-ai-tgbot-go/internal/middleware"
	"github.com/lora-ai-tgbot-go/internal/models"
	"github.com/lora-ai-tgbot-go/internal/services/search"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// fakeSender records every outbound call instead of hitting Telegram.
type fakeSender struct {
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) sentTexts(t *testing.T) []string {
	t.Helper()
	var texts []string
	for _, c := range f.sent {
		msg, ok := c.(tgbotapi.MessageConfig)
		if !ok {
			t.Fatalf("unexpected chattable type %T", c)
		}
		texts = append(texts, msg.Text)
	}
	return texts
}

type appendedTurn struct {
	userID, chatID int64
	role, content  string
	tokensUsed     int
}

type statCall struct {
	messages, tokens, searches int
}

// fakeStore is an in-memory storage.Store.
type fakeStore struct {
	users     map[int64]*models.User
	appended  []appendedTurn
	statCalls []statCall
	history   []models.ChatMessage
	cleared   int64
	stats     *models.Stats
	global    *models.GlobalStats
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[int64]*models.User)}
}

func (f *fakeStore) UpsertUser(ctx context.Context, userID int64, username, firstName, lastName string) (*models.User, error) {
	if user, ok := f.users[userID]; ok {
		user.Username = username
		return user, nil
	}
	user := &models.User{UserID: userID, Username: username, FirstName: firstName, LastName: lastName}
	f.users[userID] = user
	return user, nil
}

func (f *fakeStore) IsBanned(ctx context.Context, userID int64) (bool, error) {
	if user, ok := f.users[userID]; ok {
		return user.IsBanned, nil
	}
	return false, nil
}

func (f *fakeStore) SetBanned(ctx context.Context, userID int64, banned bool) (bool, error) {
	user, ok := f.users[userID]
	if !ok {
		return false, nil
	}
	user.IsBanned = banned
	return true, nil
}

func (f *fakeStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	username = strings.TrimPrefix(username, "@")
	for _, user := range f.users {
		if user.Username == username {
			return user, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, userID, chatID int64, role, content string, tokensUsed int) error {
	f.appended = append(f.appended, appendedTurn{userID, chatID, role, content, tokensUsed})
	return nil
}

func (f *fakeStore) History(ctx context.Context, userID, chatID int64, limit int) ([]models.ChatMessage, error) {
	return f.history, nil
}

func (f *fakeStore) ClearHistory(ctx context.Context, userID, chatID int64) (int64, error) {
	return f.cleared, nil
}

func (f *fakeStore) AccrueStats(ctx context.Context, userID int64, messages, tokens, searches int) error {
	f.statCalls = append(f.statCalls, statCall{messages, tokens, searches})
	return nil
}

func (f *fakeStore) UserStats(ctx context.Context, userID int64) (*models.Stats, error) {
	return f.stats, nil
}

func (f *fakeStore) GlobalStats(ctx context.Context) (*models.GlobalStats, error) {
	return f.global, nil
}

func (f *fakeStore) Close() error { return nil }

type fakeAI struct {
	completion *models.Completion
	err        error
	gotPrompt  []models.ChatMessage
	calls      int
}

func (f *fakeAI) Complete(ctx context.Context, messages []models.ChatMessage) (*models.Completion, error) {
	f.calls++
	f.gotPrompt = messages
	if f.err != nil {
		return nil, f.err
	}
	return f.completion, nil
}

type fakeSearch struct {
	results []models.SearchResult
	queries []string
}

func (f *fakeSearch) Search(ctx context.Context, query string, maxResults int) []models.SearchResult {
	f.queries = append(f.queries, query)
	return f.results
}

type fakeCache struct {
	answers map[string]string
	setKeys []string
}

func (f *fakeCache) Get(ctx context.Context, question, model string) (string, bool) {
	answer, ok := f.answers[question]
	return answer, ok
}

func (f *fakeCache) Set(ctx context.Context, question, model, answer string) error {
	f.setKeys = append(f.setKeys, question)
	return nil
}

func (f *fakeCache) Clear(ctx context.Context) error { return nil }

type fakeLimiter struct {
	allowed    bool
	retryAfter int
	checks     int
	resets     []int64
}

func (f *fakeLimiter) Check(userID, chatID int64, isGroup bool) (bool, int) {
	f.checks++
	return f.allowed, f.retryAfter
}

func (f *fakeLimiter) Usage(userID int64) middleware.Usage { return middleware.Usage{} }

func (f *fakeLimiter) Reset(userID int64) { f.resets = append(f.resets, userID) }

func testConfig() *config.Config {
	return &config.Config{
		Bot: config.BotConfig{Username: "testbot", AdminIDs: []int64{900}},
		AI: config.AIConfig{
			Model:        "gemini-2.5-pro",
			SystemPrompt: "Sen yardımcı bir asistansın.",
		},
		Search:  config.SearchConfig{Enabled: true, MaxResults: 5},
		Context: config.ContextConfig{WindowSize: 20},
		I18n: config.I18nConfig{
			DefaultLanguage: "tr",
			Languages:       []string{"tr", "en"},
			Directory:       "../../configs/i18n",
		},
	}
}

func testLocalizer(t *testing.T, cfg *config.Config) *i18n.Localizer {
	t.Helper()
	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		t.Fatalf("NewLocalizer failed: %v", err)
	}
	return localizer
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type messageFixture struct {
	handler *MessageHandler
	bot     *fakeSender
	store   *fakeStore
	ai      *fakeAI
	search  *fakeSearch
	cache   *fakeCache
	limiter *fakeLimiter
}

func newMessageFixture(t *testing.T) *messageFixture {
	t.Helper()

	cfg := testConfig()
	bot := &fakeSender{}
	store := newFakeStore()
	aiService := &fakeAI{completion: &models.Completion{Text: "answer", TokensUsed: 42}}
	searchService := &fakeSearch{}
	cacheService := &fakeCache{answers: make(map[string]string)}
	limiter := &fakeLimiter{allowed: true}

	decider, err := search.NewDecider(search.DefaultRules())
	if err != nil {
		t.Fatalf("NewDecider failed: %v", err)
	}

	handler := NewMessageHandler(
		cfg, bot, botSelfID,
		aiService, searchService, decider,
		store, cacheService, limiter,
		testLocalizer(t, cfg),
		middleware.NewMetrics(),
		testLogger(),
	)

	return &messageFixture{
		handler: handler,
		bot:     bot,
		store:   store,
		ai:      aiService,
		search:  searchService,
		cache:   cacheService,
		limiter: limiter,
	}
}

const botSelfID = int64(555)

func privateMessage(userID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 1,
		Text:      text,
		From:      &tgbotapi.User{ID: userID, UserName: "alice", FirstName: "Alice"},
		Chat:      &tgbotapi.Chat{ID: 100, Type: "private"},
	}
}

func replyToBotMessage(userID int64, text string) *tgbotapi.Message {
	msg := privateMessage(userID, text)
	msg.ReplyToMessage = &tgbotapi.Message{From: &tgbotapi.User{ID: botSelfID}}
	return msg
}

func TestHandleMessageIgnoresUnaddressed(t *testing.T) {
	f := newMessageFixture(t)

	if err := f.handler.HandleMessage(context.Background(), privateMessage(7, "hello there")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if len(f.bot.sent) != 0 {
		t.Error("unaddressed message must not be answered")
	}
	if len(f.store.appended) != 0 {
		t.Error("unaddressed message must not be persisted")
	}
}

func TestHandleMessageEmptyMentionIsNoop(t *testing.T) {
	f := newMessageFixture(t)

	if err := f.handler.HandleMessage(context.Background(), privateMessage(7, "@testbot")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if len(f.bot.sent) != 0 || f.ai.calls != 0 {
		t.Error("empty mention should be a silent no-op")
	}
}

func TestHandleMessageBannedUserGetsSilence(t *testing.T) {
	f := newMessageFixture(t)
	f.store.users[7] = &models.User{UserID: 7, IsBanned: true}

	if err := f.handler.HandleMessage(context.Background(), privateMessage(7, "@testbot merhaba")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if len(f.bot.sent) != 0 {
		t.Error("banned user must get no reply at all")
	}
	if f.limiter.checks != 0 {
		t.Error("banned user must not reach the quota gate")
	}
}

func TestHandleMessageRateLimited(t *testing.T) {
	f := newMessageFixture(t)
	f.limiter.allowed = false
	f.limiter.retryAfter = 30

	if err := f.handler.HandleMessage(context.Background(), privateMessage(7, "@testbot merhaba")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	texts := f.bot.sentTexts(t)
	if len(texts) != 1 {
		t.Fatalf("expected exactly one notice, got %d", len(texts))
	}
	if !strings.Contains(texts[0], "30") {
		t.Errorf("notice should carry the retry hint, got %q", texts[0])
	}
	if f.ai.calls != 0 || len(f.store.appended) != 0 {
		t.Error("denied request must not reach completion or storage")
	}
}

func TestHandleMessageSuccessfulExchange(t *testing.T) {
	f := newMessageFixture(t)
	f.store.history = []models.ChatMessage{
		{Role: "user", Content: "önceki soru"},
		{Role: "assistant", Content: "önceki yanıt"},
	}

	if err := f.handler.HandleMessage(context.Background(), privateMessage(7, "@testbot bana bir şiir yaz")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	// Prompt: system, history pair, current utterance.
	if len(f.ai.gotPrompt) != 4 {
		t.Fatalf("expected 4 prompt turns, got %d", len(f.ai.gotPrompt))
	}
	if f.ai.gotPrompt[0].Role != "system" {
		t.Error("prompt must start with the system turn")
	}
	if got := f.ai.gotPrompt[3]; got.Role != "user" || got.Content != "bana bir şiir yaz" {
		t.Errorf("unexpected final turn: %+v", got)
	}

	// Persistence: user turn first, then assistant with token count.
	if len(f.store.appended) != 2 {
		t.Fatalf("expected 2 persisted turns, got %d", len(f.store.appended))
	}
	if f.store.appended[0].role != "user" || f.store.appended[1].role != "assistant" {
		t.Errorf("turns persisted out of order: %+v", f.store.appended)
	}
	if f.store.appended[1].tokensUsed != 42 {
		t.Errorf("assistant turn should carry token usage, got %d", f.store.appended[1].tokensUsed)
	}

	if len(f.store.statCalls) != 1 || f.store.statCalls[0] != (statCall{1, 42, 0}) {
		t.Errorf("unexpected stat accrual: %+v", f.store.statCalls)
	}

	if len(f.cache.setKeys) != 1 {
		t.Error("response should be cached")
	}
	if len(f.bot.sent) != 1 {
		t.Errorf("expected one reply, got %d", len(f.bot.sent))
	}
}

func TestHandleMessageReplyToBotWithoutMention(t *testing.T) {
	f := newMessageFixture(t)

	if err := f.handler.HandleMessage(context.Background(), replyToBotMessage(7, "devam et")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if f.ai.calls != 1 {
		t.Fatal("reply to the bot should reach completion without a mention")
	}
	if got := f.ai.gotPrompt[len(f.ai.gotPrompt)-1].Content; got != "devam et" {
		t.Errorf("unexpected utterance: %q", got)
	}
}

func TestHandleMessageSearchFeedsPromptAndStats(t *testing.T) {
	f := newMessageFixture(t)
	f.search.results = []models.SearchResult{
		{Title: "BTC", Snippet: "güncel fiyat", URL: "https://example.com"},
	}

	if err := f.handler.HandleMessage(context.Background(), privateMessage(7, "@testbot bitcoin fiyatı ne kadar?")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if len(f.search.queries) != 1 {
		t.Fatal("time-sensitive question should trigger a search")
	}

	// One search stat plus the exchange stat.
	if len(f.store.statCalls) != 2 {
		t.Fatalf("expected 2 stat calls, got %d", len(f.store.statCalls))
	}
	if f.store.statCalls[0] != (statCall{0, 0, 1}) {
		t.Errorf("search stat should accrue first: %+v", f.store.statCalls[0])
	}

	// The prompt gains a second system turn carrying the results.
	if len(f.ai.gotPrompt) < 2 || f.ai.gotPrompt[1].Role != "system" {
		t.Fatal("expected a search context system turn")
	}
	if !strings.Contains(f.ai.gotPrompt[1].Content, "example.com") {
		t.Error("search context should include the source URL")
	}
}

func TestHandleMessageSearchEmptyResultsSkipContext(t *testing.T) {
	f := newMessageFixture(t)

	if err := f.handler.HandleMessage(context.Background(), privateMessage(7, "@testbot bitcoin fiyatı ne kadar?")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if len(f.search.queries) != 1 {
		t.Fatal("search should still be attempted")
	}
	for _, call := range f.store.statCalls {
		if call.searches != 0 {
			t.Error("empty search must not accrue a search stat")
		}
	}
	// system + utterance only
	if len(f.ai.gotPrompt) != 2 {
		t.Errorf("expected 2 prompt turns without context, got %d", len(f.ai.gotPrompt))
	}
}

func TestHandleMessageCacheHitSkipsCompletion(t *testing.T) {
	f := newMessageFixture(t)
	f.cache.answers["bana bir şiir yaz"] = "cached answer"

	if err := f.handler.HandleMessage(context.Background(), privateMessage(7, "@testbot bana bir şiir yaz")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	if f.ai.calls != 0 {
		t.Error("cache hit must not call the completion backend")
	}

	// The exchange is still recorded, with zero tokens.
	if len(f.store.appended) != 2 {
		t.Fatalf("expected 2 persisted turns, got %d", len(f.store.appended))
	}
	if f.store.appended[1].content != "cached answer" || f.store.appended[1].tokensUsed != 0 {
		t.Errorf("unexpected assistant turn: %+v", f.store.appended[1])
	}
	if len(f.bot.sent) != 1 {
		t.Errorf("expected one reply, got %d", len(f.bot.sent))
	}
}

func TestHandleMessageCompletionFailure(t *testing.T) {
	f := newMessageFixture(t)
	f.ai.err = context.DeadlineExceeded

	if err := f.handler.HandleMessage(context.Background(), privateMessage(7, "@testbot bana bir şiir yaz")); err != nil {
		t.Fatalf("HandleMessage should swallow completion errors, got %v", err)
	}

	if len(f.store.appended) != 0 {
		t.Error("failed exchange must not be persisted")
	}
	texts := f.bot.sentTexts(t)
	if len(texts) != 1 {
		t.Fatalf("expected one error notice, got %d", len(texts))
	}
}

func TestHandleMessageTruncatesLongReply(t *testing.T) {
	f := newMessageFixture(t)
	f.ai.completion = &models.Completion{Text: strings.Repeat("a", 5000), TokensUsed: 10}

	if err := f.handler.HandleMessage(context.Background(), privateMessage(7, "@testbot bana bir şiir yaz")); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	texts := f.bot.sentTexts(t)
	if len(texts) != 1 {
		t.Fatalf("expected one reply, got %d", len(texts))
	}
	if !strings.HasSuffix(texts[0], "...") {
		t.Error("truncated reply should end with the marker")
	}
	if got := len([]rune(texts[0])); got > maxReplyLength {
		t.Errorf("reply exceeds the cap: %d runes", got)
	}

	// Storage keeps the full text.
	if len(f.store.appended[1].content) != 5000 {
		t.Error("persisted assistant turn should not be truncated")
	}
}
