package handlers

import (
	"context"
	"strings"

	"github.com/lora-ai-tgbot-go/internal/config"
	"github.com/lora-ai-tgbot-go/internal/i18n"
	"github.com/lora-ai-tgbot-go/internal/middleware"
	"github.com/lora-ai-tgbot-go/internal/services/search"
	"github.com/lora-ai-tgbot-go/internal/services/storage"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// CommandHandler handles the public bot commands.
type CommandHandler struct {
	config      *config.Config
	bot         Sender
	search      search.Service
	store       storage.Store
	rateLimiter middleware.RateLimiter
	localizer   *i18n.Localizer
	metrics     *middleware.Metrics
	logger      *logrus.Logger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(
	cfg *config.Config,
	bot Sender,
	searchService search.Service,
	store storage.Store,
	rateLimiter middleware.RateLimiter,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *CommandHandler {
	return &CommandHandler{
		config:      cfg,
		bot:         bot,
		search:      searchService,
		store:       store,
		rateLimiter: rateLimiter,
		localizer:   localizer,
		metrics:     metrics,
		logger:      logger,
	}
}

// HandleCommand dispatches one inbound command message.
func (h *CommandHandler) HandleCommand(ctx context.Context, message *tgbotapi.Message) error {
	if message.From == nil {
		return nil
	}

	command := message.Command()
	lang := h.config.I18n.DefaultLanguage

	// Commands refresh the user record too, so /stats works before the
	// first conversation.
	user, err := h.store.UpsertUser(ctx, message.From.ID, message.From.UserName, message.From.FirstName, message.From.LastName)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", message.From.ID).Error("Failed to upsert user")
		h.replyTo(message, h.localizer.Get(lang, i18n.MsgError, nil), false)
		return err
	}
	if user.IsBanned {
		return nil
	}

	h.metrics.RecordCommandExecuted(command)
	h.logger.WithFields(logrus.Fields{
		"user_id": message.From.ID,
		"chat_id": message.Chat.ID,
		"command": command,
	}).Info("Command received")

	switch command {
	case "start":
		return h.handleStart(message, lang)
	case "help":
		return h.handleHelp(message, lang)
	case "search":
		return h.handleSearch(ctx, message, lang)
	case "clear":
		return h.handleClear(ctx, message, lang)
	case "stats":
		return h.handleStats(ctx, message, lang)
	default:
		// Unknown commands are ignored so the bot stays quiet in groups
		// where other bots share the command namespace.
		return nil
	}
}

// handleStart handles /start command
func (h *CommandHandler) handleStart(message *tgbotapi.Message, lang string) error {
	name := strings.TrimSpace(message.From.FirstName)
	if name == "" {
		name = message.From.UserName
	}
	text := h.localizer.Get(lang, i18n.MsgWelcome, map[string]interface{}{
		"Name": name,
	})
	h.replyTo(message, text, false)
	return nil
}

// handleHelp handles /help command
func (h *CommandHandler) handleHelp(message *tgbotapi.Message, lang string) error {
	text := h.localizer.Get(lang, i18n.MsgHelp, map[string]interface{}{
		"BotUsername": h.config.Bot.Username,
	})
	h.replyTo(message, text, false)
	return nil
}

// handleSearch handles /search command. The query is everything after the
// command; search usage counts against the same sliding window as chat.
func (h *CommandHandler) handleSearch(ctx context.Context, message *tgbotapi.Message, lang string) error {
	query := strings.TrimSpace(message.CommandArguments())
	if query == "" {
		h.replyTo(message, h.localizer.Get(lang, i18n.MsgSearchUsage, nil), false)
		return nil
	}

	isGroup := message.Chat.IsGroup() || message.Chat.IsSuperGroup()
	allowed, retryAfter := h.rateLimiter.Check(message.From.ID, message.Chat.ID, isGroup)
	if !allowed {
		h.replyTo(message, h.localizer.Get(lang, i18n.MsgRateLimited, map[string]interface{}{
			"RetryAfter": retryAfter,
		}), false)
		return nil
	}

	h.bot.Request(tgbotapi.NewChatAction(message.Chat.ID, tgbotapi.ChatTyping))
	h.replyTo(message, h.localizer.Get(lang, i18n.MsgSearching, map[string]interface{}{
		"Query": query,
	}), false)

	results := h.search.Search(ctx, query, h.config.Search.MaxResults)
	if len(results) == 0 {
		h.metrics.RecordSearch("empty")
		h.replyTo(message, h.localizer.Get(lang, i18n.MsgNoResults, nil), false)
		return nil
	}
	h.metrics.RecordSearch("hit")

	if err := h.store.AccrueStats(ctx, message.From.ID, 0, 0, 1); err != nil {
		h.logger.WithError(err).Error("Failed to accrue search stat")
	}

	text := h.localizer.Get(lang, i18n.MsgSearchResults, map[string]interface{}{
		"Query": query,
	}) + "\n\n" + search.FormatResults(results)
	h.replyTo(message, truncateText(text, maxReplyLength), true)
	return nil
}

// handleClear handles /clear command
func (h *CommandHandler) handleClear(ctx context.Context, message *tgbotapi.Message, lang string) error {
	removed, err := h.store.ClearHistory(ctx, message.From.ID, message.Chat.ID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", message.From.ID).Error("Failed to clear history")
		h.replyTo(message, h.localizer.Get(lang, i18n.MsgError, nil), false)
		return err
	}

	h.replyTo(message, h.localizer.Get(lang, i18n.MsgHistoryCleared, map[string]interface{}{
		"Count": removed,
	}), false)
	return nil
}

// handleStats handles /stats command
func (h *CommandHandler) handleStats(ctx context.Context, message *tgbotapi.Message, lang string) error {
	stats, err := h.store.UserStats(ctx, message.From.ID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", message.From.ID).Error("Failed to load stats")
		h.replyTo(message, h.localizer.Get(lang, i18n.MsgError, nil), false)
		return err
	}
	if stats == nil {
		h.replyTo(message, h.localizer.Get(lang, i18n.MsgStatsNotFound, nil), false)
		return nil
	}

	usage := h.rateLimiter.Usage(message.From.ID)
	text := h.localizer.Get(lang, i18n.MsgStats, map[string]interface{}{
		"Messages":      stats.TotalMessages,
		"Tokens":        stats.TotalTokens,
		"Searches":      stats.TotalSearches,
		"LastActive":    stats.LastActive.Format("2006-01-02 15:04"),
		"Used":          usage.Used,
		"Limit":         usage.Limit,
		"Remaining":     usage.Remaining,
		"WindowSeconds": usage.WindowSeconds,
	})
	h.replyTo(message, text, false)
	return nil
}

func (h *CommandHandler) replyTo(message *tgbotapi.Message, text string, disablePreview bool) {
	reply := tgbotapi.NewMessage(message.Chat.ID, text)
	reply.ReplyToMessageID = message.MessageID
	reply.ParseMode = "HTML"
	reply.DisableWebPagePreview = disablePreview

	if _, err := h.bot.Send(reply); err != nil {
		h.logger.WithError(err).Error("Failed to send command reply")
	}
}
