package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/lora-ai-tgbot-go/internal/config"
	"github.com/lora-ai-tgbot-go/internal/i18n"
	"github.com/lora-ai-tgbot-go/internal/middleware"
	"github.com/lora-ai-tgbot-go/internal/models"
	"github.com/lora-ai-tgbot-go/internal/services/ai"
	"github.com/lora-ai-tgbot-go/internal/services/cache"
	"github.com/lora-ai-tgbot-go/internal/services/search"
	"github.com/lora-ai-tgbot-go/internal/services/storage"
	"github.com/lora-ai-tgbot-go/pkg/logger"
	"github.com/lora-ai-tgbot-go/pkg/markdown"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// maxReplyLength is the delivery cap. Longer assistant replies are truncated
// with a marker before sending.
const maxReplyLength = 4000

// Sender is the outbound slice of the chat transport. *tgbotapi.BotAPI
// satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// MessageHandler runs the conversation pipeline for one inbound message:
// addressing, identity, quota, optional search, completion, persistence,
// delivery.
type MessageHandler struct {
	config      *config.Config
	bot         Sender
	botID       int64
	botUsername string
	aiService   ai.Service
	search      search.Service
	decider     *search.Decider
	store       storage.Store
	cache       cache.Service
	rateLimiter middleware.RateLimiter
	localizer   *i18n.Localizer
	metrics     *middleware.Metrics
	logger      *logrus.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(
	cfg *config.Config,
	bot Sender,
	botID int64,
	aiService ai.Service,
	searchService search.Service,
	decider *search.Decider,
	store storage.Store,
	cacheService cache.Service,
	rateLimiter middleware.RateLimiter,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *MessageHandler {
	return &MessageHandler{
		config:      cfg,
		bot:         bot,
		botID:       botID,
		botUsername: cfg.Bot.Username,
		aiService:   aiService,
		search:      searchService,
		decider:     decider,
		store:       store,
		cache:       cacheService,
		rateLimiter: rateLimiter,
		localizer:   localizer,
		metrics:     metrics,
		logger:      logger,
	}
}

// HandleMessage processes one inbound chat message end to end.
func (h *MessageHandler) HandleMessage(ctx context.Context, message *tgbotapi.Message) error {
	if message == nil || message.Text == "" || message.From == nil {
		return nil
	}
	if message.From.ID == h.botID {
		return nil
	}

	chatID := message.Chat.ID
	userID := message.From.ID
	lang := h.config.I18n.DefaultLanguage

	// Addressing gate: a direct reply to the bot or an explicit mention.
	isReply := isReplyToBot(message, h.botID)
	mentioned := extractMention(message.Text, h.botUsername)

	if !isReply && mentioned == "" {
		return nil
	}

	utterance := mentioned
	if utterance == "" && isReply {
		utterance = strings.TrimSpace(message.Text)
	}
	if utterance == "" {
		// Addressed but empty: a no-op, not an error.
		return nil
	}

	clog := logger.WithConversation(h.logger, userID, chatID)

	// Identity gate.
	user, err := h.store.UpsertUser(ctx, userID, message.From.UserName, message.From.FirstName, message.From.LastName)
	if err != nil {
		clog.WithError(err).Error("Failed to upsert user")
		h.replyError(message, lang)
		return err
	}

	if user.IsBanned {
		// Banned users get no reply at all; replying would leak ban status.
		clog.WithField("action", "banned_attempt").Warn("Banned user attempted to use bot")
		return nil
	}

	// Quota gate.
	isGroup := message.Chat.IsGroup() || message.Chat.IsSuperGroup()
	allowed, retryAfter := h.rateLimiter.Check(userID, chatID, isGroup)
	if !allowed {
		h.reply(message, h.localizer.Get(lang, i18n.MsgRateLimited, map[string]interface{}{
			"RetryAfter": retryAfter,
		}), false)
		return nil
	}

	clog.WithFields(logrus.Fields{
		"action":         "message_received",
		"message_length": len(utterance),
	}).Info("Processing message")

	h.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

	// A cache hit answers without search or completion; the exchange is
	// still recorded, with zero tokens.
	if cached, found := h.cache.Get(ctx, utterance, h.config.AI.Model); found {
		h.metrics.RecordCacheHit()
		if err := h.persistExchange(ctx, userID, chatID, utterance, cached, 0); err != nil {
			clog.WithError(err).Error("Failed to persist cached exchange")
		}
		h.deliver(message, cached)
		return nil
	}
	h.metrics.RecordCacheMiss()

	// Context assembly: optional web search, then bounded history.
	var searchContext string
	if h.config.Search.Enabled && h.decider.ShouldSearch(utterance) {
		results := h.search.Search(ctx, utterance, h.config.Search.MaxResults)
		if len(results) > 0 {
			searchContext = search.FormatContext(results)
			h.metrics.RecordSearch("hit")
			if err := h.store.AccrueStats(ctx, userID, 0, 0, 1); err != nil {
				clog.WithError(err).Error("Failed to accrue search stat")
			}
		} else {
			h.metrics.RecordSearch("empty")
		}
	}

	history, err := h.store.History(ctx, userID, chatID, h.config.Context.WindowSize)
	if err != nil {
		clog.WithError(err).Error("Failed to load history")
		h.replyError(message, lang)
		return err
	}

	prompt := h.buildPrompt(searchContext, history, utterance)

	// Completion.
	aiCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	completion, err := h.aiService.Complete(aiCtx, prompt)
	if err != nil {
		h.metrics.RecordAIRequest(h.config.AI.Model, "error", time.Since(start))
		clog.WithField("action", "message_error").WithError(err).Error("Completion failed")
		h.replyError(message, lang)
		return nil
	}
	h.metrics.RecordAIRequest(h.config.AI.Model, "success", time.Since(start))
	h.metrics.RecordTokensUsed(completion.TokensUsed)

	// Persistence: user turn first, then assistant, then stats.
	if err := h.persistExchange(ctx, userID, chatID, utterance, completion.Text, completion.TokensUsed); err != nil {
		clog.WithError(err).Error("Failed to persist exchange")
	}

	if err := h.cache.Set(ctx, utterance, h.config.AI.Model, completion.Text); err != nil {
		clog.WithError(err).Warn("Failed to cache response")
	}

	h.deliver(message, completion.Text)

	clog.WithFields(logrus.Fields{
		"action": "response_sent",
		"tokens": completion.TokensUsed,
	}).Info("Response sent")

	return nil
}

// buildPrompt orders the model input: persona prompt, optional web context,
// prior turns, current utterance.
func (h *MessageHandler) buildPrompt(searchContext string, history []models.ChatMessage, utterance string) []models.ChatMessage {
	prompt := make([]models.ChatMessage, 0, len(history)+3)
	prompt = append(prompt, models.ChatMessage{Role: "system", Content: h.config.AI.SystemPrompt})

	if searchContext != "" {
		prompt = append(prompt, models.ChatMessage{
			Role:    "system",
			Content: "Kullanıcının sorusuyla ilgili güncel web arama sonuçları:\n\n" + searchContext + "\n\nBu bilgileri kullanarak yanıt ver ve gerekirse kaynaklara atıfta bulun.",
		})
	}

	prompt = append(prompt, history...)
	prompt = append(prompt, models.ChatMessage{Role: "user", Content: utterance})
	return prompt
}

func (h *MessageHandler) persistExchange(ctx context.Context, userID, chatID int64, utterance, response string, tokensUsed int) error {
	if err := h.store.AppendMessage(ctx, userID, chatID, "user", utterance, 0); err != nil {
		return err
	}
	if err := h.store.AppendMessage(ctx, userID, chatID, "assistant", response, tokensUsed); err != nil {
		return err
	}
	return h.store.AccrueStats(ctx, userID, 1, tokensUsed, 0)
}

// deliver truncates, converts markdown to Telegram HTML and sends, falling
// back to plain text when Telegram rejects the markup.
func (h *MessageHandler) deliver(message *tgbotapi.Message, text string) {
	text = truncateText(text, maxReplyLength)

	reply := tgbotapi.NewMessage(message.Chat.ID, markdown.ToTelegramHTML(text))
	reply.ReplyToMessageID = message.MessageID
	reply.ParseMode = "HTML"

	if _, err := h.bot.Send(reply); err != nil {
		h.logger.WithError(err).Warn("Failed to send HTML response, trying plain text")
		reply.ParseMode = ""
		reply.Text = text
		if _, err := h.bot.Send(reply); err != nil {
			h.logger.WithError(err).Error("Failed to send response")
		}
	}
}

func (h *MessageHandler) reply(message *tgbotapi.Message, text string, disablePreview bool) {
	reply := tgbotapi.NewMessage(message.Chat.ID, text)
	reply.ReplyToMessageID = message.MessageID
	reply.ParseMode = "HTML"
	reply.DisableWebPagePreview = disablePreview

	if _, err := h.bot.Send(reply); err != nil {
		h.logger.WithError(err).Error("Failed to send reply")
	}
}

func (h *MessageHandler) replyError(message *tgbotapi.Message, lang string) {
	h.reply(message, h.localizer.Get(lang, i18n.MsgError, nil), false)
}
