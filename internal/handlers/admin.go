package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/lora-ai-tgbot-go/internal/config"
	"github.com/lora-ai-tgbot-go/internal/i18n"
	"github.com/lora-ai-tgbot-go/internal/middleware"
	"github.com/lora-ai-tgbot-go/internal/services/storage"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// AdminHandler handles the moderation commands. Every command checks the
// static admin allowlist before doing anything.
type AdminHandler struct {
	config      *config.Config
	bot         Sender
	store       storage.Store
	rateLimiter middleware.RateLimiter
	localizer   *i18n.Localizer
	metrics     *middleware.Metrics
	logger      *logrus.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	cfg *config.Config,
	bot Sender,
	store storage.Store,
	rateLimiter middleware.RateLimiter,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *AdminHandler {
	return &AdminHandler{
		config:      cfg,
		bot:         bot,
		store:       store,
		rateLimiter: rateLimiter,
		localizer:   localizer,
		metrics:     metrics,
		logger:      logger,
	}
}

// IsAdminCommand reports whether command is handled by this handler.
func IsAdminCommand(command string) bool {
	switch command {
	case "ban", "unban", "adminstats", "health":
		return true
	}
	return false
}

// HandleCommand dispatches one admin command message.
func (h *AdminHandler) HandleCommand(ctx context.Context, message *tgbotapi.Message) error {
	if message.From == nil {
		return nil
	}

	command := message.Command()
	lang := h.config.I18n.DefaultLanguage

	if !h.config.Bot.IsAdmin(message.From.ID) {
		h.logger.WithFields(logrus.Fields{
			"user_id": message.From.ID,
			"command": command,
		}).Warn("Unauthorized admin command")
		h.replyTo(message, h.localizer.Get(lang, i18n.MsgUnauthorized, nil))
		return nil
	}

	h.metrics.RecordCommandExecuted(command)

	switch command {
	case "ban":
		return h.handleBan(ctx, message, lang, true)
	case "unban":
		return h.handleBan(ctx, message, lang, false)
	case "adminstats":
		return h.handleAdminStats(ctx, message, lang)
	case "health":
		return h.handleHealth(ctx, message, lang)
	}
	return nil
}

// handleBan covers both /ban and /unban. The target is a numeric user id or
// an @username already known to the bot.
func (h *AdminHandler) handleBan(ctx context.Context, message *tgbotapi.Message, lang string, ban bool) error {
	target := strings.TrimSpace(message.CommandArguments())
	if target == "" {
		usage := i18n.MsgBanUsage
		if !ban {
			usage = i18n.MsgUnbanUsage
		}
		h.replyTo(message, h.localizer.Get(lang, usage, nil))
		return nil
	}

	userID, err := h.resolveTarget(ctx, target)
	if err != nil {
		h.logger.WithError(err).WithField("target", target).Error("Failed to resolve ban target")
		h.replyTo(message, h.localizer.Get(lang, i18n.MsgError, nil))
		return err
	}
	if userID == 0 {
		if strings.HasPrefix(target, "@") {
			h.replyTo(message, h.localizer.Get(lang, i18n.MsgUserNotFound, map[string]interface{}{
				"Target": target,
			}))
		} else {
			h.replyTo(message, h.localizer.Get(lang, i18n.MsgInvalidUserID, nil))
		}
		return nil
	}

	if ban && h.config.Bot.IsAdmin(userID) {
		h.replyTo(message, h.localizer.Get(lang, i18n.MsgCannotBanAdmin, nil))
		return nil
	}

	changed, err := h.store.SetBanned(ctx, userID, ban)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to update ban flag")
		h.replyTo(message, h.localizer.Get(lang, i18n.MsgError, nil))
		return err
	}
	if !changed {
		noChange := i18n.MsgBanNoChange
		if !ban {
			noChange = i18n.MsgUnbanNoChange
		}
		h.replyTo(message, h.localizer.Get(lang, noChange, map[string]interface{}{
			"UserID": userID,
		}))
		return nil
	}

	if !ban {
		// A lifted ban should not leave the user serving a leftover cooldown.
		h.rateLimiter.Reset(userID)
	}

	h.logger.WithFields(logrus.Fields{
		"admin_id": message.From.ID,
		"user_id":  userID,
		"banned":   ban,
	}).Info("Ban flag updated")

	result := i18n.MsgUserBanned
	if !ban {
		result = i18n.MsgUserUnbanned
	}
	h.replyTo(message, h.localizer.Get(lang, result, map[string]interface{}{
		"UserID": userID,
	}))
	return nil
}

// resolveTarget maps a command argument to a user id. Returns 0 when the
// argument is neither a valid id nor a known username.
func (h *AdminHandler) resolveTarget(ctx context.Context, target string) (int64, error) {
	if strings.HasPrefix(target, "@") {
		user, err := h.store.FindByUsername(ctx, target)
		if err != nil {
			return 0, err
		}
		if user == nil {
			return 0, nil
		}
		return user.UserID, nil
	}

	userID, err := strconv.ParseInt(target, 10, 64)
	if err != nil || userID <= 0 {
		return 0, nil
	}
	return userID, nil
}

// handleAdminStats handles /adminstats command
func (h *AdminHandler) handleAdminStats(ctx context.Context, message *tgbotapi.Message, lang string) error {
	global, err := h.store.GlobalStats(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to aggregate global stats")
		h.replyTo(message, h.localizer.Get(lang, i18n.MsgError, nil))
		return err
	}

	h.metrics.SetKnownUsers(float64(global.TotalUsers))
	h.metrics.SetBannedUsers(float64(global.BannedUsers))

	h.replyTo(message, h.localizer.Get(lang, i18n.MsgAdminStats, map[string]interface{}{
		"TotalUsers":    global.TotalUsers,
		"BannedUsers":   global.BannedUsers,
		"TotalMessages": global.TotalMessages,
		"TotalTokens":   global.TotalTokens,
		"TotalSearches": global.TotalSearches,
		"AdminCount":    len(h.config.Bot.AdminIDs),
	}))
	return nil
}

// handleHealth handles /health command. Storage is the one dependency the
// bot cannot run without, so that is what gets probed.
func (h *AdminHandler) handleHealth(ctx context.Context, message *tgbotapi.Message, lang string) error {
	if _, err := h.store.GlobalStats(ctx); err != nil {
		h.logger.WithError(err).Error("Storage health probe failed")
		h.replyTo(message, h.localizer.Get(lang, i18n.MsgDegraded, nil))
		return nil
	}

	h.replyTo(message, h.localizer.Get(lang, i18n.MsgHealthy, nil))
	return nil
}

func (h *AdminHandler) replyTo(message *tgbotapi.Message, text string) {
	reply := tgbotapi.NewMessage(message.Chat.ID, text)
	reply.ReplyToMessageID = message.MessageID
	reply.ParseMode = "HTML"

	if _, err := h.bot.Send(reply); err != nil {
		h.logger.WithError(err).Error("Failed to send admin reply")
	}
}
