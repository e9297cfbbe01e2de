package i18n

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/lora-ai-tgbot-go/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.Turkish)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	for _, lang := range cfg.Languages {
		path := filepath.Join(cfg.Directory, fmt.Sprintf("%s.json", lang))
		if _, err := bundle.LoadMessageFile(path); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range cfg.Languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Message IDs
const (
	MsgWelcome         = "welcome"
	MsgHelp            = "help"
	MsgRateLimited     = "rate_limited"
	MsgError           = "error"
	MsgHistoryCleared  = "history_cleared"
	MsgStats           = "stats"
	MsgStatsNotFound   = "stats_not_found"
	MsgSearchUsage     = "search_usage"
	MsgSearching       = "searching"
	MsgNoResults       = "no_results"
	MsgSearchResults   = "search_results"
	MsgUnauthorized    = "unauthorized"
	MsgBanUsage        = "ban_usage"
	MsgUnbanUsage      = "unban_usage"
	MsgUserNotFound    = "user_not_found"
	MsgInvalidUserID   = "invalid_user_id"
	MsgCannotBanAdmin  = "cannot_ban_admin"
	MsgUserBanned      = "user_banned"
	MsgUserUnbanned    = "user_unbanned"
	MsgBanNoChange     = "ban_no_change"
	MsgUnbanNoChange   = "unban_no_change"
	MsgAdminStats      = "admin_stats"
	MsgHealthy         = "healthy"
	MsgDegraded        = "degraded"
)
