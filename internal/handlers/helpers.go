package handlers

import (
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// extractMention returns the trimmed text after an @botUsername mention, or
// "" when the bot is not mentioned or nothing follows the mention.
func extractMention(text, botUsername string) string {
	if text == "" || botUsername == "" {
		return ""
	}

	pattern := regexp.MustCompile(`(?is)@` + regexp.QuoteMeta(botUsername) + `\s*(.*)`)
	if match := pattern.FindStringSubmatch(text); match != nil {
		return strings.TrimSpace(match[1])
	}
	return ""
}

func isReplyToBot(message *tgbotapi.Message, botID int64) bool {
	if message.ReplyToMessage == nil || message.ReplyToMessage.From == nil {
		return false
	}
	return message.ReplyToMessage.From.ID == botID
}

// truncateText caps text at maxLength runes, marking the cut with an
// ellipsis. Text at or under the cap is returned untouched.
func truncateText(text string, maxLength int) string {
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}
	return string(runes[:maxLength-3]) + "..."
}
