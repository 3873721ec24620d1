package telegram

import (
	"fmt"
	"strings"
)

// Config holds the Telegram adapter credentials and routing settings.
type Config struct {
	// BotToken is the Bot API token. Required.
	BotToken string
	// AdminChatID is the management supergroup. Optional: when empty the
	// engine runs self-setup and binds the first group it hears from.
	AdminChatID string
	// Topics enables one forum topic per user. Requires the admin chat to
	// be a forum supergroup and the bot to have topic management rights.
	Topics bool
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	return nil
}
