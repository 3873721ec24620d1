package discord

import (
	"fmt"
	"strings"
)

// Config holds the Discord adapter credentials and routing settings.
type Config struct {
	// BotToken is the bot token. Required.
	BotToken string
	// AdminChannelID is the management guild channel. Optional: when empty
	// the engine runs self-setup and binds the first channel it hears from.
	AdminChannelID string
	// Threads enables one thread per user under the admin channel.
	Threads bool
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return fmt.Errorf("discord bot token is required")
	}
	return nil
}
