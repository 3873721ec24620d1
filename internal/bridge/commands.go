package bridge

import (
	"regexp"
	"strings"
)

// CommandKind identifies an administrative command typed on the management surface.
type CommandKind string

const (
	CommandNone  CommandKind = ""
	CommandHelp  CommandKind = "help"
	CommandTest  CommandKind = "test"
	CommandUnits CommandKind = "units"
	CommandLink  CommandKind = "link"
)

// Command is a parsed administrative command.
type Command struct {
	Kind CommandKind
	Args []string
}

// legacyReplyPattern matches the old addressing form "r<digits> <text>":
// an explicit raw identity followed by the reply body.
var legacyReplyPattern = regexp.MustCompile(`(?s)^r(\d+)\s+(.+)$`)

// ParseCommand recognizes administrative commands. Telegram-style commands may
// carry a @botname suffix, which is stripped.
func ParseCommand(text string) Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") && !strings.HasPrefix(text, "!") {
		return Command{}
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return Command{}
	}
	name := strings.ToLower(fields[0])
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	args := fields[1:]
	switch name {
	case "start", "help", "info":
		return Command{Kind: CommandHelp}
	case "test":
		return Command{Kind: CommandTest}
	case "units", "list":
		return Command{Kind: CommandUnits, Args: args}
	case "link":
		return Command{Kind: CommandLink, Args: args}
	default:
		return Command{}
	}
}

// ParseLegacyReply matches the legacy addressing pattern and returns the raw
// identity and the body with the prefix stripped.
func ParseLegacyReply(text string) (identityID, body string, ok bool) {
	m := legacyReplyPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

const helpText = `I bridge messages between users and this chat.

Reply to a forwarded message to answer its sender, or type directly inside
a user's topic/thread. Commands:
  /help            show this text
  /test            check the platform connection
  /units           list identity-to-unit mappings
  /link <id> <unit> bind a manually created unit to a user
  r<id> <text>     legacy direct reply by raw user id`
