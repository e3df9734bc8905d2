package channels

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/DavinciDreams/SIA/pkg/config"
	"github.com/DavinciDreams/SIA/pkg/logger"
	"github.com/DavinciDreams/SIA/pkg/orchestrator"
)

const sendTimeout = 10 * time.Second

// DiscordNotifier posts pipeline notifications to a single Discord
// channel. Outbound only: reviews happen through the CLI, Discord just
// tells humans something needs their attention.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	running   atomic.Bool
}

func NewDiscordNotifier(cfg config.DiscordConfig) (*DiscordNotifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is empty")
	}
	if cfg.ChannelID == "" {
		return nil, fmt.Errorf("discord channel ID is empty")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channelID: cfg.ChannelID}, nil
}

func (n *DiscordNotifier) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord notifier")
	if err := n.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	n.running.Store(true)

	botUser, err := n.session.User("@me")
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord notifier connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})
	return nil
}

func (n *DiscordNotifier) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord notifier")
	n.running.Store(false)
	if err := n.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

// Notify implements orchestrator.Notifier.
func (n *DiscordNotifier) Notify(ctx context.Context, msg orchestrator.Notification) error {
	if !n.running.Load() {
		return fmt.Errorf("discord notifier not running")
	}
	content := "**" + msg.Subject + "**"
	if msg.Body != "" {
		content += "\n" + msg.Body
	}

	// Discord caps messages at 2000 characters; stay well under and
	// split on natural boundaries.
	for _, chunk := range splitMessage(content, 1500) {
		if err := n.sendChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (n *DiscordNotifier) sendChunk(ctx context.Context, content string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := n.session.ChannelMessageSend(n.channelID, content)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

// splitMessage splits long messages into chunks, preserving code block
// integrity. Uses natural boundaries (newlines, spaces) and extends
// messages slightly to avoid breaking code blocks.
func splitMessage(content string, limit int) []string {
	var messages []string

	for len(content) > 0 {
		if len(content) <= limit {
			messages = append(messages, content)
			break
		}

		msgEnd := findLastNewline(content[:limit], 200)
		if msgEnd <= 0 {
			msgEnd = findLastSpace(content[:limit], 100)
		}
		if msgEnd <= 0 {
			msgEnd = limit
		}

		candidate := content[:msgEnd]
		unclosedIdx := findLastUnclosedCodeBlock(candidate)

		if unclosedIdx >= 0 {
			extendedLimit := limit + 500
			if len(content) > extendedLimit {
				closingIdx := findNextClosingCodeBlock(content, msgEnd)
				if closingIdx > 0 && closingIdx <= extendedLimit {
					msgEnd = closingIdx
				} else {
					msgEnd = findLastNewline(content[:unclosedIdx], 200)
					if msgEnd <= 0 {
						msgEnd = findLastSpace(content[:unclosedIdx], 100)
					}
					if msgEnd <= 0 {
						msgEnd = unclosedIdx
					}
				}
			} else {
				msgEnd = len(content)
			}
		}

		if msgEnd <= 0 {
			msgEnd = limit
		}

		messages = append(messages, content[:msgEnd])
		content = strings.TrimSpace(content[msgEnd:])
	}

	return messages
}

// findLastUnclosedCodeBlock finds the last opening ``` without a closing
// ``` and returns its position, or -1 if all code blocks are complete.
func findLastUnclosedCodeBlock(text string) int {
	count := 0
	lastOpenIdx := -1

	for i := 0; i < len(text); i++ {
		if i+2 < len(text) && text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			if count == 0 {
				lastOpenIdx = i
			}
			count++
			i += 2
		}
	}

	if count%2 == 1 {
		return lastOpenIdx
	}
	return -1
}

// findNextClosingCodeBlock returns the position just past the next ```
// at or after startIdx, or -1 if not found.
func findNextClosingCodeBlock(text string, startIdx int) int {
	for i := startIdx; i < len(text); i++ {
		if i+2 < len(text) && text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			return i + 3
		}
	}
	return -1
}

func findLastNewline(s string, searchWindow int) int {
	searchStart := len(s) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(s) - 1; i >= searchStart; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}

func findLastSpace(s string, searchWindow int) int {
	searchStart := len(s) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(s) - 1; i >= searchStart; i-- {
		if s[i] == ' ' || s[i] == '\t' {
			return i
		}
	}
	return -1
}
