package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/blokista/walletgate/pkg/logger"
)

// MessageSender is the part of *telego.Bot the notifier uses.
type MessageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Telegram forwards events to a set of chats.
type Telegram struct {
	bot   MessageSender
	chats []int64
}

// NewTelegram creates a bot from token. chatIDs are numeric Telegram chat ids.
func NewTelegram(token string, chatIDs []string) (*Telegram, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return NewTelegramWithSender(bot, chatIDs)
}

func NewTelegramWithSender(bot MessageSender, chatIDs []string) (*Telegram, error) {
	chats := make([]int64, 0, len(chatIDs))
	for _, raw := range chatIDs {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram chat id %q: %w", raw, err)
		}
		chats = append(chats, id)
	}
	return &Telegram{bot: bot, chats: chats}, nil
}

func (t *Telegram) Notify(ctx context.Context, e Event) {
	text := formatTelegram(e)
	for _, chat := range t.chats {
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(chat), text)); err != nil {
			logger.WarnCF("notify", "Telegram send failed", map[string]any{
				"chat":  chat,
				"kind":  string(e.Kind),
				"error": err.Error(),
			})
		}
	}
}

func formatTelegram(e Event) string {
	var icon string
	switch e.Kind {
	case ProposalPending:
		icon = "🔗"
	case RequestPending:
		icon = "✍️"
	case SessionsChanged:
		icon = "🔄"
	case PinError:
		icon = "🔐"
	default:
		icon = "ℹ️"
	}
	if e.Detail == "" {
		return fmt.Sprintf("%s %s", icon, e.Title)
	}
	return fmt.Sprintf("%s %s\n\n%s", icon, e.Title, e.Detail)
}
