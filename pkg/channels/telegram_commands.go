// Package channels lets an operator watch and refuse gateway activity from
// a chat. Approval stays local: nothing here accepts a PIN.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/blokista/walletgate/pkg/gateway"
	"github.com/blokista/walletgate/pkg/logger"
	"github.com/blokista/walletgate/pkg/wallet"
	wc "github.com/blokista/walletgate/pkg/walletconnect"
)

// Controller is the part of the gateway the chat commands drive.
type Controller interface {
	Head(ctx context.Context) (gateway.PendingView, error)
	RejectHead(ctx context.Context) error
	Sessions(ctx context.Context) ([]wc.SessionView, error)
	Disconnect(ctx context.Context, topic string) error
	ListWallets(ctx context.Context) ([]wallet.Info, error)
}

// Bot is the part of *telego.Bot the command loop uses.
type Bot interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error)
}

type TelegramCommands struct {
	bot     Bot
	gw      Controller
	allowed map[int64]bool
}

// NewTelegramCommands answers commands from chatIDs only.
func NewTelegramCommands(bot Bot, gw Controller, chatIDs []string) (*TelegramCommands, error) {
	allowed := make(map[int64]bool, len(chatIDs))
	for _, raw := range chatIDs {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram chat id %q: %w", raw, err)
		}
		allowed[id] = true
	}
	return &TelegramCommands{bot: bot, gw: gw, allowed: allowed}, nil
}

// Run polls for updates until ctx is done.
func (c *TelegramCommands) Run(ctx context.Context) error {
	updates, err := c.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("telegram polling: %w", err)
	}
	logger.InfoC("telegram", "Command polling started")
	for u := range updates {
		if u.Message == nil {
			continue
		}
		if err := c.Handle(ctx, *u.Message); err != nil {
			logger.WarnCF("telegram", "Command failed", map[string]any{
				"chat":  u.Message.Chat.ID,
				"error": err.Error(),
			})
		}
	}
	return nil
}

func commandArgs(text string) string {
	parts := strings.SplitN(text, " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func commandName(text string) string {
	name := strings.SplitN(strings.TrimSpace(text), " ", 2)[0]
	// "/pending@walletgate_bot" in groups
	name, _, _ = strings.Cut(name, "@")
	return name
}

// Handle answers one message. Messages from other chats are ignored.
func (c *TelegramCommands) Handle(ctx context.Context, message telego.Message) error {
	if !c.allowed[message.Chat.ID] {
		logger.DebugCF("telegram", "Ignoring message from unknown chat", map[string]any{"chat": message.Chat.ID})
		return nil
	}

	var (
		text string
		err  error
	)
	switch commandName(message.Text) {
	case "/start", "/help":
		text = helpText
	case "/pending":
		text, err = c.pending(ctx)
	case "/reject":
		text, err = c.reject(ctx)
	case "/sessions":
		text, err = c.sessions(ctx)
	case "/disconnect":
		text, err = c.disconnect(ctx, commandArgs(message.Text))
	case "/status":
		text, err = c.status(ctx)
	default:
		return nil
	}
	if err != nil {
		text = "❌ " + err.Error()
	}
	return c.reply(ctx, message, text)
}

const helpText = `🔐 walletgate

/pending - Show what is waiting for approval
/reject - Reject the item being shown
/sessions - List connected dapps
/disconnect <topic> - End a session
/status - Wallet and session summary

Approvals need the PIN and are only possible on the gateway host.`

func (c *TelegramCommands) pending(ctx context.Context) (string, error) {
	v, err := c.gw.Head(ctx)
	if errors.Is(err, gateway.ErrNothingPending) {
		return "Nothing pending.", nil
	}
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s from %s\n", v.Kind, v.Peer.DisplayName())
	if v.Method != "" {
		fmt.Fprintf(&b, "Method: %s (chain %d)\n", v.Method, v.ChainID)
	}
	if v.Summary != "" {
		fmt.Fprintf(&b, "%s\n", v.Summary)
	}
	if v.Queued > 1 {
		fmt.Fprintf(&b, "%d more queued", v.Queued-1)
	}
	return strings.TrimSpace(b.String()), nil
}

func (c *TelegramCommands) reject(ctx context.Context) (string, error) {
	err := c.gw.RejectHead(ctx)
	if errors.Is(err, gateway.ErrNothingPending) {
		return "Nothing pending.", nil
	}
	if err != nil {
		return "", err
	}
	return "Rejected.", nil
}

func (c *TelegramCommands) sessions(ctx context.Context) (string, error) {
	list, err := c.gw.Sessions(ctx)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No connected dapps.", nil
	}
	var b strings.Builder
	for _, s := range list {
		fmt.Fprintf(&b, "• %s\n  %s\n", s.Peer.DisplayName(), s.Topic)
	}
	return strings.TrimSpace(b.String()), nil
}

func (c *TelegramCommands) disconnect(ctx context.Context, topic string) (string, error) {
	if topic == "" {
		return "Usage: /disconnect <topic>", nil
	}
	if err := c.gw.Disconnect(ctx, topic); err != nil {
		return "", err
	}
	return "Disconnected.", nil
}

func (c *TelegramCommands) status(ctx context.Context) (string, error) {
	wallets, err := c.gw.ListWallets(ctx)
	if err != nil {
		return "", err
	}
	sessions, err := c.gw.Sessions(ctx)
	if err != nil {
		return "", err
	}
	current := "none"
	for _, w := range wallets {
		if w.Current {
			current = fmt.Sprintf("%s (%s)", w.Name, w.Address.Hex())
		}
	}
	return fmt.Sprintf("Wallet: %s\nWallets: %d\nSessions: %d", current, len(wallets), len(sessions)), nil
}

func (c *TelegramCommands) reply(ctx context.Context, message telego.Message, text string) error {
	_, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: message.Chat.ID},
		Text:   text,
		ReplyParameters: &telego.ReplyParameters{
			MessageID: message.MessageID,
		},
	})
	return err
}
