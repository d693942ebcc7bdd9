package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends notifications to a fixed set of operator chats.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	chatIDs []int64
	logger  *slog.Logger
}

// NewTelegram connects the bot. chatIDs are the operator chats to notify.
func NewTelegram(token string, chatIDs []int64, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger = logger.With("component", "telegram_notifier")
	logger.Info("telegram notifier connected", "user", bot.Self.UserName, "chats", len(chatIDs))
	return &Telegram{bot: bot, chatIDs: chatIDs, logger: logger}, nil
}

// Notify sends the message to every configured chat. A partial send still
// returns the first error so the relay can log it, but earlier chats keep
// their message.
func (t *Telegram) Notify(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var firstErr error
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, message)
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Warn("telegram send failed", "chat_id", chatID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("send to chat %d: %w", chatID, err)
			}
		}
	}
	return firstErr
}
