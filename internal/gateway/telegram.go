// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram talks to a single chat; messages from other chats are ignored.
type Telegram struct {
	*Bridge

	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

func NewTelegram(token string, chatID int64, resolver Resolver, logger *slog.Logger) (*Telegram, error) {
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram gateway authorized", "account", bot.Self.UserName)

	return &Telegram{
		Bridge: NewBridge("telegram", resolver, logger),
		bot:    bot,
		chatID: chatID,
		logger: logger,
	}, nil
}

func (t *Telegram) Send(_ context.Context, text string) error {
	_, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text))
	return err
}

// Run relays until ctx is done.
func (t *Telegram) Run(ctx context.Context) error {
	go t.Bridge.Run(ctx, t)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)
	defer t.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.Chat.ID != t.chatID {
				continue
			}
			if ack := t.Reply(ctx, update.Message.Text); ack != "" {
				if err := t.Send(ctx, ack); err != nil {
					t.logger.Warn("telegram reply failed", "error", err)
				}
			}
		}
	}
}
