package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
)

// MessageSender is the part of the Telegram bot API the subscriber needs.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSubscriber posts signals into a Telegram chat.
type TelegramSubscriber struct {
	bot    MessageSender
	chatID int64
}

// NewTelegramSubscriber authenticates the bot token against the Telegram API.
func NewTelegramSubscriber(token string, chatID int64) (*TelegramSubscriber, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return NewTelegramSubscriberWithSender(bot, chatID), nil
}

func NewTelegramSubscriberWithSender(bot MessageSender, chatID int64) *TelegramSubscriber {
	return &TelegramSubscriber{bot: bot, chatID: chatID}
}

func (s *TelegramSubscriber) Name() string { return "telegram" }

func (s *TelegramSubscriber) Notify(ctx context.Context, n domrepo.Notification) error {
	msg := tgbotapi.NewMessage(s.chatID, FormatMessage(n))
	msg.DisableWebPagePreview = true
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

var _ domrepo.Subscriber = (*TelegramSubscriber)(nil)
