package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"news-digest-bot/internal/domain"
	"news-digest-bot/internal/infra/metrics"
)

// Sender отправляет дайджесты через Bot API. Используется
// планировщиком рассылки.
type Sender struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

var _ domain.Messenger = (*Sender)(nil)

// NewSender создаёт отправителя.
func NewSender(bot *tgbotapi.BotAPI, logger zerolog.Logger) *Sender {
	return &Sender{bot: bot, log: logger}
}

// SendDigest отправляет текст дайджеста, при необходимости частями.
func (s *Sender) SendDigest(ctx context.Context, chatID int64, text string) error {
	for _, part := range SplitMessage(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		msg.DisableWebPagePreview = true

		start := time.Now()
		_, err := s.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_digest", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			return fmt.Errorf("send digest: %w", err)
		}
	}
	return nil
}
