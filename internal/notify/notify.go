// Package notify доставляет пользователю короткие сообщения.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"

	"warden/internal/logs"
)

const (
	ExpiredText = "Ваша подписка истекла. Доступ к VPN приостановлен. Продлите подписку, чтобы продолжить пользоваться сервисом."
)

// ReferralRewardText — поздравление пригласившему.
func ReferralRewardText(invited, days int) string {
	return fmt.Sprintf("🎉 Поздравляем! Вы пригласили %d друзей и получили %d дней подписки бесплатно!", invited, days)
}

// Notifier отправляет текст пользователю по его внешнему id.
type Notifier interface {
	Notify(ctx context.Context, externalID int64, text string) error
}

// New выбирает Telegram при заданном токене, иначе только лог.
func New(botToken, apiURL string) Notifier {
	if strings.TrimSpace(botToken) == "" {
		return Log{}
	}
	tg, err := NewTelegram(botToken, apiURL)
	if err != nil {
		logs.For("notify").WithError(err).Warn("telegram client unavailable, notifications go to log")
		return Log{}
	}
	return tg
}

// Log пишет уведомления в лог вместо доставки.
type Log struct{}

func (Log) Notify(_ context.Context, externalID int64, text string) error {
	logs.For("notify").WithField("external_id", externalID).Info(text)
	return nil
}

// Telegram — sendMessage через Bot API.
type Telegram struct {
	b *bot.Bot
}

// NewTelegram не ходит в сеть: getMe пропускается.
func NewTelegram(token, apiURL string) (*Telegram, error) {
	opts := []bot.Option{bot.WithSkipGetMe()}
	if apiURL = strings.TrimRight(apiURL, "/"); apiURL != "" {
		opts = append(opts, bot.WithServerURL(apiURL))
	}
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{b: b}, nil
}

func (t *Telegram) Notify(ctx context.Context, externalID int64, text string) error {
	_, err := t.b.SendMessage(ctx, &bot.SendMessageParams{ChatID: externalID, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}
