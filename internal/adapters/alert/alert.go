// Package alert delivers operator notices for dead-lettered events and
// reconciliation drift.
package alert

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"leadsync/internal/ports"
)

// telegram caps message text at 4096 characters.
const maxMessageLen = 4096

// Sender is the part of *tgbotapi.BotAPI the alerter uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Telegram struct {
	bot    Sender
	chatID int64
}

func NewTelegram(bot Sender, chatID int64) *Telegram {
	return &Telegram{bot: bot, chatID: chatID}
}

// DialTelegram authenticates the bot token against the Telegram API.
func DialTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, eris.Wrap(err, "alert: telegram bot")
	}
	return NewTelegram(bot, chatID), nil
}

func (t *Telegram) Alert(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := fmt.Sprintf("⚠️ %s\n\n%s", subject, body)
	if utf8.RuneCountInString(text) > maxMessageLen {
		r := []rune(text)
		text = string(r[:maxMessageLen-1]) + "…"
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return eris.Wrap(err, "alert: telegram send")
	}
	return nil
}

// Log writes alerts to the service log at error level.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "alert").Logger()}
}

func (l *Log) Alert(_ context.Context, subject, body string) error {
	l.log.Error().Str("subject", subject).Str("body", body).Msg("operator alert")
	return nil
}

// Multi fans an alert out to every sink and joins their errors.
type Multi []ports.Alerter

func (m Multi) Alert(ctx context.Context, subject, body string) error {
	var errs []error
	for _, a := range m {
		if err := a.Alert(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
