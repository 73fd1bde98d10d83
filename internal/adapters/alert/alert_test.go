package alert

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestTelegramAlert(t *testing.T) {
	fs := &fakeSender{}
	if err := NewTelegram(fs, 42).Alert(context.Background(), "dead letter", "event e1 failed 5 times"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if len(fs.sent) != 1 || fs.sent[0].ChatID != 42 {
		t.Fatalf("sent: %+v", fs.sent)
	}
	if !strings.Contains(fs.sent[0].Text, "dead letter") || !strings.Contains(fs.sent[0].Text, "e1") {
		t.Fatalf("text: %q", fs.sent[0].Text)
	}
}

func TestTelegramTruncatesLongBodies(t *testing.T) {
	fs := &fakeSender{}
	_ = NewTelegram(fs, 1).Alert(context.Background(), "drift", strings.Repeat("é", 5000))
	if n := utf8.RuneCountInString(fs.sent[0].Text); n != maxMessageLen {
		t.Fatalf("length: %d", n)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	failing := NewTelegram(&fakeSender{err: errors.New("bot blocked")}, 1)
	err := Multi{NewLog(zerolog.New(&buf)), failing}.Alert(context.Background(), "s", "b")
	if err == nil || !strings.Contains(err.Error(), "bot blocked") {
		t.Fatalf("err: %v", err)
	}
	if !strings.Contains(buf.String(), `"subject":"s"`) {
		t.Fatalf("log sink not called: %s", buf.String())
	}
}
