package alerts

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/villenero912/waifugen-system-sub000/pkg/logx"
)

// LogSink writes alerts to the structured log. It is the default delivery
// when no external sink is configured, so alerts are never silently lost.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, a Alert) error {
	log := s.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	fields := []logx.Field{
		logx.String("severity", a.Severity.String()),
		logx.String("body", a.Body),
	}
	switch a.Severity {
	case SevCritical:
		log.Error(a.Title, fields...)
	case SevWarn:
		log.Warn(a.Title, fields...)
	default:
		log.Info(a.Title, fields...)
	}
	return nil
}

// TelegramSink delivers alerts to a single operator chat.
type TelegramSink struct {
	bot    *tele.Bot
	chatID int64
}

func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	// Outbound-only: the poller is never started, the bot is purely a sender.
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Deliver(_ context.Context, a Alert) error {
	_, err := s.bot.Send(tele.ChatID(s.chatID), Format(a))
	return err
}
