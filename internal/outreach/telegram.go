package outreach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/villenero912/waifugen-system-sub000/internal/storage"
)

// TelegramMessenger delivers sequence messages to subscribers on the
// "telegram" channel. Outbound-only; the poller is never started.
type TelegramMessenger struct {
	bot *tele.Bot
}

func NewTelegramMessenger(token string) (*TelegramMessenger, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramMessenger{bot: bot}, nil
}

func (m *TelegramMessenger) Send(_ context.Context, sub storage.Subscriber, text string) error {
	if sub.Channel != "telegram" {
		return fmt.Errorf("subscriber %s is on channel %q, not telegram", sub.ID, sub.Channel)
	}
	if sub.ChatID == 0 {
		return fmt.Errorf("subscriber %s has no chat id", sub.ID)
	}
	_, err := m.bot.Send(tele.ChatID(sub.ChatID), text)
	return err
}
