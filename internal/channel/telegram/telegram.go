// Package telegram delivers notifications through a Telegram bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"remindflow/internal/channel"
)

const textLimit = 4096

type Sender struct {
	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func New() *Sender {
	return &Sender{bots: make(map[string]*tele.Bot)}
}

func (s *Sender) Kind() channel.Kind { return channel.KindTelegram }

func (s *Sender) Send(ctx context.Context, msg channel.Message, cfg channel.Config) error {
	tc := cfg.Telegram
	if tc == nil || tc.Token == "" || tc.ChatID == 0 {
		return channel.Permanent(channel.ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bot, err := s.bot(tc)
	if err != nil {
		return channel.Permanent(fmt.Errorf("telegram bot: %w", err))
	}

	text := msg.Text
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + text
	}
	opts := &tele.SendOptions{ParseMode: tc.ParseMode, DisableWebPagePreview: true}

	done := make(chan error, 1)
	go func() {
		_, err := bot.Send(&tele.Chat{ID: tc.ChatID}, clip(text, textLimit), opts)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return classify(err)
	}
}

func (s *Sender) bot(tc *channel.TelegramConfig) (*tele.Bot, error) {
	key := tc.APIURL + "|" + tc.Token
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bots[key]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   tc.Token,
		URL:     tc.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	s.bots[key] = b
	return b, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400, 401, 403, 404:
			return channel.Permanent(err)
		}
	}
	return err
}

func clip(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
