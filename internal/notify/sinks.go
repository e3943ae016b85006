package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// LogSink writes notifications to the structured log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, n Notification) error {
	attrs := []any{"target", n.Target, "subject", n.Subject, "severity", string(n.Severity)}
	switch n.Severity {
	case SeverityCritical:
		slog.Error(n.Message, attrs...)
	case SeverityWarning:
		slog.Warn(n.Message, attrs...)
	default:
		slog.Info(n.Message, attrs...)
	}
	return nil
}

// TelegramSink posts notifications to one Telegram chat.
type TelegramSink struct {
	token  string
	chatID string

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramSink creates a sink for chatID. The bot connects on first send.
func NewTelegramSink(token, chatID string) *TelegramSink {
	return &TelegramSink{token: strings.TrimSpace(token), chatID: strings.TrimSpace(chatID)}
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(_ context.Context, n Notification) error {
	chatID, err := parseChatID(s.chatID)
	if err != nil {
		return err
	}
	bot, err := s.client()
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, n.Text())
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (s *TelegramSink) client() (*tgbotapi.BotAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil {
		return s.bot, nil
	}
	if s.token == "" {
		return nil, fmt.Errorf("telegram token is not configured")
	}
	bot, err := tgbotapi.NewBotAPI(s.token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	slog.Info("telegram notifier connected", "username", bot.Self.UserName)
	s.bot = bot
	return bot, nil
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", s, err)
	}
	return id, nil
}
