// Package notify delivers keyword-match digests to owners.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feedsift/internal/model"
)

// maxMessageRunes stays under Telegram's 4096 character message limit.
const maxMessageRunes = 4000

// Dispatcher sends one digest of matched items to a destination.
type Dispatcher interface {
	Notify(ctx context.Context, destination, keywords string, items []model.Item) error
}

// Sender is the part of the Telegram API the dispatcher needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends digests as Telegram messages. The destination is a chat id.
type Telegram struct {
	api Sender
	log *slog.Logger
}

// NewTelegram creates a Telegram dispatcher.
func NewTelegram(api Sender, log *slog.Logger) *Telegram {
	return &Telegram{api: api, log: log}
}

// Notify implements Dispatcher.
func (t *Telegram) Notify(ctx context.Context, destination, keywords string, items []model.Item) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(destination), 10, 64)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", destination, err)
	}

	for _, text := range FormatDigest(keywords, items) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := t.api.Send(msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	t.log.Debug("keyword digest sent", "chat_id", chatID, "items", len(items))
	return nil
}

// Log writes digests to the logger. It is used when no bot token is set.
type Log struct {
	log *slog.Logger
}

// NewLog creates a Log dispatcher.
func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

// Notify implements Dispatcher.
func (l *Log) Notify(_ context.Context, destination, keywords string, items []model.Item) error {
	for _, it := range items {
		l.log.Info("keyword match",
			"destination", destination,
			"keywords", keywords,
			"item_id", it.ID,
			"title", it.Title,
			"link", it.Link,
		)
	}
	return nil
}

// FormatDigest renders the digest, split into messages that fit the limit.
func FormatDigest(keywords string, items []model.Item) []string {
	header := fmt.Sprintf("Keyword match: %s\n", keywords)

	var (
		messages []string
		b        strings.Builder
	)
	b.WriteString(header)
	for _, it := range items {
		entry := formatEntry(it)
		if utf8.RuneCountInString(b.String())+utf8.RuneCountInString(entry) > maxMessageRunes && b.Len() > len(header) {
			messages = append(messages, strings.TrimRight(b.String(), "\n"))
			b.Reset()
			b.WriteString(header)
		}
		b.WriteString(entry)
	}
	messages = append(messages, strings.TrimRight(b.String(), "\n"))
	return messages
}

func formatEntry(it model.Item) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(it.Title)
	if it.Link != "" {
		b.WriteString("\n")
		b.WriteString(it.Link)
	}
	b.WriteString("\n")
	return b.String()
}
