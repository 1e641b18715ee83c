// Package bot is the operator-facing Telegram bot: pipeline status, on-demand
// fetches, item inspection and summaries.
package bot

import (
	"context"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feedsift/internal/config"
	"feedsift/internal/model"
	"feedsift/internal/scheduler"
)

// TelegramAPI is the subset of *tgbotapi.BotAPI the bot uses.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Scheduler triggers fetches and reports pipeline state.
type Scheduler interface {
	FetchNow(ctx context.Context, sourceID int64) (string, error)
	Status() scheduler.Status
}

// Store is the read side the bot inspects.
type Store interface {
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	GetProfile(ctx context.Context, ownerID int64) (*model.Profile, error)
	GetItem(ctx context.Context, id int64) (*model.Item, error)
	ListAudit(ctx context.Context, itemID int64) ([]model.AuditEntry, error)
}

// Summarizer produces a short summary of an item with the owner's profile.
type Summarizer interface {
	Summarize(ctx context.Context, p *model.Profile, title, content string) (string, error)
}

// Bot is the Telegram bot that handles operator commands.
type Bot struct {
	api        TelegramAPI
	store      Store
	sched      Scheduler
	summarizer Summarizer
	cfg        *config.Config
	log        *slog.Logger
	now        func() time.Time
}

// New creates a Bot on top of an existing Telegram API client.
func New(api TelegramAPI, store Store, sched Scheduler, summarizer Summarizer, cfg *config.Config, log *slog.Logger) *Bot {
	return &Bot{
		api:        api,
		store:      store,
		sched:      sched,
		summarizer: summarizer,
		cfg:        cfg,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.From == nil || !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) replyWithKeyboard(chatID int64, text string, markup tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = markup
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case cmdStatus:
		b.handleStatus(chatID)
	case "source":
		b.handleSource(ctx, chatID, args)
	case cmdFetch:
		b.handleFetch(ctx, chatID, args)
	case "item":
		b.handleItem(ctx, chatID, args)
	case cmdSummarize:
		b.handleSummarize(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
