package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"feedsift/internal/scheduler"
	"feedsift/internal/storage"
	"feedsift/internal/worker"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to feedsift!

This bot reports on the feed filtering pipeline.

Quick start:
1. /status for the scheduler and workers
2. /source <id> to inspect a feed
3. /item <id> to see why an item passed or not

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Pipeline:
/status — scheduler and worker state
/fetch <source_id> — fetch a source now

Inspection:
/source <source_id> — source details
/item <item_id> — verdict and audit trail
/summarize <item_id> — AI summary of an item`)
}

func (b *Bot) handleStatus(chatID int64) {
	b.replyWithKeyboard(chatID, FormatStatus(b.sched.Status(), b.now()), statusKeyboard())
}

func (b *Bot) handleSource(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /source <source_id>")
		return
	}

	src, err := b.store.GetSource(ctx, id)
	if err != nil {
		b.reply(chatID, notFoundOr(err, fmt.Sprintf("Source #%d not found.", id)))
		return
	}

	profile, err := b.store.GetProfile(ctx, src.OwnerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	text := FormatSource(src, profile, b.now())
	if src.Enabled && profile != nil {
		b.replyWithKeyboard(chatID, text, sourceKeyboard(src.ID))
		return
	}
	b.reply(chatID, text)
}

func (b *Bot) handleFetch(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /fetch <source_id>")
		return
	}

	taskID, err := b.sched.FetchNow(ctx, id)
	switch {
	case err == nil:
		b.log.Info("fetch requested via bot", "source_id", id, "task_id", taskID, "chat_id", chatID)
		b.reply(chatID, fmt.Sprintf("Fetch of source #%d queued (task %s).", id, taskID))
	case errors.Is(err, storage.ErrNotFound):
		b.reply(chatID, fmt.Sprintf("Source #%d not found.", id))
	case errors.Is(err, scheduler.ErrDisabled):
		b.reply(chatID, fmt.Sprintf("Source #%d is paused.", id))
	case errors.Is(err, scheduler.ErrInProgress):
		b.reply(chatID, fmt.Sprintf("Source #%d is already being fetched.", id))
	case errors.Is(err, scheduler.ErrNoProfile):
		b.reply(chatID, fmt.Sprintf("The owner of source #%d has no filter profile.", id))
	case errors.Is(err, worker.ErrQueueFull):
		b.reply(chatID, "The work queue is full, try again in a minute.")
	default:
		b.log.Error("fetch now", "source_id", id, "error", err)
		b.reply(chatID, fmt.Sprintf("Failed to queue fetch: %v", err))
	}
}

func (b *Bot) handleItem(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /item <item_id>")
		return
	}

	it, err := b.store.GetItem(ctx, id)
	if err != nil {
		b.reply(chatID, notFoundOr(err, fmt.Sprintf("Item #%d not found.", id)))
		return
	}
	audit, err := b.store.ListAudit(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	b.replyWithKeyboard(chatID, FormatItem(it, audit), itemKeyboard(it.ID))
}

func (b *Bot) handleSummarize(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /summarize <item_id>")
		return
	}

	it, err := b.store.GetItem(ctx, id)
	if err != nil {
		b.reply(chatID, notFoundOr(err, fmt.Sprintf("Item #%d not found.", id)))
		return
	}
	profile, err := b.store.GetProfile(ctx, it.OwnerID)
	if err != nil {
		b.reply(chatID, notFoundOr(err, fmt.Sprintf("The owner of item #%d has no filter profile.", id)))
		return
	}

	content := it.Content
	if strings.TrimSpace(content) == "" {
		content = it.Description
	}
	if strings.TrimSpace(content) == "" {
		b.reply(chatID, fmt.Sprintf("Item #%d has no content to summarize.", id))
		return
	}

	summary, err := b.summarizer.Summarize(ctx, profile, it.Title, content)
	if err != nil {
		b.log.Error("summarize item", "item_id", id, "owner_id", it.OwnerID, "error", err)
		b.reply(chatID, fmt.Sprintf("Failed to summarize item #%d: %v", id, err))
		return
	}
	b.reply(chatID, FormatSummary(it, summary))
}

func notFoundOr(err error, notFound string) string {
	if errors.Is(err, storage.ErrNotFound) {
		return notFound
	}
	return fmt.Sprintf("Error: %v", err)
}
