// Package processor runs one owner's sources through fetch, dedup, keyword
// notification and AI filtering, and stores the verdicts.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"feedsift/internal/ai"
	"feedsift/internal/dedup"
	"feedsift/internal/fetcher"
	"feedsift/internal/model"
	"feedsift/internal/storage"
)

// Store is the persistence the processor needs.
type Store interface {
	storage.SourceCatalog
	storage.ItemStore
	storage.AuditSink
}

// FeedFetcher downloads and parses a feed.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) (*gofeed.Feed, error)
}

// Filterer returns one decision per input.
type Filterer interface {
	Filter(ctx context.Context, p *model.Profile, inputs []ai.Input, sourceName string) []ai.Decision
}

// KeywordNotifier handles keyword subscriptions for new items.
type KeywordNotifier interface {
	Process(ctx context.Context, p *model.Profile, items []model.Item) (int, error)
}

// Result summarizes one source run.
type Result struct {
	Entries  int
	Skipped  int
	Inserted int
	Passed   int
	Rejected int
	Notified int
}

// Processor applies the pipeline to sources.
type Processor struct {
	store    Store
	fetcher  FeedFetcher
	dedup    *dedup.Index
	keywords KeywordNotifier
	engine   Filterer
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Processor.
func New(store Store, f FeedFetcher, idx *dedup.Index, keywords KeywordNotifier, engine Filterer, log *slog.Logger) *Processor {
	return &Processor{
		store:    store,
		fetcher:  f,
		dedup:    idx,
		keywords: keywords,
		engine:   engine,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ProcessGroup runs the sources of one owner in order. A failing source does
// not stop the rest; cancellation does.
func (p *Processor) ProcessGroup(ctx context.Context, profile *model.Profile, sources []model.Source) {
	for i, src := range sources {
		if ctx.Err() != nil {
			p.log.Info("group cancelled", "owner_id", profile.OwnerID, "remaining", len(sources)-i)
			return
		}
		res, err := p.ProcessSource(ctx, profile, src)
		if err != nil {
			p.log.Error("process source",
				"owner_id", src.OwnerID, "source_id", src.ID, "source", src.Name, "error", err)
			continue
		}
		p.log.Info("source processed",
			"owner_id", src.OwnerID,
			"source_id", src.ID,
			"source", src.Name,
			"entries", res.Entries,
			"skipped", res.Skipped,
			"inserted", res.Inserted,
			"passed", res.Passed,
			"rejected", res.Rejected,
		)
	}
}

// ProcessSource fetches one source and filters its new entries. The source's
// last-fetch time advances however the run ends.
func (p *Processor) ProcessSource(ctx context.Context, profile *model.Profile, src model.Source) (Result, error) {
	var res Result

	if err := p.store.MarkFetchStarted(ctx, src.ID); err != nil {
		return res, fmt.Errorf("mark fetch started: %w", err)
	}
	defer func() {
		if err := p.store.MarkFetchCompleted(context.WithoutCancel(ctx), src.ID, p.now()); err != nil {
			p.log.Error("mark fetch completed", "source_id", src.ID, "error", err)
		}
	}()

	feed, err := p.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return res, fmt.Errorf("fetch %s: %w", src.URL, err)
	}
	entries := fetcher.Entries(feed)
	res.Entries = len(entries)

	kept, err := p.dedup.Filter(ctx, src.OwnerID, entries)
	if err != nil {
		return res, fmt.Errorf("dedup: %w", err)
	}
	res.Skipped = kept.Skipped()

	items := p.insert(ctx, src, kept.Kept)
	res.Inserted = len(items)
	if len(items) == 0 {
		return res, nil
	}

	if n, err := p.keywords.Process(ctx, profile, items); err != nil {
		p.log.Error("keyword notifications", "owner_id", src.OwnerID, "source_id", src.ID, "error", err)
	} else {
		res.Notified = n
	}

	inputs := make([]ai.Input, len(items))
	for i, it := range items {
		desc := it.Description
		if strings.TrimSpace(desc) == "" {
			desc = it.Content
		}
		inputs[i] = ai.Input{Title: it.Title, Description: desc}
	}
	decisions := p.engine.Filter(ctx, profile, inputs, src.Name)

	// Verdicts are written even when ctx was cancelled mid-filter.
	wctx := context.WithoutCancel(ctx)
	for i, it := range items {
		d := ai.Decision{Reason: ai.ReasonParseFailure}
		if i < len(decisions) {
			d = decisions[i]
		}
		status := model.StatusRejected
		if d.Passed {
			status = model.StatusPassed
			res.Passed++
		} else {
			res.Rejected++
		}
		if err := p.store.UpdateVerdict(wctx, it.ID, status, d.Reason); err != nil {
			p.log.Error("update verdict", "item_id", it.ID, "error", err)
		}
		entry := &model.AuditEntry{
			OwnerID:     it.OwnerID,
			ItemID:      it.ID,
			Title:       it.Title,
			Link:        it.Link,
			Passed:      d.Passed,
			Reason:      d.Reason,
			RawResponse: d.Raw,
			SourceName:  src.Name,
		}
		if err := p.store.AppendAudit(wctx, entry); err != nil {
			p.log.Error("append audit", "item_id", it.ID, "error", err)
		}
	}
	return res, nil
}

func (p *Processor) insert(ctx context.Context, src model.Source, entries []fetcher.Entry) []model.Item {
	items := make([]model.Item, 0, len(entries))
	for _, e := range entries {
		it := model.Item{
			SourceID:    src.ID,
			OwnerID:     src.OwnerID,
			Title:       e.Title,
			Link:        e.Link,
			Description: e.Description,
			Content:     e.Content,
			PublishedAt: e.PublishedAt,
			Status:      model.StatusPending,
			Reason:      model.ReasonPending,
		}
		inserted, err := p.store.InsertItem(ctx, &it)
		if err != nil {
			p.log.Error("insert item", "source_id", src.ID, "link", e.Link, "error", err)
			continue
		}
		if !inserted {
			continue
		}
		items = append(items, it)
	}
	return items
}
