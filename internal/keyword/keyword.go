// Package keyword matches new items against owners' keyword subscriptions
// and sends one digest per subscription.
package keyword

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"feedsift/internal/model"
	"feedsift/internal/notify"
	"feedsift/internal/storage"
)

const dispatchTimeout = 30 * time.Second

// Matches reports whether every keyword of sub occurs in the item's title, or
// every keyword occurs in its description. Keywords are not combined across
// the two fields. Comparison is Unicode case-insensitive.
func Matches(sub model.Subscription, item model.Item) bool {
	keywords := sub.Fields()
	if len(keywords) == 0 {
		return false
	}
	fold := cases.Fold()
	for i, k := range keywords {
		keywords[i] = fold.String(k)
	}
	return containsAll(fold.String(item.Title), keywords) ||
		containsAll(fold.String(item.Description), keywords)
}

func containsAll(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	for _, k := range keywords {
		if !strings.Contains(text, k) {
			return false
		}
	}
	return true
}

// Notifier records new keyword matches and dispatches digests in the
// background.
type Notifier struct {
	subs       storage.SubscriptionStore
	dispatcher notify.Dispatcher
	log        *slog.Logger
	wg         sync.WaitGroup
}

// NewNotifier creates a Notifier.
func NewNotifier(subs storage.SubscriptionStore, dispatcher notify.Dispatcher, log *slog.Logger) *Notifier {
	return &Notifier{subs: subs, dispatcher: dispatcher, log: log}
}

// Process checks items against the owner's enabled subscriptions. Each
// (subscription, item) pair is notified at most once. It returns the number of
// digests dispatched.
func (n *Notifier) Process(ctx context.Context, p *model.Profile, items []model.Item) (int, error) {
	if p == nil || !p.NotifyEnabled || strings.TrimSpace(p.NotifyDestination) == "" || len(items) == 0 {
		return 0, nil
	}

	subs, err := n.subs.ListEnabledSubscriptions(ctx, p.OwnerID)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}

	dispatched := 0
	for _, sub := range subs {
		var matched []model.Item
		for _, it := range items {
			if !Matches(sub, it) {
				continue
			}
			recorded, err := n.subs.RecordKeywordMatch(ctx, p.OwnerID, sub.ID, it.ID)
			if err != nil {
				n.log.Error("record keyword match",
					"owner_id", p.OwnerID, "subscription_id", sub.ID, "item_id", it.ID, "error", err)
				continue
			}
			if recorded {
				matched = append(matched, it)
			}
		}
		if len(matched) == 0 {
			continue
		}
		n.dispatch(ctx, p.OwnerID, p.NotifyDestination, sub.Keywords, matched)
		dispatched++
	}
	return dispatched, nil
}

func (n *Notifier) dispatch(ctx context.Context, ownerID int64, destination, keywords string, items []model.Item) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
		defer cancel()

		if err := n.dispatcher.Notify(dctx, destination, keywords, items); err != nil {
			n.log.Error("keyword notification failed",
				"owner_id", ownerID, "keywords", keywords, "items", len(items), "error", err)
			return
		}
		n.log.Info("keyword notification sent",
			"owner_id", ownerID, "keywords", keywords, "items", len(items))
	}()
}

// Wait blocks until all dispatched notifications have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
