// Package storage defines the persistence interfaces and their SQLite implementation.
package storage

import (
	"context"
	"errors"
	"time"

	"feedsift/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SourceCatalog lists feed sources and tracks their fetch state.
type SourceCatalog interface {
	CreateSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	ListEnabledSources(ctx context.Context) ([]model.Source, error)
	MarkFetchStarted(ctx context.Context, id int64) error
	MarkFetchCompleted(ctx context.Context, id int64, at time.Time) error
	ResetFetching(ctx context.Context) (int64, error)
}

// ProfileStore looks up per-owner filter profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, ownerID int64) (*model.Profile, error)
	UpsertProfile(ctx context.Context, p *model.Profile) error
}

// ItemLookup answers "seen before" questions for the dedup index.
type ItemLookup interface {
	ExistsByLinkSince(ctx context.Context, ownerID int64, link string, since time.Time) (bool, error)
	ExistsByTitleSince(ctx context.Context, ownerID int64, title string, since time.Time) (bool, error)
}

// ItemStore persists feed items and their verdicts.
type ItemStore interface {
	ItemLookup
	InsertItem(ctx context.Context, item *model.Item) (bool, error)
	UpdateVerdict(ctx context.Context, id int64, status model.FilterStatus, reason string) error
	GetItem(ctx context.Context, id int64) (*model.Item, error)
}

// AuditSink records AI verdicts, append-only.
type AuditSink interface {
	AppendAudit(ctx context.Context, entry *model.AuditEntry) error
	ListAudit(ctx context.Context, itemID int64) ([]model.AuditEntry, error)
}

// SubscriptionStore holds keyword subscriptions and sent-notification markers.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	ListEnabledSubscriptions(ctx context.Context, ownerID int64) ([]model.Subscription, error)
	RecordKeywordMatch(ctx context.Context, ownerID, subscriptionID, itemID int64) (bool, error)
}

// Storage is the union of all persistence operations.
type Storage interface {
	SourceCatalog
	ProfileStore
	ItemStore
	AuditSink
	SubscriptionStore

	Close() error
}
