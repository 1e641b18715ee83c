// Package model defines the domain types used across the application.
package model

import (
	"strings"
	"time"
)

// Source represents a registered feed URL owned by one account.
type Source struct {
	ID             int64
	OwnerID        int64
	Name           string
	URL            string
	Enabled        bool
	RefreshMinutes int
	LastFetchAt    *time.Time
	Fetching       bool
	CreatedAt      time.Time
}

// Profile is the per-owner AI endpoint configuration and preference text.
// Zero durations and limits mean "use the default".
type Profile struct {
	OwnerID           int64
	BaseURL           string
	Model             string
	APIKey            string
	Preference        string
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxTokens         int
	ReasoningModel    *bool
	RefreshMinutes    int
	NotifyEnabled     bool
	NotifyDestination string
}

// FilterStatus is the AI verdict state of an item.
type FilterStatus int

// Supported filter states.
const (
	StatusPending  FilterStatus = 0
	StatusPassed   FilterStatus = 1
	StatusRejected FilterStatus = 2
)

// String returns the lower-case name of the status.
func (s FilterStatus) String() string {
	switch s {
	case StatusPassed:
		return "passed"
	case StatusRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// ReasonPending is the reason stored on freshly inserted items.
const ReasonPending = "pending"

// Item is one parsed feed entry, persisted once per (owner, link).
type Item struct {
	ID          int64
	SourceID    int64
	OwnerID     int64
	Title       string
	Link        string
	Description string
	Content     string
	PublishedAt time.Time
	Status      FilterStatus
	Reason      string
	CreatedAt   time.Time
}

// AuditEntry is an append-only record of one AI verdict.
type AuditEntry struct {
	ID          int64
	OwnerID     int64
	ItemID      int64
	Title       string
	Link        string
	Passed      bool
	Reason      string
	RawResponse string
	SourceName  string
	CreatedAt   time.Time
}

// Subscription is a keyword set an owner wants to be notified about.
type Subscription struct {
	ID        int64
	OwnerID   int64
	Keywords  string
	Enabled   bool
	CreatedAt time.Time
}

// Fields returns the whitespace-separated keywords of the subscription.
func (s Subscription) Fields() []string {
	return strings.Fields(s.Keywords)
}
