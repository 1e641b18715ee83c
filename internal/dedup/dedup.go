// Package dedup suppresses feed entries an owner has already seen.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"feedsift/internal/fetcher"
	"feedsift/internal/storage"
)

// DefaultWindow is the trailing span within which repeats are suppressed.
const DefaultWindow = 30 * 24 * time.Hour

// Result is the outcome of filtering one batch of entries.
type Result struct {
	Kept        []fetcher.Entry
	SeenLink    int
	SeenTitle   int
	BatchRepeat int
}

// Skipped returns the total number of dropped entries.
func (r Result) Skipped() int {
	return r.SeenLink + r.SeenTitle + r.BatchRepeat
}

// Index checks entries against an owner's recent items.
type Index struct {
	items  storage.ItemLookup
	window time.Duration
	now    func() time.Time
}

// New creates an Index over items. A non-positive window selects DefaultWindow.
func New(items storage.ItemLookup, window time.Duration) *Index {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Index{
		items:  items,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Filter drops entries whose link or non-empty title the owner already has
// within the window, then collapses repeats inside the batch itself. The
// first occurrence of a trimmed title or a link wins; blank titles never
// collapse.
func (x *Index) Filter(ctx context.Context, ownerID int64, entries []fetcher.Entry) (Result, error) {
	since := x.now().Add(-x.window)

	var res Result
	titles := make(map[string]struct{})
	links := make(map[string]struct{})

	for _, e := range entries {
		title := strings.TrimSpace(e.Title)

		seen, err := x.items.ExistsByLinkSince(ctx, ownerID, e.Link, since)
		if err != nil {
			return Result{}, fmt.Errorf("check link %q: %w", e.Link, err)
		}
		if seen {
			res.SeenLink++
			continue
		}

		if title != "" {
			seen, err := x.items.ExistsByTitleSince(ctx, ownerID, title, since)
			if err != nil {
				return Result{}, fmt.Errorf("check title %q: %w", title, err)
			}
			if seen {
				res.SeenTitle++
				continue
			}
		}

		if _, dup := links[e.Link]; dup {
			res.BatchRepeat++
			continue
		}
		if title != "" {
			if _, dup := titles[title]; dup {
				res.BatchRepeat++
				continue
			}
			titles[title] = struct{}{}
		}
		links[e.Link] = struct{}{}

		e.Title = title
		res.Kept = append(res.Kept, e)
	}
	return res, nil
}
