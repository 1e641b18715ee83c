package keyword

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"feedsift/internal/model"
	"feedsift/internal/storage"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name     string
		keywords string
		item     model.Item
		want     bool
	}{
		{
			name:     "all keywords in title",
			keywords: "go generics",
			item:     model.Item{Title: "Go 1.26 brings Generic methods"},
			want:     true,
		},
		{
			name:     "all keywords in description",
			keywords: "sqlite wal",
			item:     model.Item{Title: "Database internals", Description: "How SQLite's WAL works"},
			want:     true,
		},
		{
			name:     "keywords split across fields do not match",
			keywords: "sqlite wal",
			item:     model.Item{Title: "SQLite tips", Description: "about the WAL"},
			want:     false,
		},
		{
			name:     "substring match",
			keywords: "kube",
			item:     model.Item{Title: "Kubernetes operators"},
			want:     true,
		},
		{
			name:     "unicode case folding",
			keywords: "GÖDEL",
			item:     model.Item{Title: "Gödel, Escher, Bach revisited"},
			want:     true,
		},
		{
			name:     "cyrillic",
			keywords: "новости",
			item:     model.Item{Title: "НОВОСТИ дня"},
			want:     true,
		},
		{
			name:     "missing keyword",
			keywords: "go rust",
			item:     model.Item{Title: "Go release"},
			want:     false,
		},
		{
			name:     "blank subscription never matches",
			keywords: "   ",
			item:     model.Item{Title: "anything"},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(model.Subscription{Keywords: tt.keywords}, tt.item)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Matches mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type notification struct {
	Destination string
	Keywords    string
	Titles      []string
}

type recordingDispatcher struct {
	mu   sync.Mutex
	got  []notification
	err  error
	hits int
}

func (d *recordingDispatcher) Notify(_ context.Context, destination, keywords string, items []model.Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hits++
	if d.err != nil {
		return d.err
	}
	titles := make([]string, len(items))
	for i, it := range items {
		titles[i] = it.Title
	}
	d.got = append(d.got, notification{Destination: destination, Keywords: keywords, Titles: titles})
	return nil
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedSubscription(t *testing.T, store *storage.SQLite, owner int64, keywords string, enabled bool) model.Subscription {
	t.Helper()
	sub := model.Subscription{OwnerID: owner, Keywords: keywords, Enabled: enabled}
	if err := store.CreateSubscription(context.Background(), &sub); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return sub
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierProcess(t *testing.T) {
	store := newTestStore(t)
	seedSubscription(t, store, 1, "go", true)
	seedSubscription(t, store, 1, "sqlite", true)
	seedSubscription(t, store, 1, "go", false)
	seedSubscription(t, store, 2, "go", true)

	d := &recordingDispatcher{}
	n := NewNotifier(store, d, discardLogger())
	profile := &model.Profile{OwnerID: 1, NotifyEnabled: true, NotifyDestination: "42"}
	items := []model.Item{
		{ID: 10, Title: "Go 1.26 Released"},
		{ID: 11, Title: "SQLite WAL internals"},
		{ID: 12, Title: "Go and SQLite together"},
		{ID: 13, Title: "Hiring"},
	}

	sent, err := n.Process(context.Background(), profile, items)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	n.Wait()

	if diff := cmp.Diff(2, sent); diff != "" {
		t.Errorf("dispatch count mismatch (-want +got):\n%s", diff)
	}
	want := map[string]notification{
		"go":     {Destination: "42", Keywords: "go", Titles: []string{"Go 1.26 Released", "Go and SQLite together"}},
		"sqlite": {Destination: "42", Keywords: "sqlite", Titles: []string{"SQLite WAL internals", "Go and SQLite together"}},
	}
	got := make(map[string]notification)
	for _, nt := range d.got {
		got[nt.Keywords] = nt
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}

	// Re-processing the same items must not notify again.
	sent, err = n.Process(context.Background(), profile, items)
	if err != nil {
		t.Fatalf("Process again: %v", err)
	}
	n.Wait()
	if diff := cmp.Diff(0, sent); diff != "" {
		t.Errorf("second dispatch count mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(2, d.hits); diff != "" {
		t.Errorf("dispatcher calls mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifierSkipsWithoutDestination(t *testing.T) {
	store := newTestStore(t)
	seedSubscription(t, store, 1, "go", true)
	items := []model.Item{{ID: 1, Title: "Go"}}

	tests := []struct {
		name    string
		profile *model.Profile
	}{
		{"disabled", &model.Profile{OwnerID: 1, NotifyEnabled: false, NotifyDestination: "42"}},
		{"no destination", &model.Profile{OwnerID: 1, NotifyEnabled: true}},
		{"no profile", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			n := NewNotifier(store, d, discardLogger())
			sent, err := n.Process(context.Background(), tt.profile, items)
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			n.Wait()
			if sent != 0 || d.hits != 0 {
				t.Errorf("expected no dispatch, got sent=%d hits=%d", sent, d.hits)
			}
		})
	}
}

func TestNotifierDispatchFailureIsNotRetried(t *testing.T) {
	store := newTestStore(t)
	seedSubscription(t, store, 1, "go", true)

	d := &recordingDispatcher{err: errors.New("chat not found")}
	n := NewNotifier(store, d, discardLogger())
	profile := &model.Profile{OwnerID: 1, NotifyEnabled: true, NotifyDestination: "42"}
	items := []model.Item{{ID: 1, Title: "Go news"}}

	if _, err := n.Process(context.Background(), profile, items); err != nil {
		t.Fatalf("Process: %v", err)
	}
	n.Wait()
	if _, err := n.Process(context.Background(), profile, items); err != nil {
		t.Fatalf("Process again: %v", err)
	}
	n.Wait()

	if diff := cmp.Diff(1, d.hits); diff != "" {
		t.Errorf("dispatcher calls mismatch (-want +got):\n%s", diff)
	}
}
