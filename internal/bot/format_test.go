package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"feedsift/internal/model"
	"feedsift/internal/scheduler"
	"feedsift/internal/worker"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseIDArg(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		want    int64
		wantErr bool
	}{
		{name: "valid", args: "42", want: 42},
		{name: "with whitespace", args: "  7  ", want: 7},
		{name: "extra words ignored", args: "7 please", want: 7},
		{name: "empty", args: "", wantErr: true},
		{name: "not a number", args: "abc", wantErr: true},
		{name: "zero", args: "0", wantErr: true},
		{name: "negative", args: "-3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIDArg(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatStatus(t *testing.T) {
	tests := []struct {
		name string
		st   scheduler.Status
		want string
	}{
		{
			name: "running",
			st: scheduler.Status{
				Running:        true,
				Cycles:         1234,
				LastCycleAt:    fixedNow.Add(-5 * time.Minute),
				LastSelected:   3,
				LastDispatched: 2,
				Pool:           worker.Stats{Workers: 10, Queued: 1, Active: 2},
			},
			want: "Scheduler: running\n" +
				"Cycles: 1,234\n" +
				"Last cycle: 5 minutes ago (3 selected, 2 dispatched)\n" +
				"\nWorkers: 10 (2 active, 1 queued)",
		},
		{
			name: "stopped with error",
			st:   scheduler.Status{LastError: "list sources: boom"},
			want: "Scheduler: stopped\n" +
				"Cycles: 0\n" +
				"Last cycle: never\n" +
				"Last error: list sources: boom\n" +
				"\nWorkers: 0 (0 active, 0 queued)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, FormatStatus(tt.st, fixedNow)); diff != "" {
				t.Errorf("FormatStatus() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatSource(t *testing.T) {
	lastFetch := fixedNow.Add(-90 * time.Minute)

	tests := []struct {
		name    string
		src     *model.Source
		profile *model.Profile
		want    string
	}{
		{
			name: "with profile",
			src: &model.Source{
				ID: 3, OwnerID: 1, Name: "Systems Weekly", URL: "https://systems.example.com/rss",
				Enabled: true, LastFetchAt: &lastFetch,
			},
			profile: &model.Profile{OwnerID: 1, Model: "gpt-4o-mini", RefreshMinutes: 30},
			want: "#3 Systems Weekly [active]\n" +
				"Owner: 1\n" +
				"URL: https://systems.example.com/rss\n" +
				"Interval: every 30 min\n" +
				"Last fetch: 2026-03-01 10:30 UTC (1 hour ago)\n" +
				"\nModel: gpt-4o-mini",
		},
		{
			name: "paused without profile",
			src:  &model.Source{ID: 4, OwnerID: 2, Name: "Paused", URL: "https://paused.example.com/rss", Fetching: true},
			want: "#4 Paused [paused]\n" +
				"Owner: 2\n" +
				"URL: https://paused.example.com/rss\n" +
				"Interval: every 60 min\n" +
				"Last fetch: never\n" +
				"Fetch in progress\n" +
				"\nNo filter profile: this source is not scheduled.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, FormatSource(tt.src, tt.profile, fixedNow)); diff != "" {
				t.Errorf("FormatSource() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatItem(t *testing.T) {
	item := &model.Item{
		ID:     9,
		Title:  "Go 1.26 Released",
		Link:   "https://systems.example.com/go-126",
		Status: model.StatusPassed,
		Reason: "release news",
	}

	t.Run("with audit", func(t *testing.T) {
		audit := []model.AuditEntry{
			{ItemID: 9, Passed: true, Reason: "release news", RawResponse: "YES - release news\n"},
		}
		want := "#9 Go 1.26 Released\n" +
			"https://systems.example.com/go-126\n" +
			"\nVerdict: passed (release news)\n" +
			"Audit entries: 1\n" +
			"\nLast raw response:\nYES - release news"
		if diff := cmp.Diff(want, FormatItem(item, audit)); diff != "" {
			t.Errorf("FormatItem() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("without audit", func(t *testing.T) {
		pending := &model.Item{ID: 10, Title: "Draft", Status: model.StatusPending, Reason: model.ReasonPending}
		want := "#10 Draft\n\nVerdict: pending (pending)\nNo audit entries."
		if diff := cmp.Diff(want, FormatItem(pending, nil)); diff != "" {
			t.Errorf("FormatItem() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("long raw response is truncated", func(t *testing.T) {
		audit := []model.AuditEntry{{RawResponse: strings.Repeat("x", 400)}}
		got := FormatItem(item, audit)
		if !strings.HasSuffix(got, strings.Repeat("x", rawSnippetRunes)+"…") {
			t.Errorf("raw response not truncated:\n%s", got)
		}
	})
}

func TestFormatSummary(t *testing.T) {
	item := &model.Item{Title: "SQLite WAL Internals", Link: "https://systems.example.com/wal"}
	want := "SQLite WAL Internals\n\nHow the write-ahead log works.\n\nhttps://systems.example.com/wal"
	if diff := cmp.Diff(want, FormatSummary(item, "  How the write-ahead log works.\n")); diff != "" {
		t.Errorf("FormatSummary() mismatch (-want +got):\n%s", diff)
	}
}
