package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"feedsift/internal/model"
	"feedsift/internal/scheduler"
)

const (
	statusActive = "active"
	statusPaused = "paused"

	rawSnippetRunes = 300
)

func ago(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}

// FormatStatus formats the scheduler and worker pool snapshot.
func FormatStatus(st scheduler.Status, now time.Time) string {
	var b strings.Builder
	state := "running"
	if !st.Running {
		state = "stopped"
	}
	fmt.Fprintf(&b, "Scheduler: %s\n", state)
	fmt.Fprintf(&b, "Cycles: %s\n", humanize.Comma(st.Cycles))
	if st.LastCycleAt.IsZero() {
		b.WriteString("Last cycle: never\n")
	} else {
		fmt.Fprintf(&b, "Last cycle: %s (%d selected, %d dispatched)\n",
			ago(st.LastCycleAt, now), st.LastSelected, st.LastDispatched)
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", st.LastError)
	}
	fmt.Fprintf(&b, "\nWorkers: %d (%d active, %d queued)", st.Pool.Workers, st.Pool.Active, st.Pool.Queued)
	return b.String()
}

// FormatSource formats detailed information about a single source.
// profile may be nil.
func FormatSource(src *model.Source, profile *model.Profile, now time.Time) string {
	var b strings.Builder
	status := statusActive
	if !src.Enabled {
		status = statusPaused
	}
	fmt.Fprintf(&b, "#%d %s [%s]\n", src.ID, src.Name, status)
	fmt.Fprintf(&b, "Owner: %d\n", src.OwnerID)
	fmt.Fprintf(&b, "URL: %s\n", src.URL)
	fmt.Fprintf(&b, "Interval: every %s\n", formatInterval(scheduler.RefreshInterval(*src, profile)))
	if src.LastFetchAt != nil {
		fmt.Fprintf(&b, "Last fetch: %s (%s)\n", src.LastFetchAt.Format("2006-01-02 15:04 UTC"), ago(*src.LastFetchAt, now))
	} else {
		b.WriteString("Last fetch: never\n")
	}
	if src.Fetching {
		b.WriteString("Fetch in progress\n")
	}
	if profile == nil {
		b.WriteString("\nNo filter profile: this source is not scheduled.")
	} else {
		fmt.Fprintf(&b, "\nModel: %s", profile.Model)
	}
	return b.String()
}

func formatInterval(d time.Duration) string {
	return fmt.Sprintf("%d min", int(d/time.Minute))
}

// FormatItem formats an item with its verdict and audit trail.
func FormatItem(it *model.Item, audit []model.AuditEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s\n", it.ID, it.Title)
	if it.Link != "" {
		fmt.Fprintf(&b, "%s\n", it.Link)
	}
	fmt.Fprintf(&b, "\nVerdict: %s (%s)\n", it.Status, it.Reason)

	if len(audit) == 0 {
		b.WriteString("No audit entries.")
		return b.String()
	}
	fmt.Fprintf(&b, "Audit entries: %d\n", len(audit))
	last := audit[len(audit)-1]
	if raw := strings.TrimSpace(last.RawResponse); raw != "" {
		fmt.Fprintf(&b, "\nLast raw response:\n%s", truncate(raw, rawSnippetRunes))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatSummary formats an AI summary reply.
func FormatSummary(it *model.Item, summary string) string {
	var b strings.Builder
	b.WriteString(it.Title)
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(summary))
	if it.Link != "" {
		b.WriteString("\n\n")
		b.WriteString(it.Link)
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
