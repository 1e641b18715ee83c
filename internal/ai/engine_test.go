package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"feedsift/internal/httpcache"
	"feedsift/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chatBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

type recorded struct {
	mu       sync.Mutex
	requests []chatRequest
	auth     []string
}

func (r *recorded) add(req chatRequest, auth string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	r.auth = append(r.auth, auth)
}

// answerAll replies YES to every item of a batch and NO to single items.
func answerAll(rec *recorded) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.add(req, r.Header.Get("Authorization"))

		user := req.Messages[1].Content
		n := strings.Count(user, "] Title:")
		if n == 0 {
			_, _ = io.WriteString(w, chatBody("NO-single item"))
			return
		}
		var sb strings.Builder
		for i := 1; i <= n; i++ {
			fmt.Fprintf(&sb, "[%d]YES-item %d\n", i, i)
		}
		_, _ = io.WriteString(w, chatBody(sb.String()))
	}
}

func testProfile(baseURL string) *model.Profile {
	return &model.Profile{
		OwnerID:    7,
		BaseURL:    baseURL,
		Model:      "gpt-4o-mini",
		APIKey:     "sk-test",
		Preference: "Go and databases",
	}
}

func inputs(n int) []Input {
	out := make([]Input, n)
	for i := range out {
		out[i] = Input{Title: fmt.Sprintf("Item %d", i+1), Description: "body"}
	}
	return out
}

func newTestEngine(opts Options) *Engine {
	return NewEngine(httpcache.New(), opts, discardLogger())
}

func TestFilterBatchesAndSingles(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(answerAll(rec))
	defer srv.Close()

	e := newTestEngine(Options{BatchSize: 3, MaxAttempts: 3, InitialBackoff: time.Millisecond})
	got := e.Filter(context.Background(), testProfile(srv.URL+"/v1"), inputs(4), "Systems Weekly")

	want := []Decision{
		{Passed: true, Reason: "item 1"},
		{Passed: true, Reason: "item 2"},
		{Passed: true, Reason: "item 3"},
		{Passed: false, Reason: "single item"},
	}
	if diff := cmp.Diff(want, got, ignoreRaw); diff != "" {
		t.Errorf("Filter mismatch (-want +got):\n%s", diff)
	}

	if len(rec.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(rec.requests))
	}
	batch, single := rec.requests[0], rec.requests[1]
	if diff := cmp.Diff([]int{1500, 256}, []int{batch.MaxTokens, single.MaxTokens}); diff != "" {
		t.Errorf("max tokens mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(0.1, batch.Temperature); diff != "" {
		t.Errorf("temperature mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("gpt-4o-mini", batch.Model); diff != "" {
		t.Errorf("model mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"system", "user"}, []string{batch.Messages[0].Role, batch.Messages[1].Role}); diff != "" {
		t.Errorf("roles mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(batch.Messages[0].Content, "Go and databases") {
		t.Errorf("system prompt lacks preference: %s", batch.Messages[0].Content)
	}
	if diff := cmp.Diff("Bearer sk-test", rec.auth[0]); diff != "" {
		t.Errorf("authorization mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterProfileMaxTokens(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(answerAll(rec))
	defer srv.Close()

	p := testProfile(srv.URL)
	p.MaxTokens = 900
	e := newTestEngine(Options{BatchSize: 10, InitialBackoff: time.Millisecond})
	_ = e.Filter(context.Background(), p, inputs(2), "src")

	if diff := cmp.Diff(900, rec.requests[0].MaxTokens); diff != "" {
		t.Errorf("max tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterRetryExhaustion(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := newTestEngine(Options{BatchSize: 10, MaxAttempts: 3, InitialBackoff: time.Millisecond})
	got := e.Filter(context.Background(), testProfile(srv.URL), inputs(4), "src")

	if diff := cmp.Diff(int32(3), hits.Load()); diff != "" {
		t.Errorf("attempt count mismatch (-want +got):\n%s", diff)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 decisions, got %d", len(got))
	}
	for i, d := range got {
		if d.Passed || d.Reason != ReasonUnavailable {
			t.Errorf("decision %d = %+v, want %q", i, d, ReasonUnavailable)
		}
	}
}

func TestFilterRecoversAfterTransientFailures(t *testing.T) {
	var hits atomic.Int32
	rec := &recorded{}
	ok := answerAll(rec)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "try later", http.StatusBadGateway)
			return
		}
		ok(w, r)
	}))
	defer srv.Close()

	e := newTestEngine(Options{BatchSize: 10, MaxAttempts: 3, InitialBackoff: time.Millisecond})
	got := e.Filter(context.Background(), testProfile(srv.URL), inputs(2), "src")

	want := []Decision{{Passed: true, Reason: "item 1"}, {Passed: true, Reason: "item 2"}}
	if diff := cmp.Diff(want, got, ignoreRaw); diff != "" {
		t.Errorf("Filter mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterMalformedResponseNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	e := newTestEngine(Options{BatchSize: 10, MaxAttempts: 3, InitialBackoff: time.Millisecond})
	got := e.Filter(context.Background(), testProfile(srv.URL), inputs(3), "src")

	if diff := cmp.Diff(int32(1), hits.Load()); diff != "" {
		t.Errorf("attempt count mismatch (-want +got):\n%s", diff)
	}
	want := []Decision{
		{Reason: ReasonParseFailure, Raw: `{"choices":[]}`},
		{Reason: ReasonParseFailure, Raw: `{"choices":[]}`},
		{Reason: ReasonParseFailure, Raw: `{"choices":[]}`},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Filter mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterCancellationInterruptsRemainingBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		cancel()
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestEngine(Options{BatchSize: 2, MaxAttempts: 3, InitialBackoff: time.Hour})

	done := make(chan []Decision, 1)
	go func() { done <- e.Filter(ctx, testProfile(srv.URL), inputs(5), "src") }()

	var got []Decision
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Filter did not return promptly after cancellation")
	}

	if diff := cmp.Diff(int32(1), hits.Load()); diff != "" {
		t.Errorf("attempt count mismatch (-want +got):\n%s", diff)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 decisions, got %d", len(got))
	}
	for i, d := range got {
		if d.Reason != ReasonInterrupted {
			t.Errorf("decision %d reason = %q, want %q", i, d.Reason, ReasonInterrupted)
		}
	}
}

func TestFilterEmpty(t *testing.T) {
	e := newTestEngine(Options{})
	if got := e.Filter(context.Background(), testProfile("http://127.0.0.1:1"), nil, "src"); len(got) != 0 {
		t.Errorf("expected no decisions, got %v", got)
	}
}

func TestSummarize(t *testing.T) {
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		rec.add(req, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, chatBody("  Go 1.26 adds generic methods.  "))
	}))
	defer srv.Close()

	e := newTestEngine(Options{InitialBackoff: time.Millisecond})
	got, err := e.Summarize(context.Background(), testProfile(srv.URL), "Go 1.26", "<p>Release notes</p>")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if diff := cmp.Diff("Go 1.26 adds generic methods.", got); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	req := rec.requests[0]
	if diff := cmp.Diff(512, req.MaxTokens); diff != "" {
		t.Errorf("max tokens mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(0.3, req.Temperature); diff != "" {
		t.Errorf("temperature mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(req.Messages[1].Content, "Release notes") {
		t.Errorf("content missing from prompt: %s", req.Messages[1].Content)
	}
}

func TestSummarizeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := newTestEngine(Options{MaxAttempts: 2, InitialBackoff: time.Millisecond})
	if _, err := e.Summarize(context.Background(), testProfile(srv.URL), "t", "c"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestChatEndpoint(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"https://proxy.local/v1/chat/completions", "https://proxy.local/v1/chat/completions"},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, chatEndpoint(tt.base)); diff != "" {
			t.Errorf("chatEndpoint(%q) mismatch (-want +got):\n%s", tt.base, diff)
		}
	}
}
