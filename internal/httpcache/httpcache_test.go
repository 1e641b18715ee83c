package httpcache

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"feedsift/internal/model"
)

func TestIsReasoningModel(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  bool
	}{
		{"deepseek r1", "deepseek-r1-chat", true},
		{"deepseek reasoner", "deepseek-reasoner", true},
		{"qwq", "Qwen/QwQ-32B", true},
		{"glm", "glm-4.5-air", true},
		{"thinking suffix", "claude-thinking", true},
		{"o1 preview", "o1-preview", true},
		{"o3 mini with vendor", "openai/o3-mini", true},
		{"gpt-4o-mini", "gpt-4o-mini", false},
		{"gpt-4o", "gpt-4o", false},
		{"llama", "llama-3.1-8b-instruct", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, IsReasoningModel(tt.model)); diff != "" {
				t.Errorf("IsReasoningModel(%q) mismatch (-want +got):\n%s", tt.model, diff)
			}
		})
	}
}

func TestTimeoutsFor(t *testing.T) {
	yes, no := true, false

	tests := []struct {
		name    string
		profile *model.Profile
		want    Timeouts
	}{
		{
			name:    "reasoning model gets long read timeout",
			profile: &model.Profile{Model: "deepseek-r1-chat"},
			want:    Timeouts{Connect: 10 * time.Second, Read: 300 * time.Second, Write: 30 * time.Second},
		},
		{
			name:    "regular model gets short read timeout",
			profile: &model.Profile{Model: "gpt-4o-mini"},
			want:    Timeouts{Connect: 10 * time.Second, Read: 60 * time.Second, Write: 30 * time.Second},
		},
		{
			name:    "explicit flag overrides classification",
			profile: &model.Profile{Model: "gpt-4o-mini", ReasoningModel: &yes},
			want:    Timeouts{Connect: 10 * time.Second, Read: 300 * time.Second, Write: 30 * time.Second},
		},
		{
			name:    "explicit false flag",
			profile: &model.Profile{Model: "deepseek-r1", ReasoningModel: &no},
			want:    Timeouts{Connect: 10 * time.Second, Read: 60 * time.Second, Write: 30 * time.Second},
		},
		{
			name: "explicit timeouts win",
			profile: &model.Profile{
				Model:          "deepseek-r1",
				ConnectTimeout: 3 * time.Second,
				ReadTimeout:    15 * time.Second,
				WriteTimeout:   5 * time.Second,
			},
			want: Timeouts{Connect: 3 * time.Second, Read: 15 * time.Second, Write: 5 * time.Second},
		},
		{
			name: "nil profile",
			want: Timeouts{Connect: 10 * time.Second, Read: 60 * time.Second, Write: 30 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, TimeoutsFor(tt.profile)); diff != "" {
				t.Errorf("TimeoutsFor mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCacheReusesClients(t *testing.T) {
	c := New()
	short := Timeouts{Connect: time.Second, Read: 2 * time.Second, Write: 3 * time.Second}
	long := Timeouts{Connect: time.Second, Read: 20 * time.Second, Write: 3 * time.Second}

	a := c.Client("https://api.example.com/v1", "gpt-4o-mini", short)
	b := c.Client("https://api.example.com/v1", "gpt-4o-mini", short)
	if a != b {
		t.Error("expected the same client for the same fingerprint")
	}
	if diff := cmp.Diff(6*time.Second, a.Timeout); diff != "" {
		t.Errorf("client timeout mismatch (-want +got):\n%s", diff)
	}

	if c.Client("https://api.example.com/v1", "gpt-4o-mini", long) == a {
		t.Error("expected a different client for different timeouts")
	}
	if c.Client("https://api.example.com/v1", "deepseek-r1", short) == a {
		t.Error("expected a different client for a different model")
	}
	if diff := cmp.Diff(3, c.Len()); diff != "" {
		t.Errorf("cache size mismatch (-want +got):\n%s", diff)
	}
	c.CloseIdleConnections()
}

func TestCacheConcurrentCallers(t *testing.T) {
	c := New()
	to := Timeouts{Connect: time.Second, Read: time.Second, Write: time.Second}

	const callers = 32
	got := make(chan any, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got <- c.Client("https://api.example.com", "m", to)
		}()
	}
	wg.Wait()
	close(got)

	first := <-got
	for client := range got {
		if client != first {
			t.Fatal("concurrent callers received different clients")
		}
	}
	if diff := cmp.Diff(1, c.Len()); diff != "" {
		t.Errorf("cache size mismatch (-want +got):\n%s", diff)
	}
}
