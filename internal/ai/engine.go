// Package ai classifies feed items against an owner's preference using an
// OpenAI-compatible chat-completion endpoint.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"feedsift/internal/httpcache"
	"feedsift/internal/model"
)

const (
	singleMaxTokens  = 256
	batchMaxTokens   = 1500
	summaryMaxTokens = 512

	filterTemperature  = 0.1
	summaryTemperature = 0.3

	maxResponseSize = 1 << 20
)

// ClientSource hands out HTTP clients for an endpoint/model/timeout profile.
type ClientSource interface {
	Client(endpoint, model string, t httpcache.Timeouts) *http.Client
}

// Options tunes batching and retry.
type Options struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Engine talks to the AI endpoint.
type Engine struct {
	clients        ClientSource
	batchSize      int
	maxAttempts    int
	initialBackoff time.Duration
	log            *slog.Logger
}

// NewEngine creates an Engine. Zero options fall back to a batch size of 10,
// three attempts and a two second initial backoff.
func NewEngine(clients ClientSource, opts Options, log *slog.Logger) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 2 * time.Second
	}
	return &Engine{
		clients:        clients,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
		log:            log,
	}
}

// StatusError reports a non-success response from the AI endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ai endpoint status %d: %s", e.Code, e.Body)
}

type chatRequestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []chatRequestMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature"`
}

type call struct {
	system      string
	user        string
	maxTokens   int
	temperature float64
}

// Filter returns one decision per input, in input order. It never fails:
// transport trouble becomes "service unavailable", unreadable answers become
// "parse failure" and cancellation becomes "processing interrupted".
func (e *Engine) Filter(ctx context.Context, p *model.Profile, inputs []Input, sourceName string) []Decision {
	out := make([]Decision, 0, len(inputs))
	batch := 0
	for start := 0; start < len(inputs); start += e.batchSize {
		end := min(start+e.batchSize, len(inputs))
		chunk := inputs[start:end]
		batch++

		if ctx.Err() != nil {
			out = appendSentinels(out, len(chunk), ReasonInterrupted, ctx.Err().Error())
			continue
		}
		out = append(out, e.filterChunk(ctx, p, chunk, sourceName, batch)...)
	}

	passed := 0
	for _, d := range out {
		if d.Passed {
			passed++
		}
	}
	e.log.Info("ai filter complete",
		"owner_id", p.OwnerID,
		"source", sourceName,
		"items", len(inputs),
		"passed", passed,
	)
	return out
}

func (e *Engine) filterChunk(ctx context.Context, p *model.Profile, chunk []Input, sourceName string, batch int) []Decision {
	c := call{temperature: filterTemperature}
	if len(chunk) == 1 {
		c.system, c.user = singlePrompt(p.Preference, chunk[0])
		c.maxTokens = singleMaxTokens
	} else {
		c.system, c.user = batchPrompt(p.Preference, chunk)
		c.maxTokens = batchMaxTokens
	}
	if p.MaxTokens > 0 {
		c.maxTokens = p.MaxTokens
	}

	text, raw, err := e.completeWithRetry(ctx, p, c, sourceName, batch)
	switch {
	case err == nil:
		if len(chunk) == 1 {
			return []Decision{ParseSingle(text)}
		}
		return ParseBatch(text, len(chunk))
	case ctx.Err() != nil:
		e.log.Warn("ai batch interrupted", "owner_id", p.OwnerID, "source", sourceName, "batch", batch)
		return appendSentinels(nil, len(chunk), ReasonInterrupted, ctx.Err().Error())
	case errors.Is(err, errMalformedResponse):
		e.log.Warn("malformed ai response",
			"owner_id", p.OwnerID, "source", sourceName, "batch", batch, "error", err)
		return appendSentinels(nil, len(chunk), ReasonParseFailure, raw)
	default:
		e.log.Error("ai service unavailable",
			"owner_id", p.OwnerID, "source", sourceName, "batch", batch, "error", err)
		return appendSentinels(nil, len(chunk), ReasonUnavailable, err.Error())
	}
}

// Summarize asks the model for a short free-text summary.
func (e *Engine) Summarize(ctx context.Context, p *model.Profile, title, content string) (string, error) {
	c := call{maxTokens: summaryMaxTokens, temperature: summaryTemperature}
	c.system, c.user = summaryPrompt(title, content)

	text, _, err := e.completeWithRetry(ctx, p, c, "summary", 0)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return text, nil
}

func appendSentinels(out []Decision, n int, reason, raw string) []Decision {
	for range n {
		out = append(out, sentinel(reason, raw))
	}
	return out
}

// completeWithRetry sends the request, retrying transport failures and
// non-success statuses with exponential backoff. Malformed bodies are
// returned at once together with the raw body.
func (e *Engine) completeWithRetry(ctx context.Context, p *model.Profile, c call, sourceName string, batch int) (string, string, error) {
	var text, raw string
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(e.maxAttempts-1), retry.NewExponential(e.initialBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		out, body, err := e.complete(ctx, p, c)
		raw = body
		if err == nil {
			text = out
			return nil
		}
		if errors.Is(err, errMalformedResponse) || ctx.Err() != nil {
			return err
		}
		e.log.Warn("ai request failed",
			"owner_id", p.OwnerID,
			"source", sourceName,
			"batch", batch,
			"attempt", attempt,
			"error", err,
		)
		return retry.RetryableError(err)
	})
	return text, raw, err
}

func (e *Engine) complete(ctx context.Context, p *model.Profile, c call) (string, string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: p.Model,
		Messages: []chatRequestMessage{
			{Role: "system", Content: c.system},
			{Role: "user", Content: c.user},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := chatEndpoint(p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	client := e.clients.Client(endpoint, p.Model, httpcache.TimeoutsFor(p))
	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("post chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", string(body), &StatusError{Code: resp.StatusCode, Body: snippet(body)}
	}

	text, err := extractContent(body)
	if err != nil {
		return "", string(body), err
	}
	return text, string(body), nil
}

func chatEndpoint(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
