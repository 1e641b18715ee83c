package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Sentinel reasons for decisions the model did not actually make.
const (
	ReasonParseFailure = "parse failure"
	ReasonUnavailable  = "service unavailable"
	ReasonInterrupted  = "processing interrupted"
)

const reasonMissing = "no reason given"

var errMalformedResponse = errors.New("malformed ai response")

// Decision is the verdict for one item.
type Decision struct {
	Passed bool
	Reason string
	// Raw is the model text the decision was read from.
	Raw string
}

func sentinel(reason, raw string) Decision {
	return Decision{Passed: false, Reason: reason, Raw: raw}
}

// IsSentinel reports whether d was synthesized rather than answered.
func IsSentinel(d Decision) bool {
	switch d.Reason {
	case ReasonParseFailure, ReasonUnavailable, ReasonInterrupted:
		return !d.Passed
	}
	return false
}

type chatMessage struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
	Reasoning        string `json:"reasoning"`
}

type chatChoice struct {
	Message *chatMessage `json:"message"`
	Text    string       `json:"text"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

// contentExtractors are tried in order; providers disagree on where the
// answer text lives.
var contentExtractors = []func(chatChoice) string{
	func(c chatChoice) string {
		if c.Message == nil {
			return ""
		}
		return c.Message.Content
	},
	func(c chatChoice) string {
		if c.Message == nil {
			return ""
		}
		return c.Message.ReasoningContent
	},
	func(c chatChoice) string {
		if c.Message == nil {
			return ""
		}
		return c.Message.Reasoning
	},
	func(c chatChoice) string { return c.Text },
}

// extractContent pulls the answer text out of a chat-completion body.
func extractContent(body []byte) (string, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode: %v", errMalformedResponse, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", errMalformedResponse)
	}
	for _, extract := range contentExtractors {
		if text := strings.TrimSpace(extract(resp.Choices[0])); text != "" {
			return text, nil
		}
	}
	return "", fmt.Errorf("%w: empty content", errMalformedResponse)
}

// decisionLine matches "[3]YES-reason", "3. NO: reason", "YES - reason" and
// similar, after list markers have been trimmed. Group 4 captures an explicit
// separator directly after the verdict.
var decisionLine = regexp.MustCompile(`(?i)^(?:\[\s*(\d+)\s*\]|(\d+)\s*[.):])?\s*(yes|no)\b\s*([-:–—]?)[-:–—,.!\s]*(.*)$`)

// inlineDecision finds an upper-case verdict anywhere in free text.
var inlineDecision = regexp.MustCompile(`\b(YES|NO)\s*[-:–—]\s*(\S.*)`)

type parsedLine struct {
	index     int // 0 when the line carried no index
	passed    bool
	separated bool // verdict followed by -, :, – or —
	reason    string
	raw       string
}

// parseLine reads a verdict line. Unindexed lines only count when the verdict
// is followed by an explicit separator or stands alone, so prose such as
// "Yes, here are my answers" or "No doubt" is not taken as a decision.
func parseLine(line string) (parsedLine, bool) {
	raw := strings.TrimSpace(line)
	trimmed := strings.TrimLeft(raw, "*#>•- \t")
	trimmed = strings.TrimSpace(strings.ReplaceAll(trimmed, "**", ""))
	m := decisionLine.FindStringSubmatch(trimmed)
	if m == nil {
		return parsedLine{}, false
	}

	idx := 0
	for _, s := range m[1:3] {
		if s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return parsedLine{}, false
			}
			idx = n
		}
	}
	separated := m[4] != ""
	rest := strings.TrimSpace(m[5])
	if idx == 0 && !separated && rest != "" {
		return parsedLine{}, false
	}
	return parsedLine{
		index:     idx,
		passed:    strings.EqualFold(m[3], "yes"),
		separated: separated,
		reason:    normalizeReason(rest),
		raw:       raw,
	}, true
}

func normalizeReason(s string) string {
	s = strings.TrimSpace(strings.Trim(s, " *\"'`"))
	if s == "" {
		return reasonMissing
	}
	return s
}

// ParseBatch reads one decision per item from a batched answer. It always
// returns exactly n decisions; items the answer does not cover get a parse
// failure. Indexed lines claim their slots first, then lines without an index
// fill the remaining slots in order.
func ParseBatch(text string, n int) []Decision {
	if n <= 0 {
		return nil
	}
	out := make([]Decision, n)
	assigned := make([]bool, n)

	var unindexed []parsedLine
	for _, line := range strings.Split(text, "\n") {
		p, ok := parseLine(line)
		if !ok {
			continue
		}
		if p.index == 0 {
			unindexed = append(unindexed, p)
			continue
		}
		slot := p.index - 1
		if slot >= n || assigned[slot] {
			continue
		}
		out[slot] = Decision{Passed: p.passed, Reason: p.reason, Raw: p.raw}
		assigned[slot] = true
	}

	next := 0
	for _, p := range unindexed {
		for next < n && assigned[next] {
			next++
		}
		if next == n {
			break
		}
		out[next] = Decision{Passed: p.passed, Reason: p.reason, Raw: p.raw}
		assigned[next] = true
	}

	for i := range out {
		if !assigned[i] {
			out[i] = sentinel(ReasonParseFailure, text)
		}
	}
	return out
}

// ParseSingle reads the verdict for a single item. A line shaped YES-/NO- wins
// over a bare verdict line; otherwise an upper-case YES-/NO- anywhere in the
// text is used.
func ParseSingle(text string) Decision {
	var fallback *parsedLine
	for _, line := range strings.Split(text, "\n") {
		p, ok := parseLine(line)
		if !ok {
			continue
		}
		if p.separated {
			return Decision{Passed: p.passed, Reason: p.reason, Raw: text}
		}
		if fallback == nil {
			fallback = &p
		}
	}
	if fallback != nil {
		return Decision{Passed: fallback.passed, Reason: fallback.reason, Raw: text}
	}
	if m := inlineDecision.FindStringSubmatch(text); m != nil {
		return Decision{Passed: m[1] == "YES", Reason: normalizeReason(m[2]), Raw: text}
	}
	return sentinel(ReasonParseFailure, text)
}
