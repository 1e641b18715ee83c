package ai

import (
	"strings"

	"golang.org/x/net/html"
)

// entityReplacer decodes the entities feeds commonly leave in titles and
// descriptions. Anything else is left as written.
var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
)

// cleanText strips markup, decodes the fixed entity set, flattens whitespace
// and truncates the result to maxRunes.
func cleanText(s string, maxRunes int) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF or a tokenizer failure; either way keep what we have.
			break
		}
		switch tt {
		case html.StartTagToken:
			if isHidden(z) {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			if isHidden(z) && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Raw())
			}
		}
	}

	text := entityReplacer.Replace(b.String())
	text = strings.Join(strings.Fields(text), " ")
	return truncateRunes(text, maxRunes)
}

func isHidden(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style":
		return true
	}
	return false
}

func truncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return strings.TrimSpace(string(runes[:maxRunes]))
}
