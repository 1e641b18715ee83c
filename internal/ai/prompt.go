package ai

import (
	"fmt"
	"strings"
)

const (
	batchTitleRunes        = 120
	batchDescriptionRunes  = 300
	singleTitleRunes       = 200
	singleDescriptionRunes = 1000
	summaryContentRunes    = 4000
)

// Input is one item to classify.
type Input struct {
	Title       string
	Description string
}

func preferenceBlock(preference string) string {
	preference = strings.TrimSpace(preference)
	if preference == "" {
		preference = "(no preference given; reject only obvious spam and advertising)"
	}
	return "You screen RSS items for a reader. The reader's preference:\n" + preference + "\n\n"
}

func batchPrompt(preference string, inputs []Input) (system, user string) {
	var sb strings.Builder
	sb.WriteString(preferenceBlock(preference))
	sb.WriteString("Decide for every item whether it matches the preference. ")
	sb.WriteString("Answer with one line per item and nothing else, in exactly this form:\n")
	sb.WriteString("[index]YES-reason\n[index]NO-reason\n")
	fmt.Fprintf(&sb, "Cover every index from 1 to %d. Keep each reason to 20 words or fewer.", len(inputs))
	system = sb.String()

	var ub strings.Builder
	for i, in := range inputs {
		fmt.Fprintf(&ub, "[%d] Title: %s\n", i+1, cleanText(in.Title, batchTitleRunes))
		if desc := cleanText(in.Description, batchDescriptionRunes); desc != "" {
			fmt.Fprintf(&ub, "Description: %s\n", desc)
		}
		ub.WriteByte('\n')
	}
	return system, strings.TrimSpace(ub.String())
}

func singlePrompt(preference string, in Input) (system, user string) {
	var sb strings.Builder
	sb.WriteString(preferenceBlock(preference))
	sb.WriteString("Decide whether the item matches the preference. ")
	sb.WriteString("Answer with a single line and nothing else, in exactly this form:\n")
	sb.WriteString("YES-reason\nNO-reason\n")
	sb.WriteString("Keep the reason to 20 words or fewer.")
	system = sb.String()

	user = "Title: " + cleanText(in.Title, singleTitleRunes)
	if desc := cleanText(in.Description, singleDescriptionRunes); desc != "" {
		user += "\nDescription: " + desc
	}
	return system, user
}

func summaryPrompt(title, content string) (system, user string) {
	system = "Summarize the article in two or three sentences, in the language the article is written in. " +
		"Reply with the summary only."
	user = "Title: " + cleanText(title, singleTitleRunes) + "\n\n" + cleanText(content, summaryContentRunes)
	return system, user
}
