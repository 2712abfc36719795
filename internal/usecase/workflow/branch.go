package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"llmflow/internal/domain"
)

// maxSelectionContext bounds how much of the previous reply is shown to the
// model when it chooses a branch.
const maxSelectionContext = 500

var firstIntRe = regexp.MustCompile(`\d+`)

// sanitizeReply truncates a reply and drops every character outside
// [A-Za-z0-9 .,!?-].
func sanitizeReply(reply string) string {
	runes := []rune(reply)
	if len(runes) > maxSelectionContext {
		runes = runes[:maxSelectionContext]
	}
	var b strings.Builder
	b.Grow(len(runes))
	for _, r := range runes {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune(" .,!?-", r):
			b.WriteRune(r)
		}
	}
	return b.String()
}

// selectionPrompt asks the model to pick one branch by number.
func selectionPrompt(reply string, branches []domain.Branch) string {
	var b strings.Builder
	b.WriteString("Based on the following response, choose the most appropriate next step.\n\n")
	b.WriteString("Response: ")
	b.WriteString(sanitizeReply(reply))
	b.WriteString("\n\nOptions:\n")
	for i, br := range branches {
		desc := br.Description
		if desc == "" {
			desc = br.State
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, desc)
	}
	fmt.Fprintf(&b, "\nAnswer with only the number of the chosen option (1-%d).", len(branches))
	return b.String()
}

// parseSelection returns the zero-based branch index named by the first
// integer in answer. ok is false when there is none or it is out of range,
// in which case index is 0.
func parseSelection(answer string, n int) (index int, reason string, ok bool) {
	m := firstIntRe.FindString(answer)
	if m == "" {
		return 0, "no number in reply", false
	}
	v, err := strconv.Atoi(m)
	if err != nil || v < 1 || v > n {
		return 0, fmt.Sprintf("choice %s out of range 1-%d", m, n), false
	}
	return v - 1, "", true
}
