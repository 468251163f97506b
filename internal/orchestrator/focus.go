package orchestrator

import (
	"fmt"
	"strings"
)

// focusDirectives rotate by loop index; the order is stable across runs.
var focusDirectives = []string{
	"prioritize coherency",
	"prioritize creativity",
	"prioritize thoughtful reasoning",
	"reason step by step, then answer",
	"prioritize unusual deductions",
}

// FocusDirective returns the directive for 0-based iteration i.
func FocusDirective(i int) string {
	if i < 0 {
		i = -i
	}
	return focusDirectives[i%len(focusDirectives)]
}

// FocusPrompt appends the iteration directive to a user prompt.
func FocusPrompt(userPrompt string, i int) string {
	return fmt.Sprintf("%s\n\nFor this answer, %s.", strings.TrimSpace(userPrompt), FocusDirective(i))
}

// ConsolidationPrompt asks for one final answer built from earlier drafts.
func ConsolidationPrompt(userPrompt string, outputs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The original request was:\n%s\n\n", strings.TrimSpace(userPrompt))
	fmt.Fprintf(&b, "You produced %d drafts, each with a different focus:\n", len(outputs))
	for i, out := range outputs {
		fmt.Fprintf(&b, "\n<draft_%d focus=%q>\n%s\n</draft_%d>\n", i+1, FocusDirective(i), out, i+1)
	}
	b.WriteString("\nConsolidate the drafts into a single final answer to the original request. Keep the strongest points of each draft.")
	return b.String()
}
