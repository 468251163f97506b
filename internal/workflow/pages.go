package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

var bulletRe = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.+)$`)

// ParsePages extracts up to n list items from a markdown list. Lines that
// are not list items are ignored.
func ParsePages(markdown string, n int) []string {
	var out []string
	for _, line := range strings.Split(markdown, "\n") {
		m := bulletRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		item := strings.TrimSpace(m[1])
		if item == "" {
			continue
		}
		out = append(out, item)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

func pagePrompt(pages []string, i int) string {
	if i < len(pages) {
		return pages[i]
	}
	return fmt.Sprintf("Continue with page %d.", i+1)
}
