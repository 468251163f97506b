package llmclient

import "strings"

// perMessageOverhead approximates the role/separator tokens chat formats add.
const perMessageOverhead = 4

// CountTokens provides a deterministic token estimate for text: the larger
// of the whitespace word count and a four-characters-per-token heuristic.
// It backs token counting when no provider tokeniser is available.
func CountTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	chars := (len(text) + 3) / 4
	if words > chars {
		return words
	}
	return chars
}

// CountMessageTokens estimates the prompt size of msgs. It is a pure
// function of its input.
func CountMessageTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead + CountTokens(m.Content)
	}
	return total
}
