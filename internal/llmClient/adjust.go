package llmclient

import "strings"

const (
	historyOpen  = "<message_history>"
	historyClose = "</message_history>"
)

// Adjust applies provider quirks to an assembled message list. The input
// is not modified. Applying Adjust to its own output is a no-op.
func Adjust(model Model, msgs []Message) []Message {
	switch model.Provider {
	case ProviderGemini:
		return wrapHistory(msgs)
	case ProviderOpenAI:
		if model.NoSystemPrompt {
			return hoistSystem(msgs)
		}
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// hoistSystem relabels system messages as user messages and moves them to
// the front, keeping the relative order of both groups.
func hoistSystem(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			out = append(out, Message{Role: RoleUser, Content: m.Content})
		}
	}
	for _, m := range msgs {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// wrapHistory turns assistant turns into user turns inside a history
// envelope; Gemini only sees user input and a system instruction.
func wrapHistory(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			out = append(out, Message{Role: RoleUser, Content: historyOpen + "\n" + m.Content + "\n" + historyClose})
			continue
		}
		out = append(out, m)
	}
	return out
}

// splitInstruction concatenates system messages into one instruction and
// everything else into one prompt.
func splitInstruction(msgs []Message) (system, prompt string) {
	var sys, usr []string
	for _, m := range wrapHistory(msgs) {
		if m.Role == RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		usr = append(usr, m.Content)
	}
	return strings.Join(sys, "\n\n"), strings.Join(usr, "\n\n")
}
