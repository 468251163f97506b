// Package prompt assembles provider-neutral message lists.
package prompt

import (
	"fmt"
	"strings"

	"ensemble/internal/apperr"
	llmclient "ensemble/internal/llmClient"
)

// File is a referenced file. Found is false when the reference could not be
// resolved; the model is told instead of the request failing.
type File struct {
	Path    string
	Content string
	Found   bool
}

// Input holds prompts as a string, a []string or a []any of strings.
type Input struct {
	System    any
	User      any
	Assistant any
	Files     []File
	Model     llmclient.Model
}

// Lift normalises a prompt value to a list. Blank strings are dropped.
func Lift(v any) ([]string, error) {
	var raw []string
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		raw = []string{t}
	case []string:
		raw = t
	case []any:
		raw = make([]string, 0, len(t))
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, apperr.Validation("prompt", "element %d is %T, want string", i, item)
			}
			raw = append(raw, s)
		}
	default:
		return nil, apperr.Validation("prompt", "unsupported prompt type %T", v)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// WrapFile renders a file body inside tags naming its path.
func WrapFile(path, content string) string {
	return fmt.Sprintf("<%s>\n%s\n</%s>", path, content, path)
}

// Build returns [assistant..., system..., files..., user...] with provider
// adjustments applied last. It does not mutate in and is deterministic.
func Build(in Input) ([]llmclient.Message, error) {
	assistant, err := Lift(in.Assistant)
	if err != nil {
		return nil, err
	}
	system, err := Lift(in.System)
	if err != nil {
		return nil, err
	}
	user, err := Lift(in.User)
	if err != nil {
		return nil, err
	}

	msgs := make([]llmclient.Message, 0, len(assistant)+len(system)+len(in.Files)+len(user))
	for _, s := range assistant {
		msgs = append(msgs, llmclient.Message{Role: llmclient.RoleAssistant, Content: s})
	}
	for _, s := range system {
		msgs = append(msgs, llmclient.Message{Role: llmclient.RoleSystem, Content: s})
	}
	for _, f := range in.Files {
		if !f.Found {
			msgs = append(msgs, llmclient.Message{Role: llmclient.RoleSystem, Content: "File not found: " + f.Path})
			continue
		}
		msgs = append(msgs, llmclient.Message{Role: llmclient.RoleUser, Content: WrapFile(f.Path, f.Content)})
	}
	for _, s := range user {
		msgs = append(msgs, llmclient.Message{Role: llmclient.RoleUser, Content: s})
	}
	return llmclient.Adjust(in.Model, msgs), nil
}
