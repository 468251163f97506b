package workers

import (
	"sort"
	"strings"

	"ensemble/internal/apperr"
	llmclient "ensemble/internal/llmClient"
	"ensemble/internal/prompt"
	"ensemble/internal/workflow"
)

// Worker is a persona with the workflows it may run.
type Worker struct {
	Name         string
	Description  string
	Instructions []string
	Model        llmclient.Model
	Rerun        int
	Criteria     string

	workflows map[string]workflow.Factory
}

// Workflows lists the workflow names the worker supports.
func (w *Worker) Workflows() []string {
	out := make([]string, 0, len(w.workflows))
	for name := range w.workflows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (w *Worker) Supports(name string) bool {
	_, ok := w.workflows[normalizeName(name)]
	return ok
}

// Selectable lists the workflows inference may choose from. auto needs at
// least one attached file, and write_pages is only reached through a page
// count.
func (w *Worker) Selectable(hasFiles bool) []string {
	var out []string
	for _, name := range w.Workflows() {
		switch name {
		case workflow.NameWritePages:
			continue
		case workflow.NameAuto:
			if !hasFiles {
				continue
			}
		}
		out = append(out, name)
	}
	return out
}

// Choose picks the workflow for a request. Explicit tags win; otherwise
// inferred is used when the worker can run it, else chat.
func (w *Worker) Choose(tags Tags, files []prompt.File, inferred string) (*workflow.Workflow, error) {
	name, params, explicit, err := tags.Explicit(len(files) > 0)
	if err != nil {
		return nil, err
	}
	params.Files = files
	if explicit {
		if !w.Supports(name) {
			return nil, apperr.Validation("workflow", "worker %s does not support the %s workflow", w.Name, name)
		}
		return w.workflows[name](params)
	}

	name = workflow.NameChat
	inferred = normalizeName(inferred)
	for _, allowed := range w.Selectable(len(files) > 0) {
		if allowed == inferred {
			name = inferred
			break
		}
	}
	return w.workflows[name](params)
}

// State seeds the per-execution state for a prompt handled by w. extra
// system prompts follow the worker instructions.
func (w *Worker) State(userPrompt string, files []prompt.File, assistant []string, extra ...string) *workflow.State {
	system := append([]string(nil), w.Instructions...)
	for _, s := range extra {
		if strings.TrimSpace(s) != "" {
			system = append(system, s)
		}
	}
	return &workflow.State{
		Prompt:    userPrompt,
		System:    system,
		Assistant: assistant,
		Files:     files,
		Model:     w.Model,
		Rerun:     w.Rerun,
		Criteria:  w.Criteria,
	}
}
