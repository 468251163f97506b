package workflow

import (
	"strings"

	llmclient "ensemble/internal/llmClient"
	"ensemble/internal/prompt"
)

type Kind string

const (
	KindChat           Kind = "chat_step"
	KindPlan           Kind = "plan_step"
	KindSaveFile       Kind = "save_file_step"
	KindSummary        Kind = "summary_step"
	KindDeterminePages Kind = "determine_pages_step"
)

// Input is what a step sends to the orchestrator on top of the request
// wide system prompts and history held in State.
type Input struct {
	System []string
	User   []string
	Files  []prompt.File
}

// Step is one unit of workflow work. ID is assigned when the workflow is
// assembled and is 1-based.
type Step struct {
	ID            int
	Kind          Kind
	Name          string
	Streaming     bool
	Functionality string
	// File is the target of a save_file_step.
	File string
	// Overwrite appends the response to the file's current document and
	// rewrites the same key instead of storing the response as-is.
	Overwrite bool
	// Rerun opts the step into the worker's best-of-N setting.
	Rerun bool
	// Input renders the step prompt from what earlier steps produced.
	Input func(st *State) Input
	// After sees the full response of a non-streaming step.
	After func(st *State, response string) error
}

// State is the mutable per-execution data steps read and write.
type State struct {
	Prompt    string
	System    []string
	Assistant []string
	Files     []prompt.File

	Model    llmclient.Model
	Rerun    int
	Criteria string

	// Responses holds each finished step's response by step id.
	Responses map[int]string
	// Pages are the page prompts from determine_pages_step.
	Pages []string
	// Documents tracks the latest content written per file name.
	Documents map[string]string
	Saved     []FileRef
}

func (st *State) init() {
	if st.Responses == nil {
		st.Responses = map[int]string{}
	}
	if st.Documents == nil {
		st.Documents = map[string]string{}
	}
}

// Response returns the response of step id, or "".
func (st *State) Response(id int) string {
	return st.Responses[id]
}

// SavedNames lists saved file names without duplicates, in save order.
func (st *State) SavedNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range st.Saved {
		if !seen[f.Name] {
			seen[f.Name] = true
			out = append(out, f.Name)
		}
	}
	return out
}

// LastResponse is the response of the highest-numbered finished step.
func (st *State) LastResponse() string {
	best := 0
	for id := range st.Responses {
		if id > best {
			best = id
		}
	}
	return st.Responses[best]
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, strings.TrimSpace(p))
		}
	}
	return strings.Join(kept, "\n\n")
}
