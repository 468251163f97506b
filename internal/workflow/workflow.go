// Package workflow runs named workflows as ordered step lists and reports
// their progress as events.
package workflow

import (
	"fmt"
	"strings"

	"ensemble/internal/apperr"
	"ensemble/internal/orchestrator"
	"ensemble/internal/prompt"
)

const (
	NameChat       = "chat"
	NameWrite      = "write"
	NameWritePages = "write_pages"
	NameAuto       = "auto"
	NameLoop       = "loop"
)

// Functionality labels for steps.
const (
	FunctionalityPlan           = "plan"
	FunctionalitySaveFile       = "save_file"
	FunctionalityDeterminePages = "determine_pages"
	FunctionalitySummarise      = "summarise_workflows"
)

const defaultSummarySystem = "Summarise for the user what was done to fulfil their request. " +
	"Name every file that was written. Be brief."

// Workflow is a named, ordered list of steps.
type Workflow struct {
	Name  string
	Steps []Step
}

// New numbers steps from 1 in the order given.
func New(name string, steps ...Step) *Workflow {
	for i := range steps {
		steps[i].ID = i + 1
	}
	return &Workflow{Name: name, Steps: steps}
}

type StepDescription struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	Streaming bool   `json:"streaming"`
	File      string `json:"file,omitempty"`
}

// Description is the progress skeleton shipped before execution.
type Description struct {
	Name  string            `json:"name"`
	Steps []StepDescription `json:"steps"`
}

func (w *Workflow) Description() Description {
	d := Description{Name: w.Name, Steps: make([]StepDescription, 0, len(w.Steps))}
	for _, s := range w.Steps {
		d.Steps = append(d.Steps, StepDescription{ID: s.ID, Name: s.Name, Kind: s.Kind, Streaming: s.Streaming, File: s.File})
	}
	return d
}

type Options struct {
	MaxPages     int
	MaxLoops     int
	DefaultLoops int
	// Summarise appends a streamed summary_step to file workflows.
	Summarise     bool
	SummarySystem []string
	// DefaultFile names the output of a write workflow without a target.
	DefaultFile string
	AutoEnabled bool
}

func DefaultOptions() Options {
	return Options{
		MaxPages:     10,
		MaxLoops:     5,
		DefaultLoops: 3,
		Summarise:    true,
		DefaultFile:  "response.md",
		AutoEnabled:  true,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxPages <= 0 {
		o.MaxPages = def.MaxPages
	}
	if o.MaxLoops <= 0 {
		o.MaxLoops = def.MaxLoops
	}
	if o.DefaultLoops <= 0 {
		o.DefaultLoops = def.DefaultLoops
	}
	if strings.TrimSpace(o.DefaultFile) == "" {
		o.DefaultFile = def.DefaultFile
	}
	if len(o.SummarySystem) == 0 {
		o.SummarySystem = []string{defaultSummarySystem}
	}
	return o
}

// Params parameterise a workflow factory.
type Params struct {
	File  string
	Pages int
	Loops int
	Files []prompt.File
}

type Factory func(p Params) (*Workflow, error)

// Builtins returns the factories for every built-in workflow enabled by o.
func Builtins(o Options) map[string]Factory {
	o = o.withDefaults()
	m := map[string]Factory{
		NameChat:       func(Params) (*Workflow, error) { return Chat(), nil },
		NameWrite:      func(p Params) (*Workflow, error) { return Write(p.File, o), nil },
		NameWritePages: func(p Params) (*Workflow, error) { return WritePages(p.File, p.Pages, o), nil },
		NameLoop:       func(p Params) (*Workflow, error) { return Loop(p.Loops, o), nil },
	}
	if o.AutoEnabled {
		m[NameAuto] = func(p Params) (*Workflow, error) { return Auto(p.Files, o) }
	}
	return m
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func chatStep(name string, streaming bool, user func(st *State) string) Step {
	return Step{
		Kind: KindChat, Name: name, Streaming: streaming, Rerun: streaming,
		Input: func(st *State) Input {
			return Input{User: []string{user(st)}, Files: st.Files}
		},
	}
}

func summaryStep(o Options) Step {
	return Step{
		Kind: KindSummary, Name: "summary", Streaming: true, Functionality: FunctionalitySummarise,
		Input: func(st *State) Input {
			var b strings.Builder
			fmt.Fprintf(&b, "The request was:\n%s\n", strings.TrimSpace(st.Prompt))
			if names := st.SavedNames(); len(names) > 0 {
				fmt.Fprintf(&b, "\nFiles written: %s\n", strings.Join(names, ", "))
			}
			if last := st.LastResponse(); strings.TrimSpace(last) != "" {
				fmt.Fprintf(&b, "\nThe last result was:\n%s\n", last)
			}
			return Input{System: o.SummarySystem, User: []string{b.String()}}
		},
	}
}

func withSummary(o Options, steps []Step) []Step {
	if o.Summarise {
		steps = append(steps, summaryStep(o))
	}
	return steps
}

// Chat is a single streamed answer.
func Chat() *Workflow {
	return New(NameChat, chatStep("answer", true, func(st *State) string { return st.Prompt }))
}

// Write plans a file, writes it and summarises.
func Write(file string, o Options) *Workflow {
	o = o.withDefaults()
	if strings.TrimSpace(file) == "" {
		file = o.DefaultFile
	}
	plan := Step{
		Kind: KindPlan, Name: "plan", Functionality: FunctionalityPlan,
		Input: func(st *State) Input {
			return Input{
				System: []string{fmt.Sprintf("Plan the contents of the file %s. Reply with a concise outline only.", file)},
				User:   []string{st.Prompt},
				Files:  st.Files,
			}
		},
	}
	save := Step{
		Kind: KindSaveFile, Name: "write " + file, File: file, Rerun: true, Functionality: FunctionalitySaveFile,
		Input: func(st *State) Input {
			return Input{
				System: []string{fmt.Sprintf("Write the complete contents of the file %s. Reply with the file contents only.", file)},
				User:   []string{joinNonEmpty(st.Prompt, "Plan:\n"+st.Response(1))},
				Files:  st.Files,
			}
		},
	}
	return New(NameWrite, withSummary(o, []Step{plan, save})...)
}

// WritePages splits the work into pages and appends each page to the same
// file.
func WritePages(file string, pages int, o Options) *Workflow {
	o = o.withDefaults()
	if strings.TrimSpace(file) == "" {
		file = o.DefaultFile
	}
	pages = clamp(pages, 1, o.MaxPages)
	steps := []Step{{
		Kind: KindDeterminePages, Name: "determine pages", Functionality: FunctionalityDeterminePages,
		Input: func(st *State) Input {
			return Input{
				System: []string{fmt.Sprintf("Split the work needed for the file %s into exactly %d pages. "+
					"Reply with a markdown list of %d prompts, one per page, and nothing else.", file, pages, pages)},
				User:  []string{st.Prompt},
				Files: st.Files,
			}
		},
		After: func(st *State, response string) error {
			st.Pages = ParsePages(response, pages)
			return nil
		},
	}}
	for i := 0; i < pages; i++ {
		i := i
		steps = append(steps, Step{
			Kind: KindSaveFile, Name: fmt.Sprintf("page %d", i+1), File: file, Overwrite: true,
			Functionality: FunctionalitySaveFile,
			Input: func(st *State) Input {
				page := pagePrompt(st.Pages, i)
				return Input{
					System: []string{fmt.Sprintf("You are writing page %d of %d of the file %s. Reply with the new page only.", i+1, pages, file)},
					User:   []string{joinNonEmpty(st.Prompt, "Document so far:\n"+st.Documents[file], "Page to write:\n"+page)},
				}
			},
		})
	}
	return New(NameWritePages, withSummary(o, steps)...)
}

// Auto rewrites every referenced file in turn.
func Auto(files []prompt.File, o Options) (*Workflow, error) {
	o = o.withDefaults()
	if len(files) == 0 {
		return nil, apperr.Validation("workflow auto", "at least one file is required")
	}
	steps := make([]Step, 0, len(files)+1)
	for _, f := range files {
		f := f
		steps = append(steps, Step{
			Kind: KindSaveFile, Name: "process " + f.Path, File: f.Path, Functionality: FunctionalitySaveFile,
			Input: func(st *State) Input {
				return Input{
					System: []string{fmt.Sprintf("Apply the request to the file %s. Reply with the complete new contents of that file only.", f.Path)},
					User:   []string{st.Prompt},
					Files:  []prompt.File{f},
				}
			},
		})
	}
	return New(NameAuto, withSummary(o, steps)...), nil
}

// Loop drafts n focused answers and streams a consolidated one.
func Loop(n int, o Options) *Workflow {
	o = o.withDefaults()
	if n <= 0 {
		n = o.DefaultLoops
	}
	n = clamp(n, 1, o.MaxLoops)
	steps := make([]Step, 0, n+1)
	for i := 0; i < n; i++ {
		i := i
		steps = append(steps, chatStep(fmt.Sprintf("draft %d", i+1), false, func(st *State) string {
			return orchestrator.FocusPrompt(st.Prompt, i)
		}))
	}
	steps = append(steps, chatStep("consolidate", true, func(st *State) string {
		drafts := make([]string, 0, n)
		for id := 1; id <= n; id++ {
			drafts = append(drafts, st.Response(id))
		}
		return orchestrator.ConsolidationPrompt(st.Prompt, drafts)
	}))
	return New(NameLoop, steps...)
}
