// Package workers binds personas to the workflows they may run.
package workers

import (
	"embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	llmclient "ensemble/internal/llmClient"
	"ensemble/internal/workflow"
)

//go:embed configs/*.json
var embeddedWorkers embed.FS

const DefaultName = "default"

type Configuration struct {
	Model             string `json:"model,omitempty"`
	Rerun             int    `json:"rerun,omitempty"`
	JudgementCriteria string `json:"judgement_criteria,omitempty"`
}

// Definition is the on-disk form of a worker.
type Definition struct {
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Instructions  []string      `json:"instructions"`
	Configuration Configuration `json:"configuration"`
	Workflows     []string      `json:"workflows"`
}

// Definitions returns the built-in worker definitions keyed by name.
func Definitions() (map[string]Definition, error) {
	entries, err := embeddedWorkers.ReadDir("configs")
	if err != nil {
		return nil, fmt.Errorf("read embedded worker configs: %w", err)
	}
	out := make(map[string]Definition, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		filename := "configs/" + entry.Name()
		data, err := embeddedWorkers.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read worker config %s: %w", filename, err)
		}
		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse worker config %s: %w", filename, err)
		}
		def.Name = normalizeName(def.Name)
		if def.Name == "" {
			return nil, fmt.Errorf("worker in %s has empty name", filename)
		}
		out[def.Name] = def
	}
	if _, ok := out[DefaultName]; !ok {
		return nil, fmt.Errorf("no %q worker in embedded configs", DefaultName)
	}
	return out, nil
}

func normalizeName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Catalog holds the resolved workers.
type Catalog struct {
	workers map[string]*Worker
}

// NewCatalog resolves definitions against the model catalogue and the
// available workflow factories. Every worker gets chat. Workflows a
// definition names that are not available are skipped.
func NewCatalog(defs map[string]Definition, models *llmclient.Catalog, factories map[string]workflow.Factory, defaultModel llmclient.Model) (*Catalog, error) {
	c := &Catalog{workers: make(map[string]*Worker, len(defs))}
	for name, def := range defs {
		model := defaultModel
		if id := strings.TrimSpace(def.Configuration.Model); id != "" {
			m, ok := models.Lookup(id)
			if !ok {
				return nil, fmt.Errorf("worker %s: unknown model %q", name, id)
			}
			model = m
		}
		w := &Worker{
			Name:         name,
			Description:  def.Description,
			Instructions: append([]string(nil), def.Instructions...),
			Model:        model,
			Rerun:        def.Configuration.Rerun,
			Criteria:     def.Configuration.JudgementCriteria,
			workflows:    map[string]workflow.Factory{},
		}
		names := append([]string{workflow.NameChat}, def.Workflows...)
		for _, wf := range names {
			wf = normalizeName(wf)
			if f, ok := factories[wf]; ok {
				w.workflows[wf] = f
			}
		}
		if _, ok := w.workflows[workflow.NameChat]; !ok {
			return nil, fmt.Errorf("worker %s: chat workflow is not available", name)
		}
		c.workers[name] = w
	}
	if _, ok := c.workers[DefaultName]; !ok {
		return nil, fmt.Errorf("no %q worker defined", DefaultName)
	}
	return c, nil
}

func (c *Catalog) Get(name string) (*Worker, bool) {
	w, ok := c.workers[normalizeName(name)]
	return w, ok
}

// Resolve returns the named worker, falling back to default.
func (c *Catalog) Resolve(name string) *Worker {
	if w, ok := c.Get(name); ok {
		return w
	}
	return c.workers[DefaultName]
}

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.workers))
	for name := range c.workers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Supporting lists the workers that can run the named workflow, sorted by
// name.
func (c *Catalog) Supporting(workflowName string) []*Worker {
	var out []*Worker
	for _, name := range c.Names() {
		if w := c.workers[name]; w.Supports(workflowName) {
			out = append(out, w)
		}
	}
	return out
}
