package llmclient

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// Model identifies a provider model together with its per-token pricing.
type Model struct {
	ID       string
	Provider Provider
	// InputCost and OutputCost are per single token.
	InputCost  decimal.Decimal
	OutputCost decimal.Decimal
	// NoSystemPrompt marks reasoning models that reject the system role.
	NoSystemPrompt bool
	MaxTokens      int
}

func (m Model) String() string { return string(m.Provider) + ":" + m.ID }

func (m Model) IsZero() bool { return strings.TrimSpace(m.ID) == "" }

func perMillion(usd string) decimal.Decimal {
	return decimal.RequireFromString(usd).Div(decimal.NewFromInt(1_000_000))
}

var (
	GPT4o = Model{ID: "gpt-4o", Provider: ProviderOpenAI,
		InputCost: perMillion("2.50"), OutputCost: perMillion("10.00"), MaxTokens: 128000}
	GPT4oMini = Model{ID: "gpt-4o-mini", Provider: ProviderOpenAI,
		InputCost: perMillion("0.15"), OutputCost: perMillion("0.60"), MaxTokens: 128000}
	GPT41 = Model{ID: "gpt-4.1", Provider: ProviderOpenAI,
		InputCost: perMillion("2.00"), OutputCost: perMillion("8.00"), MaxTokens: 1000000}
	O1Mini = Model{ID: "o1-mini", Provider: ProviderOpenAI, NoSystemPrompt: true,
		InputCost: perMillion("1.10"), OutputCost: perMillion("4.40"), MaxTokens: 128000}
	O3Mini = Model{ID: "o3-mini", Provider: ProviderOpenAI, NoSystemPrompt: true,
		InputCost: perMillion("1.10"), OutputCost: perMillion("4.40"), MaxTokens: 200000}

	Gemini20Flash = Model{ID: "gemini-2.0-flash", Provider: ProviderGemini,
		InputCost: perMillion("0.10"), OutputCost: perMillion("0.40"), MaxTokens: 1000000}
	Gemini25Flash = Model{ID: "gemini-2.5-flash", Provider: ProviderGemini,
		InputCost: perMillion("0.30"), OutputCost: perMillion("2.50"), MaxTokens: 1000000}
	Gemini25Pro = Model{ID: "gemini-2.5-pro", Provider: ProviderGemini,
		InputCost: perMillion("1.25"), OutputCost: perMillion("10.00"), MaxTokens: 1000000}
)

var builtinModels = []Model{GPT4o, GPT4oMini, GPT41, O1Mini, O3Mini, Gemini20Flash, Gemini25Flash, Gemini25Pro}

// Catalog resolves model ids to models with any environment cost overrides
// applied.
type Catalog struct {
	models map[string]Model
}

// NewCatalog builds the catalogue. lookup is consulted for
// INPUT_COST_<MODEL>/OUTPUT_COST_<MODEL>; pass nil to read the process env.
func NewCatalog(lookup func(string) (string, bool)) *Catalog {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	c := &Catalog{models: make(map[string]Model, len(builtinModels))}
	for _, m := range builtinModels {
		c.models[m.ID] = applyCostOverrides(m, lookup)
	}
	return c
}

// Lookup returns the model registered under id.
func (c *Catalog) Lookup(id string) (Model, bool) {
	if c == nil {
		return Model{}, false
	}
	m, ok := c.models[strings.ToLower(strings.TrimSpace(id))]
	return m, ok
}

// MustLookup is Lookup for ids known at build time.
func (c *Catalog) MustLookup(id string) Model {
	m, ok := c.Lookup(id)
	if !ok {
		panic(fmt.Sprintf("llmclient: unknown model %q", id))
	}
	return m
}

// Models returns all models sorted by provider then id.
func (c *Catalog) Models() []Model {
	if c == nil {
		return nil
	}
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CostEnvKey maps a model id to the suffix used by cost override variables:
// "gpt-4o-mini" -> "GPT_4O_MINI".
func CostEnvKey(modelID string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(modelID)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

func applyCostOverrides(m Model, lookup func(string) (string, bool)) Model {
	key := CostEnvKey(m.ID)
	if v, ok := lookup("INPUT_COST_" + key); ok {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil && !d.IsNegative() {
			m.InputCost = d
		}
	}
	if v, ok := lookup("OUTPUT_COST_" + key); ok {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil && !d.IsNegative() {
			m.OutputCost = d
		}
	}
	return m
}
