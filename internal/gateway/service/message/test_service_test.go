package message

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble/internal/accounting"
	"ensemble/internal/apperr"
	"ensemble/internal/augment"
	"ensemble/internal/gateway/repository/files"
	"ensemble/internal/gateway/repository/graph"
	llmclient "ensemble/internal/llmClient"
	"ensemble/internal/orchestrator"
	"ensemble/internal/workers"
	"ensemble/internal/workflow"
)

var flat = llmclient.Model{
	ID: "flat", Provider: llmclient.ProviderOpenAI,
	InputCost:  decimal.RequireFromString("0.0001"),
	OutputCost: decimal.RequireFromString("0.0002"),
}

var costly = llmclient.Model{
	ID: "costly", Provider: llmclient.ProviderOpenAI,
	InputCost:  decimal.NewFromInt(1),
	OutputCost: decimal.NewFromInt(1),
}

var msgs = augment.Messages{
	Categorisation:      []string{"CATEGORY"},
	WorkerSelection:     []string{"WORKER"},
	WorkflowSelection:   []string{"WORKFLOW"},
	CategoryDescription: []string{"DESCRIBE"},
	ColourSelection:     []string{"COLOUR"},
	UserContext:         []string{"CONTEXT"},
}

type fixture struct {
	svc    *Service
	client *llmclient.FakeClient
	graph  *graph.MemoryStore
	bytes  *files.MemoryStore
	rec    *workflow.Recorder
}

// reply answers each classifier by its system prompt and streams "Hello"
// for everything else.
func reply(call llmclient.FakeCall) llmclient.FakeReply {
	system := strings.Join(call.SystemContents(), "\n")
	switch {
	case strings.Contains(system, "CATEGORY"):
		return llmclient.FakeReply{Choices: []string{"Notes"}}
	case strings.Contains(system, "DESCRIBE"):
		return llmclient.FakeReply{Choices: []string{"Personal notes."}}
	case strings.Contains(system, "WORKER"):
		return llmclient.FakeReply{Choices: []string{"default"}}
	case strings.Contains(system, "WORKFLOW"):
		return llmclient.FakeReply{Choices: []string{"chat"}}
	case strings.Contains(system, "CONTEXT"):
		return llmclient.FakeReply{JSON: []byte(`{"topics":[{"name":"Language","content":"writes Go"}]}`)}
	}
	return llmclient.FakeReply{Chunks: []string{"Hel", "lo"}}
}

var cheap = llmclient.Model{
	ID: "cheap", Provider: llmclient.ProviderOpenAI,
	InputCost:  decimal.RequireFromString("0.000001"),
	OutputCost: decimal.RequireFromString("0.000001"),
}

func setup(t *testing.T, model llmclient.Model, opts Options) *fixture {
	t.Helper()
	return setupModels(t, model, model, opts)
}

// setupModels runs classifiers on background and workflows on model.
func setupModels(t *testing.T, model, background llmclient.Model, opts Options) *fixture {
	t.Helper()
	g := graph.NewMemoryStore()
	b := files.NewMemoryStore()
	client := llmclient.NewFakeClient(llmclient.ProviderOpenAI)
	client.Reply = reply

	orch := orchestrator.New(accounting.New(g, 100, nil), []llmclient.Client{client}, orchestrator.Options{DefaultModel: model})
	defs, err := workers.Definitions()
	require.NoError(t, err)
	catalog, err := workers.NewCatalog(defs, nil, workflow.Builtins(workflow.DefaultOptions()), model)
	require.NoError(t, err)
	aug := augment.New(orch, background, msgs, augment.Options{})
	runner := workflow.NewRunner(orch, &workflow.StoreSink{Bytes: b, Graph: g}, nil)

	if opts.Promotion.IsZero() {
		opts.Promotion = decimal.NewFromInt(1)
	}
	if opts.Caps == (workers.Caps{}) {
		opts.Caps = workers.Caps{MaxPages: 10, MaxLoops: 5}
	}
	svc, err := New(g, b, catalog, aug, runner, opts)
	require.NoError(t, err)
	return &fixture{svc: svc, client: client, graph: g, bytes: b, rec: &workflow.Recorder{}}
}

func (f *fixture) process(t *testing.T, req Request) error {
	t.Helper()
	return f.svc.Process(context.Background(), "u", req, f.rec)
}

func (f *fixture) callsWith(system string) int {
	n := 0
	for _, c := range f.client.Calls() {
		if strings.Contains(strings.Join(c.SystemContents(), "\n"), system) {
			n++
		}
	}
	return n
}

func TestProcessChat(t *testing.T) {
	f := setup(t, flat, Options{})
	require.NoError(t, f.process(t, Request{Prompt: "say hello"}))

	var chunks []string
	for _, e := range f.rec.Of(workflow.EventResponse) {
		chunks = append(chunks, e.Content)
	}
	assert.Equal(t, []string{"Hel", "lo"}, chunks)

	refresh := f.rec.Of(workflow.EventTriggerRefresh)
	require.Len(t, refresh, 1)
	assert.Equal(t, "notes", refresh[0].CategoryName)
	assert.NotEmpty(t, refresh[0].CategoryID)

	end := f.rec.Of(workflow.EventStreamEnd)
	require.Len(t, end, 1)
	m, err := f.graph.GetMessage(context.Background(), end[0].MessageID)
	require.NoError(t, err)
	assert.True(t, m.Populated)
	assert.Equal(t, "Hello", m.Response)
	assert.Equal(t, refresh[0].CategoryID, m.CategoryID)
	assert.True(t, m.Cost.IsPositive())

	bal, earmarked, err := f.svc.Balance(context.Background(), "u")
	require.NoError(t, err)
	assert.True(t, earmarked.IsZero())
	assert.True(t, decimal.NewFromInt(1).Sub(m.Cost).Equal(bal), "balance=%s cost=%s", bal, m.Cost)

	costs, err := f.graph.FunctionalityCosts(context.Background(), "u")
	require.NoError(t, err)
	for _, name := range []string{augment.FunctionalitySelectCategory, augment.FunctionalitySelectWorker, augment.FunctionalitySelectWorkflow} {
		assert.True(t, costs[name].IsPositive(), name)
	}
	assert.Empty(t, f.rec.Of(workflow.EventError))
}

func TestProcessCachesCategory(t *testing.T) {
	f := setup(t, flat, Options{})
	require.NoError(t, f.process(t, Request{Prompt: "first"}))
	require.NoError(t, f.process(t, Request{Prompt: "second"}))

	assert.Equal(t, 1, f.callsWith("DESCRIBE"))
	cats, err := f.graph.ListCategories(context.Background(), "u")
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, "notes", cats[0].Name)
}

func TestProcessInsufficientBalance(t *testing.T) {
	f := setup(t, costly, Options{})
	f.graph.SetBalance("u", decimal.Zero)

	err := f.process(t, Request{Prompt: "say hello"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInsufficientBalance))
	assert.Empty(t, f.client.Calls())

	errs := f.rec.Of(workflow.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "InsufficientBalance: your balance is too low for this request", errs[0].Error)
	assert.Len(t, f.rec.Of(workflow.EventStreamEnd), 1)

	bal, earmarked, err := f.svc.Balance(context.Background(), "u")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	assert.True(t, earmarked.IsZero())
}

func TestProcessInsufficientBalanceSkipsClassifiers(t *testing.T) {
	f := setupModels(t, costly, cheap, Options{})
	f.graph.SetBalance("u", decimal.Zero)

	err := f.process(t, Request{Prompt: "Hello"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInsufficientBalance))
	assert.Empty(t, f.client.Calls())

	bal, earmarked, err := f.svc.Balance(context.Background(), "u")
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), "balance=%s", bal)
	assert.True(t, earmarked.IsZero())

	costs, err := f.graph.FunctionalityCosts(context.Background(), "u")
	require.NoError(t, err)
	for name, c := range costs {
		assert.True(t, c.IsZero(), name)
	}
	assert.Len(t, f.rec.Of(workflow.EventError), 1)
	assert.Len(t, f.rec.Of(workflow.EventStreamEnd), 1)
}

func TestProcessValidation(t *testing.T) {
	f := setup(t, flat, Options{})

	err := f.process(t, Request{Prompt: "  "})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	err = f.process(t, Request{Prompt: "hi", Tags: map[string]string{"loop": "many"}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	errs := f.rec.Of(workflow.EventError)
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.True(t, strings.HasPrefix(e.Error, "ValidationError: "), e.Error)
	}
	assert.Empty(t, f.client.Calls())
}

func TestProcessUnsupportedWorkflow(t *testing.T) {
	f := setup(t, flat, Options{})
	err := f.process(t, Request{Prompt: "hi", Tags: map[string]string{"worker": "default", "write": "a.md", "category": "work"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Zero(t, f.callsWith("WORKER"))
	assert.Zero(t, f.callsWith("CATEGORY"))
}

func TestProcessExplicitWrite(t *testing.T) {
	f := setup(t, flat, Options{})
	require.NoError(t, f.process(t, Request{Prompt: "draft notes", Tags: map[string]string{"worker": "coder", "write": "notes.md", "category": "Work"}}))

	assert.Zero(t, f.callsWith("WORKER"))
	assert.Zero(t, f.callsWith("WORKFLOW"))
	assert.Zero(t, f.callsWith("CATEGORY"))

	out := f.rec.Of(workflow.EventOutputFile)
	require.Len(t, out, 1)
	assert.Equal(t, "notes.md", out[0].File.Name)
	assert.Equal(t, 1, out[0].File.Version)

	raw, err := f.bytes.Get(context.Background(), out[0].File.CategoryID, "notes.md")
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(raw))

	refresh := f.rec.Of(workflow.EventTriggerRefresh)
	require.Len(t, refresh, 1)
	assert.Equal(t, "work", refresh[0].CategoryName)
	assert.Equal(t, out[0].File.CategoryID, refresh[0].CategoryID)
}

func TestProcessWriteTagPicksCapableWorker(t *testing.T) {
	f := setup(t, flat, Options{})
	require.NoError(t, f.process(t, Request{Prompt: "Draft a short note", Tags: map[string]string{"write": "notes.txt"}}))

	// the classifier answers default, which cannot write; it was only offered
	// workers that can
	var offered string
	for _, c := range f.client.Calls() {
		if strings.Contains(strings.Join(c.SystemContents(), "\n"), "WORKER") {
			offered = strings.Join(c.UserContents(), "\n")
		}
	}
	assert.Contains(t, offered, "coder, writer")
	assert.NotContains(t, offered, "default")
	assert.Zero(t, f.callsWith("WORKFLOW"))

	assert.Empty(t, f.rec.Of(workflow.EventError))
	out := f.rec.Of(workflow.EventOutputFile)
	require.Len(t, out, 1)
	assert.Equal(t, "notes.txt", out[0].File.Name)
	assert.Equal(t, 1, out[0].File.Version)

	raw, err := f.bytes.Get(context.Background(), out[0].File.CategoryID, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(raw))
}

func TestProcessAttachedFiles(t *testing.T) {
	f := setup(t, flat, Options{})
	ctx := context.Background()
	_, err := f.graph.EnsureUser(ctx, "u", "", decimal.NewFromInt(1))
	require.NoError(t, err)
	cat, _, err := f.graph.GetOrCreateCategory(ctx, "u", "notes", nil)
	require.NoError(t, err)
	require.NoError(t, f.bytes.Put(ctx, cat.ID, "a.go", []byte("package a")))
	node, err := f.graph.CreateFileNode(ctx, graph.NewFile{UserID: "u", CategoryID: cat.ID, Name: "a.go", Size: 9})
	require.NoError(t, err)

	req := Request{
		Prompt: "review",
		Tags:   map[string]string{"worker": "default", "category": "notes"},
		Files:  []Ref{{ID: node.ID}, {ID: "missing"}},
	}
	require.NoError(t, f.process(t, req))

	calls := f.client.Calls()
	last := calls[len(calls)-1]
	user := strings.Join(last.UserContents(), "\n")
	assert.Contains(t, user, "<a.go>\npackage a\n</a.go>")
	assert.Contains(t, user, "review")
}

func TestProcessHistory(t *testing.T) {
	f := setup(t, flat, Options{MessageHistory: true})
	require.NoError(t, f.process(t, Request{Prompt: "first", Tags: map[string]string{"worker": "default", "category": "notes"}}))
	prev := f.rec.Of(workflow.EventStreamEnd)[0].MessageID

	require.NoError(t, f.process(t, Request{Prompt: "second", Tags: map[string]string{"worker": "default", "category": "notes"}, Messages: []Ref{{ID: prev}, {ID: "gone"}}}))
	calls := f.client.Calls()
	last := calls[len(calls)-1]
	var assistant []string
	for _, m := range last.Messages {
		if m.Role == llmclient.RoleAssistant {
			assistant = append(assistant, m.Content)
		}
	}
	assert.Equal(t, []string{"Hello"}, assistant)
}

func TestProcessUserContext(t *testing.T) {
	f := setup(t, flat, Options{ExtractUserContext: true, InjectUserContext: true})
	tags := map[string]string{"worker": "default", "category": "notes"}
	require.NoError(t, f.process(t, Request{Prompt: "I write Go", Tags: tags}))

	topics, err := f.graph.ListUserTopics(context.Background(), "u")
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "language", topics[0].Name)

	require.NoError(t, f.process(t, Request{Prompt: "again", Tags: tags}))
	found := false
	for _, c := range f.client.Calls() {
		if strings.Contains(strings.Join(c.SystemContents(), "\n"), "- language: writes Go") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestQuestionPrompt(t *testing.T) {
	f := setup(t, flat, Options{})
	_, err := f.graph.EnsureUser(context.Background(), "u", "", decimal.NewFromInt(1))
	require.NoError(t, err)

	got, err := f.svc.QuestionPrompt(context.Background(), "u", "plan a trip")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got)

	_, err = f.svc.QuestionPrompt(context.Background(), "u", "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
