// Package augment holds the auxiliary LLM calls that classify and enrich
// a prompt before a workflow runs.
package augment

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"ensemble/internal/apperr"
	llmclient "ensemble/internal/llmClient"
	"ensemble/internal/logging"
	"ensemble/internal/orchestrator"
	"ensemble/internal/reqctx"
)

// Functionality labels for augmentation costs.
const (
	FunctionalitySelectWorker     = "select_worker"
	FunctionalitySelectWorkflow   = "select_workflow"
	FunctionalitySelectCategory   = "select_category"
	FunctionalityDescribeCategory = "describe_category"
	FunctionalityAugmentPrompt    = "augment_prompt"
	FunctionalityQuestionPrompt   = "question_prompt"
	FunctionalitySummariseFile    = "summarise_file"
	FunctionalityUserContext      = "user_context"
)

const DefaultCategory = "general"

// Messages are the classifier system prompts.
type Messages struct {
	Categorisation      []string
	WorkerSelection     []string
	WorkflowSelection   []string
	PromptAugmentation  []string
	PromptQuestioning   []string
	CategoryDescription []string
	ColourSelection     []string
	FileSummarisation   []string
	UserContext         []string
}

type Options struct {
	// AIColour asks the model for category colours instead of hashing.
	AIColour bool
	Log      *logrus.Entry
}

type Augmenter struct {
	orch     *orchestrator.Orchestrator
	model    llmclient.Model
	msgs     Messages
	aiColour bool
	log      *logrus.Entry
}

// New builds an augmenter that runs every call on model.
func New(orch *orchestrator.Orchestrator, model llmclient.Model, msgs Messages, opts Options) *Augmenter {
	return &Augmenter{
		orch:     orch,
		model:    model,
		msgs:     msgs,
		aiColour: opts.AIColour,
		log:      logging.Or(opts.Log, "augment"),
	}
}

// fatal errors are the ones a classifier must not swallow.
func fatal(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindInsufficientBalance, apperr.KindCancelled:
		return true
	}
	return false
}

func (a *Augmenter) complete(ctx context.Context, functionality string, system []string, user string) (string, error) {
	return reqctx.Functionality(ctx, functionality, func(ctx context.Context) (string, error) {
		return a.orch.Complete(ctx, orchestrator.Request{System: system, User: user, Model: a.model})
	})
}

const choiceTrim = "\"'`.,:;!*() \t\n"

// choose maps a model reply onto one of allowed. The reply matches when it
// is exactly an allowed value, or names exactly one of them as a word.
func choose(reply string, allowed []string) (string, bool) {
	reply = strings.ToLower(strings.Trim(reply, choiceTrim))
	for _, a := range allowed {
		if reply == a {
			return a, true
		}
	}
	found := ""
	for _, word := range strings.FieldsFunc(reply, func(r rune) bool {
		return !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	}) {
		for _, a := range allowed {
			if word == a {
				if found != "" && found != a {
					return "", false
				}
				found = a
			}
		}
	}
	return found, found != ""
}

// classify asks the model to pick one of allowed, falling back to def on
// anything but a fatal error.
func (a *Augmenter) classify(ctx context.Context, functionality string, system []string, user string, allowed []string, def string) (string, error) {
	reply, err := a.complete(ctx, functionality, system, fmt.Sprintf("%s\n\nReply with exactly one of: %s.", user, strings.Join(allowed, ", ")))
	if err != nil {
		if fatal(err) {
			return def, err
		}
		a.log.WithError(err).WithField("classifier", functionality).Warn("classifier call failed; using default")
		return def, nil
	}
	choice, ok := choose(reply, allowed)
	if !ok {
		a.log.WithError(apperr.Schema(functionality, fmt.Errorf("unexpected reply %q", reply))).
			WithField("classifier", functionality).Info("classifier reply outside the allowed set; using default")
		return def, nil
	}
	return choice, nil
}

// SelectWorker picks a worker name from names, or "default".
func (a *Augmenter) SelectWorker(ctx context.Context, userPrompt string, names []string) (string, error) {
	return a.classify(ctx, FunctionalitySelectWorker, a.msgs.WorkerSelection, userPrompt, names, "default")
}

// SelectWorkflow picks one of allowed, or chat.
func (a *Augmenter) SelectWorkflow(ctx context.Context, userPrompt string, allowed []string) (string, error) {
	return a.classify(ctx, FunctionalitySelectWorkflow, a.msgs.WorkflowSelection, userPrompt, allowed, "chat")
}

// SelectCategory names the category for a prompt. Existing categories are
// preferred; a new lower-case name may be returned.
func (a *Augmenter) SelectCategory(ctx context.Context, userPrompt string, existing []string) (string, error) {
	user := userPrompt
	if len(existing) > 0 {
		user = fmt.Sprintf("%s\n\nExisting categories: %s. Reuse one if it fits.", userPrompt, strings.Join(existing, ", "))
	}
	reply, err := a.complete(ctx, FunctionalitySelectCategory, a.msgs.Categorisation, user+"\n\nReply with a single category name of one or two words.")
	if err != nil {
		if fatal(err) {
			return DefaultCategory, err
		}
		a.log.WithError(err).Warn("category selection failed; using default")
		return DefaultCategory, nil
	}
	name := strings.ToLower(strings.Trim(firstLine(reply), choiceTrim))
	if name == "" || len(name) > 64 {
		return DefaultCategory, nil
	}
	return name, nil
}

// AugmentPrompt rewrites a prompt to be clearer. On failure the original
// prompt is returned.
func (a *Augmenter) AugmentPrompt(ctx context.Context, userPrompt string) (string, error) {
	reply, err := a.complete(ctx, FunctionalityAugmentPrompt, a.msgs.PromptAugmentation, userPrompt)
	if err != nil {
		if fatal(err) {
			return userPrompt, err
		}
		a.log.WithError(err).Warn("prompt augmentation failed")
		return userPrompt, nil
	}
	if strings.TrimSpace(reply) == "" {
		return userPrompt, nil
	}
	return strings.TrimSpace(reply), nil
}

// QuestionPrompt returns clarifying questions about a prompt.
func (a *Augmenter) QuestionPrompt(ctx context.Context, userPrompt string) (string, error) {
	reply, err := a.complete(ctx, FunctionalityQuestionPrompt, a.msgs.PromptQuestioning, userPrompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// SummariseFile produces the summary stored on a file node.
func (a *Augmenter) SummariseFile(ctx context.Context, name, content string) (string, error) {
	reply, err := a.complete(ctx, FunctionalitySummariseFile, a.msgs.FileSummarisation,
		fmt.Sprintf("Summarise the file %s in two sentences.\n\n<%s>\n%s\n</%s>", name, name, content, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// Topic is one extracted piece of user context.
type Topic struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

var topicsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "topics": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {"name": {"type": "string"}, "content": {"type": "string"}},
        "required": ["name", "content"]
      }
    }
  },
  "required": ["topics"]
}`)

// ExtractUserContext pulls durable facts about the user out of a prompt.
func (a *Augmenter) ExtractUserContext(ctx context.Context, userPrompt string) ([]Topic, error) {
	var out struct {
		Topics []Topic `json:"topics"`
	}
	_, err := reqctx.Functionality(ctx, FunctionalityUserContext, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.orch.Structured(ctx, orchestrator.Request{
			System: a.msgs.UserContext,
			User:   userPrompt,
			Model:  a.model,
		}, topicsSchema, &out)
	})
	if err != nil {
		return nil, err
	}
	topics := out.Topics[:0]
	for _, t := range out.Topics {
		t.Name = strings.ToLower(strings.TrimSpace(t.Name))
		t.Content = strings.TrimSpace(t.Content)
		if t.Name != "" && t.Content != "" {
			topics = append(topics, t)
		}
	}
	return topics, nil
}

var hexColour = regexp.MustCompile(`#[0-9a-fA-F]{6}\b`)

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
