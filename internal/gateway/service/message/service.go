// Package message handles process_message requests end to end: it sets up
// the request scope, picks a category, worker and workflow, runs the
// workflow and records the outcome.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ensemble/internal/apperr"
	"ensemble/internal/augment"
	"ensemble/internal/gateway/repository/files"
	"ensemble/internal/gateway/repository/graph"
	"ensemble/internal/logging"
	"ensemble/internal/prompt"
	"ensemble/internal/reqctx"
	"ensemble/internal/workers"
	"ensemble/internal/workflow"
)

type Ref struct {
	ID string `json:"id"`
}

// Request is the process_message payload.
type Request struct {
	Prompt       string            `json:"prompt"`
	AdditionalQA string            `json:"additionalQA,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Files        []Ref             `json:"files,omitempty"`
	Messages     []Ref             `json:"messages,omitempty"`
	Worker       string            `json:"worker,omitempty"`
}

type Options struct {
	// MessageHistory loads referenced messages as assistant history.
	MessageHistory bool
	// ExtractUserContext stores user topics found in each prompt.
	ExtractUserContext bool
	// InjectUserContext adds stored topics as a system prompt.
	InjectUserContext bool
	// CategorySystem is added to every workflow's system prompts.
	CategorySystem []string
	Caps           workers.Caps
	Promotion      decimal.Decimal
	CategoryCache  int
	Log            *logrus.Entry
}

type Service struct {
	graph   graph.Store
	bytes   files.Store
	workers *workers.Catalog
	augment *augment.Augmenter
	runner  *workflow.Runner
	opts    Options
	log     *logrus.Entry

	// categories maps userID/name to category id.
	categories *lru.Cache[string, string]
}

func New(g graph.Store, b files.Store, catalog *workers.Catalog, aug *augment.Augmenter, runner *workflow.Runner, opts Options) (*Service, error) {
	size := opts.CategoryCache
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("category cache: %w", err)
	}
	return &Service{
		graph:      g,
		bytes:      b,
		workers:    catalog,
		augment:    aug,
		runner:     runner,
		opts:       opts,
		log:        logging.Or(opts.Log, "message"),
		categories: cache,
	}, nil
}

// Process runs one request, reporting progress through em. Every failure
// is also reported as an error event; the returned error is for logging.
func (s *Service) Process(ctx context.Context, userID string, req Request, em workflow.Emitter) error {
	if em == nil {
		em = workflow.EmitterFunc(func(workflow.Event) {})
	}
	userID = strings.TrimSpace(userID)
	scope := reqctx.New(userID)
	ctx = reqctx.WithScope(ctx, scope)
	log := s.log.WithField("user", userID)

	fail := func(err error) error {
		if !apperr.Is(err, apperr.KindCancelled) {
			em.Emit(workflow.Event{Type: workflow.EventError, Error: apperr.Message(err)})
		}
		em.Emit(workflow.Event{Type: workflow.EventStreamEnd, Prompt: req.Prompt, MessageID: scope.MessageID()})
		log.WithError(err).Info("request failed before the workflow started")
		return err
	}

	if userID == "" {
		return fail(apperr.Validation("process_message", "user id is required"))
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return fail(apperr.Validation("process_message", "prompt is required"))
	}
	tags, err := workers.ParseTags(req.Tags, s.opts.Caps)
	if err != nil {
		return fail(err)
	}
	if w := strings.TrimSpace(req.Worker); w != "" && tags.Worker == "" {
		tags.Worker = strings.ToLower(w)
	}

	if _, err := s.graph.EnsureUser(ctx, userID, "", s.opts.Promotion); err != nil {
		return fail(apperr.Persistence("ensure user", err))
	}
	msgID, err := s.graph.CreateMessageNode(ctx, userID)
	if err != nil {
		return fail(apperr.Persistence("create message node", err))
	}
	scope.SetMessageID(msgID)
	log = log.WithField("message", msgID)

	attached, err := s.loadFiles(ctx, req.Files)
	if err != nil {
		return fail(err)
	}
	history, err := s.loadHistory(ctx, req.Messages)
	if err != nil {
		return fail(err)
	}

	userPrompt := strings.TrimSpace(req.Prompt)
	if qa := strings.TrimSpace(req.AdditionalQA); qa != "" {
		userPrompt += "\n\nAdditional context from the user:\n" + qa
	}
	if err := s.preflight(ctx, tags.Worker, userPrompt, attached, history); err != nil {
		return fail(err)
	}
	if tags.Augment {
		if userPrompt, err = s.augment.AugmentPrompt(ctx, userPrompt); err != nil {
			return fail(err)
		}
	}

	category, err := s.category(ctx, userID, tags.Category, userPrompt)
	if err != nil {
		return fail(err)
	}
	scope.SetCategoryID(category.ID)

	worker, err := s.worker(ctx, tags, len(attached) > 0, userPrompt)
	if err != nil {
		return fail(err)
	}
	wf, err := s.workflow(ctx, worker, tags, attached, userPrompt)
	if err != nil {
		return fail(err)
	}

	extra := append([]string(nil), s.opts.CategorySystem...)
	if s.opts.InjectUserContext {
		extra = append(extra, s.userContext(ctx, userID))
	}
	st := worker.State(userPrompt, attached, history, extra...)
	log.WithFields(logrus.Fields{"worker": worker.Name, "workflow": wf.Name, "category": category.Name}).Info("running workflow")

	if err := s.runner.Run(ctx, wf, st, em); err != nil {
		return err
	}

	update := graph.MessageUpdate{
		Prompt:     req.Prompt,
		Response:   st.LastResponse(),
		Time:       time.Now(),
		CategoryID: category.ID,
	}
	if err := s.graph.PopulateMessageNode(context.WithoutCancel(ctx), msgID, update); err != nil {
		err = apperr.Persistence("populate message node", err)
		em.Emit(workflow.Event{Type: workflow.EventError, Error: apperr.Message(err)})
		return err
	}
	em.Emit(workflow.Event{
		Type:         workflow.EventTriggerRefresh,
		CategoryName: category.Name,
		CategoryID:   category.ID,
		Prompt:       req.Prompt,
	})

	if s.opts.ExtractUserContext {
		s.storeUserContext(ctx, userID, req.Prompt)
	}
	return nil
}

// QuestionPrompt returns clarifying questions for a prompt, metered to the
// user.
func (s *Service) QuestionPrompt(ctx context.Context, userID, userPrompt string) (string, error) {
	if strings.TrimSpace(userPrompt) == "" {
		return "", apperr.Validation("question_prompt", "prompt is required")
	}
	ctx = reqctx.WithScope(ctx, reqctx.New(userID))
	return s.augment.QuestionPrompt(ctx, userPrompt)
}

// Balance reports the user's balance and outstanding earmark.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, decimal.Decimal, error) {
	b, e, err := s.graph.Balance(ctx, userID)
	if err != nil {
		return b, e, apperr.Persistence("balance", err)
	}
	return b, e, nil
}

func (s *Service) loadFiles(ctx context.Context, refs []Ref) ([]prompt.File, error) {
	out := make([]prompt.File, 0, len(refs))
	for _, ref := range refs {
		id := strings.TrimSpace(ref.ID)
		if id == "" {
			continue
		}
		node, err := s.graph.GetFile(ctx, id)
		if errors.Is(err, graph.ErrNotFound) {
			out = append(out, prompt.File{Path: id})
			continue
		}
		if err != nil {
			return nil, apperr.Persistence("load file node", err)
		}
		raw, err := s.bytes.Get(ctx, node.CategoryID, node.Name)
		if errors.Is(err, files.ErrNotFound) {
			out = append(out, prompt.File{Path: node.Name})
			continue
		}
		if err != nil {
			return nil, apperr.Persistence("load file", err)
		}
		out = append(out, prompt.File{Path: node.Name, Content: string(raw), Found: true})
	}
	return out, nil
}

func (s *Service) loadHistory(ctx context.Context, refs []Ref) ([]string, error) {
	if !s.opts.MessageHistory {
		return nil, nil
	}
	var out []string
	for _, ref := range refs {
		m, err := s.graph.GetMessage(ctx, strings.TrimSpace(ref.ID))
		if errors.Is(err, graph.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, apperr.Persistence("load message history", err)
		}
		if m.Populated && strings.TrimSpace(m.Response) != "" {
			out = append(out, m.Response)
		}
	}
	return out, nil
}

func (s *Service) category(ctx context.Context, userID, tagged, userPrompt string) (graph.Category, error) {
	name := graph.NormalizeCategory(tagged)
	if name == "" {
		existing, err := s.graph.ListCategories(ctx, userID)
		if err != nil {
			return graph.Category{}, apperr.Persistence("list categories", err)
		}
		names := make([]string, 0, len(existing))
		for _, c := range existing {
			names = append(names, c.Name)
		}
		if name, err = s.augment.SelectCategory(ctx, userPrompt, names); err != nil {
			return graph.Category{}, err
		}
		name = graph.NormalizeCategory(name)
	}

	key := userID + "/" + name
	if id, ok := s.categories.Get(key); ok {
		return graph.Category{ID: id, UserID: userID, Name: name}, nil
	}
	c, created, err := s.graph.GetOrCreateCategory(ctx, userID, name, func(ctx context.Context) (graph.CategoryDetails, error) {
		return s.augment.DescribeCategory(ctx, name)
	})
	if err != nil {
		if k := apperr.KindOf(err); k == apperr.KindInsufficientBalance || k == apperr.KindCancelled {
			return graph.Category{}, err
		}
		return graph.Category{}, apperr.Persistence("get or create category", err)
	}
	if created {
		s.log.WithFields(logrus.Fields{"user": userID, "category": name}).Info("category created")
	}
	s.categories.Add(key, c.ID)
	return c, nil
}

// preflight rejects a request the user cannot afford before any classifier
// is billed. The estimate is the main call of the tagged worker, or of the
// default worker when none is tagged.
func (s *Service) preflight(ctx context.Context, tagged, userPrompt string, attached []prompt.File, history []string) error {
	w := s.workers.Resolve(tagged)
	return s.runner.Preflight(ctx, w.State(userPrompt, attached, history, s.opts.CategorySystem...))
}

// worker picks the persona. A tagged worker is used as-is. An explicitly
// tagged workflow narrows inference to the workers that can run it.
func (s *Service) worker(ctx context.Context, tags workers.Tags, hasFiles bool, userPrompt string) (*workers.Worker, error) {
	if tags.Worker != "" {
		return s.workers.Resolve(tags.Worker), nil
	}
	wf, _, explicit, err := tags.Explicit(hasFiles)
	if err != nil {
		return nil, err
	}
	if !explicit {
		name, err := s.augment.SelectWorker(ctx, userPrompt, s.workers.Names())
		if err != nil {
			return nil, err
		}
		return s.workers.Resolve(name), nil
	}

	candidates := s.workers.Supporting(wf)
	switch len(candidates) {
	case 0:
		return nil, apperr.Validation("worker", "no worker supports the %s workflow", wf)
	case 1:
		return candidates[0], nil
	}
	names := make([]string, 0, len(candidates))
	for _, w := range candidates {
		names = append(names, w.Name)
	}
	name, err := s.augment.SelectWorker(ctx, userPrompt, names)
	if err != nil {
		return nil, err
	}
	for _, w := range candidates {
		if w.Name == name {
			return w, nil
		}
	}
	return candidates[0], nil
}

func (s *Service) workflow(ctx context.Context, w *workers.Worker, tags workers.Tags, attached []prompt.File, userPrompt string) (*workflow.Workflow, error) {
	_, _, explicit, err := tags.Explicit(len(attached) > 0)
	if err != nil {
		return nil, err
	}
	inferred := workflow.NameChat
	if allowed := w.Selectable(len(attached) > 0); !explicit && len(allowed) > 1 {
		if inferred, err = s.augment.SelectWorkflow(ctx, userPrompt, allowed); err != nil {
			return nil, err
		}
	}
	return w.Choose(tags, attached, inferred)
}

func (s *Service) userContext(ctx context.Context, userID string) string {
	topics, err := s.graph.ListUserTopics(ctx, userID)
	if err != nil {
		s.log.WithError(err).Warn("list user topics")
		return ""
	}
	if len(topics) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known context about the user:")
	for _, t := range topics {
		fmt.Fprintf(&b, "\n- %s: %s", t.Name, t.Content)
	}
	return b.String()
}

func (s *Service) storeUserContext(ctx context.Context, userID, userPrompt string) {
	topics, err := s.augment.ExtractUserContext(ctx, userPrompt)
	if err != nil {
		s.log.WithError(err).Warn("extract user context")
		return
	}
	for _, t := range topics {
		if err := s.graph.UpsertUserTopic(ctx, graph.UserTopic{UserID: userID, Name: t.Name, Content: t.Content}); err != nil {
			s.log.WithError(err).WithField("topic", t.Name).Warn("store user topic")
		}
	}
}
