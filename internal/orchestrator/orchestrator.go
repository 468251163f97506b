// Package orchestrator turns one logical prompt into metered provider
// calls: a single call, a best-of-N batch plus judgement, or a loop of
// focused drafts plus consolidation.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"ensemble/internal/accounting"
	"ensemble/internal/apperr"
	llmclient "ensemble/internal/llmClient"
	"ensemble/internal/logging"
	"ensemble/internal/prompt"
	"ensemble/internal/reqctx"
	"ensemble/internal/util/jsonutil"
)

// FunctionalityBestOf labels the judgement call of a best-of-N run.
const FunctionalityBestOf = "best_of"

const defaultJudgeInstruction = "You are given several candidate answers to the same request as separate messages. " +
	"Select the best one, or merge them, and reply with the final answer only."

// Request is one logical prompt. System, User and Assistant accept a
// string, a []string or a []any of strings.
type Request struct {
	System    any
	User      any
	Assistant any
	Files     []prompt.File
	Model     llmclient.Model
	// Rerun > 1 asks for a best-of-N batch followed by a judgement call.
	Rerun int
	// Loops > 1 runs focused drafts followed by a consolidation call.
	Loops int
	// Criteria is the judge's system prompt for best-of-N.
	Criteria  string
	Streaming bool
}

// Result carries Text for batch requests and Stream for streaming ones. The
// caller owns Stream and must drain or Close it.
type Result struct {
	Text   string
	Stream *Stream
}

type Options struct {
	DefaultModel llmclient.Model
	// JudgeSystem is used when a best-of-N request has no criteria.
	JudgeSystem []string
	Log         *logrus.Entry
}

type Orchestrator struct {
	clients      map[llmclient.Provider]llmclient.Client
	acct         *accounting.Accountant
	defaultModel llmclient.Model
	judgeSystem  []string
	log          *logrus.Entry
}

// New registers each client under its provider. Later clients replace
// earlier ones for the same provider.
func New(acct *accounting.Accountant, clients []llmclient.Client, opts Options) *Orchestrator {
	o := &Orchestrator{
		clients:      make(map[llmclient.Provider]llmclient.Client, len(clients)),
		acct:         acct,
		defaultModel: opts.DefaultModel,
		judgeSystem:  opts.JudgeSystem,
		log:          logging.Or(opts.Log, "orchestrator"),
	}
	for _, c := range clients {
		if c != nil {
			o.clients[c.Provider()] = c
		}
	}
	if len(o.judgeSystem) == 0 {
		o.judgeSystem = []string{defaultJudgeInstruction}
	}
	return o
}

func (o *Orchestrator) DefaultModel() llmclient.Model { return o.defaultModel }

// Accountant exposes the accountant the orchestrator meters calls with.
func (o *Orchestrator) Accountant() *accounting.Accountant { return o.acct }

func (o *Orchestrator) resolve(model llmclient.Model) (llmclient.Model, llmclient.Client, error) {
	if model.IsZero() {
		model = o.defaultModel
	}
	if model.IsZero() {
		return model, nil, apperr.Validation("orchestrator", "no model selected")
	}
	c, ok := o.clients[model.Provider]
	if !ok {
		return model, nil, apperr.Validation("orchestrator", "no client configured for provider %q", model.Provider)
	}
	return model, c, nil
}

// Execute runs req and returns either the final text or a metered stream.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	model, client, err := o.resolve(req.Model)
	if err != nil {
		return Result{}, err
	}
	req.Model = model
	if req.Rerun < 1 {
		req.Rerun = 1
	}
	if req.Loops < 1 {
		req.Loops = 1
	}
	if req.Streaming {
		reqctx.From(ctx).SetStreaming(true)
	}

	if req.Loops > 1 {
		return o.loop(ctx, client, req)
	}
	msgs, err := build(req)
	if err != nil {
		return Result{}, err
	}
	if req.Rerun > 1 {
		return o.bestOf(ctx, client, req, msgs)
	}
	return o.single(ctx, client, model, msgs, req.Streaming)
}

// Complete runs req without streaming.
func (o *Orchestrator) Complete(ctx context.Context, req Request) (string, error) {
	req.Streaming = false
	res, err := o.Execute(ctx, req)
	return res.Text, err
}

// Stream runs req with the final call streaming.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (*Stream, error) {
	req.Streaming = true
	res, err := o.Execute(ctx, req)
	return res.Stream, err
}

// Structured asks for JSON matching schema and decodes it into out. Rerun
// and Loops are ignored.
func (o *Orchestrator) Structured(ctx context.Context, req Request, schema json.RawMessage, out any) error {
	model, client, err := o.resolve(req.Model)
	if err != nil {
		return err
	}
	req.Model = model
	msgs, err := build(req)
	if err != nil {
		return err
	}
	tokens, err := o.countTokens(ctx, client, model, msgs)
	if err != nil {
		return err
	}
	res, err := o.acct.Admit(ctx, model, tokens, 1)
	if err != nil {
		return err
	}
	raw, usage, err := client.CompleteJSON(ctx, msgs, model, schema)
	settleErr := res.Settle(ctx, usage)
	if err != nil {
		if errors.Is(err, llmclient.ErrInvalidJSON) {
			return apperr.Schema("structured", err)
		}
		return callError(ctx, "structured", err)
	}
	if settleErr != nil {
		return settleErr
	}
	if out == nil {
		return nil
	}
	if err := jsonutil.UnmarshalFlex(raw, out); err != nil {
		return apperr.Schema("structured", fmt.Errorf("decode: %w", err))
	}
	return nil
}

// Preflight applies the admission rule to the first physical call of req
// without earmarking. A rerun request is estimated as its whole batch.
func (o *Orchestrator) Preflight(ctx context.Context, req Request) error {
	model, client, err := o.resolve(req.Model)
	if err != nil {
		return err
	}
	req.Model = model
	msgs, err := build(req)
	if err != nil {
		return err
	}
	tokens, err := o.countTokens(ctx, client, model, msgs)
	if err != nil {
		return err
	}
	n := req.Rerun
	if req.Loops > 1 {
		n = 1
	}
	return o.acct.Check(ctx, model, tokens, n)
}

func build(req Request) ([]llmclient.Message, error) {
	return prompt.Build(prompt.Input{
		System:    req.System,
		User:      req.User,
		Assistant: req.Assistant,
		Files:     req.Files,
		Model:     req.Model,
	})
}

// single is one physical call: count, admit, call, settle.
func (o *Orchestrator) single(ctx context.Context, client llmclient.Client, model llmclient.Model, msgs []llmclient.Message, streaming bool) (Result, error) {
	tokens, err := o.countTokens(ctx, client, model, msgs)
	if err != nil {
		return Result{}, err
	}
	res, err := o.acct.Admit(ctx, model, tokens, 1)
	if err != nil {
		return Result{}, err
	}
	if streaming {
		inner, err := client.Stream(ctx, msgs, model)
		if err != nil {
			_ = res.Settle(ctx, llmclient.Usage{})
			return Result{}, callError(ctx, "stream", err)
		}
		return Result{Stream: newStream(ctx, inner, res, tokens, o.log)}, nil
	}
	c, err := client.Complete(ctx, msgs, model, 1)
	if settleErr := res.Settle(ctx, c.Usage); settleErr != nil && err == nil {
		return Result{}, settleErr
	}
	if err != nil {
		return Result{}, callError(ctx, "complete", err)
	}
	return Result{Text: c.Text()}, nil
}

// batch is one physical call asking for n completions.
func (o *Orchestrator) batch(ctx context.Context, client llmclient.Client, model llmclient.Model, msgs []llmclient.Message, n int) ([]string, error) {
	tokens, err := o.countTokens(ctx, client, model, msgs)
	if err != nil {
		return nil, err
	}
	res, err := o.acct.Admit(ctx, model, tokens, n)
	if err != nil {
		return nil, err
	}
	c, err := client.Complete(ctx, msgs, model, n)
	if settleErr := res.Settle(ctx, c.Usage); settleErr != nil && err == nil {
		return nil, settleErr
	}
	if err != nil {
		return nil, callError(ctx, "batch", err)
	}
	if len(c.Choices) < n {
		o.log.WithFields(logrus.Fields{"model": model.ID, "want": n, "got": len(c.Choices)}).Warn("provider returned fewer candidates")
	}
	return c.Choices, nil
}

func (o *Orchestrator) bestOf(ctx context.Context, client llmclient.Client, req Request, msgs []llmclient.Message) (Result, error) {
	candidates, err := o.batch(ctx, client, req.Model, msgs, req.Rerun)
	if err != nil {
		return Result{}, err
	}
	system := o.judgeSystem
	if c := strings.TrimSpace(req.Criteria); c != "" {
		system = []string{c}
	}
	judge, err := prompt.Build(prompt.Input{System: system, User: candidates, Model: req.Model})
	if err != nil {
		return Result{}, err
	}
	ctx = reqctx.WithFunctionality(ctx, FunctionalityBestOf)
	return o.single(ctx, client, req.Model, judge, req.Streaming)
}

func (o *Orchestrator) loop(ctx context.Context, client llmclient.Client, req Request) (Result, error) {
	users, err := prompt.Lift(req.User)
	if err != nil {
		return Result{}, err
	}
	userPrompt := strings.Join(users, "\n\n")

	outputs := make([]string, 0, req.Loops)
	for i := 0; i < req.Loops; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, apperr.Cancelled("loop", err)
		}
		step := req
		step.User = FocusPrompt(userPrompt, i)
		msgs, err := build(step)
		if err != nil {
			return Result{}, err
		}
		res, err := o.single(ctx, client, req.Model, msgs, false)
		if err != nil {
			return Result{}, err
		}
		outputs = append(outputs, res.Text)
	}

	final := req
	final.User = ConsolidationPrompt(userPrompt, outputs)
	final.Files = nil
	msgs, err := build(final)
	if err != nil {
		return Result{}, err
	}
	if req.Rerun > 1 {
		return o.bestOf(ctx, client, final, msgs)
	}
	return o.single(ctx, client, req.Model, msgs, req.Streaming)
}

func (o *Orchestrator) countTokens(ctx context.Context, client llmclient.Client, model llmclient.Model, msgs []llmclient.Message) (int, error) {
	n, err := client.CountTokens(ctx, msgs, model)
	if err == nil {
		return n, nil
	}
	if ctx.Err() != nil {
		return 0, apperr.Cancelled("count tokens", err)
	}
	o.log.WithError(err).WithField("model", model.ID).Warn("remote token count failed; using local estimate")
	return llmclient.CountMessageTokens(msgs), nil
}

func callError(ctx context.Context, op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Cancelled(op, err)
	}
	return apperr.Provider(op, err)
}
