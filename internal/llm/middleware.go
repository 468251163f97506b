package llm

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	llmclient "ensemble/internal/llmClient"
	"ensemble/internal/logging"
	"ensemble/internal/reqctx"
)

// Middleware decorates a Client to inject cross-cutting concerns
// (rate limiting, retries, logging).
type Middleware func(llmclient.Client) llmclient.Client

// Wrap applies middlewares in left-to-right order.
// Example: Wrap(inner, A, B) => A(B(inner))
func Wrap(inner llmclient.Client, mws ...Middleware) llmclient.Client {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// passthrough forwards every call; decorators embed it and override what
// they need.
type passthrough struct{ next llmclient.Client }

func (p passthrough) Name() string                 { return p.next.Name() }
func (p passthrough) Provider() llmclient.Provider { return p.next.Provider() }
func (p passthrough) Close() error                 { return p.next.Close() }
func (p passthrough) Complete(ctx context.Context, msgs []llmclient.Message, model llmclient.Model, n int) (llmclient.Completion, error) {
	return p.next.Complete(ctx, msgs, model, n)
}
func (p passthrough) Stream(ctx context.Context, msgs []llmclient.Message, model llmclient.Model) (llmclient.ChunkStream, error) {
	return p.next.Stream(ctx, msgs, model)
}
func (p passthrough) CompleteJSON(ctx context.Context, msgs []llmclient.Message, model llmclient.Model, schema json.RawMessage) (json.RawMessage, llmclient.Usage, error) {
	return p.next.CompleteJSON(ctx, msgs, model, schema)
}
func (p passthrough) CountTokens(ctx context.Context, msgs []llmclient.Message, model llmclient.Model) (int, error) {
	return p.next.CountTokens(ctx, msgs, model)
}

// -------- Rate Limiting --------

// RateLimit limits the rate of physical calls. If rps <= 0 it is disabled.
func RateLimit(rps float64, burst int) Middleware {
	return func(next llmclient.Client) llmclient.Client {
		return &rateLimited{passthrough: passthrough{next}, rl: newRPSLimiter(rps, burst)}
	}
}

type rateLimited struct {
	passthrough
	rl       *rpsLimiter
	stopOnce sync.Once
}

func (c *rateLimited) Close() error {
	c.stopOnce.Do(c.rl.Stop)
	return c.next.Close()
}

func (c *rateLimited) Complete(ctx context.Context, msgs []llmclient.Message, model llmclient.Model, n int) (llmclient.Completion, error) {
	if err := c.rl.Acquire(ctx); err != nil {
		return llmclient.Completion{}, err
	}
	return c.next.Complete(ctx, msgs, model, n)
}

func (c *rateLimited) Stream(ctx context.Context, msgs []llmclient.Message, model llmclient.Model) (llmclient.ChunkStream, error) {
	if err := c.rl.Acquire(ctx); err != nil {
		return nil, err
	}
	return c.next.Stream(ctx, msgs, model)
}

func (c *rateLimited) CompleteJSON(ctx context.Context, msgs []llmclient.Message, model llmclient.Model, schema json.RawMessage) (json.RawMessage, llmclient.Usage, error) {
	if err := c.rl.Acquire(ctx); err != nil {
		return nil, llmclient.Usage{}, err
	}
	return c.next.CompleteJSON(ctx, msgs, model, schema)
}

// -------- Retry with exponential backoff --------

// RetryPolicy waits Base^attempt * Unit between attempts (attempt starts
// at 1), so Base=2, Unit=1s gives 2s, 4s, 8s.
type RetryPolicy struct {
	MaxAttempts int
	Base        float64
	Unit        time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	return time.Duration(math.Pow(p.Base, float64(attempt)) * float64(p.Unit))
}

// Retry retries failed or empty calls up to MaxAttempts in total. It stops
// immediately on context cancellation or a PermanentError. Only stream
// creation is retried; a stream that fails mid-way is not restarted.
func Retry(p RetryPolicy) Middleware {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Base < 1 {
		p.Base = 2
	}
	if p.Unit <= 0 {
		p.Unit = time.Second
	}
	return func(next llmclient.Client) llmclient.Client {
		return &retrying{passthrough: passthrough{next}, policy: p}
	}
}

type retrying struct {
	passthrough
	policy RetryPolicy
}

func (r *retrying) do(ctx context.Context, call func() error) error {
	var last error
	for i := 0; i < r.policy.MaxAttempts; i++ {
		err := call()
		if err == nil {
			return nil
		}
		var pErr *llmclient.PermanentError
		if errors.As(err, &pErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = err
		if i == r.policy.MaxAttempts-1 {
			break
		}
		t := time.NewTimer(r.policy.delay(i + 1))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return last
}

func (r *retrying) Complete(ctx context.Context, msgs []llmclient.Message, model llmclient.Model, n int) (llmclient.Completion, error) {
	var out llmclient.Completion
	err := r.do(ctx, func() error {
		c, err := r.next.Complete(ctx, msgs, model, n)
		if err != nil {
			return err
		}
		if strings.TrimSpace(strings.Join(c.Choices, "")) == "" {
			return llmclient.ErrEmptyResult
		}
		out = c
		return nil
	})
	return out, err
}

func (r *retrying) Stream(ctx context.Context, msgs []llmclient.Message, model llmclient.Model) (llmclient.ChunkStream, error) {
	var out llmclient.ChunkStream
	err := r.do(ctx, func() error {
		s, err := r.next.Stream(ctx, msgs, model)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

func (r *retrying) CompleteJSON(ctx context.Context, msgs []llmclient.Message, model llmclient.Model, schema json.RawMessage) (json.RawMessage, llmclient.Usage, error) {
	var (
		raw   json.RawMessage
		usage llmclient.Usage
	)
	err := r.do(ctx, func() error {
		out, u, err := r.next.CompleteJSON(ctx, msgs, model, schema)
		usage = usage.Add(u)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	return raw, usage, err
}

// -------- Logging --------

// WithLogging logs each physical call with its latency and failure.
func WithLogging(entry *logrus.Entry) Middleware {
	log := logging.Or(entry, "llm")
	return func(next llmclient.Client) llmclient.Client {
		return &logged{passthrough: passthrough{next}, log: log}
	}
}

type logged struct {
	passthrough
	log *logrus.Entry
}

func (l *logged) fields(ctx context.Context, op string, model llmclient.Model, msgs []llmclient.Message) *logrus.Entry {
	size := 0
	for _, m := range msgs {
		size += len(m.Content)
	}
	return l.log.WithFields(logrus.Fields{
		"op":            op,
		"provider":      l.next.Provider(),
		"model":         model.ID,
		"bytes":         size,
		"functionality": reqctx.FunctionalityFrom(ctx),
	})
}

func (l *logged) done(e *logrus.Entry, start time.Time, err error) {
	e = e.WithField("latency", time.Since(start).Round(time.Millisecond))
	if err != nil {
		e.WithError(err).Warn("llm call failed")
		return
	}
	e.Debug("llm call")
}

func (l *logged) Complete(ctx context.Context, msgs []llmclient.Message, model llmclient.Model, n int) (llmclient.Completion, error) {
	e := l.fields(ctx, "complete", model, msgs).WithField("n", n)
	start := time.Now()
	out, err := l.next.Complete(ctx, msgs, model, n)
	l.done(e, start, err)
	return out, err
}

func (l *logged) Stream(ctx context.Context, msgs []llmclient.Message, model llmclient.Model) (llmclient.ChunkStream, error) {
	e := l.fields(ctx, "stream", model, msgs)
	start := time.Now()
	out, err := l.next.Stream(ctx, msgs, model)
	l.done(e, start, err)
	return out, err
}

func (l *logged) CompleteJSON(ctx context.Context, msgs []llmclient.Message, model llmclient.Model, schema json.RawMessage) (json.RawMessage, llmclient.Usage, error) {
	e := l.fields(ctx, "json", model, msgs)
	start := time.Now()
	out, u, err := l.next.CompleteJSON(ctx, msgs, model, schema)
	l.done(e, start, err)
	return out, u, err
}
