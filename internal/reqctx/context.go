package reqctx

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

type ctxKeyScope struct{}
type ctxKeyFunctionality struct{}

// Scope is the per-request state threaded through a workflow. It is never
// shared across requests. Fields that are filled in while the request runs
// (message id, category id, outstanding earmark) are guarded by a mutex.
type Scope struct {
	mu         sync.RWMutex
	userID     string
	messageID  string
	categoryID string
	streaming  bool
	earmarked  decimal.Decimal
}

func New(userID string) *Scope {
	return &Scope{userID: strings.TrimSpace(userID)}
}

func WithScope(ctx context.Context, s *Scope) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKeyScope{}, s)
}

// From returns the scope stored in ctx. The returned value may be nil; all
// Scope methods are nil-safe.
func From(ctx context.Context) *Scope {
	if ctx != nil {
		if v := ctx.Value(ctxKeyScope{}); v != nil {
			if s, ok := v.(*Scope); ok {
				return s
			}
		}
	}
	return nil
}

func (s *Scope) UserID() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Scope) MessageID() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messageID
}

func (s *Scope) SetMessageID(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.messageID = strings.TrimSpace(id)
	s.mu.Unlock()
}

func (s *Scope) CategoryID() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.categoryID
}

func (s *Scope) SetCategoryID(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.categoryID = strings.TrimSpace(id)
	s.mu.Unlock()
}

func (s *Scope) Streaming() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streaming
}

func (s *Scope) SetStreaming(v bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.streaming = v
	s.mu.Unlock()
}

// Earmarked is the sum of reservations admitted but not yet settled.
func (s *Scope) Earmarked() decimal.Decimal {
	if s == nil {
		return decimal.Zero
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.earmarked
}

func (s *Scope) AddEarmark(amount decimal.Decimal) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.earmarked = s.earmarked.Add(amount)
	s.mu.Unlock()
}

func (s *Scope) ReleaseEarmark(amount decimal.Decimal) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.earmarked = s.earmarked.Sub(amount)
	if s.earmarked.IsNegative() {
		s.earmarked = decimal.Zero
	}
	s.mu.Unlock()
}

// WithFunctionality labels every cost incurred under ctx with name. Because
// contexts are immutable the caller's label is restored as soon as the
// derived context goes out of use, on every exit path.
func WithFunctionality(ctx context.Context, name string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKeyFunctionality{}, strings.TrimSpace(name))
}

func FunctionalityFrom(ctx context.Context) string {
	if ctx != nil {
		if v := ctx.Value(ctxKeyFunctionality{}); v != nil {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Functionality runs fn with the functionality label set to name.
func Functionality[T any](ctx context.Context, name string, fn func(context.Context) (T, error)) (T, error) {
	return fn(WithFunctionality(ctx, name))
}
