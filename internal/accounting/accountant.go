package accounting

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ensemble/internal/apperr"
	llmclient "ensemble/internal/llmClient"
	"ensemble/internal/logging"
	"ensemble/internal/reqctx"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// OverdraftFloor is the lowest balance an admitted call may leave behind.
var OverdraftFloor = decimal.RequireFromString("-0.03")

// Ledger is the slice of the persistence façade the accountant writes to.
type Ledger interface {
	Balance(ctx context.Context, userID string) (balance, earmarked decimal.Decimal, err error)
	Earmark(ctx context.Context, userID string, amount, floor decimal.Decimal) (decimal.Decimal, bool, error)
	UpdateBalance(ctx context.Context, userID string, delta, release decimal.Decimal) error
	ExpenseNode(ctx context.Context, nodeID string, amount decimal.Decimal) error
	ExpenseFunctionality(ctx context.Context, userID, name string, amount decimal.Decimal) error
}

// Estimate is the pre-flight cost of n completions for a prompt of
// inputTokens, assuming outputEstimate output tokens each.
func Estimate(model llmclient.Model, inputTokens, outputEstimate, n int) decimal.Decimal {
	if n < 1 {
		n = 1
	}
	one := model.InputCost.Mul(decimal.NewFromInt(int64(inputTokens))).
		Add(model.OutputCost.Mul(decimal.NewFromInt(int64(outputEstimate))))
	return one.Mul(decimal.NewFromInt(int64(n)))
}

// Cost is the actual cost of a call.
func Cost(model llmclient.Model, u llmclient.Usage) decimal.Decimal {
	return model.InputCost.Mul(decimal.NewFromInt(int64(u.InputTokens))).
		Add(model.OutputCost.Mul(decimal.NewFromInt(int64(u.OutputTokens))))
}

type Accountant struct {
	ledger         Ledger
	outputEstimate int
	log            *logrus.Entry
}

func New(ledger Ledger, outputEstimate int, log *logrus.Entry) *Accountant {
	if outputEstimate <= 0 {
		outputEstimate = 2000
	}
	return &Accountant{ledger: ledger, outputEstimate: outputEstimate, log: logging.Or(log, "accounting")}
}

func (a *Accountant) OutputEstimate() int { return a.outputEstimate }

// Balance reports the user's balance and outstanding earmark.
func (a *Accountant) Balance(ctx context.Context, userID string) (decimal.Decimal, decimal.Decimal, error) {
	b, e, err := a.ledger.Balance(ctx, userID)
	if err != nil {
		return b, e, apperr.Persistence("balance", err)
	}
	return b, e, nil
}

// Admit earmarks the estimated cost of a call. Callers must Settle the
// returned reservation on every exit path. Calls without a user in the
// request scope are not metered.
func (a *Accountant) Admit(ctx context.Context, model llmclient.Model, inputTokens, n int) (*Reservation, error) {
	scope := reqctx.From(ctx)
	r := &Reservation{
		acct:          a,
		scope:         scope,
		model:         model,
		userID:        scope.UserID(),
		nodeID:        scope.MessageID(),
		functionality: reqctx.FunctionalityFrom(ctx),
	}
	if r.userID == "" {
		return r, nil
	}
	estimate := Estimate(model, inputTokens, a.outputEstimate, n)
	total, ok, err := a.ledger.Earmark(ctx, r.userID, estimate, OverdraftFloor)
	if err != nil {
		return nil, apperr.Persistence("earmark", err)
	}
	if !ok {
		a.log.WithFields(logrus.Fields{"user": r.userID, "estimate": estimate.String(), "model": model.ID}).
			Info("admission rejected")
		return nil, apperr.InsufficientBalance("admit", fmt.Errorf("%w: estimated cost %s", ErrInsufficientBalance, estimate.StringFixed(4)))
	}
	r.amount = estimate
	scope.AddEarmark(estimate)
	a.log.WithFields(logrus.Fields{
		"user": r.userID, "estimate": estimate.String(), "earmarked": total.String(),
		"model": model.ID, "functionality": r.functionality,
	}).Debug("earmarked")
	return r, nil
}

// Check applies the admission rule to a call without earmarking, so a
// request can be refused before anything is billed.
func (a *Accountant) Check(ctx context.Context, model llmclient.Model, inputTokens, n int) error {
	userID := reqctx.From(ctx).UserID()
	if userID == "" {
		return nil
	}
	estimate := Estimate(model, inputTokens, a.outputEstimate, n)
	balance, _, err := a.ledger.Balance(ctx, userID)
	if err != nil {
		return apperr.Persistence("balance", err)
	}
	if balance.Sub(estimate).LessThan(OverdraftFloor) {
		a.log.WithFields(logrus.Fields{"user": userID, "estimate": estimate.String(), "model": model.ID}).
			Info("pre-flight rejected")
		return apperr.InsufficientBalance("preflight", fmt.Errorf("%w: estimated cost %s", ErrInsufficientBalance, estimate.StringFixed(4)))
	}
	return nil
}

// Reservation is one admitted call's earmark.
type Reservation struct {
	acct          *Accountant
	scope         *reqctx.Scope
	model         llmclient.Model
	userID        string
	nodeID        string
	functionality string
	amount        decimal.Decimal

	once   sync.Once
	actual decimal.Decimal
	err    error
}

func (r *Reservation) Amount() decimal.Decimal { return r.amount }

// Actual is the settled cost, zero before Settle.
func (r *Reservation) Actual() decimal.Decimal { return r.actual }

// Settle releases the earmark and debits the real cost of usage. Only the
// first call has any effect. It runs detached from ctx cancellation so a
// cancelled request still settles.
func (r *Reservation) Settle(ctx context.Context, usage llmclient.Usage) error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		r.actual = Cost(r.model, usage)
		if r.userID == "" {
			return
		}
		ctx := context.WithoutCancel(ctx)
		if err := r.acct.ledger.UpdateBalance(ctx, r.userID, r.amount.Sub(r.actual), r.amount); err != nil {
			r.err = apperr.Persistence("settle", err)
			r.acct.log.WithError(err).WithField("user", r.userID).Error("settle failed; earmark left pending")
			return
		}
		r.scope.ReleaseEarmark(r.amount)
		if r.nodeID != "" {
			if err := r.acct.ledger.ExpenseNode(ctx, r.nodeID, r.actual); err != nil {
				r.err = apperr.Persistence("expense node", err)
			}
		}
		if r.functionality != "" {
			if err := r.acct.ledger.ExpenseFunctionality(ctx, r.userID, r.functionality, r.actual); err != nil {
				r.err = errors.Join(r.err, apperr.Persistence("expense functionality", err))
			}
		}
		r.acct.log.WithFields(logrus.Fields{
			"user": r.userID, "earmark": r.amount.String(), "actual": r.actual.String(),
			"input_tokens": usage.InputTokens, "output_tokens": usage.OutputTokens,
		}).Debug("settled")
	})
	return r.err
}
