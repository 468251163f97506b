package accounting

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble/internal/apperr"
	"ensemble/internal/gateway/repository/graph"
	llmclient "ensemble/internal/llmClient"
	"ensemble/internal/reqctx"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// flat charges 0.001 per input token and 0.002 per output token.
var flat = llmclient.Model{
	ID: "flat", Provider: llmclient.ProviderOpenAI,
	InputCost: dec("0.001"), OutputCost: dec("0.002"),
}

func setup(t *testing.T, balance string) (*Accountant, *graph.MemoryStore, context.Context, string) {
	t.Helper()
	store := graph.NewMemoryStore()
	store.SetBalance("u", dec(balance))
	msgID, err := store.CreateMessageNode(context.Background(), "u")
	require.NoError(t, err)
	scope := reqctx.New("u")
	scope.SetMessageID(msgID)
	ctx := reqctx.WithScope(context.Background(), scope)
	return New(store, 10, nil), store, ctx, msgID
}

func TestEstimate(t *testing.T) {
	// (100*0.001 + 10*0.002) * 3
	assert.True(t, Estimate(flat, 100, 10, 3).Equal(dec("0.36")))
	assert.True(t, Estimate(flat, 100, 10, 0).Equal(dec("0.12")))
	assert.True(t, Cost(flat, llmclient.Usage{InputTokens: 10, OutputTokens: 5}).Equal(dec("0.02")))
}

func TestAdmit_RejectBelowFloor(t *testing.T) {
	acct, store, ctx, _ := setup(t, "0.00")

	// 20*0.001 + 10*0.002 = 0.04
	_, err := acct.Admit(ctx, flat, 20, 1)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInsufficientBalance))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	bal, earmarked, err := store.Balance(ctx, "u")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	assert.True(t, earmarked.IsZero())
}

func TestAdmit_WithinTolerance(t *testing.T) {
	acct, store, ctx, _ := setup(t, "0.00")

	// 0.03 estimate leaves exactly -0.03
	r, err := acct.Admit(ctx, flat, 10, 1)
	require.NoError(t, err)
	assert.True(t, r.Amount().Equal(dec("0.03")))
	bal, _, _ := store.Balance(ctx, "u")
	assert.True(t, bal.Equal(dec("-0.03")))
}

func TestSettle_DebitsActualAndReleases(t *testing.T) {
	acct, store, ctx, msgID := setup(t, "1.00")
	ctx = reqctx.WithFunctionality(ctx, "best_of")

	r, err := acct.Admit(ctx, flat, 100, 2)
	require.NoError(t, err)
	assert.True(t, reqctx.From(ctx).Earmarked().Equal(r.Amount()))

	usage := llmclient.Usage{InputTokens: 100, OutputTokens: 20}
	require.NoError(t, r.Settle(ctx, usage))
	require.NoError(t, r.Settle(ctx, usage), "second settle is a no-op")

	bal, earmarked, err := store.Balance(ctx, "u")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("0.86")), "balance=%s", bal)
	assert.True(t, earmarked.IsZero())
	assert.True(t, reqctx.From(ctx).Earmarked().IsZero())

	m, err := store.GetMessage(ctx, msgID)
	require.NoError(t, err)
	assert.True(t, m.Cost.Equal(dec("0.14")))
	costs, _ := store.FunctionalityCosts(ctx, "u")
	assert.True(t, costs["best_of"].Equal(dec("0.14")))
}

func TestSettle_CancelledContextStillSettles(t *testing.T) {
	acct, store, ctx, _ := setup(t, "1.00")
	r, err := acct.Admit(ctx, flat, 10, 1)
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, r.Settle(cctx, llmclient.Usage{}))

	bal, earmarked, _ := store.Balance(ctx, "u")
	assert.True(t, bal.Equal(dec("1.00")))
	assert.True(t, earmarked.IsZero())
}

func TestAdmit_UnmeteredWithoutUser(t *testing.T) {
	acct, _, _, _ := setup(t, "0")
	r, err := acct.Admit(context.Background(), flat, 1_000_000, 5)
	require.NoError(t, err)
	assert.True(t, r.Amount().IsZero())
	require.NoError(t, r.Settle(context.Background(), llmclient.Usage{InputTokens: 1}))
	assert.True(t, r.Actual().Equal(dec("0.001")))
}

func TestSettle_NilReservation(t *testing.T) {
	var r *Reservation
	assert.NoError(t, r.Settle(context.Background(), llmclient.Usage{}))
}

func TestCheck_LeavesBalanceUntouched(t *testing.T) {
	acct, store, ctx, _ := setup(t, "0.00")

	require.NoError(t, acct.Check(ctx, flat, 10, 1))
	err := acct.Check(ctx, flat, 20, 1)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInsufficientBalance))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	bal, earmarked, err := store.Balance(ctx, "u")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	assert.True(t, earmarked.IsZero())
	assert.True(t, reqctx.From(ctx).Earmarked().IsZero())
}

func TestCheck_UnmeteredWithoutUser(t *testing.T) {
	acct, _, _, _ := setup(t, "0.00")
	assert.NoError(t, acct.Check(context.Background(), flat, 1_000_000, 1))
}
