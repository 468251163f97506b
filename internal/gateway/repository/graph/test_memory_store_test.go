package graph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMemoryStore_EarmarkFloor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SetBalance("u", dec("0.10"))

	total, ok, err := s.Earmark(ctx, "u", dec("0.12"), dec("-0.03"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, total.Equal(dec("0.12")))

	_, ok, err = s.Earmark(ctx, "u", dec("0.02"), dec("-0.03"))
	require.NoError(t, err)
	assert.False(t, ok, "0.10-0.12-0.02 = -0.04 is below the floor")

	bal, earmarked, err := s.Balance(ctx, "u")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("-0.02")))
	assert.True(t, earmarked.Equal(dec("0.12")))

	_, _, err = s.Earmark(ctx, "ghost", dec("1"), dec("0"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateBalanceReleases(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SetBalance("u", dec("1"))
	_, _, err := s.Earmark(ctx, "u", dec("0.5"), dec("-0.03"))
	require.NoError(t, err)

	require.NoError(t, s.UpdateBalance(ctx, "u", dec("0.5").Sub(dec("0.1")), dec("0.5")))
	bal, earmarked, err := s.Balance(ctx, "u")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("0.9")))
	assert.True(t, earmarked.IsZero())
}

func TestMemoryStore_EarmarkConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SetBalance("u", dec("1"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Earmark(ctx, "u", dec("0.1"), dec("-0.03"))
			if err == nil && ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, admitted)
}

func TestMemoryStore_FileVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	f1, err := s.CreateFileNode(ctx, NewFile{CategoryID: "c1", Name: "notes.txt"})
	require.NoError(t, err)
	f2, err := s.CreateFileNode(ctx, NewFile{CategoryID: "c1", Name: "notes.txt"})
	require.NoError(t, err)
	f3, err := s.CreateFileNode(ctx, NewFile{CategoryID: "c2", Name: "notes.txt"})
	require.NoError(t, err)

	assert.Equal(t, 1, f1.Version)
	assert.Equal(t, 2, f2.Version)
	assert.Equal(t, 1, f3.Version)

	latest, err := s.LatestFile(ctx, "c1", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, f2.ID, latest.ID)
}

func TestMemoryStore_GetOrCreateCategory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	calls := 0
	details := func(context.Context) (CategoryDetails, error) {
		calls++
		return CategoryDetails{Description: "d", Colour: "#112233"}, nil
	}

	c1, created, err := s.GetOrCreateCategory(ctx, "u", " Science ", details)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "science", c1.Name)
	assert.Equal(t, "#112233", c1.Colour)

	c2, created, err := s.GetOrCreateCategory(ctx, "u", "SCIENCE", details)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, 1, calls)

	c3, _, err := s.GetOrCreateCategory(ctx, "other", "science", details)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c3.ID)

	_, _, err = s.GetOrCreateCategory(ctx, "u", "new", func(context.Context) (CategoryDetails, error) {
		return CategoryDetails{}, errors.New("llm down")
	})
	assert.Error(t, err)
	list, err := s.ListCategories(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryStore_MessageLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.EnsureUser(ctx, "u", "u@example.com", dec("1.00"))
	require.NoError(t, err)

	id, err := s.CreateMessageNode(ctx, "u")
	require.NoError(t, err)
	require.NoError(t, s.ExpenseNode(ctx, id, dec("0.01")))
	require.NoError(t, s.ExpenseNode(ctx, id, dec("0.02")))
	require.NoError(t, s.PopulateMessageNode(ctx, id, MessageUpdate{Prompt: "p", Response: "r", CategoryID: "c"}))

	m, err := s.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.True(t, m.Populated)
	assert.True(t, m.Cost.Equal(dec("0.03")))

	require.NoError(t, s.ExpenseFunctionality(ctx, "u", "best_of", dec("0.5")))
	require.NoError(t, s.ExpenseFunctionality(ctx, "u", "best_of", dec("0.25")))
	costs, err := s.FunctionalityCosts(ctx, "u")
	require.NoError(t, err)
	assert.True(t, costs["best_of"].Equal(dec("0.75")))

	u, err := s.EnsureUser(ctx, "u", "", dec("5"))
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(dec("1.00")), "promotion applies once")
	assert.True(t, u.PromotionApplied)
}
