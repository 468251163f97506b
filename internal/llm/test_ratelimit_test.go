package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmclient "ensemble/internal/llmClient"
)

func acquireWithin(l *rpsLimiter, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return l.Acquire(ctx)
}

func TestRPSLimiter_BurstRefillsUpToCapacity(t *testing.T) {
	// one token every 100ms, bucket of 3
	l := newRPSLimiter(10, 3)
	t.Cleanup(l.Stop)

	for i := 0; i < 3; i++ {
		require.NoError(t, acquireWithin(l, 10*time.Millisecond), "burst token %d", i)
	}
	assert.ErrorIs(t, acquireWithin(l, 20*time.Millisecond), context.DeadlineExceeded)

	// three refills land while idle; the bucket never holds more than three
	time.Sleep(330 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, acquireWithin(l, 10*time.Millisecond), "refilled token %d", i)
	}
	assert.ErrorIs(t, acquireWithin(l, 20*time.Millisecond), context.DeadlineExceeded)
}

func TestRPSLimiter_StopUnblocksWaiters(t *testing.T) {
	l := newRPSLimiter(0.1, 1)
	require.NoError(t, acquireWithin(l, 10*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	l.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return after Stop")
	}
}

func TestRateLimit_BurstAppliesPerClient(t *testing.T) {
	fake := llmclient.NewFakeClient(llmclient.ProviderOpenAI)
	cli := RateLimit(1, 2)(fake)
	t.Cleanup(func() { _ = cli.Close() })

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := cli.Complete(context.Background(), promptMsgs(), llmclient.GPT4o, 1)
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := cli.Complete(ctx, promptMsgs(), llmclient.GPT4o, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, fake.Calls(), 2)
}
