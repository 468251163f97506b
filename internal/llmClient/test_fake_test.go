package llmclient

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClient_QueueThenDefault(t *testing.T) {
	f := NewFakeClient(ProviderOpenAI, FakeReply{Choices: []string{"A", "BB"}})
	ctx := context.Background()

	got, err := f.Complete(ctx, []Message{{Role: RoleUser, Content: "x"}}, GPT4o, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "BB"}, got.Choices)

	got, err = f.Complete(ctx, nil, GPT4o, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok", "ok", "ok"}, got.Choices)

	calls := f.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, CallComplete, calls[0].Kind)
	assert.Equal(t, []string{"x"}, calls[0].UserContents())
}

func TestFakeClient_StreamUsageCoversDeliveredChunks(t *testing.T) {
	boom := errors.New("reset")
	f := NewFakeClient(ProviderGemini, FakeReply{Chunks: []string{"one", "two", "three"}, StreamErr: boom, StreamErrAfter: 2})
	s, err := f.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Gemini25Flash)
	require.NoError(t, err)

	c, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "one", c)
	_, err = s.Recv()
	require.NoError(t, err)
	_, err = s.Recv()
	assert.ErrorIs(t, err, boom)

	u, ok := s.Usage()
	require.True(t, ok)
	assert.Equal(t, 2, u.OutputTokens)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, f.ClosedStreams())
}

func TestFakeClient_StreamEOF(t *testing.T) {
	f := NewFakeClient(ProviderOpenAI, FakeReply{Choices: []string{"whole"}})
	s, err := f.Stream(context.Background(), nil, GPT4o)
	require.NoError(t, err)
	c, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "whole", c)
	_, err = s.Recv()
	assert.True(t, IsEOF(err))
	assert.ErrorIs(t, err, io.EOF)
}

func TestFakeClient_CompleteJSONValidates(t *testing.T) {
	f := NewFakeClient(ProviderOpenAI, FakeReply{JSON: []byte(`{"a":1}`)}, FakeReply{Choices: []string{"not json"}})
	raw, _, err := f.CompleteJSON(context.Background(), nil, GPT4o, []byte(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	_, _, err = f.CompleteJSON(context.Background(), nil, GPT4o, []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestFakeClient_CompleteJSONUnfences(t *testing.T) {
	f := NewFakeClient(ProviderOpenAI, FakeReply{Choices: []string{"```json\n{\"a\":1}\n```"}})
	raw, _, err := f.CompleteJSON(context.Background(), nil, GPT4o, []byte(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))
}
