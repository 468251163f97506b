package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble/internal/apperr"
	llmclient "ensemble/internal/llmClient"
)

func TestLift(t *testing.T) {
	got, err := Lift("one")
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, got)

	got, err = Lift([]any{"a", " ", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = Lift(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = Lift([]any{"a", 3})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = Lift(42)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestBuild_Order(t *testing.T) {
	msgs, err := Build(Input{
		System:    []string{"s1", "s2"},
		User:      "u",
		Assistant: "earlier answer",
		Files: []File{
			{Path: "a.txt", Content: "alpha", Found: true},
			{Path: "gone.txt"},
		},
		Model: llmclient.GPT4o,
	})
	require.NoError(t, err)
	assert.Equal(t, []llmclient.Message{
		{Role: llmclient.RoleAssistant, Content: "earlier answer"},
		{Role: llmclient.RoleSystem, Content: "s1"},
		{Role: llmclient.RoleSystem, Content: "s2"},
		{Role: llmclient.RoleUser, Content: "<a.txt>\nalpha\n</a.txt>"},
		{Role: llmclient.RoleSystem, Content: "File not found: gone.txt"},
		{Role: llmclient.RoleUser, Content: "u"},
	}, msgs)
}

func TestBuild_Idempotent(t *testing.T) {
	in := Input{System: "s", User: []string{"a", "b"}, Model: llmclient.O3Mini}
	first, err := Build(in)
	require.NoError(t, err)
	second, err := Build(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, llmclient.RoleUser, first[0].Role, "reasoning models get no system role")
	assert.Equal(t, "s", first[0].Content)
}

func TestBuild_GeminiHistory(t *testing.T) {
	msgs, err := Build(Input{User: "now", Assistant: "before", Model: llmclient.Gemini25Pro})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, llmclient.RoleUser, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "<message_history>")
}
