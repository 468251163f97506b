package llmclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodingFor(t *testing.T) {
	for id, want := range map[string]string{
		"gpt-4o":        encodingO200K,
		"gpt-4o-mini":   encodingO200K,
		"gpt-4.1":       encodingO200K,
		"o1-mini":       encodingO200K,
		"o3-mini":       encodingO200K,
		"gpt-4":         encodingCL100K,
		"gpt-3.5-turbo": encodingCL100K,
		"":              encodingCL100K,
	} {
		assert.Equal(t, want, EncodingFor(id), id)
	}
}

func TestCountChatTokens(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "You are terse."},
		{Role: RoleUser, Content: "hello there general kenobi"},
	}
	a, err := CountChatTokens(msgs, "gpt-4o")
	if err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}
	b, err := CountChatTokens(msgs, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	// each message carries framing plus at least one content token
	assert.Greater(t, a, chatReplyPriming+2*(chatTokensPerMessage+2))

	empty, err := CountChatTokens(nil, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, chatReplyPriming, empty)
}
