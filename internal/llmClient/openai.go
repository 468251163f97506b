package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const structuredToolName = "respond"

// OpenAIClient talks to the chat completions API. Retries, rate limiting
// and logging are layered on by middleware.
type OpenAIClient struct {
	cli *openai.Client
}

func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if u := strings.TrimSpace(baseURL); u != "" {
		cfg.BaseURL = u
	}
	return &OpenAIClient{cli: openai.NewClientWithConfig(cfg)}
}

func (c *OpenAIClient) Name() string       { return "openai" }
func (c *OpenAIClient) Provider() Provider { return ProviderOpenAI }
func (c *OpenAIClient) Close() error       { return nil }

// CountTokens encodes the adjusted prompt with the model's tiktoken
// encoding; it needs no round trip.
func (c *OpenAIClient) CountTokens(_ context.Context, msgs []Message, model Model) (int, error) {
	return CountChatTokens(Adjust(c.model(model), msgs), model.ID)
}

func (c *OpenAIClient) model(m Model) Model {
	m.Provider = ProviderOpenAI
	return m
}

func toOpenAI(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func (c *OpenAIClient) Complete(ctx context.Context, msgs []Message, model Model, n int) (Completion, error) {
	if n < 1 {
		n = 1
	}
	req := openai.ChatCompletionRequest{
		Model:    model.ID,
		Messages: toOpenAI(Adjust(c.model(model), msgs)),
	}
	if n > 1 {
		req.N = n
	}
	resp, err := c.cli.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, ErrEmptyResult
	}
	out := Completion{
		Choices: make([]string, 0, len(resp.Choices)),
		Usage:   Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}
	for _, ch := range resp.Choices {
		out.Choices = append(out.Choices, ch.Message.Content)
	}
	return out, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, msgs []Message, model Model) (ChunkStream, error) {
	req := openai.ChatCompletionRequest{
		Model:         model.ID,
		Messages:      toOpenAI(Adjust(c.model(model), msgs)),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	stream, err := c.cli.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	return &openAIStream{stream: stream}, nil
}

// CompleteJSON forces a single tool call whose parameters are schema and
// returns the call arguments.
func (c *OpenAIClient) CompleteJSON(ctx context.Context, msgs []Message, model Model, schema json.RawMessage) (json.RawMessage, Usage, error) {
	req := openai.ChatCompletionRequest{
		Model:    model.ID,
		Messages: toOpenAI(Adjust(c.model(model), msgs)),
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:       structuredToolName,
				Parameters: schema,
			},
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: structuredToolName},
		},
	}
	resp, err := c.cli.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, Usage{}, classifyOpenAI(err)
	}
	usage := Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	if len(resp.Choices) == 0 {
		return nil, usage, ErrEmptyResult
	}
	msg := resp.Choices[0].Message
	raw := msg.Content
	if len(msg.ToolCalls) > 0 {
		raw = msg.ToolCalls[0].Function.Arguments
	}
	out, err := validJSON([]byte(raw))
	return out, usage, err
}

// classifyOpenAI marks client-side request errors as permanent.
func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return NewPermanentError(fmt.Errorf("openai: %w", err))
		}
	}
	return fmt.Errorf("openai: %w", err)
}

type openAIStream struct {
	stream   *openai.ChatCompletionStream
	usage    Usage
	hasUsage bool
	done     bool
	closed   bool
}

func (s *openAIStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			return "", classifyOpenAI(err)
		}
		if resp.Usage != nil {
			s.usage = Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
			s.hasUsage = true
		}
		if len(resp.Choices) == 0 {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openAIStream) Usage() (Usage, bool) { return s.usage, s.hasUsage }

func (s *openAIStream) Close() error {
	s.done = true
	if !s.closed {
		s.closed = true
		s.stream.Close()
	}
	return nil
}
