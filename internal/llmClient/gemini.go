package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"

	genai "google.golang.org/genai"
)

// GeminiClient is a thin wrapper around the official genai client.
// It only focuses on the API call itself. Cross-cutting concerns
// (rate limiting, retries, logging) are applied via middleware.
type GeminiClient struct {
	cli *genai.Client
}

func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(apiKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiClient{cli: cli}, nil
}

func (g *GeminiClient) Name() string       { return "gemini" }
func (g *GeminiClient) Provider() Provider { return ProviderGemini }
func (g *GeminiClient) Close() error       { return nil }

// geminiRequest converts msgs into a single user content plus system instruction.
func geminiRequest(msgs []Message, cfg *genai.GenerateContentConfig) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, prompt := splitInstruction(msgs)
	if cfg == nil {
		cfg = &genai.GenerateContentConfig{}
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: prompt}}}}
	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func geminiUsage(resp *genai.GenerateContentResponse) (Usage, bool) {
	if resp == nil || resp.UsageMetadata == nil {
		return Usage{}, false
	}
	return Usage{
		InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
	}, true
}

func (g *GeminiClient) Complete(ctx context.Context, msgs []Message, model Model, n int) (Completion, error) {
	cfg := &genai.GenerateContentConfig{}
	if n > 1 {
		cfg.CandidateCount = int32(n)
	}
	contents, cfg := geminiRequest(msgs, cfg)
	resp, err := g.cli.Models.GenerateContent(ctx, model.ID, contents, cfg)
	if err != nil {
		return Completion{}, fmt.Errorf("gemini: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return Completion{}, ErrEmptyResult
	}
	out := Completion{Choices: make([]string, 0, len(resp.Candidates))}
	for _, c := range resp.Candidates {
		out.Choices = append(out.Choices, candidateText(c))
	}
	if u, ok := geminiUsage(resp); ok {
		out.Usage = u
	} else {
		out.Usage = Usage{InputTokens: CountMessageTokens(msgs), OutputTokens: countChoices(out.Choices)}
	}
	return out, nil
}

func (g *GeminiClient) Stream(ctx context.Context, msgs []Message, model Model) (ChunkStream, error) {
	contents, cfg := geminiRequest(msgs, nil)
	return newGeminiStream(g.cli.Models.GenerateContentStream(ctx, model.ID, contents, cfg))
}

// newGeminiStream pulls the first response so that a failure to open the
// stream is returned here, where it can be retried, instead of from Recv.
func newGeminiStream(seq iter.Seq2[*genai.GenerateContentResponse, error]) (*geminiStream, error) {
	next, stop := iter.Pull2(seq)
	s := &geminiStream{next: next, stop: stop}
	resp, err, ok := next()
	if !ok {
		s.done = true
		stop()
		return s, nil
	}
	if err != nil {
		stop()
		return nil, fmt.Errorf("gemini: %w", err)
	}
	s.first, s.pending = resp, true
	return s, nil
}

// CompleteJSON emulates function calling: the schema becomes part of the
// system instruction and the reply must parse as JSON.
func (g *GeminiClient) CompleteJSON(ctx context.Context, msgs []Message, model Model, schema json.RawMessage) (json.RawMessage, Usage, error) {
	withSchema := make([]Message, 0, len(msgs)+1)
	withSchema = append(withSchema, msgs...)
	withSchema = append(withSchema, Message{
		Role:    RoleSystem,
		Content: "Respond only with a JSON object that conforms to this JSON schema:\n" + string(schema),
	})
	contents, cfg := geminiRequest(withSchema, &genai.GenerateContentConfig{ResponseMIMEType: "application/json"})
	resp, err := g.cli.Models.GenerateContent(ctx, model.ID, contents, cfg)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("gemini: %w", err)
	}
	usage, _ := geminiUsage(resp)
	if len(resp.Candidates) == 0 {
		return nil, usage, ErrInvalidJSON
	}
	out, err := validJSON([]byte(strings.TrimSpace(candidateText(resp.Candidates[0]))))
	return out, usage, err
}

// CountTokens asks the API; prompt pricing depends on its tokenizer.
func (g *GeminiClient) CountTokens(ctx context.Context, msgs []Message, model Model) (int, error) {
	system, prompt := splitInstruction(msgs)
	text := prompt
	if system != "" {
		text = system + "\n\n" + prompt
	}
	resp, err := g.cli.Models.CountTokens(ctx, model.ID,
		[]*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: text}}}}, nil)
	if err != nil {
		return 0, fmt.Errorf("gemini count tokens: %w", err)
	}
	return int(resp.TotalTokens), nil
}

type geminiStream struct {
	next     func() (*genai.GenerateContentResponse, error, bool)
	stop     func()
	usage    Usage
	hasUsage bool
	done     bool

	first   *genai.GenerateContentResponse
	pending bool
}

func (s *geminiStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	var (
		resp *genai.GenerateContentResponse
		err  error
		ok   bool
	)
	if s.pending {
		resp, ok = s.first, true
		s.first, s.pending = nil, false
	} else {
		resp, err, ok = s.next()
	}
	if !ok {
		s.done = true
		s.stop()
		return "", io.EOF
	}
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	if u, ok := geminiUsage(resp); ok {
		s.usage, s.hasUsage = u, true
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", nil
	}
	return candidateText(resp.Candidates[0]), nil
}

func (s *geminiStream) Usage() (Usage, bool) { return s.usage, s.hasUsage }

func (s *geminiStream) Close() error {
	s.done = true
	s.stop()
	return nil
}

func countChoices(choices []string) int {
	total := 0
	for _, c := range choices {
		total += CountTokens(c)
	}
	return total
}
