package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
)

type CallKind string

const (
	CallComplete CallKind = "complete"
	CallStream   CallKind = "stream"
	CallJSON     CallKind = "json"
)

// FakeCall records one physical call made against a FakeClient.
type FakeCall struct {
	Kind     CallKind
	Messages []Message
	Model    Model
	N        int
}

// UserContents returns the contents of user messages in order.
func (c FakeCall) UserContents() []string {
	return c.contents(RoleUser)
}

// SystemContents returns the contents of system messages in order.
func (c FakeCall) SystemContents() []string {
	return c.contents(RoleSystem)
}

func (c FakeCall) contents(role Role) []string {
	var out []string
	for _, m := range c.Messages {
		if m.Role == role {
			out = append(out, m.Content)
		}
	}
	return out
}

// FakeReply scripts the outcome of one call.
type FakeReply struct {
	Choices []string
	Chunks  []string
	JSON    json.RawMessage
	// Usage overrides the token counts derived from the messages.
	Usage *Usage
	Err   error
	// StreamErr is returned by Recv after StreamErrAfter chunks.
	StreamErr      error
	StreamErrAfter int
}

// FakeClient is a scripted provider for tests. Replies are consumed in
// order; once the queue is empty Reply is consulted, then a default "ok".
type FakeClient struct {
	Reply func(call FakeCall) FakeReply

	mu       sync.Mutex
	provider Provider
	queue    []FakeReply
	calls    []FakeCall
	closed   int
	counted  int
}

func NewFakeClient(provider Provider, replies ...FakeReply) *FakeClient {
	if provider == "" {
		provider = ProviderOpenAI
	}
	return &FakeClient{provider: provider, queue: replies}
}

// Push appends replies to the queue.
func (f *FakeClient) Push(replies ...FakeReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, replies...)
}

func (f *FakeClient) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// ClosedStreams counts streams that were closed by the consumer.
func (f *FakeClient) ClosedStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// TokenCounts counts CountTokens invocations.
func (f *FakeClient) TokenCounts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counted
}

func (f *FakeClient) Name() string       { return "fake-" + string(f.provider) }
func (f *FakeClient) Provider() Provider { return f.provider }
func (f *FakeClient) Close() error       { return nil }

func (f *FakeClient) CountTokens(ctx context.Context, msgs []Message, model Model) (int, error) {
	f.mu.Lock()
	f.counted++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return CountMessageTokens(msgs), nil
}

func (f *FakeClient) next(call FakeCall) FakeReply {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	if len(f.queue) > 0 {
		r := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return r
	}
	reply := f.Reply
	f.mu.Unlock()
	if reply != nil {
		return reply(call)
	}
	n := call.N
	if n < 1 {
		n = 1
	}
	choices := make([]string, n)
	for i := range choices {
		choices[i] = "ok"
	}
	return FakeReply{Choices: choices, JSON: json.RawMessage(`{}`)}
}

func (r FakeReply) choices() []string {
	if len(r.Choices) > 0 {
		return r.Choices
	}
	if len(r.Chunks) > 0 {
		return []string{strings.Join(r.Chunks, "")}
	}
	return nil
}

func (r FakeReply) chunks() []string {
	if len(r.Chunks) > 0 || len(r.Choices) == 0 {
		return r.Chunks
	}
	return []string{r.Choices[0]}
}

func (f *FakeClient) Complete(ctx context.Context, msgs []Message, model Model, n int) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	r := f.next(FakeCall{Kind: CallComplete, Messages: cloneMessages(msgs), Model: model, N: n})
	if r.Err != nil {
		return Completion{}, r.Err
	}
	choices := r.choices()
	if len(choices) == 0 {
		return Completion{}, ErrEmptyResult
	}
	usage := Usage{InputTokens: CountMessageTokens(msgs), OutputTokens: countChoices(choices)}
	if r.Usage != nil {
		usage = *r.Usage
	}
	return Completion{Choices: choices, Usage: usage}, nil
}

func (f *FakeClient) Stream(ctx context.Context, msgs []Message, model Model) (ChunkStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := f.next(FakeCall{Kind: CallStream, Messages: cloneMessages(msgs), Model: model, N: 1})
	if r.Err != nil {
		return nil, r.Err
	}
	return &fakeStream{
		owner:    f,
		ctx:      ctx,
		chunks:   r.chunks(),
		input:    CountMessageTokens(msgs),
		override: r.Usage,
		err:      r.StreamErr,
		errAt:    r.StreamErrAfter,
	}, nil
}

func (f *FakeClient) CompleteJSON(ctx context.Context, msgs []Message, model Model, schema json.RawMessage) (json.RawMessage, Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, Usage{}, err
	}
	r := f.next(FakeCall{Kind: CallJSON, Messages: cloneMessages(msgs), Model: model, N: 1})
	if r.Err != nil {
		return nil, Usage{}, r.Err
	}
	raw := r.JSON
	if len(raw) == 0 && len(r.Choices) > 0 {
		raw = json.RawMessage(r.Choices[0])
	}
	usage := Usage{InputTokens: CountMessageTokens(msgs), OutputTokens: CountTokens(string(raw))}
	if r.Usage != nil {
		usage = *r.Usage
	}
	out, err := validJSON(raw)
	return out, usage, err
}

var errFakeStreamClosed = errors.New("fake stream closed")

type fakeStream struct {
	owner    *FakeClient
	ctx      context.Context
	chunks   []string
	pos      int
	input    int
	output   int
	override *Usage
	err      error
	errAt    int
	closed   bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.closed {
		return "", errFakeStreamClosed
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.err != nil && s.pos >= s.errAt {
		return "", s.err
	}
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	s.output += CountTokens(c)
	return c, nil
}

// Usage covers only the chunks that were actually delivered.
func (s *fakeStream) Usage() (Usage, bool) {
	if s.override != nil {
		return *s.override, true
	}
	return Usage{InputTokens: s.input, OutputTokens: s.output}, true
}

func (s *fakeStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.owner.mu.Lock()
	s.owner.closed++
	s.owner.mu.Unlock()
	return nil
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
