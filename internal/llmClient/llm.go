package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"ensemble/internal/util/jsonutil"
)

var (
	ErrInvalidJSON = errors.New("invalid json from LLM")
	ErrEmptyResult = errors.New("empty result from LLM")
)

// PermanentError indicates an error that will not resolve with retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is the provider-neutral chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage reports token counts for one physical provider call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Completion is the result of a batch call. Choices holds n responses in
// the order the provider returned them.
type Completion struct {
	Choices []string
	Usage   Usage
}

// Text returns the first choice.
func (c Completion) Text() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0]
}

// ChunkStream is a lazy, finite, non-restartable sequence of content
// chunks. Recv returns io.EOF once the provider signals the end. Close
// abandons the stream and may be called more than once.
type ChunkStream interface {
	Recv() (string, error)
	// Usage reports provider-side token counts when the provider sent them.
	Usage() (Usage, bool)
	Close() error
}

// Client is the capability set shared by every provider variant.
type Client interface {
	Name() string
	Provider() Provider
	Complete(ctx context.Context, msgs []Message, model Model, n int) (Completion, error)
	Stream(ctx context.Context, msgs []Message, model Model) (ChunkStream, error)
	CompleteJSON(ctx context.Context, msgs []Message, model Model, schema json.RawMessage) (json.RawMessage, Usage, error)
	CountTokens(ctx context.Context, msgs []Message, model Model) (int, error)
	Close() error
}

// IsEOF reports whether err marks the normal end of a stream.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// validJSON extracts the JSON document from a model reply, tolerating code
// fences and surrounding prose.
func validJSON(raw []byte) (json.RawMessage, error) {
	doc, err := jsonutil.Extract(raw)
	if err != nil {
		return nil, ErrInvalidJSON
	}
	return doc, nil
}
