package workflow

import (
	"context"
	"sync"
)

type EventType string

const (
	EventUpdateWorkflow     EventType = "update_workflow"
	EventSendWorkflow       EventType = "send_workflow"
	EventUpdateWorkflowStep EventType = "update_workflow_step"
	EventResponse           EventType = "response"
	EventStreamEnd          EventType = "stream_end"
	EventOutputFile         EventType = "output_file"
	EventTriggerRefresh     EventType = "trigger_refresh"
	EventError              EventType = "error"
)

// Workflow and step statuses carried by update events.
const (
	StatusInProgress = "in-progress"
	StatusStreaming  = "streaming"
	StatusFinished   = "finished"
	StatusError      = "error"
	StatusCancelled  = "cancelled"
)

// FileRef identifies a saved file in an output_file event.
type FileRef struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CategoryID string `json:"category_id"`
	Version    int    `json:"version"`
	Size       int64  `json:"size"`
}

// Event is one outbound notification. Type selects which fields are set.
type Event struct {
	Type         EventType    `json:"type"`
	Status       string       `json:"status,omitempty"`
	Workflow     *Description `json:"workflow,omitempty"`
	Step         int          `json:"step,omitempty"`
	Response     string       `json:"response,omitempty"`
	Content      string       `json:"content,omitempty"`
	Error        string       `json:"error,omitempty"`
	Prompt       string       `json:"prompt,omitempty"`
	MessageID    string       `json:"message_id,omitempty"`
	File         *FileRef     `json:"file,omitempty"`
	CategoryName string       `json:"category_name,omitempty"`
	CategoryID   string       `json:"category_id,omitempty"`
}

// Emitter receives events in the order they happen.
type Emitter interface {
	Emit(event Event)
}

type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

type emitterKey struct{}

func WithEmitter(ctx context.Context, emitter Emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emitter)
}

// EmitterFrom retrieves the emitter from context, or returns a no-op emitter.
func EmitterFrom(ctx context.Context) Emitter {
	if e, ok := ctx.Value(emitterKey{}).(Emitter); ok && e != nil {
		return e
	}
	return noopEmitter{}
}

type noopEmitter struct{}

func (noopEmitter) Emit(Event) {}

// ChannelEmitter sends events to a channel. Sends block so no event is
// dropped; once Done is closed further events are discarded.
type ChannelEmitter struct {
	Ch   chan<- Event
	Done <-chan struct{}
}

func (e *ChannelEmitter) Emit(event Event) {
	if e.Done == nil {
		e.Ch <- event
		return
	}
	select {
	case e.Ch <- event:
	case <-e.Done:
	}
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Of returns the recorded events of type t.
func (r *Recorder) Of(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
