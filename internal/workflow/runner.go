package workflow

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"ensemble/internal/apperr"
	"ensemble/internal/logging"
	"ensemble/internal/orchestrator"
	"ensemble/internal/reqctx"
)

// Runner executes workflows against an orchestrator. It holds no
// per-request state and is shared.
type Runner struct {
	orch  *orchestrator.Orchestrator
	files FileSink
	log   *logrus.Entry
}

func NewRunner(orch *orchestrator.Orchestrator, files FileSink, log *logrus.Entry) *Runner {
	return &Runner{orch: orch, files: files, log: logging.Or(log, "workflow")}
}

// Run executes wf step by step, reporting through em. Steps run strictly in
// order; the first failing step aborts the workflow. The returned error has
// already been reported as events.
func (r *Runner) Run(ctx context.Context, wf *Workflow, st *State, em Emitter) error {
	if em == nil {
		em = noopEmitter{}
	}
	st.init()
	desc := wf.Description()
	log := r.log.WithFields(logrus.Fields{"workflow": wf.Name, "message": reqctx.From(ctx).MessageID()})
	start := time.Now()

	em.Emit(Event{Type: EventUpdateWorkflow, Status: StatusInProgress})
	em.Emit(Event{Type: EventSendWorkflow, Workflow: &desc})

	for i := range wf.Steps {
		step := &wf.Steps[i]
		if err := ctx.Err(); err != nil {
			log.WithField("step", step.ID).Info("workflow cancelled before step")
			em.Emit(Event{Type: EventUpdateWorkflow, Status: StatusCancelled})
			return apperr.Cancelled("workflow", err)
		}
		if err := r.runStep(ctx, step, st, em); err != nil {
			cancelled := apperr.Is(err, apperr.KindCancelled)
			if !cancelled {
				em.Emit(Event{Type: EventError, Error: apperr.Message(err)})
			}
			if step.Streaming {
				em.Emit(r.streamEnd(ctx, st))
			}
			if cancelled {
				log.WithField("step", step.ID).Info("workflow cancelled")
				em.Emit(Event{Type: EventUpdateWorkflow, Status: StatusCancelled})
			} else {
				log.WithError(err).WithField("step", step.ID).Warn("workflow step failed")
				em.Emit(Event{Type: EventUpdateWorkflow, Status: StatusError})
			}
			return err
		}
	}

	em.Emit(Event{Type: EventUpdateWorkflow, Status: StatusFinished})
	log.WithField("elapsed", time.Since(start).String()).Debug("workflow finished")
	return nil
}

// Preflight checks that the user can afford the main call st describes.
// Nothing is earmarked.
func (r *Runner) Preflight(ctx context.Context, st *State) error {
	return r.orch.Preflight(ctx, orchestrator.Request{
		System:    st.System,
		User:      st.Prompt,
		Assistant: st.Assistant,
		Files:     st.Files,
		Model:     st.Model,
		Rerun:     st.Rerun,
		Criteria:  st.Criteria,
	})
}

func (r *Runner) streamEnd(ctx context.Context, st *State) Event {
	return Event{Type: EventStreamEnd, Prompt: st.Prompt, MessageID: reqctx.From(ctx).MessageID()}
}

func (r *Runner) request(st *State, step *Step) orchestrator.Request {
	var in Input
	if step.Input != nil {
		in = step.Input(st)
	}
	system := make([]string, 0, len(st.System)+len(in.System))
	system = append(system, st.System...)
	system = append(system, in.System...)
	req := orchestrator.Request{
		System:    system,
		User:      in.User,
		Assistant: st.Assistant,
		Files:     in.Files,
		Model:     st.Model,
		Streaming: step.Streaming,
	}
	if step.Rerun {
		req.Rerun = st.Rerun
		req.Criteria = st.Criteria
	}
	return req
}

// runStep emits step_started and exactly one of step_completed or
// step_error.
func (r *Runner) runStep(ctx context.Context, step *Step, st *State, em Emitter) (err error) {
	em.Emit(Event{Type: EventUpdateWorkflowStep, Step: step.ID, Status: StatusInProgress})
	defer func() {
		if err != nil {
			em.Emit(Event{Type: EventUpdateWorkflowStep, Step: step.ID, Status: StatusError, Error: apperr.Message(err)})
		}
	}()

	if step.Functionality != "" {
		ctx = reqctx.WithFunctionality(ctx, step.Functionality)
	}
	req := r.request(st, step)

	if step.Streaming {
		text, err := r.stream(ctx, step, req, em)
		if err != nil {
			return err
		}
		st.Responses[step.ID] = text
		em.Emit(Event{Type: EventUpdateWorkflowStep, Step: step.ID, Status: StatusFinished})
		em.Emit(r.streamEnd(ctx, st))
		return nil
	}

	text, err := r.orch.Complete(ctx, req)
	if err != nil {
		return err
	}
	if step.Kind == KindSaveFile {
		if err := r.saveFile(ctx, step, st, text, em); err != nil {
			return err
		}
	}
	if step.After != nil {
		if err := step.After(st, text); err != nil {
			return err
		}
	}
	st.Responses[step.ID] = text
	em.Emit(Event{Type: EventUpdateWorkflowStep, Step: step.ID, Status: StatusFinished, Response: text})
	return nil
}

func (r *Runner) stream(ctx context.Context, step *Step, req orchestrator.Request, em Emitter) (string, error) {
	s, err := r.orch.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer s.Close()

	first := true
	for {
		if err := ctx.Err(); err != nil {
			return "", apperr.Cancelled("stream", err)
		}
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return s.Text(), nil
		}
		if err != nil {
			return "", err
		}
		if first {
			em.Emit(Event{Type: EventUpdateWorkflowStep, Step: step.ID, Status: StatusStreaming})
			first = false
		}
		em.Emit(Event{Type: EventResponse, Content: chunk})
	}
}

func (r *Runner) saveFile(ctx context.Context, step *Step, st *State, response string, em Emitter) error {
	if r.files == nil {
		return apperr.Validation("save file", "no file storage configured")
	}
	content := response
	if step.Overwrite {
		current, ok := st.Documents[step.File]
		if !ok {
			loaded, err := r.files.Load(ctx, step.File)
			if err != nil {
				return err
			}
			current = loaded
		}
		content = joinNonEmpty(current, response)
	}
	ref, err := r.files.Save(ctx, step.File, content)
	if err != nil {
		return err
	}
	st.Documents[step.File] = content
	st.Saved = append(st.Saved, ref)
	em.Emit(Event{Type: EventOutputFile, File: &ref})
	return nil
}
