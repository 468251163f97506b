package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ensemble/internal/apperr"
	"ensemble/internal/gateway/service/message"
	"ensemble/internal/workflow"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

// EventQuestionPrompt answers a question_prompt frame.
const EventQuestionPrompt workflow.EventType = "question_prompt"

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type wsInbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type questionData struct {
	Prompt string `json:"prompt"`
}

// HandleWS serves GET /ws. A connection runs one process_message at a
// time; a cancel frame cancels it. question_prompt frames are answered
// concurrently with it.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		http.Error(w, "user id is required", http.StatusBadRequest)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	log := h.log.WithField("user", user)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		log.WithError(err).Warn("ws set read deadline failed")
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writeCh := make(chan workflow.Event, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					cancel()
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()
	em := &workflow.ChannelEmitter{Ch: writeCh, Done: ctx.Done()}

	var (
		mu        sync.Mutex
		runCancel context.CancelFunc
		running   sync.WaitGroup
	)
	defer func() {
		cancel()
		running.Wait()
		<-writerDone
	}()

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		switch strings.ToLower(strings.TrimSpace(in.Type)) {
		case "process_message":
			var req message.Request
			if err := json.Unmarshal(in.Data, &req); err != nil {
				em.Emit(errorEvent(apperr.Validation("process_message", "invalid payload: %v", err)))
				continue
			}
			mu.Lock()
			if runCancel != nil {
				mu.Unlock()
				em.Emit(errorEvent(apperr.Validation("process_message", "a request is already running")))
				continue
			}
			runCtx, stop := context.WithCancel(ctx)
			runCancel = stop
			mu.Unlock()

			running.Add(1)
			go func() {
				defer running.Done()
				if err := h.svc.Process(runCtx, user, req, em); err != nil {
					log.WithError(err).Debug("process_message ended with error")
				}
				mu.Lock()
				runCancel = nil
				mu.Unlock()
				stop()
			}()
		case "cancel":
			mu.Lock()
			if runCancel != nil {
				runCancel()
			}
			mu.Unlock()
		case "question_prompt":
			var q questionData
			if len(in.Data) > 0 {
				if err := json.Unmarshal(in.Data, &q); err != nil {
					em.Emit(errorEvent(apperr.Validation("question_prompt", "invalid payload: %v", err)))
					continue
				}
			}
			// the read loop must keep reading so pongs extend the deadline
			running.Add(1)
			go func() {
				defer running.Done()
				questions, err := h.svc.QuestionPrompt(ctx, user, q.Prompt)
				if err != nil {
					em.Emit(errorEvent(err))
					return
				}
				em.Emit(workflow.Event{Type: EventQuestionPrompt, Content: questions, Prompt: q.Prompt})
			}()
		case "ping":
		default:
			em.Emit(errorEvent(apperr.Validation("ws", "unsupported type: %q", in.Type)))
		}
	}
}

func errorEvent(err error) workflow.Event {
	return workflow.Event{Type: workflow.EventError, Error: apperr.Message(err)}
}
