package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble/internal/apperr"
	"ensemble/internal/gateway/service/message"
	"ensemble/internal/workflow"
)

type stubService struct {
	mu       sync.Mutex
	users    []string
	requests []message.Request
	// block makes Process wait for cancellation after its first event.
	block bool
	// questions, when set, holds QuestionPrompt until it is closed.
	questions chan struct{}
}

func (s *stubService) Process(ctx context.Context, userID string, req message.Request, em workflow.Emitter) error {
	s.mu.Lock()
	s.users = append(s.users, userID)
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	em.Emit(workflow.Event{Type: workflow.EventUpdateWorkflow, Status: workflow.StatusInProgress})
	if s.block {
		<-ctx.Done()
		em.Emit(workflow.Event{Type: workflow.EventUpdateWorkflow, Status: workflow.StatusCancelled})
		return apperr.Cancelled("stub", ctx.Err())
	}
	em.Emit(workflow.Event{Type: workflow.EventResponse, Content: "echo: " + req.Prompt})
	em.Emit(workflow.Event{Type: workflow.EventStreamEnd, Prompt: req.Prompt, MessageID: "m1"})
	return nil
}

func (s *stubService) QuestionPrompt(ctx context.Context, _ string, prompt string) (string, error) {
	if s.questions != nil {
		select {
		case <-s.questions:
		case <-ctx.Done():
			return "", apperr.Cancelled("stub", ctx.Err())
		}
	}
	if prompt == "" {
		return "", apperr.Validation("question_prompt", "prompt is required")
	}
	return "What budget?", nil
}

func (s *stubService) Balance(context.Context, string) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.RequireFromString("0.97"), decimal.Zero, nil
}

func newServer(t *testing.T, svc *stubService) *httptest.Server {
	t.Helper()
	h := New(svc, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)
	mux.HandleFunc("/process_message", h.HandleProcessMessage)
	mux.HandleFunc("/balance", h.HandleBalance)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) workflow.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e workflow.Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestWSProcessMessage(t *testing.T) {
	svc := &stubService{}
	conn := dial(t, newServer(t, svc))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "process_message",
		"data": map[string]any{"prompt": "hi", "tags": map[string]string{"worker": "coder"}},
	}))
	assert.Equal(t, workflow.EventUpdateWorkflow, read(t, conn).Type)
	resp := read(t, conn)
	assert.Equal(t, workflow.EventResponse, resp.Type)
	assert.Equal(t, "echo: hi", resp.Content)
	end := read(t, conn)
	assert.Equal(t, workflow.EventStreamEnd, end.Type)
	assert.Equal(t, "m1", end.MessageID)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []string{"u1"}, svc.users)
	assert.Equal(t, "coder", svc.requests[0].Tags["worker"])
}

func TestWSCancel(t *testing.T) {
	conn := dial(t, newServer(t, &stubService{block: true}))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "process_message", "data": map[string]any{"prompt": "long"}}))
	assert.Equal(t, workflow.StatusInProgress, read(t, conn).Status)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "cancel"}))
	e := read(t, conn)
	assert.Equal(t, workflow.EventUpdateWorkflow, e.Type)
	assert.Equal(t, workflow.StatusCancelled, e.Status)
}

func TestWSQuestionPromptDoesNotBlockReads(t *testing.T) {
	svc := &stubService{questions: make(chan struct{})}
	conn := dial(t, newServer(t, svc))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "question_prompt", "data": map[string]any{"prompt": "plan a trip"}}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "dance"}))
	e := read(t, conn)
	assert.Equal(t, workflow.EventError, e.Type)
	assert.Contains(t, e.Error, "unsupported type")

	close(svc.questions)
	e = read(t, conn)
	assert.Equal(t, EventQuestionPrompt, e.Type)
	assert.Equal(t, "What budget?", e.Content)
}

func TestWSQuestionPromptAndErrors(t *testing.T) {
	conn := dial(t, newServer(t, &stubService{}))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "question_prompt", "data": map[string]any{"prompt": "plan a trip"}}))
	e := read(t, conn)
	assert.Equal(t, EventQuestionPrompt, e.Type)
	assert.Equal(t, "What budget?", e.Content)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "question_prompt", "data": map[string]any{}}))
	e = read(t, conn)
	assert.Equal(t, workflow.EventError, e.Type)
	assert.Equal(t, "ValidationError: prompt is required", e.Error)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "dance"}))
	e = read(t, conn)
	assert.Equal(t, workflow.EventError, e.Type)
	assert.Contains(t, e.Error, "unsupported type")
}

func TestWSRequiresUser(t *testing.T) {
	srv := newServer(t, &stubService{})
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPProcessMessage(t *testing.T) {
	svc := &stubService{}
	srv := newServer(t, svc)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/process_message", strings.NewReader(`{"prompt":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "u2")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var types []workflow.EventType
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var e workflow.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		types = append(types, e.Type)
	}
	assert.Equal(t, []workflow.EventType{workflow.EventUpdateWorkflow, workflow.EventResponse, workflow.EventStreamEnd}, types)
	assert.Equal(t, []string{"u2"}, svc.users)
}

func TestHTTPProcessMessageRejects(t *testing.T) {
	srv := newServer(t, &stubService{})

	resp, err := http.Get(srv.URL + "/process_message?user_id=u")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/process_message", "application/json", strings.NewReader(`{"prompt":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/process_message?user_id=u", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBalanceAndHealth(t *testing.T) {
	srv := newServer(t, &stubService{})

	resp, err := http.Get(srv.URL + "/balance?user_id=u")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Balance   decimal.Decimal `json:"balance"`
		Earmarked decimal.Decimal `json:"earmarked"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Balance.Equal(decimal.RequireFromString("0.97")))
	assert.True(t, body.Earmarked.IsZero())

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
