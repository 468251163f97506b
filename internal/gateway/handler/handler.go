package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ensemble/internal/gateway/service/message"
	"ensemble/internal/logging"
	"ensemble/internal/workflow"
)

// MessageService is what the inbound surface needs from the message
// service.
type MessageService interface {
	Process(ctx context.Context, userID string, req message.Request, em workflow.Emitter) error
	QuestionPrompt(ctx context.Context, userID, prompt string) (string, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, decimal.Decimal, error)
}

// Handler serves the WebSocket and HTTP endpoints.
type Handler struct {
	svc MessageService
	log *logrus.Entry
}

func New(svc MessageService, log *logrus.Entry) *Handler {
	return &Handler{svc: svc, log: logging.Or(log, "handler")}
}

// userID reads the caller from the X-User-ID header or the user_id query
// parameter. Authentication happens upstream.
func userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}
