package handler

import (
	"encoding/json"
	"net/http"
	"sync"

	"ensemble/internal/apperr"
	"ensemble/internal/gateway/service/message"
	"ensemble/internal/workflow"
)

// HandleProcessMessage serves POST /process_message, streaming events as
// newline-delimited JSON.
func (h *Handler) HandleProcessMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user := userID(r)
	if user == "" {
		http.Error(w, "user id is required", http.StatusBadRequest)
		return
	}
	var req message.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	em := workflow.EmitterFunc(func(e workflow.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(e); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	})
	if err := h.svc.Process(r.Context(), user, req, em); err != nil {
		h.log.WithError(err).WithField("user", user).Debug("process_message ended with error")
	}
}

// HandleBalance serves GET /balance.
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user := userID(r)
	if user == "" {
		http.Error(w, "user id is required", http.StatusBadRequest)
		return
	}
	balance, earmarked, err := h.svc.Balance(r.Context(), user)
	if err != nil {
		h.log.WithError(err).WithField("user", user).Warn("balance lookup failed")
		http.Error(w, apperr.Message(err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"balance":   balance,
		"earmarked": earmarked,
	})
}

func (h *Handler) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}
