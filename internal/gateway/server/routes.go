package server

import (
	"net/http"

	"ensemble/internal/gateway/handler"
	"ensemble/internal/gateway/middleware"
)

func NewMux(h *handler.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", h.HandleWS)
	mux.HandleFunc("/process_message", h.HandleProcessMessage)
	mux.HandleFunc("/balance", h.HandleBalance)
	mux.HandleFunc("/healthz", h.HandleHealthz)

	return middleware.CORS(mux)
}
