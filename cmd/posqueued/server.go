// Package main provides the REST API the local UI uses to drive the queue.
package main

import (
	"encoding/json"
	"io"
	"net/http"

	apperrors "github.com/mvelasco/posqueue/internal/errors"
	"github.com/mvelasco/posqueue/internal/service"
)

// maxSalePayload caps request bodies; a sale record is small.
const maxSalePayload = 1 << 20

// Server exposes the queue over localhost HTTP.
type Server struct {
	svc *service.Service
	hub *WSHub
}

// NewServer creates a new Server.
func NewServer(svc *service.Service, hub *WSHub) *Server {
	return &Server{svc: svc, hub: hub}
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/sales", s.handleCreateSale)
	mux.HandleFunc("GET /api/queue", s.handleQueueStatus)
	mux.HandleFunc("POST /api/queue/{id}/retry", s.handleRetry)
	mux.HandleFunc("DELETE /api/queue/{id}", s.handleDiscard)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.Handle("GET /ws", HandleWebSocket(s.hub))
	return mux
}

// handleHealth handles GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"online": s.svc.IsOnline(),
	})
}

// handleCreateSale handles POST /api/sales. The body is the opaque sale
// payload; it is queued as-is.
func (s *Server) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxSalePayload))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if !json.Valid(payload) {
		http.Error(w, "payload must be valid JSON", http.StatusBadRequest)
		return
	}

	localID, err := s.svc.Enqueue(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"local_id": localID,
	})
}

// handleQueueStatus handles GET /api/queue.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.svc.PendingCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	failures, err := s.svc.Failures(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	type failure struct {
		LocalID    string `json:"local_id"`
		RetryCount int    `json:"retry_count"`
		LastError  string `json:"last_error"`
		CreatedAt  int64  `json:"created_at"`
	}
	out := make([]failure, 0, len(failures))
	for _, sale := range failures {
		out = append(out, failure{
			LocalID:    sale.LocalID,
			RetryCount: sale.RetryCount,
			LastError:  sale.LastError,
			CreatedAt:  sale.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending_count": count,
		"failures":      out,
	})
}

// handleRetry handles POST /api/queue/{id}/retry.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Retry(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "queued"})
}

// handleDiscard handles DELETE /api/queue/{id}.
func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Discard(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "discarded"})
}

// handleSync handles POST /api/sync: a manual drain trigger.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.DrainNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an application error to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrStorage:
		// The one case where failure is fatal to the operation: a sale that
		// cannot be persisted locally must be surfaced immediately.
		status = http.StatusInsufficientStorage
	}

	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
}
