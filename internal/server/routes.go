package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lazypower/clawsync/internal/engine"
	"github.com/lazypower/clawsync/internal/status"
	"github.com/lazypower/clawsync/internal/txn"
)

// CreateRequest is the body of POST /api/transactions.
type CreateRequest struct {
	Type      txn.Type        `json:"type"`
	EntityKey string          `json:"entity_key,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	status.Snapshot
	Online  bool `json:"online"`
	Ticking bool `json:"ticking"`
}

func (s *Server) statusResponse() StatusResponse {
	return StatusResponse{
		Snapshot: s.app.Publisher.GetStatus(),
		Online:   s.app.Conn.IsOnline(),
		Ticking:  s.app.Scheduler.Running(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	failed := s.app.Publisher.GetFailed()
	if failed == nil {
		failed = []txn.Transaction{}
	}
	writeJSON(w, http.StatusOK, failed)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs := s.app.Engine.List()
	if want := r.URL.Query().Get("status"); want != "" {
		filtered := txs[:0]
		for _, tx := range txs {
			if string(tx.Status) == want {
				filtered = append(filtered, tx)
			}
		}
		txs = filtered
	}
	if txs == nil {
		txs = []txn.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	tx, err := s.app.Engine.Create(r.Context(), req.Type, req.Payload, req.EntityKey)
	if err != nil {
		s.fail(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, ok := s.app.Engine.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	tx, err := s.app.Engine.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "retry", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// handleDiscard rolls back the optimistic effect unless rollback=false.
func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	rollback := true
	if raw := r.URL.Query().Get("rollback"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "rollback must be a boolean")
			return
		}
		rollback = v
	}
	id := chi.URLParam(r, "id")
	if err := s.app.Engine.Discard(r.Context(), id, rollback); err != nil {
		s.fail(w, "discard", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "discarded", "id": id, "rollback": rollback})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := s.app.DB.ListItems(r.URL.Query().Get("status"), limit)
	if err != nil {
		s.fail(w, "list items", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.app.DB.GetItem(chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, "get item", err)
		return
	}
	if it == nil {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Engine.FlushEligible(r.Context()); err != nil {
		s.fail(w, "flush", err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	switch req.State {
	case "foreground":
		if err := s.app.Scheduler.Foreground(r.Context()); err != nil {
			s.fail(w, "foreground", err)
			return
		}
	case "background":
		s.app.Scheduler.Background()
	default:
		writeError(w, http.StatusBadRequest, "state must be foreground or background")
		return
	}
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.app.Switch == nil {
		writeError(w, http.StatusConflict, "connectivity is probed, not manual")
		return
	}
	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, "online (bool) required")
		return
	}
	s.app.Switch.Set(*req.Online)
	writeJSON(w, http.StatusOK, s.statusResponse())
}

// fail maps engine and transaction errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	var (
		ve *txn.ValidationError
		ce *txn.ConflictError
		se *txn.StorageError
	)
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrNotFailed), errors.Is(err, engine.ErrInFlight), errors.Is(err, txn.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.As(err, &ve):
		code = http.StatusUnprocessableEntity
	case errors.As(err, &ce):
		code = http.StatusConflict
	case errors.As(err, &se):
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("server: "+op, zap.Error(err))
	}
	writeError(w, code, err.Error())
}
