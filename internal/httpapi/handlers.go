package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelfin/optionsd/internal/app"
)

// resolveHandle picks the broker handle a request applies to: the ?user=
// query param if given, otherwise the sole configured handle when there is
// exactly one (the common single-account deployment).
func (s *Server) resolveHandle(r *http.Request) (*app.Handle, error) {
	if uid := r.URL.Query().Get("user"); uid != "" {
		h, ok := s.reg.Get(uid)
		if !ok {
			return nil, fmt.Errorf("no handle registered for user %q", uid)
		}
		return h, nil
	}
	handles := s.reg.Handles()
	if len(handles) == 0 {
		return nil, fmt.Errorf("no broker credentials configured")
	}
	if len(handles) > 1 {
		return nil, fmt.Errorf("multiple users configured, pass ?user=<id>")
	}
	return handles[0], nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSessionDiagnostics returns the broker handshake phase/step history
// (see internal/broker.Diagnostics): the OAuth, SSO, validate and init step
// records plus the session-ready and account-selected flags.
func (s *Server) handleSessionDiagnostics(w http.ResponseWriter, r *http.Request) {
	h, err := s.resolveHandle(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Session.GetDiagnostics())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.ListJobs())
}

// handleRunJob triggers an immediate off-cycle run of a registered job,
// still serialized behind that job's handler-id lock.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.sched.RunNow(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	status := http.StatusOK
	if result.Err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	h, err := s.resolveHandle(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	orders, err := h.Orders.GetOpenOrders(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// handleCancelAllOrders cancels every open order for the resolved handle.
// This is an admin escape hatch, not something a scheduled job calls.
func (s *Server) handleCancelAllOrders(w http.ResponseWriter, r *http.Request) {
	h, err := s.resolveHandle(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Orders.CancelAllOrders(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel-all submitted"})
}
