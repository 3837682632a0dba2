package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/crosslogic/payledger/internal/apperr"
	"github.com/crosslogic/payledger/internal/subscriptions"
	"github.com/go-chi/chi/v5"
)

const defaultRetryLimit = 50

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ReadyCheck != nil {
		if err := s.ReadyCheck(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	s.Metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleAdminMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Metrics.Snapshot())
}

func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(openAPIDocument))
}

// subscriptionCreateRequest accepts either an existing CustomerID or a
// CustomerEmail to resolve or lazily create.
type subscriptionCreateRequest struct {
	CustomerID    *int64 `json:"customer_id"`
	CustomerEmail string `json:"customer_email"`
	PlanID        int64  `json:"plan_id"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperr.InvalidPayload("invalid request body"))
		return
	}

	out, err := s.Subscriptions.Create(r.Context(), subscriptions.CreateInput{
		CustomerID:    req.CustomerID,
		CustomerEmail: req.CustomerEmail,
		PlanID:        req.PlanID,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// cancelAtPeriodEndRequest defaults to true when the field, or the whole
// body, is omitted: calling this endpoint with no body means "cancel".
type cancelAtPeriodEndRequest struct {
	CancelAtPeriodEnd *bool `json:"cancel_at_period_end"`
}

func (s *Server) handleSetCancelAtPeriodEnd(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeAppError(w, apperr.InvalidPayload("invalid subscription id"))
		return
	}

	var req cancelAtPeriodEndRequest
	if r.ContentLength != 0 {
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			writeAppError(w, apperr.InvalidPayload("invalid request body"))
			return
		}
	}
	cancel := true
	if req.CancelAtPeriodEnd != nil {
		cancel = *req.CancelAtPeriodEnd
	}

	sub, err := s.Subscriptions.SetCancelAtPeriodEnd(r.Context(), id, cancel)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleReceiveWebhook is the trust boundary: verify, then hand the raw
// body to the dispatcher. Gatekeeper rejections never reach the
// dispatcher, so no event row is written for them.
func (s *Server) handleReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	verified, err := s.Gatekeeper.Verify(r.Context(), r, provider)
	if err != nil {
		writeAppError(w, err)
		return
	}

	ev, err := s.Dispatcher.Process(r.Context(), provider, verified)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	events, err := s.Dispatcher.ListEvents(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")
	provider := r.URL.Query().Get("provider")

	ev, err := s.Dispatcher.GetEvent(r.Context(), eventID, provider)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleReprocessWebhook(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")

	ev, err := s.Dispatcher.Reprocess(r.Context(), eventID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleEnforceGrace(w http.ResponseWriter, r *http.Request) {
	result, err := s.Subscriptions.EnforceGrace(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExpireSubscriptions(w http.ResponseWriter, r *http.Request) {
	result, err := s.Subscriptions.Expire(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRetryFailedWebhooks(w http.ResponseWriter, r *http.Request) {
	limit := defaultRetryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	result, err := s.Dispatcher.RetryFailed(r.Context(), limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
