package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/scheduling"
)

// handleEventHealth exposes the active source and trigger pauses so an
// operator can see why events stopped launching runs.
func (s *Server) handleEventHealth(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		writeData(w, http.StatusOK, scheduling.Snapshot{})
		return
	}
	writeData(w, http.StatusOK, s.gate.ActivePauses())
}

// handleRetryDelivery forces a deferred or failed delivery through the
// evaluation pipeline again.
func (s *Server) handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		writeError(w, core.NewExternal("httpapi.RetryDelivery", "trigger processor not wired", nil))
		return
	}
	deliveryID := chi.URLParam(r, "id")
	if err := s.processor.RetryDelivery(r.Context(), deliveryID); err != nil {
		writeError(w, err)
		return
	}
	delivery, err := s.store.TriggerDeliveries().Get(r.Context(), deliveryID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, delivery)
}
