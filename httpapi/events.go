package httpapi

import (
	"net/http"
	"time"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/events"
	"github.com/apphub/apphub/store"
)

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, core.NewExternal("httpapi.IngestEvent", "event bus not wired", nil))
		return
	}
	var event store.Event
	if err := decodeBody(r, &event); err != nil {
		writeError(w, err)
		return
	}
	stored, err := s.bus.Ingest(r.Context(), &event)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, stored)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, core.NewExternal("httpapi.ListEvents", "event bus not wired", nil))
		return
	}
	query := events.ListQuery{
		Cursor:        r.URL.Query().Get("cursor"),
		Limit:         limitParam(r),
		Type:          r.URL.Query().Get("type"),
		Source:        r.URL.Query().Get("source"),
		CorrelationID: r.URL.Query().Get("correlationId"),
		JSONPath:      r.URL.Query().Get("jsonPath"),
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, core.NewValidationf("httpapi.ListEvents", "invalid from timestamp %q", raw))
			return
		}
		query.From = &from
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, core.NewValidationf("httpapi.ListEvents", "invalid to timestamp %q", raw))
			return
		}
		query.To = &to
	}

	page, err := s.bus.List(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, page.Events, page.NextCursor)
}
