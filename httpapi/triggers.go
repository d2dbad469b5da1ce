package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

// triggerForDefinition loads a trigger and verifies it belongs to the
// definition named in the path. A trigger of another workflow is a
// not_found, not a leak.
func (s *Server) triggerForDefinition(r *http.Request) (*store.EventTrigger, error) {
	def, err := s.store.WorkflowDefinitions().GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		return nil, err
	}
	trigger, err := s.store.EventTriggers().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if trigger.DefinitionID != def.ID {
		return nil, core.NewNotFound("httpapi.trigger", core.ErrTriggerNotFound)
	}
	return trigger, nil
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		writeError(w, core.NewExternal("httpapi.CreateTrigger", "trigger processor not wired", nil))
		return
	}
	def, err := s.store.WorkflowDefinitions().GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	var trigger store.EventTrigger
	if err := decodeBody(r, &trigger); err != nil {
		writeError(w, err)
		return
	}
	trigger.DefinitionID = def.ID
	if err := s.processor.CreateTrigger(r.Context(), &trigger); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, &trigger)
}

// triggerPatch carries partial trigger updates. Pointer fields distinguish
// "clear" from "keep".
type triggerPatch struct {
	Name                     *string                  `json:"name"`
	Description              *string                  `json:"description"`
	EventType                *string                  `json:"eventType"`
	EventSource              *string                  `json:"eventSource"`
	Predicates               []store.TriggerPredicate `json:"predicates"`
	ParameterTemplate        json.RawMessage          `json:"parameterTemplate"`
	RunKeyTemplate           *string                  `json:"runKeyTemplate"`
	IdempotencyKeyExpression *string                  `json:"idempotencyKeyExpression"`
	ThrottleWindowMs         *int64                   `json:"throttleWindowMs"`
	ThrottleCount            *int                     `json:"throttleCount"`
	MaxConcurrency           *int                     `json:"maxConcurrency"`
	Status                   *store.TriggerStatus     `json:"status"`
	Metadata                 json.RawMessage          `json:"metadata"`
}

func (s *Server) handlePatchTrigger(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		writeError(w, core.NewExternal("httpapi.PatchTrigger", "trigger processor not wired", nil))
		return
	}
	trigger, err := s.triggerForDefinition(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var patch triggerPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	if patch.Name != nil {
		trigger.Name = *patch.Name
	}
	if patch.Description != nil {
		trigger.Description = *patch.Description
	}
	if patch.EventType != nil {
		trigger.EventType = *patch.EventType
	}
	if patch.EventSource != nil {
		trigger.EventSource = *patch.EventSource
	}
	if patch.Predicates != nil {
		trigger.Predicates = patch.Predicates
	}
	if patch.ParameterTemplate != nil {
		trigger.ParameterTemplate = patch.ParameterTemplate
	}
	if patch.RunKeyTemplate != nil {
		trigger.RunKeyTemplate = *patch.RunKeyTemplate
	}
	if patch.IdempotencyKeyExpression != nil {
		trigger.IdempotencyKeyExpression = *patch.IdempotencyKeyExpression
	}
	if patch.ThrottleWindowMs != nil {
		trigger.ThrottleWindowMs = *patch.ThrottleWindowMs
	}
	if patch.ThrottleCount != nil {
		trigger.ThrottleCount = *patch.ThrottleCount
	}
	if patch.MaxConcurrency != nil {
		trigger.MaxConcurrency = *patch.MaxConcurrency
	}
	if patch.Status != nil {
		trigger.Status = *patch.Status
	}
	if patch.Metadata != nil {
		trigger.Metadata = patch.Metadata
	}
	if err := s.processor.UpdateTrigger(r.Context(), trigger); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, trigger)
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	trigger, err := s.triggerForDefinition(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, trigger)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	trigger, err := s.triggerForDefinition(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.EventTriggers().Delete(r.Context(), trigger.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.WorkflowDefinitions().GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.store.EventTriggers().ListByDefinition(r.Context(), def.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, rows, "")
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	trigger, err := s.triggerForDefinition(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var statuses []store.DeliveryStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, status := range strings.Split(raw, ",") {
			statuses = append(statuses, store.DeliveryStatus(strings.TrimSpace(status)))
		}
	}
	rows, err := s.store.TriggerDeliveries().ListByTrigger(r.Context(), trigger.ID, store.DeliveryFilter{
		Statuses: statuses,
		Limit:    limitParam(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, rows, "")
}
