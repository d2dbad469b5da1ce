package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheds == nil {
		writeError(w, core.NewExternal("httpapi.CreateSchedule", "schedule materializer not wired", nil))
		return
	}
	def, err := s.store.WorkflowDefinitions().GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	var sched store.Schedule
	if err := decodeBody(r, &sched); err != nil {
		writeError(w, err)
		return
	}
	sched.DefinitionID = def.ID
	created, err := s.scheds.Create(r.Context(), &sched)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

// schedulePatch carries partial schedule updates.
type schedulePatch struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Cron        *string         `json:"cron"`
	Timezone    *string         `json:"timezone"`
	Parameters  json.RawMessage `json:"parameters"`
	Enabled     *bool           `json:"enabled"`
	CatchUp     *bool           `json:"catchUp"`
}

func (s *Server) handlePatchSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheds == nil {
		writeError(w, core.NewExternal("httpapi.PatchSchedule", "schedule materializer not wired", nil))
		return
	}
	def, err := s.store.WorkflowDefinitions().GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	sched, err := s.scheds.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sched.DefinitionID != def.ID {
		writeError(w, core.NewNotFound("httpapi.PatchSchedule", core.ErrScheduleNotFound))
		return
	}
	var patch schedulePatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	if patch.Name != nil {
		sched.Name = *patch.Name
	}
	if patch.Description != nil {
		sched.Description = *patch.Description
	}
	if patch.Cron != nil {
		sched.Cron = *patch.Cron
	}
	if patch.Timezone != nil {
		sched.Timezone = *patch.Timezone
	}
	if patch.Parameters != nil {
		sched.Parameters = patch.Parameters
	}
	if patch.Enabled != nil {
		sched.Enabled = *patch.Enabled
	}
	if patch.CatchUp != nil {
		sched.CatchUp = *patch.CatchUp
	}
	updated, err := s.scheds.Update(r.Context(), sched)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func (s *Server) handleListDefinitionSchedules(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.WorkflowDefinitions().GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.store.Schedules().ListByDefinition(r.Context(), def.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, rows, "")
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.Schedules().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, rows, "")
}
