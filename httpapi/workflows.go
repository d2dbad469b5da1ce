package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/modules"
	"github.com/apphub/apphub/orchestration"
	"github.com/apphub/apphub/store"
)

// moduleIDParam resolves the module scope of a request. The query
// parameter wins over the header.
func moduleIDParam(r *http.Request) string {
	if id := r.URL.Query().Get("moduleId"); id != "" {
		return id
	}
	return r.Header.Get("X-AppHub-Module-Id")
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func (s *Server) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	if s.launcher == nil {
		writeError(w, core.NewExternal("httpapi.CreateDefinition", "launcher not wired", nil))
		return
	}
	var def store.WorkflowDefinition
	if err := decodeBody(r, &def); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.launcher.CreateDefinition(r.Context(), &def)
	if err != nil {
		writeError(w, err)
		return
	}
	if moduleID := moduleIDParam(r); moduleID != "" && s.modules != nil {
		version := r.URL.Query().Get("moduleVersion")
		if err := s.modules.Publish(r.Context(), moduleID, version, modules.ResourceWorkflowDefinition, created.ID); err != nil {
			writeError(w, err)
			return
		}
	}
	writeData(w, http.StatusCreated, created)
}

// definitionPatch is the PATCH body: absent fields keep their value. Slug
// is accepted only when unchanged; definitions are addressed by slug and
// renames would orphan triggers and schedules.
type definitionPatch struct {
	Slug              *string          `json:"slug"`
	DisplayName       *string          `json:"displayName"`
	Description       *string          `json:"description"`
	Steps             []store.StepSpec `json:"steps"`
	ParametersSchema  json.RawMessage  `json:"parametersSchema"`
	DefaultParameters json.RawMessage  `json:"defaultParameters"`
	OutputSchema      json.RawMessage  `json:"outputSchema"`
	Metadata          json.RawMessage  `json:"metadata"`
}

func (s *Server) handlePatchDefinition(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi.PatchDefinition"
	def, err := s.store.WorkflowDefinitions().GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	var patch definitionPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	if patch.Slug != nil && *patch.Slug != def.Slug {
		writeError(w, core.NewValidation(op, "definition slug is immutable"))
		return
	}
	if patch.DisplayName != nil {
		def.DisplayName = *patch.DisplayName
	}
	if patch.Description != nil {
		def.Description = *patch.Description
	}
	if patch.Steps != nil {
		if err := orchestration.ValidateSteps(patch.Steps); err != nil {
			writeError(w, err)
			return
		}
		for _, step := range patch.Steps {
			if err := orchestration.ValidateRetryPolicy(step.Retry); err != nil {
				writeError(w, err)
				return
			}
		}
		def.Steps = patch.Steps
	}
	if patch.ParametersSchema != nil {
		def.ParametersSchema = patch.ParametersSchema
	}
	if patch.DefaultParameters != nil {
		def.DefaultParameters = patch.DefaultParameters
	}
	if patch.OutputSchema != nil {
		def.OutputSchema = patch.OutputSchema
	}
	if patch.Metadata != nil {
		def.Metadata = patch.Metadata
	}
	def.Version++
	if err := s.store.WorkflowDefinitions().Update(r.Context(), def); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, def)
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.WorkflowDefinitions().GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, def)
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	filter := store.DefinitionFilter{Limit: limitParam(r)}
	if moduleID := moduleIDParam(r); moduleID != "" {
		ids, err := s.moduleResourceIDs(r, moduleID, modules.ResourceWorkflowDefinition)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(ids) == 0 {
			writeList(w, []*store.WorkflowDefinition{}, "")
			return
		}
		for id := range ids {
			filter.IDs = append(filter.IDs, id)
		}
	}
	defs, err := s.store.WorkflowDefinitions().List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, defs, "")
}

// moduleResourceIDs answers module scoping. An unknown module is a
// not_found so stale module references 404 instead of listing empty.
func (s *Server) moduleResourceIDs(r *http.Request, moduleID, resourceType string) (map[string]bool, error) {
	if s.modules == nil {
		return nil, core.NewExternal("httpapi.moduleScope", "module service not wired", nil)
	}
	return s.modules.ResourceIDs(r.Context(), moduleID, resourceType)
}

func (s *Server) handleListDefinitionRuns(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.WorkflowDefinitions().GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.store.WorkflowRuns().List(r.Context(), store.RunFilter{
		DefinitionID: def.ID,
		Limit:        limitParam(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, runs, "")
}

// launchRequest is the POST /workflows/:slug/run body.
type launchRequest struct {
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	RunKey       string          `json:"runKey,omitempty"`
	PartitionKey string          `json:"partitionKey,omitempty"`
	ModuleID     string          `json:"moduleId,omitempty"`
}

func (s *Server) handleLaunchRun(w http.ResponseWriter, r *http.Request) {
	if s.launcher == nil {
		writeError(w, core.NewExternal("httpapi.LaunchRun", "launcher not wired", nil))
		return
	}
	var req launchRequest
	if err := decodeBodyOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ModuleID == "" {
		req.ModuleID = moduleIDParam(r)
	}
	run, err := s.launcher.Launch(r.Context(), orchestration.LaunchInput{
		Slug:         chi.URLParam(r, "slug"),
		TriggeredBy:  store.TriggeredManual,
		Parameters:   req.Parameters,
		RunKey:       req.RunKey,
		PartitionKey: req.PartitionKey,
		ModuleID:     req.ModuleID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]interface{}{
		"id":           run.ID,
		"status":       run.Status,
		"partitionKey": run.PartitionKey,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.WorkflowRuns().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

func (s *Server) handleGetRunSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.store.WorkflowRuns().Get(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	steps, err := s.store.RunSteps().ListByRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, steps, "")
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	moduleID := moduleIDParam(r)
	var ownedDefs map[string]bool
	if moduleID != "" {
		ids, err := s.moduleResourceIDs(r, moduleID, modules.ResourceWorkflowDefinition)
		if err != nil {
			writeError(w, err)
			return
		}
		ownedDefs = ids
	}

	filter := store.RunFilter{Limit: limitParam(r)}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []store.RunStatus{store.RunStatus(status)}
	}
	runs, err := s.store.WorkflowRuns().List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if moduleID != "" {
		scoped := make([]*store.WorkflowRun, 0, len(runs))
		for _, run := range runs {
			if run.ModuleID == moduleID || ownedDefs[run.DefinitionID] {
				scoped = append(scoped, run)
			}
		}
		runs = scoped
	}
	writeList(w, runs, "")
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, core.NewExternal("httpapi.CancelRun", "orchestrator not wired", nil))
		return
	}
	run, err := s.orch.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, run)
}
