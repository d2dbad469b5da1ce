package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.JobDefinitions().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, rows, "")
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.JobDefinitions().GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

func (s *Server) handleUpsertJob(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi.UpsertJob"
	slug := chi.URLParam(r, "slug")
	if !core.ValidSlug(slug) {
		writeError(w, core.NewValidationf(op, "invalid job slug %q", slug))
		return
	}
	var job store.JobDefinition
	if err := decodeBody(r, &job); err != nil {
		writeError(w, err)
		return
	}
	job.Slug = slug
	if job.ID == "" {
		job.ID = core.NewID("job")
	}
	if err := s.store.JobDefinitions().Upsert(r.Context(), &job); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, &job)
}

func (s *Server) handleListMounts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.BackendMounts().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, rows, "")
}

func (s *Server) handleGetMount(w http.ResponseWriter, r *http.Request) {
	mount, err := s.store.BackendMounts().Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, mount)
}

func (s *Server) handleUpsertMount(w http.ResponseWriter, r *http.Request) {
	var mount store.BackendMount
	if err := decodeBody(r, &mount); err != nil {
		writeError(w, err)
		return
	}
	mount.MountKey = chi.URLParam(r, "key")
	if mount.ID == "" {
		mount.ID = core.NewID("mount")
	}
	if err := s.store.BackendMounts().Upsert(r.Context(), &mount); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, &mount)
}
