package httpapi

import (
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

// serviceView decorates a service record with its preview path and the
// latest health snapshot for the listing surfaces.
type serviceView struct {
	*store.Service
	PreviewPath string                `json:"previewPath,omitempty"`
	Health      *store.HealthSnapshot `json:"health,omitempty"`
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, core.NewExternal("httpapi.ListServices", "registry not wired", nil))
		return
	}
	rows, err := s.registry.ListServices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]serviceView, 0, len(rows))
	for _, svc := range rows {
		views = append(views, serviceView{
			Service:     svc,
			PreviewPath: s.registry.PreviewPath(svc.Slug, svc.BaseURL),
		})
	}
	writeList(w, views, "")
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, core.NewExternal("httpapi.GetService", "registry not wired", nil))
		return
	}
	slug := chi.URLParam(r, "slug")
	svc, err := s.registry.GetService(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}
	health, err := s.registry.LatestHealth(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, serviceView{
		Service:     svc,
		PreviewPath: s.registry.PreviewPath(svc.Slug, svc.BaseURL),
		Health:      health,
	})
}

func (s *Server) handleImportServiceNetwork(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, core.NewExternal("httpapi.ImportServiceNetwork", "registry not wired", nil))
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, core.NewValidation("httpapi.ImportServiceNetwork", "reading request body failed"))
		return
	}
	result, err := s.registry.ImportServiceNetwork(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, result)
}

// handlePreview reverse-proxies into a service. The proxy path is how
// loopback-bound services become reachable through the control plane.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, core.NewExternal("httpapi.Preview", "registry not wired", nil))
		return
	}
	slug := chi.URLParam(r, "slug")
	base, err := s.registry.BaseURL(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}
	target, err := url.Parse(base)
	if err != nil {
		writeError(w, core.NewExternal("httpapi.Preview", "service base url is invalid", err))
		return
	}

	tail := chi.URLParam(r, "*")
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = joinPath(target.Path, tail)
			pr.Out.URL.RawQuery = r.URL.RawQuery
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			writeError(w, core.NewExternal("httpapi.Preview", "service unreachable", err))
		},
	}
	proxy.ServeHTTP(w, r)
}

func joinPath(base, tail string) string {
	base = strings.TrimSuffix(base, "/")
	if tail == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	return base + "/" + strings.TrimPrefix(tail, "/")
}
