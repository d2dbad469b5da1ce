package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/apphub/apphub/store"
)

// maxOpenAPIBytes bounds descriptor downloads.
const maxOpenAPIBytes = 4 << 20

// maybeRefreshOpenAPI refetches the service's OpenAPI descriptor when the
// recorded copy is stale or the probed base URL moved. Failures are
// recorded per-service and never escalate.
func (r *Registry) maybeRefreshOpenAPI(ctx context.Context, svc *store.Service, probedURL string) {
	manifest := svc.Metadata.Manifest
	if manifest == nil || manifest.OpenAPIPath == "" {
		return
	}

	base := strings.TrimSuffix(probedURL, healthEndpoint(svc))
	if base == "" {
		base = svc.BaseURL
	}
	docURL := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(manifest.OpenAPIPath, "/")

	state := svc.Metadata.OpenAPI
	if state != nil && state.FetchedAt != nil && state.URL == docURL {
		interval := r.cfg.OpenAPIRefreshInterval
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		if r.now().Sub(*state.FetchedAt) < interval {
			return
		}
	}

	if err := r.refreshOpenAPI(ctx, svc, docURL); err != nil {
		r.logger.Warn("openapi refresh", map[string]interface{}{
			"slug": svc.Slug, "url": docURL, "error": err.Error(),
		})
	}
}

func (r *Registry) refreshOpenAPI(ctx context.Context, svc *store.Service, docURL string) error {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, docURL, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &openAPIStatusError{status: resp.StatusCode}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOpenAPIBytes))
	if err != nil {
		return err
	}

	hash, size, err := CanonicalOpenAPIHash(raw)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	current, err := r.store.Services().Get(ctx, svc.Slug)
	if err != nil {
		return err
	}
	prior := current.Metadata.OpenAPI
	if prior != nil && prior.Hash == hash && prior.URL == docURL {
		prior.FetchedAt = &now
	} else {
		current.Metadata.OpenAPI = &store.OpenAPIState{
			Hash:      hash,
			URL:       docURL,
			FetchedAt: &now,
			Bytes:     size,
		}
	}
	current.UpdatedAt = now
	return r.store.Services().Upsert(ctx, current)
}

// CanonicalOpenAPIHash parses an OpenAPI document (JSON or YAML) and
// hashes its canonical JSON form, so cosmetic differences like YAML key
// order never register as change.
func CanonicalOpenAPIHash(raw []byte) (string, int, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return "", 0, err
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", 0, err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), len(canonical), nil
}

type openAPIStatusError struct {
	status int
}

func (e *openAPIStatusError) Error() string {
	return "openapi endpoint returned status " + http.StatusText(e.status)
}
