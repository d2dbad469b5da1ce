package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
	"github.com/apphub/apphub/store/memory"
)

type fixture struct {
	store    *memory.Store
	registry *Registry
	clock    time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{clock: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)}
	now := func() time.Time { return f.clock }
	f.store = memory.NewWithClock(now)
	cfg := core.RegistryConfig{
		HealthInterval:         30 * time.Second,
		HealthTimeout:          2 * time.Second,
		OpenAPIRefreshInterval: 15 * time.Minute,
		RegistryCacheTTL:       5 * time.Second,
		HealthCacheTTL:         10 * time.Second,
		HealthFanout:           4,
	}
	opts = append([]Option{WithClock(now)}, opts...)
	f.registry = New(f.store, cfg, opts...)
	return f
}

func (f *fixture) importService(t *testing.T, moduleID string, manifest *store.ServiceManifest) {
	t.Helper()
	err := f.registry.ImportManifests(context.Background(), moduleID, "1.0.0",
		[]*store.ServiceManifest{manifest})
	require.NoError(t, err)
}

func TestManifestMergeLaterModuleWins(t *testing.T) {
	f := newFixture(t)
	f.importService(t, "module-a", &store.ServiceManifest{
		Slug:        "metastore",
		DisplayName: "Metastore",
		BaseURL:     "http://a.internal",
		Source:      "file:a",
	})
	f.clock = f.clock.Add(time.Second)
	f.importService(t, "module-b", &store.ServiceManifest{
		Slug:    "metastore",
		BaseURL: "http://b.internal",
		Source:  "file:b",
	})

	merged, err := f.registry.mergedManifests(context.Background(), true)
	require.NoError(t, err)
	manifest := merged["metastore"]
	require.NotNil(t, manifest)

	assert.Equal(t, "http://b.internal", manifest.BaseURL)
	// Fields the later module left empty survive from the earlier one.
	assert.Equal(t, "Metastore", manifest.DisplayName)
	assert.Contains(t, manifest.Source, "file:a")
	assert.Contains(t, manifest.Source, "file:b")

	svc, err := f.registry.GetService(context.Background(), "metastore")
	require.NoError(t, err)
	assert.Equal(t, "http://b.internal", svc.BaseURL)
	assert.Equal(t, "manifest", svc.BaseURLSource)
}

func TestEnvOverrideWinsAtReadTime(t *testing.T) {
	f := newFixture(t)
	f.importService(t, "module-a", &store.ServiceManifest{
		Slug:    "foo",
		BaseURL: "http://a",
	})
	t.Setenv("SERVICE_FOO_BASE_URL", "http://b")

	svc, err := f.registry.GetService(context.Background(), "foo")
	require.NoError(t, err)
	assert.Equal(t, "http://b", svc.BaseURL)
	assert.Equal(t, "env", svc.BaseURLSource)

	url, err := f.registry.BaseURL(context.Background(), "foo")
	require.NoError(t, err)
	assert.Equal(t, "http://b", url)
}

func TestCandidateLadderOrder(t *testing.T) {
	updated := time.Now()
	svc := &store.Service{
		Slug:    "svc",
		BaseURL: "http://record:8080",
		Metadata: store.ServiceMetadata{
			Manifest: &store.ServiceManifest{BaseURL: "http://manifest:8080"},
			Runtime: &store.RuntimeSnapshot{
				ContainerBase: "http://container-base:9000",
				ContainerIP:   "10.0.0.5",
				ContainerPort: 9001,
				InstanceURL:   "http://instance:9002",
				BaseURL:       "http://runtime-base:9003",
				PreviewURL:    "http://preview:9004",
				Host:          "node-1",
				Port:          9005,
				UpdatedAt:     &updated,
			},
		},
	}

	assert.Equal(t, []string{
		"http://container-base:9000",
		"http://10.0.0.5:9001",
		"http://instance:9002",
		"http://runtime-base:9003",
		"http://preview:9004",
		"http://node-1:9005",
		"http://record:8080",
		"http://manifest:8080",
	}, candidateURLs(svc, false))
}

func TestCandidateLadderRewritesLoopbackInContainer(t *testing.T) {
	svc := &store.Service{
		Slug:    "svc",
		BaseURL: "http://127.0.0.1:4000",
	}

	candidates := candidateURLs(svc, true)

	assert.Equal(t, []string{
		"http://host.docker.internal:4000",
		"http://127.0.0.1:4000",
	}, candidates)
}

func TestProbeHealthyOnFirst2xx(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()
	f.importService(t, "module-a", &store.ServiceManifest{Slug: "svc-up", BaseURL: server.URL})

	snap := f.registry.ProbeService(context.Background(), "svc-up")

	require.NotNil(t, snap)
	assert.Equal(t, store.ServiceHealthy, snap.Status)
	assert.Equal(t, server.URL+"/health", snap.ProbedURL)

	svc, err := f.store.Services().Get(context.Background(), "svc-up")
	require.NoError(t, err)
	assert.Equal(t, store.ServiceHealthy, svc.Status)
}

func TestProbeNon2xxIsDegraded(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	f.importService(t, "module-a", &store.ServiceManifest{Slug: "svc-degraded", BaseURL: server.URL})

	snap := f.registry.ProbeService(context.Background(), "svc-degraded")

	require.NotNil(t, snap)
	assert.Equal(t, store.ServiceDegraded, snap.Status)
	assert.Contains(t, snap.StatusMessage, "500")
}

func TestProbeConnectionErrorIsUnreachable(t *testing.T) {
	f := newFixture(t)
	// Closed port: dial fails immediately.
	f.importService(t, "module-a", &store.ServiceManifest{Slug: "svc-down", BaseURL: "http://127.0.0.1:1"})

	snap := f.registry.ProbeService(context.Background(), "svc-down")

	require.NotNil(t, snap)
	assert.Equal(t, store.ServiceUnreachable, snap.Status)
	assert.Empty(t, snap.ProbedURL)

	latest, err := f.store.HealthSnapshots().Latest(context.Background(), "svc-down")
	require.NoError(t, err)
	assert.Equal(t, store.ServiceUnreachable, latest.Status)
}

func TestRuntimeBindAndLaunchGuardedClear(t *testing.T) {
	f := newFixture(t)
	f.importService(t, "module-a", &store.ServiceManifest{
		Slug: "runner", BaseURL: "http://manifest.internal",
	})
	f.registry.RememberRepository("repo-1", "runner")

	svc, err := f.registry.UpdateRuntimeForRepository(context.Background(), "repo-1", store.RuntimeSnapshot{
		LaunchID: "launch-1",
		BaseURL:  "http://127.0.0.1:1",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:1", svc.BaseURL)
	assert.Equal(t, "runtime", svc.BaseURLSource)
	require.NotNil(t, svc.Metadata.Runtime)
	assert.Equal(t, "launch-1", svc.Metadata.Runtime.LaunchID)

	// A stale teardown for a different launch must not clear the binding.
	_, err = f.registry.ClearRuntimeForRepository(context.Background(), "repo-1", "launch-0")
	require.Error(t, err)
	assert.True(t, core.IsConflict(err))

	cleared, err := f.registry.ClearRuntimeForRepository(context.Background(), "repo-1", "launch-1")
	require.NoError(t, err)
	assert.Nil(t, cleared.Metadata.Runtime)
	assert.Equal(t, "http://manifest.internal", cleared.BaseURL)
	assert.Equal(t, "manifest", cleared.BaseURLSource)
}

func TestRuntimeBindUnknownRepository(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.UpdateRuntimeForRepository(context.Background(), "ghost-repo", store.RuntimeSnapshot{})
	assert.True(t, core.IsNotFound(err))
}

func TestOpenAPIHashStableAcrossYAMLKeyOrder(t *testing.T) {
	docA := []byte(`
openapi: 3.0.0
info:
  title: Metastore API
  version: 1.0.0
paths: {}
`)
	docB := []byte(`
paths: {}
info:
  version: 1.0.0
  title: Metastore API
openapi: 3.0.0
`)

	hashA, _, err := CanonicalOpenAPIHash(docA)
	require.NoError(t, err)
	hashB, _, err := CanonicalOpenAPIHash(docB)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)

	docC := []byte(`
openapi: 3.0.0
info:
  title: Different API
  version: 2.0.0
paths: {}
`)
	hashC, _, err := CanonicalOpenAPIHash(docC)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashC)
}

func TestPreviewPathRule(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "/services/app/preview/", f.registry.PreviewPath("app", "http://localhost:3000"))
	assert.Equal(t, "/services/app/preview/", f.registry.PreviewPath("app", "http://127.0.0.1:3000"))
	assert.Equal(t, "https://app.example.com", f.registry.PreviewPath("app", "https://app.example.com"))
}

func TestImportServiceNetworkBundle(t *testing.T) {
	f := newFixture(t)
	bundle := []byte(`
module:
  id: observatory
  version: 2.1.0
services:
  - slug: metastore
    displayName: Metastore
    baseUrl: http://metastore.internal
    healthEndpoint: /healthz
    env:
      - key: FILESTORE_URL
        fromService:
          service: filestore
          property: baseUrl
          fallback: http://filestore.internal
  - slug: filestore
    baseUrl: http://filestore.internal
networks:
  - name: observatory-net
    services: [metastore, filestore]
`)

	result, err := f.registry.ImportServiceNetwork(context.Background(), bundle)
	require.NoError(t, err)
	assert.Equal(t, "observatory", result.ModuleID)
	assert.Equal(t, []string{"metastore", "filestore"}, result.Services)
	assert.Equal(t, []string{"observatory-net"}, result.Networks)

	svc, err := f.registry.GetService(context.Background(), "metastore")
	require.NoError(t, err)
	assert.Equal(t, "http://metastore.internal", svc.BaseURL)
	require.NotNil(t, svc.Metadata.Manifest)
	assert.Equal(t, "/healthz", svc.Metadata.Manifest.HealthEndpoint)
	require.Len(t, svc.Metadata.Manifest.Env, 1)
	require.NotNil(t, svc.Metadata.Manifest.Env[0].FromService)
	assert.Equal(t, "filestore", svc.Metadata.Manifest.Env[0].FromService.Service)

	known, err := f.store.ModuleContexts().ModuleKnown(context.Background(), "observatory")
	require.NoError(t, err)
	assert.True(t, known)
}

func TestImportServiceNetworkRejectsMalformed(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.ImportServiceNetwork(context.Background(), []byte(`services: []`))
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = f.registry.ImportServiceNetwork(context.Background(), []byte(`{{nonsense`))
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}
