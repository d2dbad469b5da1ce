// Package registry maintains the consistent view of declared services:
// manifest merge, health polling, OpenAPI descriptor refresh, and runtime
// endpoint binding for launched containers.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
	"github.com/apphub/apphub/telemetry"
)

// Registry is the service registry. One instance serves the process; all
// cross-process coherence goes through the store and the invalidation bus.
type Registry struct {
	store   store.Store
	cfg     core.RegistryConfig
	client  *http.Client
	logger  core.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	inContainer bool
	manifests   *manifestCache
	health      *healthCache
	bus         *invalidationBus

	mu        sync.RWMutex
	repoSlugs map[string]string
}

// Option adjusts a Registry at construction.
type Option func(*Registry)

// WithLogger injects the structured logger.
func WithLogger(logger core.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics wires the shared Prometheus collectors.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = metrics }
}

// WithHTTPClient replaces the probe client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) {
		if client != nil {
			r.client = client
		}
	}
}

// WithRedis enables the cross-process invalidation bus. Without it the
// registry runs inline: local invalidation only, no broadcast.
func WithRedis(client *redis.Client) Option {
	return func(r *Registry) {
		if client != nil {
			r.bus = newInvalidationBus(client, r.logger)
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithContainerized marks the registry as running inside a container,
// enabling the loopback→host.docker.internal candidate rewrite.
func WithContainerized(in bool) Option {
	return func(r *Registry) { r.inContainer = in }
}

// New builds a service registry.
func New(st store.Store, cfg core.RegistryConfig, opts ...Option) *Registry {
	r := &Registry{
		store:     st,
		cfg:       cfg,
		client:    &http.Client{},
		logger:    &core.NoOpLogger{},
		now:       time.Now,
		repoSlugs: make(map[string]string),
	}
	r.manifests = newManifestCache(cfg.RegistryCacheTTL)
	r.health = newHealthCache(cfg.HealthCacheTTL)
	for _, opt := range opts {
		opt(r)
	}
	if r.bus != nil {
		r.bus.onMessage = r.handleInvalidation
	}
	return r
}

// Subscribe starts the remote invalidation subscriber. No-op inline.
func (r *Registry) Subscribe(ctx context.Context) {
	if r.bus != nil {
		r.bus.subscribe(ctx)
	}
}

// ImportManifests replaces a module's declared manifests, rebuilds the
// affected service records, writes module resource contexts, and
// broadcasts a manifest invalidation.
func (r *Registry) ImportManifests(ctx context.Context, moduleID, moduleVersion string, entries []*store.ServiceManifest) error {
	const op = "registry.ImportManifests"
	if moduleID == "" {
		return core.NewValidation(op, "moduleId is required")
	}
	now := r.now().UTC()
	for _, entry := range entries {
		if !core.ValidSlug(entry.Slug) {
			return core.NewValidationf(op, "invalid service slug %q", entry.Slug)
		}
		if entry.ID == "" {
			entry.ID = core.NewID("manifest")
		}
		entry.ModuleID = moduleID
		if entry.ModuleVersion == "" {
			entry.ModuleVersion = moduleVersion
		}
		if entry.Source == "" {
			entry.Source = "import:" + moduleID
		}
		entry.CreatedAt = now
	}

	if err := r.store.ServiceManifests().ReplaceModule(ctx, moduleID, entries); err != nil {
		return err
	}
	for _, entry := range entries {
		mc := &store.ModuleContext{
			ModuleID:      moduleID,
			ModuleVersion: entry.ModuleVersion,
			ResourceType:  "service",
			ResourceID:    entry.Slug,
			CreatedAt:     now,
		}
		if err := r.store.ModuleContexts().Upsert(ctx, mc); err != nil {
			return err
		}
	}
	if err := r.rebuildServices(ctx); err != nil {
		return err
	}

	r.manifests.invalidate()
	r.publish(ctx, invalidationMessage{Kind: "manifest", Reason: "module-import", ModuleID: moduleID})
	if r.metrics != nil {
		r.metrics.ManifestReloads.WithLabelValues("import").Inc()
	}
	return nil
}

// rebuildServices folds all declared manifests into service rows, keeping
// runtime, health, and OpenAPI metadata already recorded for each slug.
func (r *Registry) rebuildServices(ctx context.Context) error {
	merged, err := r.mergedManifests(ctx, true)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	for slug, manifest := range merged {
		svc, err := r.store.Services().Get(ctx, slug)
		if core.IsNotFound(err) {
			svc = &store.Service{Slug: slug, Status: store.ServiceUnknown, CreatedAt: now}
			err = nil
		}
		if err != nil {
			return err
		}
		svc.DisplayName = manifest.DisplayName
		svc.Kind = manifest.Kind
		svc.Capabilities = manifest.Capabilities
		svc.Metadata.Manifest = manifest
		if svc.Metadata.Runtime == nil || svc.Metadata.Runtime.BaseURL == "" {
			svc.BaseURL = manifest.BaseURL
			svc.BaseURLSource = "manifest"
		}
		svc.UpdatedAt = now
		if err := r.store.Services().Upsert(ctx, svc); err != nil {
			return err
		}
	}
	return nil
}

// mergedManifests returns the merged manifest per slug, from the cache
// unless it expired or force is set.
func (r *Registry) mergedManifests(ctx context.Context, force bool) (map[string]*store.ServiceManifest, error) {
	if !force {
		if state := r.manifests.get(r.now()); state != nil {
			return state.entries, nil
		}
	}
	rows, err := r.store.ServiceManifests().ListAll(ctx)
	if err != nil {
		return nil, err
	}
	entries := mergeManifests(rows)
	r.manifests.put(&manifestState{entries: entries, fetchedAt: r.now()}, r.now())
	return entries, nil
}

// mergeManifests folds declared manifests deterministically: within one
// module the latest entry wins; across modules the fold is ordered by
// (createdAt, moduleId) so later imports win, with every contributing
// source appended for audit.
func mergeManifests(rows []*store.ServiceManifest) map[string]*store.ServiceManifest {
	sorted := make([]*store.ServiceManifest, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ModuleID < sorted[j].ModuleID
	})

	out := make(map[string]*store.ServiceManifest)
	for _, row := range sorted {
		current, ok := out[row.Slug]
		if !ok {
			clone := *row
			out[row.Slug] = &clone
			continue
		}
		if row.DisplayName != "" {
			current.DisplayName = row.DisplayName
		}
		if row.Kind != "" {
			current.Kind = row.Kind
		}
		if row.BaseURL != "" {
			current.BaseURL = row.BaseURL
		}
		if row.HealthEndpoint != "" {
			current.HealthEndpoint = row.HealthEndpoint
		}
		if row.OpenAPIPath != "" {
			current.OpenAPIPath = row.OpenAPIPath
		}
		if len(row.Env) > 0 {
			current.Env = mergeEnv(current.Env, row.Env)
		}
		if len(row.Capabilities) > 0 {
			current.Capabilities = row.Capabilities
		}
		if len(row.Tags) > 0 {
			current.Tags = row.Tags
		}
		current.ModuleID = row.ModuleID
		current.ModuleVersion = row.ModuleVersion
		if row.Source != "" && !strings.Contains(current.Source, row.Source) {
			current.Source = current.Source + "," + row.Source
		}
	}
	return out
}

func mergeEnv(base, overlay []store.EnvBinding) []store.EnvBinding {
	byKey := make(map[string]int, len(base))
	out := make([]store.EnvBinding, len(base))
	copy(out, base)
	for i, b := range out {
		byKey[b.Key] = i
	}
	for _, b := range overlay {
		if i, ok := byKey[b.Key]; ok {
			out[i] = b
			continue
		}
		byKey[b.Key] = len(out)
		out = append(out, b)
	}
	return out
}

// GetService returns the service record with the environment base-URL
// override applied at read time.
func (r *Registry) GetService(ctx context.Context, slug string) (*store.Service, error) {
	svc, err := r.store.Services().Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	applyEnvOverride(svc)
	return svc, nil
}

// ListServices returns all service records with env overrides applied.
func (r *Registry) ListServices(ctx context.Context) ([]*store.Service, error) {
	rows, err := r.store.Services().List(ctx)
	if err != nil {
		return nil, err
	}
	for _, svc := range rows {
		applyEnvOverride(svc)
	}
	return rows, nil
}

func applyEnvOverride(svc *store.Service) {
	if override := core.ServiceBaseURLOverride(svc.Slug); override != "" {
		svc.BaseURL = override
		svc.BaseURLSource = "env"
	}
}

// BaseURL resolves the effective base URL of a service. Satisfies the
// orchestrator's resolver interface; a missing or address-less service is
// a not_found the orchestrator treats as retriable.
func (r *Registry) BaseURL(ctx context.Context, slug string) (string, error) {
	svc, err := r.GetService(ctx, slug)
	if err != nil {
		return "", err
	}
	if svc.BaseURL == "" {
		return "", core.NewNotFound("registry.BaseURL",
			fmt.Errorf("service %q has no base url: %w", slug, core.ErrServiceNotFound))
	}
	return svc.BaseURL, nil
}

// PreviewPath implements the preview URL rule: loopback-bound services are
// exposed through the control plane's reverse proxy path; externally
// addressable URLs are returned verbatim.
func (r *Registry) PreviewPath(slug, baseURL string) string {
	if isLoopbackURL(baseURL) {
		return "/services/" + slug + "/preview/"
	}
	return baseURL
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || host == "0.0.0.0"
}

func (r *Registry) publish(ctx context.Context, msg invalidationMessage) {
	if r.bus == nil {
		return
	}
	r.bus.publish(ctx, msg)
}

// handleInvalidation reacts to a remote invalidation: force the matching
// cache to reload on next read. Messages are hints; TTLs carry correctness.
func (r *Registry) handleInvalidation(msg invalidationMessage) {
	r.logger.Info("registry invalidation received", map[string]interface{}{
		"kind": msg.Kind, "reason": msg.Reason, "slug": msg.Slug, "moduleId": msg.ModuleID,
	})
	switch msg.Kind {
	case "health":
		if msg.Slug != "" {
			r.health.invalidate(msg.Slug)
		} else {
			r.health.invalidateAll()
		}
	default:
		r.manifests.invalidate()
	}
}
