package registry

import (
	"context"
	"fmt"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

// UpdateRuntimeForRepository binds a launched container's endpoints to the
// service owning the repository. Identical snapshots are still persisted;
// updatedAt advances monotonically. A best-effort health probe follows the
// bind so the new endpoint classifies quickly.
func (r *Registry) UpdateRuntimeForRepository(ctx context.Context, repositoryID string, snapshot store.RuntimeSnapshot) (*store.Service, error) {
	slug, err := r.slugForRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	svc, err := r.store.Services().Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	snapshot.RepositoryID = repositoryID
	if snapshot.Status == "" {
		snapshot.Status = "running"
	}
	snapshot.UpdatedAt = &now
	svc.Metadata.Runtime = &snapshot

	if url := runtimeBaseURL(&snapshot); url != "" {
		svc.BaseURL = url
		svc.BaseURLSource = "runtime"
	}
	svc.UpdatedAt = now
	if err := r.store.Services().Upsert(ctx, svc); err != nil {
		return nil, err
	}

	r.rememberRepository(repositoryID, slug)
	r.publish(ctx, invalidationMessage{Kind: "health", Reason: "runtime-bind", Slug: slug})

	// Best-effort immediate probe; the regular poller corrects any miss.
	if snap := r.ProbeService(ctx, slug); snap != nil {
		svc.Status = snap.Status
		svc.StatusMessage = snap.StatusMessage
	}
	return svc, nil
}

// ClearRuntimeForRepository removes the runtime binding. When launchID is
// given it must match the recorded one; a stale teardown event for an
// older launch must not clobber a newer binding.
func (r *Registry) ClearRuntimeForRepository(ctx context.Context, repositoryID, launchID string) (*store.Service, error) {
	const op = "registry.ClearRuntimeForRepository"
	slug, err := r.slugForRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	svc, err := r.store.Services().Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	runtime := svc.Metadata.Runtime
	if runtime == nil {
		return svc, nil
	}
	if launchID != "" && runtime.LaunchID != "" && runtime.LaunchID != launchID {
		return nil, core.NewConflict(op,
			fmt.Sprintf("launch %q is not the active launch for service %q", launchID, slug), nil)
	}

	now := r.now().UTC()
	svc.Metadata.Runtime = nil
	if manifest := svc.Metadata.Manifest; manifest != nil && manifest.BaseURL != "" {
		svc.BaseURL = manifest.BaseURL
		svc.BaseURLSource = "manifest"
	} else {
		svc.BaseURL = ""
		svc.BaseURLSource = ""
	}
	svc.Status = store.ServiceUnknown
	svc.StatusMessage = "runtime binding cleared"
	svc.UpdatedAt = now
	if err := r.store.Services().Upsert(ctx, svc); err != nil {
		return nil, err
	}

	r.health.invalidate(slug)
	r.publish(ctx, invalidationMessage{Kind: "health", Reason: "runtime-clear", Slug: slug})
	return svc, nil
}

// slugForRepository resolves the service owning a repository: the learned
// map first, then a metadata scan fallback.
func (r *Registry) slugForRepository(ctx context.Context, repositoryID string) (string, error) {
	if repositoryID == "" {
		return "", core.NewValidation("registry.slugForRepository", "repositoryId is required")
	}
	r.mu.RLock()
	slug, ok := r.repoSlugs[repositoryID]
	r.mu.RUnlock()
	if ok {
		return slug, nil
	}

	services, err := r.store.Services().List(ctx)
	if err != nil {
		return "", err
	}
	for _, svc := range services {
		if rt := svc.Metadata.Runtime; rt != nil && rt.RepositoryID == repositoryID {
			r.rememberRepository(repositoryID, svc.Slug)
			return svc.Slug, nil
		}
	}
	return "", core.NewNotFound("registry.slugForRepository",
		fmt.Errorf("no service bound to repository %q: %w", repositoryID, core.ErrServiceNotFound))
}

// RememberRepository pre-seeds the repo→slug map, used when a service is
// first registered with a known repository.
func (r *Registry) RememberRepository(repositoryID, slug string) {
	r.rememberRepository(repositoryID, slug)
}

func (r *Registry) rememberRepository(repositoryID, slug string) {
	if repositoryID == "" || slug == "" {
		return
	}
	r.mu.Lock()
	r.repoSlugs[repositoryID] = slug
	r.mu.Unlock()
}

func runtimeBaseURL(rt *store.RuntimeSnapshot) string {
	switch {
	case rt.BaseURL != "":
		return rt.BaseURL
	case rt.ContainerBase != "":
		return rt.ContainerBase
	case rt.InstanceURL != "":
		return rt.InstanceURL
	}
	return ""
}
