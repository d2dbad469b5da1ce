package registry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

// containerHostAlias is what loopback hosts rewrite to when the registry
// itself runs inside a container.
const containerHostAlias = "host.docker.internal"

// StartPoller runs the background health loop until the context is
// canceled. Probe failures are per-service and never stop the loop.
func (r *Registry) StartPoller(ctx context.Context) {
	interval := r.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.PollOnce(ctx); err != nil {
					r.logger.Warn("health poll cycle", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}()
}

// PollOnce probes every registered service, bounded by the configured
// fan-out. Exposed for operators (and tests) to force a cycle.
func (r *Registry) PollOnce(ctx context.Context) error {
	services, err := r.store.Services().List(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	fanout := r.cfg.HealthFanout
	if fanout <= 0 {
		fanout = 8
	}
	g.SetLimit(fanout)

	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			// Per-service failures are recorded on the service row, never
			// propagated to the cycle.
			r.ProbeService(gctx, svc.Slug)
			return nil
		})
	}
	return g.Wait()
}

// ProbeService runs one health check for the slug and persists the
// outcome. Returns the snapshot for callers that want the verdict.
func (r *Registry) ProbeService(ctx context.Context, slug string) *store.HealthSnapshot {
	svc, err := r.GetService(ctx, slug)
	if err != nil {
		r.logger.Warn("health probe lookup", map[string]interface{}{"slug": slug, "error": err.Error()})
		return nil
	}

	snap := r.probe(ctx, svc)
	r.recordHealth(ctx, svc, snap)

	if snap.Status == store.ServiceHealthy {
		r.maybeRefreshOpenAPI(ctx, svc, snap.ProbedURL)
	}
	return snap
}

// probe walks the candidate URL ladder: first 2xx wins, the first non-2xx
// seen is remembered as degraded, and a ladder of nothing but errors is
// unreachable.
func (r *Registry) probe(ctx context.Context, svc *store.Service) *store.HealthSnapshot {
	endpoint := healthEndpoint(svc)
	timeout := r.cfg.HealthTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	started := r.now()
	var degraded *store.HealthSnapshot

	for _, candidate := range candidateURLs(svc, r.inContainer) {
		probeURL := strings.TrimRight(candidate, "/") + endpoint
		status, err := r.probeOnce(ctx, probeURL, timeout)
		latency := r.now().Sub(started).Milliseconds()
		if err != nil {
			continue
		}
		if status >= 200 && status < 300 {
			return r.snapshot(svc.Slug, store.ServiceHealthy, "", latency, probeURL)
		}
		if degraded == nil {
			degraded = r.snapshot(svc.Slug, store.ServiceDegraded,
				fmt.Sprintf("health endpoint returned status %d", status), latency, probeURL)
		}
	}

	if degraded != nil {
		return degraded
	}
	return r.snapshot(svc.Slug, store.ServiceUnreachable,
		"no candidate endpoint responded", r.now().Sub(started).Milliseconds(), "")
}

func (r *Registry) probeOnce(ctx context.Context, probeURL string, timeout time.Duration) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, probeURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (r *Registry) snapshot(slug string, status store.ServiceStatus, message string, latencyMs int64, probedURL string) *store.HealthSnapshot {
	return &store.HealthSnapshot{
		ID:            core.NewID("health"),
		ServiceSlug:   slug,
		Status:        status,
		StatusMessage: message,
		LatencyMs:     latencyMs,
		ProbedURL:     probedURL,
		CheckedAt:     r.now().UTC(),
	}
}

// recordHealth persists the snapshot and the service status, refreshes the
// health cache, and broadcasts an invalidation hint. Store failures log
// and continue; the poller must survive them.
func (r *Registry) recordHealth(ctx context.Context, svc *store.Service, snap *store.HealthSnapshot) {
	if err := r.store.HealthSnapshots().Insert(ctx, snap); err != nil {
		r.logger.Warn("persisting health snapshot", map[string]interface{}{
			"slug": svc.Slug, "error": err.Error(),
		})
	}
	if err := r.store.Services().UpdateStatus(ctx, svc.Slug, snap.Status, snap.StatusMessage, snap.CheckedAt); err != nil {
		r.logger.Warn("updating service status", map[string]interface{}{
			"slug": svc.Slug, "error": err.Error(),
		})
	}
	r.health.put(svc.Slug, snap, r.now())
	r.publish(ctx, invalidationMessage{Kind: "health", Reason: "probe", Slug: svc.Slug})

	if r.metrics != nil {
		r.metrics.HealthProbes.WithLabelValues(string(snap.Status)).Inc()
		r.metrics.HealthProbeLatency.WithLabelValues(svc.Slug).Observe(float64(snap.LatencyMs) / 1000)
	}
}

// LatestHealth returns the newest snapshot for a slug, served from the
// cache when fresh.
func (r *Registry) LatestHealth(ctx context.Context, slug string) (*store.HealthSnapshot, error) {
	if snap := r.health.get(slug, r.now()); snap != nil {
		return snap, nil
	}
	snap, err := r.store.HealthSnapshots().Latest(ctx, slug)
	if err != nil {
		return nil, err
	}
	r.health.put(slug, snap, r.now())
	return snap, nil
}

func healthEndpoint(svc *store.Service) string {
	endpoint := "/health"
	if m := svc.Metadata.Manifest; m != nil && m.HealthEndpoint != "" {
		endpoint = m.HealthEndpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return endpoint
}

// candidateURLs collects probe candidates in priority order: the runtime
// bindings first, then the computed host:port, then the record and
// manifest addresses. Loopback hosts gain a container-alias variant ahead
// of the original when the registry itself is containerized.
func candidateURLs(svc *store.Service, inContainer bool) []string {
	var raw []string
	if rt := svc.Metadata.Runtime; rt != nil {
		raw = append(raw, rt.ContainerBase)
		if rt.ContainerIP != "" && rt.ContainerPort > 0 {
			raw = append(raw, fmt.Sprintf("http://%s:%d", rt.ContainerIP, rt.ContainerPort))
		}
		raw = append(raw, rt.InstanceURL, rt.BaseURL, rt.PreviewURL)
		if rt.Host != "" && rt.Port > 0 {
			raw = append(raw, fmt.Sprintf("http://%s", net.JoinHostPort(rt.Host, fmt.Sprint(rt.Port))))
		}
	}
	raw = append(raw, svc.BaseURL)
	if m := svc.Metadata.Manifest; m != nil {
		raw = append(raw, m.BaseURL)
	}

	seen := make(map[string]bool)
	var out []string
	add := func(candidate string) {
		if candidate == "" || seen[candidate] {
			return
		}
		seen[candidate] = true
		out = append(out, candidate)
	}
	for _, candidate := range raw {
		if candidate == "" {
			continue
		}
		if inContainer && isLoopbackURL(candidate) {
			add(rewriteLoopback(candidate))
		}
		add(candidate)
	}
	return out
}

func rewriteLoopback(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(containerHostAlias, port)
	} else {
		u.Host = containerHostAlias
	}
	return u.String()
}
