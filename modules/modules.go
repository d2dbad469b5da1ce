// Package modules tracks which module published which resource. Listing
// surfaces use it to scope results to a module; an unknown module is a
// not_found so clients can detect stale references.
package modules

import (
	"context"
	"fmt"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

// Resource types bound to modules.
const (
	ResourceWorkflowDefinition = "workflow-definition"
	ResourceService            = "service"
	ResourceJobDefinition      = "job-definition"
)

var knownResourceTypes = map[string]bool{
	ResourceWorkflowDefinition: true,
	ResourceService:            true,
	ResourceJobDefinition:      true,
}

// Service answers module-scoping questions for the listing handlers.
type Service struct {
	store  store.Store
	logger core.Logger
}

// Option adjusts a Service at construction.
type Option func(*Service)

// WithLogger injects the structured logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a module context service.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish records that a module owns a resource.
func (s *Service) Publish(ctx context.Context, moduleID, moduleVersion, resourceType, resourceID string) error {
	const op = "modules.Publish"
	if moduleID == "" || resourceID == "" {
		return core.NewValidation(op, "moduleId and resourceId are required")
	}
	if !knownResourceTypes[resourceType] {
		return core.NewValidationf(op, "unknown resource type %q", resourceType)
	}
	return s.store.ModuleContexts().Upsert(ctx, &store.ModuleContext{
		ModuleID:      moduleID,
		ModuleVersion: moduleVersion,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
	})
}

// Unpublish removes a module→resource binding.
func (s *Service) Unpublish(ctx context.Context, moduleID, resourceType, resourceID string) error {
	return s.store.ModuleContexts().Delete(ctx, moduleID, resourceType, resourceID)
}

// ResourceIDs returns the set of resource ids of the given type the module
// owns. An unknown module (no context records at all) is a not_found, not
// an empty set: listings scoped to a stale module must 404.
func (s *Service) ResourceIDs(ctx context.Context, moduleID, resourceType string) (map[string]bool, error) {
	const op = "modules.ResourceIDs"
	if moduleID == "" {
		return nil, core.NewValidation(op, "moduleId is required")
	}
	known, err := s.store.ModuleContexts().ModuleKnown(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, core.NewNotFound(op,
			fmt.Errorf("module %q has no published resources: %w", moduleID, core.ErrModuleNotFound))
	}

	rows, err := s.store.ModuleContexts().ListResources(ctx, moduleID, resourceType)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(rows))
	for _, row := range rows {
		ids[row.ResourceID] = true
	}
	return ids, nil
}

// ModulesForResource lists the modules bound to one resource.
func (s *Service) ModulesForResource(ctx context.Context, resourceType, resourceID string) ([]*store.ModuleContext, error) {
	return s.store.ModuleContexts().ListForResource(ctx, resourceType, resourceID)
}
