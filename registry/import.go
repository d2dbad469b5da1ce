package registry

import (
	"context"

	"gopkg.in/yaml.v3"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

// serviceNetworkDoc is the import bundle format: one module declaring its
// services and the networks linking them. YAML and JSON both parse (JSON
// is a YAML subset).
type serviceNetworkDoc struct {
	Module struct {
		ID      string `yaml:"id"`
		Version string `yaml:"version"`
	} `yaml:"module"`
	Services []serviceDoc `yaml:"services"`
	Networks []networkDoc `yaml:"networks"`
}

type serviceDoc struct {
	Slug           string            `yaml:"slug"`
	DisplayName    string            `yaml:"displayName"`
	Kind           string            `yaml:"kind"`
	BaseURL        string            `yaml:"baseUrl"`
	HealthEndpoint string            `yaml:"healthEndpoint"`
	OpenAPIPath    string            `yaml:"openapiPath"`
	Env            []envDoc          `yaml:"env"`
	Capabilities   []string          `yaml:"capabilities"`
	Tags           []string          `yaml:"tags"`
	Metadata       map[string]string `yaml:"metadata"`
}

type envDoc struct {
	Key         string `yaml:"key"`
	Value       string `yaml:"value"`
	FromService *struct {
		Service  string `yaml:"service"`
		Property string `yaml:"property"`
		Fallback string `yaml:"fallback"`
	} `yaml:"fromService"`
}

type networkDoc struct {
	Name     string   `yaml:"name"`
	Services []string `yaml:"services"`
}

// ImportResult summarizes a bundle import.
type ImportResult struct {
	ModuleID string   `json:"moduleId"`
	Services []string `json:"services"`
	Networks []string `json:"networks"`
}

// ImportServiceNetwork parses a manifest bundle and imports its services
// under the declared module.
func (r *Registry) ImportServiceNetwork(ctx context.Context, raw []byte) (*ImportResult, error) {
	const op = "registry.ImportServiceNetwork"

	var doc serviceNetworkDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, core.NewValidationf(op, "parsing bundle: %v", err)
	}
	if doc.Module.ID == "" {
		return nil, core.NewValidation(op, "module.id is required")
	}
	if len(doc.Services) == 0 {
		return nil, core.NewValidation(op, "bundle declares no services")
	}

	manifests := make([]*store.ServiceManifest, 0, len(doc.Services))
	slugs := make([]string, 0, len(doc.Services))
	for _, svc := range doc.Services {
		manifest := &store.ServiceManifest{
			Slug:           svc.Slug,
			DisplayName:    svc.DisplayName,
			Kind:           svc.Kind,
			BaseURL:        svc.BaseURL,
			HealthEndpoint: svc.HealthEndpoint,
			OpenAPIPath:    svc.OpenAPIPath,
			Capabilities:   svc.Capabilities,
			Tags:           svc.Tags,
			Source:         "network-import:" + doc.Module.ID,
		}
		for _, env := range svc.Env {
			binding := store.EnvBinding{Key: env.Key, Value: env.Value}
			if env.FromService != nil {
				binding.FromService = &store.FromServiceRef{
					Service:  env.FromService.Service,
					Property: env.FromService.Property,
					Fallback: env.FromService.Fallback,
				}
			}
			manifest.Env = append(manifest.Env, binding)
		}
		manifests = append(manifests, manifest)
		slugs = append(slugs, svc.Slug)
	}

	if err := r.ImportManifests(ctx, doc.Module.ID, doc.Module.Version, manifests); err != nil {
		return nil, err
	}

	result := &ImportResult{ModuleID: doc.Module.ID, Services: slugs}
	for _, network := range doc.Networks {
		result.Networks = append(result.Networks, network.Name)
	}
	return result, nil
}
