// Package orchestration executes workflow runs: step DAG advancement,
// retries, partitioning, fan-out, and cancellation. RunWorkflow is the
// single entrypoint; each pass is single-writer per run.
package orchestration

import (
	"fmt"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

// ValidateSteps enforces the definition-time graph invariants: unique
// step ids, dependencies referencing defined steps, no cycles, fanout
// bodies present, and produces.assetId unique per step.
func ValidateSteps(steps []store.StepSpec) error {
	if len(steps) == 0 {
		return core.NewValidation("orchestration.ValidateSteps", "definition requires at least one step")
	}

	byID := make(map[string]*store.StepSpec, len(steps))
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return core.NewValidation("orchestration.ValidateSteps", "step id is required")
		}
		if _, dup := byID[step.ID]; dup {
			return core.NewValidationf("orchestration.ValidateSteps", "duplicate step id %q", step.ID)
		}
		byID[step.ID] = step

		switch step.Type {
		case store.StepTypeJob:
			if step.JobSlug == "" {
				return core.NewValidationf("orchestration.ValidateSteps", "job step %q requires jobSlug", step.ID)
			}
		case store.StepTypeService:
			if step.Service == "" {
				return core.NewValidationf("orchestration.ValidateSteps", "service step %q requires a service slug", step.ID)
			}
			if step.Request == nil || step.Request.Path == "" {
				return core.NewValidationf("orchestration.ValidateSteps", "service step %q requires a request path", step.ID)
			}
		case store.StepTypeFanout:
			if step.Body == nil {
				return core.NewValidationf("orchestration.ValidateSteps", "fanout step %q requires a body step", step.ID)
			}
			if step.Partition == nil {
				return core.NewValidationf("orchestration.ValidateSteps", "fanout step %q requires a partition spec", step.ID)
			}
			if err := validatePartitionSpec(step.Partition); err != nil {
				return core.NewValidationf("orchestration.ValidateSteps", "fanout step %q: %v", step.ID, err)
			}
		default:
			return core.NewValidationf("orchestration.ValidateSteps", "step %q has unknown type %q", step.ID, step.Type)
		}

		seen := make(map[string]bool, len(step.Produces))
		for _, asset := range step.Produces {
			if asset.AssetID == "" {
				return core.NewValidationf("orchestration.ValidateSteps", "step %q produces an asset without an id", step.ID)
			}
			if seen[asset.AssetID] {
				return core.NewValidationf("orchestration.ValidateSteps", "step %q produces asset %q twice", step.ID, asset.AssetID)
			}
			seen[asset.AssetID] = true
		}
	}

	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return core.NewValidationf("orchestration.ValidateSteps",
					"step %q depends on undefined step %q", step.ID, dep)
			}
			if dep == step.ID {
				return core.NewValidationf("orchestration.ValidateSteps", "step %q depends on itself", step.ID)
			}
		}
	}

	if _, err := topologicalOrder(steps); err != nil {
		return err
	}
	return nil
}

func validatePartitionSpec(spec *store.PartitionSpec) error {
	switch spec.Type {
	case "timeWindow":
		switch spec.Granularity {
		case "minute", "hour", "day":
		default:
			return fmt.Errorf("timeWindow partitioning requires granularity minute, hour, or day")
		}
		if spec.Lookback < 0 {
			return fmt.Errorf("lookback must be non-negative")
		}
	case "dynamic":
	case "static":
		if len(spec.Values) == 0 {
			return fmt.Errorf("static partitioning requires values")
		}
	default:
		return fmt.Errorf("unknown partition type %q", spec.Type)
	}
	return nil
}

// topologicalOrder returns the step ids in dependency order, or a
// validation error when the graph has a cycle. Kahn's algorithm; ties
// break on declaration order so the result is stable.
func topologicalOrder(steps []store.StepSpec) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	order := make([]string, 0, len(steps))

	for _, step := range steps {
		indegree[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var frontier []string
	for _, step := range steps {
		if indegree[step.ID] == 0 {
			frontier = append(frontier, step.ID)
		}
	}

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, core.NewValidation("orchestration.topologicalOrder", "step graph contains a cycle")
	}
	return order, nil
}

// readySteps computes the frontier: pending steps whose dependencies all
// reached succeeded, or skipped when the step tolerates skips.
func readySteps(specs []store.StepSpec, records map[string]*store.RunStep) []store.StepSpec {
	var out []store.StepSpec
	for _, spec := range specs {
		rec := records[spec.ID]
		if rec == nil || rec.Status != store.StepPending {
			continue
		}
		if dependenciesSatisfied(spec, records) {
			out = append(out, spec)
		}
	}
	return out
}

func dependenciesSatisfied(spec store.StepSpec, records map[string]*store.RunStep) bool {
	for _, dep := range spec.DependsOn {
		rec := records[dep]
		if rec == nil {
			return false
		}
		switch rec.Status {
		case store.StepSucceeded:
		case store.StepSkipped:
			if !spec.ContinueOnSkip {
				return false
			}
		default:
			return false
		}
	}
	return true
}
