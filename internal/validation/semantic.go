package validation

import (
	"fmt"
	"time"

	"github.com/marqops/conductor/pkg/schema"
)

// CapabilityLookup answers whether a capability ID is registered.
// Satisfied by capability.Registry.
type CapabilityLookup interface {
	Has(id string) bool
}

// ConditionChecker compiles a condition guard without evaluating it.
// Satisfied by expressions.CELEngine.
type ConditionChecker interface {
	Compile(expression string) error
}

const highRetryThreshold = 10

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: duplicate step IDs, capability registration, depends_on references,
// self-dependencies, condition guard syntax, shared-data write conflicts.
func validateSemantic(def *schema.WorkflowDefinition, caps CapabilityLookup, conditions ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if stepIDs[s.ID] {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		stepIDs[s.ID] = true
	}

	// writers[key] = step IDs that map an output into shared data key.
	// Two writers of one key only race when neither depends on the other;
	// a downstream step overwriting its ancestor's key is ordinary
	// sequential refinement.
	writers := make(map[string][]string)
	ancestors := buildAncestors(def.Steps)

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if caps != nil && step.Capability != "" && !caps.Has(step.Capability) {
			result.AddError(path+".capability", schema.ErrCodeCapabilityUnavailable,
				fmt.Sprintf("capability %q not registered", step.Capability))
		}

		for j, dep := range step.DependsOn {
			depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
			if dep == step.ID {
				result.AddError(depPath, schema.ErrCodeValidation,
					fmt.Sprintf("step %q depends on itself", step.ID))
				continue
			}
			if !stepIDs[dep] {
				result.AddError(depPath, schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent step %q", dep))
			}
		}

		if step.Condition != "" && conditions != nil {
			if err := conditions.Compile(step.Condition); err != nil {
				result.AddError(path+".condition", schema.ErrCodeValidation,
					fmt.Sprintf("invalid condition guard: %s", err.Error()))
			}
		}

		// Reserved key and single-writer-per-key checks on output mappings.
		for outKey, dataKey := range step.OutputMapping {
			mapPath := fmt.Sprintf("%s.output_mapping[%s]", path, outKey)
			if dataKey == schema.MetadataKey {
				result.AddError(mapPath, schema.ErrCodeValidation,
					fmt.Sprintf("shared data key %q is reserved", schema.MetadataKey))
				continue
			}
			for _, prev := range writers[dataKey] {
				if prev == step.ID || ancestors[step.ID][prev] || ancestors[prev][step.ID] {
					continue
				}
				result.AddError(mapPath, schema.ErrCodeConflict,
					fmt.Sprintf("shared data key %q also written by independent step %q", dataKey, prev))
				break
			}
			writers[dataKey] = append(writers[dataKey], step.ID)
		}

		if step.RetryDelay != "" {
			if _, err := time.ParseDuration(step.RetryDelay); err != nil {
				result.AddError(path+".retry_delay", schema.ErrCodeValidation,
					fmt.Sprintf("invalid retry delay %q", step.RetryDelay))
			}
		}

		if step.MaxRetries != nil && *step.MaxRetries > highRetryThreshold {
			result.AddWarning(path+".max_retries", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) with exponential backoff may cause very long delays", *step.MaxRetries))
		}
	}

	if def.Timeout != "" {
		if _, err := time.ParseDuration(def.Timeout); err != nil {
			result.AddError("timeout", schema.ErrCodeValidation,
				fmt.Sprintf("invalid workflow timeout %q", def.Timeout))
		}
	}

	return result
}

// buildAncestors returns, per step, the set of step IDs it transitively
// depends on. Dangling references and cycles are caught by the other checks;
// the walk tolerates both.
func buildAncestors(steps []schema.StepSpec) map[string]map[string]bool {
	deps := make(map[string][]string, len(steps))
	for i := range steps {
		deps[steps[i].ID] = steps[i].DependsOn
	}

	var walk func(id string, set, seen map[string]bool)
	walk = func(id string, set, seen map[string]bool) {
		if seen[id] {
			return
		}
		seen[id] = true
		for _, dep := range deps[id] {
			set[dep] = true
			walk(dep, set, seen)
		}
	}

	ancestors := make(map[string]map[string]bool, len(steps))
	for id := range deps {
		set := make(map[string]bool)
		walk(id, set, make(map[string]bool))
		ancestors[id] = set
	}
	return ancestors
}
