package engine

import (
	"github.com/marqops/conductor/pkg/schema"
)

// BuildLevels groups steps into ordered dependency levels using Kahn-style
// layering: level k contains every step whose dependencies all sit in levels
// < k. Steps within a level preserve declared order; they carry no mutual
// ordering guarantee at execution time.
//
// Steps that can never reach in-degree zero — members of a cycle, or steps
// naming a dependency that does not exist — are returned in unplaced rather
// than raising. The runner logs a warning and drops them; strict rejection
// happens earlier, at definition validation.
func BuildLevels(steps []schema.StepSpec) (levels [][]*schema.StepSpec, unplaced []string) {
	known := make(map[string]bool, len(steps))
	for i := range steps {
		known[steps[i].ID] = true
	}

	// In-degree counts unplaced dependencies. Self-dependencies and
	// dependencies on unknown steps are never decremented, so such steps
	// can never be placed.
	inDegree := make(map[string]int, len(steps))
	for i := range steps {
		inDegree[steps[i].ID] = len(steps[i].DependsOn)
	}

	placed := make(map[string]bool, len(steps))
	remaining := len(steps)

	for remaining > 0 {
		var level []*schema.StepSpec
		for i := range steps {
			step := &steps[i]
			if placed[step.ID] {
				continue
			}
			if inDegree[step.ID] == 0 {
				level = append(level, step)
			}
		}

		if len(level) == 0 {
			// Cycle or dangling dependency: nothing else can be placed.
			for i := range steps {
				if !placed[steps[i].ID] {
					unplaced = append(unplaced, steps[i].ID)
				}
			}
			return levels, unplaced
		}

		for _, step := range level {
			placed[step.ID] = true
			remaining--
		}

		// Decrement in-degree of steps that depended on anything just placed.
		for i := range steps {
			step := &steps[i]
			if placed[step.ID] {
				continue
			}
			for _, dep := range step.DependsOn {
				if dep == step.ID || !known[dep] {
					continue
				}
				if placedInLevel(level, dep) {
					inDegree[step.ID]--
				}
			}
		}

		levels = append(levels, level)
	}

	return levels, nil
}

func placedInLevel(level []*schema.StepSpec, id string) bool {
	for _, s := range level {
		if s.ID == id {
			return true
		}
	}
	return false
}
