// Package diagram renders workflow definitions as Mermaid flowcharts for
// agent-facing inspection of the step graph.
package diagram

import (
	"fmt"
	"strings"

	"github.com/marqops/conductor/pkg/schema"
)

// RenderMermaid renders a workflow definition as a Mermaid flowchart.
// statuses optionally overlays per-step run state (step id → status) and may
// be nil for a plain structural diagram.
func RenderMermaid(def *schema.WorkflowDefinition, statuses map[string]string) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	title := def.Name
	if title == "" {
		title = def.ID
	}
	b.WriteString(fmt.Sprintf("    %%%% %s (%s)\n", title, def.EffectiveMode()))

	for i := range def.Steps {
		b.WriteString("    " + nodeDef(&def.Steps[i]) + "\n")
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		for _, dep := range step.DependsOn {
			b.WriteString(fmt.Sprintf("    %s --> %s\n", safeID(dep), safeID(step.ID)))
		}
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for i := range def.Steps {
		step := &def.Steps[i]
		if cls := statusClass(statuses[step.ID]); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", safeID(step.ID), cls))
		}
	}

	return b.String()
}

// nodeDef returns the Mermaid node definition. Condition-guarded steps render
// as diamonds, everything else as boxes labelled with their capability.
func nodeDef(step *schema.StepSpec) string {
	id := safeID(step.ID)
	label := step.ID
	if step.Capability != "" {
		label = fmt.Sprintf("%s: %s", step.ID, step.Capability)
	}
	if step.Condition != "" {
		return fmt.Sprintf("%s{%q}", id, label)
	}
	return fmt.Sprintf("%s[%q]", id, label)
}

// safeID converts a step ID to a Mermaid-safe identifier.
func safeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func statusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "pending", "skipped":
		return status
	default:
		return ""
	}
}
