package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/marqops/conductor/internal/expressions"
	"github.com/marqops/conductor/pkg/schema"
)

// transformCapability evaluates an expression against the step's input data
// and returns the result under the "result" output key. The expression comes
// from the "expression" input key; everything else in the input is exposed to
// the expression as its environment.
type transformCapability struct {
	id     string
	engine expressions.Engine
}

// NewExprTransform returns the transform.expr capability backed by expr-lang.
func NewExprTransform() Capability {
	return &transformCapability{id: "transform.expr", engine: expressions.NewExprEngine()}
}

// NewJQTransform returns the transform.jq capability backed by gojq.
func NewJQTransform() Capability {
	return &transformCapability{id: "transform.jq", engine: expressions.NewGoJQEngine()}
}

func (t *transformCapability) ID() string { return t.id }

func (t *transformCapability) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	rawExpr, ok := req.InputData["expression"]
	if !ok {
		return Failed(fmt.Sprintf("%s: missing %q input", t.id, "expression"), time.Since(start).Seconds()), nil
	}
	expression, ok := rawExpr.(string)
	if !ok || expression == "" {
		return Failed(fmt.Sprintf("%s: %q input must be a non-empty string", t.id, "expression"), time.Since(start).Seconds()), nil
	}

	env := make(map[string]any, len(req.InputData))
	for k, v := range req.InputData {
		if k == "expression" || k == schema.MetadataKey {
			continue
		}
		env[k] = v
	}

	out, err := t.engine.Evaluate(ctx, expression, env)
	if err != nil {
		return Failed(err.Error(), time.Since(start).Seconds()), nil
	}

	return Completed(map[string]any{"result": out}, time.Since(start).Seconds()), nil
}
