package capability

import (
	"context"
	"time"

	"github.com/marqops/conductor/pkg/schema"
)

// RegisterBuiltins registers the built-in data-plumbing capabilities:
// core.noop, core.merge, transform.expr, transform.jq.
func RegisterBuiltins(reg *Registry) error {
	all := []Capability{
		&noopCapability{},
		&mergeCapability{},
		NewExprTransform(),
		NewJQTransform(),
	}
	for _, c := range all {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// noopCapability echoes its input back as output. Used for wiring tests
// and as a placeholder step while a workflow is being authored.
type noopCapability struct{}

func (n *noopCapability) ID() string { return "core.noop" }

func (n *noopCapability) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	out := make(map[string]any, len(req.InputData))
	for k, v := range req.InputData {
		if k == schema.MetadataKey {
			continue
		}
		out[k] = v
	}
	return Completed(out, time.Since(start).Seconds()), nil
}

// mergeCapability flattens map-valued inputs into a single output map.
// Scalar inputs are passed through under their own key. Later keys win
// on collision, iteration order being unspecified for same-level merges.
type mergeCapability struct{}

func (m *mergeCapability) ID() string { return "core.merge" }

func (m *mergeCapability) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	out := make(map[string]any)
	for k, v := range req.InputData {
		if k == schema.MetadataKey {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range nested {
				out[nk] = nv
			}
			continue
		}
		out[k] = v
	}
	return Completed(out, time.Since(start).Seconds()), nil
}
