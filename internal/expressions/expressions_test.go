package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marqops/conductor/pkg/schema"
)

func TestCELEvaluateBool(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	tests := []struct {
		name string
		expr string
		data map[string]any
		want bool
	}{
		{
			name: "data field comparison",
			expr: `data.lead_score >= 70`,
			data: map[string]any{"data": map[string]any{"lead_score": 85}},
			want: true,
		},
		{
			name: "missing environment defaults to empty map",
			expr: `"segment" in data`,
			data: nil,
			want: false,
		},
		{
			name: "workflow metadata access",
			expr: `workflow.org_id == "org-1"`,
			data: map[string]any{"workflow": map[string]any{"org_id": "org-1"}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eng.EvaluateBool(context.Background(), tt.expr, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELEvaluateBoolNonBool(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.EvaluateBool(context.Background(), `data.lead_score`, map[string]any{
		"data": map[string]any{"lead_score": 42},
	})
	require.Error(t, err)

	var cErr *schema.ConductorError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, schema.ErrCodeValidation, cErr.Code)
}

func TestCELCompileError(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), `data.(((`, nil)
	require.Error(t, err)

	var cErr *schema.ConductorError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, schema.ErrCodeValidation, cErr.Code)
}

func TestExprEvaluate(t *testing.T) {
	eng := NewExprEngine()

	out, err := eng.Evaluate(context.Background(), `len(filter(contacts, .score > 50))`, map[string]any{
		"contacts": []any{
			map[string]any{"score": 80},
			map[string]any{"score": 30},
			map[string]any{"score": 90},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestExprUndefinedVariables(t *testing.T) {
	eng := NewExprEngine()

	out, err := eng.Evaluate(context.Background(), `missing == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEmptyExpression(t *testing.T) {
	eng := NewExprEngine()

	_, err := eng.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestGoJQSingleOutput(t *testing.T) {
	eng := NewGoJQEngine()

	out, err := eng.Evaluate(context.Background(), `.campaign.budget * 2`, map[string]any{
		"campaign": map[string]any{"budget": 100.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 200.0, out)
}

func TestGoJQMultipleOutputs(t *testing.T) {
	eng := NewGoJQEngine()

	out, err := eng.Evaluate(context.Background(), `.segments[]`, map[string]any{
		"segments": []any{"new", "engaged", "churned"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"new", "engaged", "churned"}, out)
}

func TestGoJQParseError(t *testing.T) {
	eng := NewGoJQEngine()

	_, err := eng.Evaluate(context.Background(), `.[[[`, nil)
	require.Error(t, err)

	var cErr *schema.ConductorError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, schema.ErrCodeValidation, cErr.Code)
}

func TestEngineCaching(t *testing.T) {
	eng := NewExprEngine()

	for i := 0; i < 3; i++ {
		out, err := eng.Evaluate(context.Background(), `1 + 1`, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, out)
	}
	assert.Len(t, eng.cache, 1)
}
