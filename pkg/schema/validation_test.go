package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResultAddFromError(t *testing.T) {
	t.Run("nil error adds nothing", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddFromError("/", nil)
		assert.True(t, r.Valid())
		assert.Empty(t, r.Errors)
	})

	t.Run("plain error becomes one issue", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddFromError("/steps", errors.New("steps is required"))
		require.Len(t, r.Errors, 1)
		assert.Equal(t, "/steps", r.Errors[0].Path)
		assert.Equal(t, ErrCodeValidation, r.Errors[0].Code)
	})

	t.Run("violations unpack to one issue each", func(t *testing.T) {
		err := NewError(ErrCodeValidation, "validation failed with 2 errors").
			WithDetails(map[string]any{
				"violations": []string{
					"/steps/0/id: minLength: length must be >= 1",
					"/mode: value must be one of sequential, parallel, conditional",
				},
			})
		r := &ValidationResult{}
		r.AddFromError("/", err)
		require.Len(t, r.Errors, 2)
		assert.Contains(t, r.Errors[0].Message, "minLength")
		assert.Contains(t, r.Errors[1].Message, "mode")
	})

	t.Run("conductor error without violations keeps its message", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddFromError("/", NewError(ErrCodeValidation, "workflow definition is nil"))
		require.Len(t, r.Errors, 1)
		assert.Equal(t, "workflow definition is nil", r.Errors[0].Message)
	})
}

func TestValidationResultToError(t *testing.T) {
	r := &ValidationResult{}
	assert.NoError(t, r.ToError())

	r.AddWarning("/steps/0/max_retries", ErrCodeValidation, "high retry count")
	assert.NoError(t, r.ToError(), "warnings alone are not an error")

	r.AddError("/id", ErrCodeValidation, "id is required")
	err := r.ToError()
	require.Error(t, err)

	var cerr *ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrCodeValidation, cerr.Code)
	assert.Equal(t, 1, cerr.Details["error_count"])
	assert.Equal(t, 1, cerr.Details["warning_count"])
}

func TestValidationResultMerge(t *testing.T) {
	a := &ValidationResult{}
	a.AddError("/a", ErrCodeValidation, "first")

	b := &ValidationResult{}
	b.AddError("/b", ErrCodeConflict, "second")
	b.AddWarning("/c", ErrCodeValidation, "third")

	a.Merge(b)
	a.Merge(nil)
	assert.Len(t, a.Errors, 2)
	assert.Len(t, a.Warnings, 1)
}
