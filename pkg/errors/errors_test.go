// Package errors_test provides unit tests for the AppError type, factory
// functions, and error-chain helpers defined in pkg/errors/errors.go.
package errors_test

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transientlab/skymatch/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// TestNew
// ─────────────────────────────────────────────────────────────────────────────

func TestNew_FieldsAreSetCorrectly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		code    errors.ErrorCode
		message string
	}{
		{"internal error", errors.CodeInternal, "unexpected failure"},
		{"dataset not found", errors.CodeDatasetNotFound, "dataset 42 not found"},
		{"invalid position", errors.CodeInvalidPosition, "declination 91.0 out of range"},
		{"dataset busy", errors.CodeDatasetBusy, "dataset 7 locked by another run"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ae := errors.New(tc.code, tc.message)

			require.NotNil(t, ae)
			assert.Equal(t, tc.code, ae.Code)
			assert.Equal(t, tc.message, ae.Message)
			assert.Empty(t, ae.Detail, "Detail should be empty for bare New()")
			assert.Nil(t, ae.Cause, "Cause should be nil for bare New()")
		})
	}
}

func TestNew_StackIsPopulated(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.CodeInternal, "test")
	require.NotNil(t, ae)
	assert.Contains(t, ae.Stack, "errors_test.go")
}

func TestNewf_FormatsMessage(t *testing.T) {
	t.Parallel()

	ae := errors.Newf(errors.CodeInvalidPosition, "ra %.4f out of range", 361.5)
	require.NotNil(t, ae)
	assert.Equal(t, "ra 361.5000 out of range", ae.Message)
}

// ─────────────────────────────────────────────────────────────────────────────
// TestWrap
// ─────────────────────────────────────────────────────────────────────────────

func TestWrap_NilErrReturnsNil(t *testing.T) {
	t.Parallel()

	result := errors.Wrap(nil, errors.CodeInternal, "should not matter")
	assert.Nil(t, result)
}

func TestWrap_CauseChainIsPreserved(t *testing.T) {
	t.Parallel()

	root := stderrors.New("root DB error")
	wrapped := errors.Wrap(root, errors.CodeDatabaseError, "connection failed")

	require.NotNil(t, wrapped)
	assert.Equal(t, errors.CodeDatabaseError, wrapped.Code)
	assert.Equal(t, "connection failed", wrapped.Message)
	assert.Equal(t, root, wrapped.Cause)
}

func TestWrap_UnwrapReturnsCause(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("original")
	ae := errors.Wrap(cause, errors.CodeCacheError, "cache miss")

	unwrapped := stderrors.Unwrap(ae)
	assert.Equal(t, cause, unwrapped)
}

func TestWrap_PreservesOriginalCodeWhenCodeUnknown(t *testing.T) {
	t.Parallel()

	inner := errors.New(errors.CodeSourceNotFound, "not found")
	outer := errors.Wrap(inner, errors.CodeUnknown, "adding context")

	require.NotNil(t, outer)
	assert.Equal(t, errors.CodeSourceNotFound, outer.Code,
		"Wrap with CodeUnknown should inherit the inner AppError's code")
}

func TestWrap_OverridesCodeWhenExplicit(t *testing.T) {
	t.Parallel()

	inner := errors.New(errors.CodeSourceNotFound, "not found")
	outer := errors.Wrap(inner, errors.CodeInternal, "unexpected state")

	assert.Equal(t, errors.CodeInternal, outer.Code,
		"explicit non-Unknown code must override the inner code")
}

func TestWrap_MultiLevel(t *testing.T) {
	t.Parallel()

	root := stderrors.New("dial tcp: connection refused")
	level1 := errors.Wrap(root, errors.CodeDatabaseError, "postgres unreachable")
	level2 := errors.Wrap(level1, errors.ErrCodeSnapshotFailed, "failed to load snapshot")

	// Unwrap chain: level2 → level1 → root
	assert.Equal(t, level1, stderrors.Unwrap(level2))
	assert.Equal(t, root, stderrors.Unwrap(level1))
	assert.True(t, errors.IsCode(level2, errors.CodeDatabaseError))
}

// ─────────────────────────────────────────────────────────────────────────────
// TestError_Method
// ─────────────────────────────────────────────────────────────────────────────

func TestError_FormatWithoutDetail(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.CodeSourceNotFound, "running source not found")
	s := ae.Error()

	assert.Contains(t, s, "CAT_003")
	assert.Contains(t, s, "running source not found")
	assert.False(t, strings.Contains(s, ": "),
		"Error() without detail should not contain a detail segment")
}

func TestError_FormatWithCause(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("provisional source -5 has no assigned ID")
	ae := errors.Wrap(cause, errors.ErrCodeCommitFailed, "applying association batch")
	s := ae.Error()

	assert.Contains(t, s, "ASSOC_004")
	assert.Contains(t, s, "applying association batch: provisional source -5",
		"the wrapped cause must render in the formatted string")

	// Nested AppErrors render their whole chain.
	outer := errors.Wrap(ae, errors.CodeInternal, "batch worker failed")
	assert.Contains(t, outer.Error(), "provisional source -5")
}

func TestError_FormatWithDetail(t *testing.T) {
	t.Parallel()

	ae := errors.New(errors.CodeInvalidPosition, "declination out of range").
		WithDetail("decl=-90.0001")
	s := ae.Error()

	assert.Contains(t, s, "GEO_001")
	assert.Contains(t, s, "declination out of range: decl=-90.0001")
}

// ─────────────────────────────────────────────────────────────────────────────
// Builder methods
// ─────────────────────────────────────────────────────────────────────────────

func TestWithDetail_DoesNotMutateOriginal(t *testing.T) {
	t.Parallel()

	base := errors.New(errors.CodeInternal, "base")
	derived := base.WithDetail("extra context")

	assert.Empty(t, base.Detail)
	assert.Equal(t, "extra context", derived.Detail)
	assert.Equal(t, base.Code, derived.Code)
}

func TestWithCause_DoesNotMutateOriginal(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("low-level failure")
	base := errors.New(errors.CodeInternal, "base")
	derived := base.WithCause(cause)

	assert.Nil(t, base.Cause)
	assert.Equal(t, cause, derived.Cause)
}

func TestBuilders_NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var ae *errors.AppError
	assert.Nil(t, ae.WithDetail("x"))
	assert.Nil(t, ae.WithCause(fmt.Errorf("y")))
}

// ─────────────────────────────────────────────────────────────────────────────
// Inspection helpers
// ─────────────────────────────────────────────────────────────────────────────

func TestIsCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code errors.ErrorCode
		want bool
	}{
		{"nil error", nil, errors.CodeInternal, false},
		{"direct match", errors.New(errors.CodeDatasetBusy, "busy"), errors.CodeDatasetBusy, true},
		{"no match", errors.New(errors.CodeInternal, "x"), errors.CodeDatasetBusy, false},
		{"match through wrap", errors.Wrap(errors.New(errors.CodeDatasetBusy, "busy"), errors.CodeInternal, "outer"), errors.CodeDatasetBusy, true},
		{"plain stdlib error", stderrors.New("plain"), errors.CodeInternal, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, errors.IsCode(tc.err, tc.code))
		})
	}
}

func TestIsValidation(t *testing.T) {
	t.Parallel()

	assert.True(t, errors.IsValidation(errors.New(errors.CodeValidation, "bad")))
	assert.True(t, errors.IsValidation(errors.InvalidPosition("nan coordinates")))
	assert.True(t, errors.IsValidation(errors.InvalidParam("theta must be positive")))
	assert.False(t, errors.IsValidation(errors.Internal("boom")))
	assert.False(t, errors.IsValidation(nil))
}

func TestIsConflict(t *testing.T) {
	t.Parallel()

	assert.True(t, errors.IsConflict(errors.Conflict("duplicate")))
	assert.True(t, errors.IsConflict(errors.DatasetBusy("locked")))
	assert.False(t, errors.IsConflict(errors.Internal("boom")))
}

func TestGetCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want errors.ErrorCode
	}{
		{"nil", nil, errors.CodeOK},
		{"app error", errors.New(errors.CodeImageNotFound, "x"), errors.CodeImageNotFound},
		{"wrapped std error", errors.Wrap(stderrors.New("x"), errors.CodeTimeout, "ctx"), errors.CodeTimeout},
		{"plain std error", stderrors.New("x"), errors.CodeUnknown},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, errors.GetCode(tc.err))
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Convenience factories
// ─────────────────────────────────────────────────────────────────────────────

func TestConvenienceFactories(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  *errors.AppError
		code errors.ErrorCode
	}{
		{"NotFound", errors.NotFound("x"), errors.CodeNotFound},
		{"InvalidParam", errors.InvalidParam("x"), errors.CodeInvalidParam},
		{"InvalidState", errors.InvalidState("x"), errors.CodeConflict},
		{"Internal", errors.Internal("x"), errors.CodeInternal},
		{"Conflict", errors.Conflict("x"), errors.CodeConflict},
		{"Timeout", errors.Timeout("x"), errors.CodeTimeout},
		{"InvalidPosition", errors.InvalidPosition("x"), errors.CodeInvalidPosition},
		{"DatasetBusy", errors.DatasetBusy("x"), errors.CodeDatasetBusy},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.NotNil(t, tc.err)
			assert.Equal(t, tc.code, tc.err.Code)
			assert.Equal(t, "x", tc.err.Message)
		})
	}
}
