package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromCodeCarriesCatalogFields(t *testing.T) {
	err := NewFromCode(ErrCfgUnknownLossVariant)
	assert.Equal(t, "CFG_001", err.Code)
	assert.Equal(t, ErrorTypeConfiguration, err.Type)
	assert.Contains(t, err.Error(), "CFG_001")
}

func TestNewFromCodefAppendsDetail(t *testing.T) {
	err := NewFromCodef(ErrValShapeMismatch, "got %v", []int{2, 3})
	assert.Equal(t, "VAL_001", err.Code)
	assert.Contains(t, err.Message, "got [2 3]")
}

func TestIsAndIsType(t *testing.T) {
	err := NewFromCode(ErrCfgUnknownSyncMethod)

	assert.True(t, Is(err, "CFG_002"))
	assert.False(t, Is(err, "CFG_001"))
	assert.True(t, IsType(err, ErrorTypeConfiguration))
	assert.False(t, IsType(err, ErrorTypeValidation))

	assert.False(t, Is(nil, "CFG_002"))
	assert.False(t, Is(stderrors.New("plain"), "CFG_002"))
}

func TestWrapPreservesTypeAndUnwraps(t *testing.T) {
	inner := NewFromCode(ErrValBadRewardTensor)
	wrapped := Wrap(inner, "INTERNAL_ERROR", "while scoring batch")

	require.NotNil(t, wrapped)
	assert.Equal(t, ErrorTypeValidation, wrapped.Type)
	assert.Equal(t, inner, stderrors.Unwrap(wrapped))

	plain := Wrap(stderrors.New("boom"), "INTERNAL_ERROR", "context")
	assert.Equal(t, ErrorTypeInternal, plain.Type)

	assert.Nil(t, Wrap(nil, "X", "y"))
}

func TestNotImplementedError(t *testing.T) {
	err := NotImplementedError("Trainer.SavePretrained")
	assert.True(t, IsType(err, ErrorTypeNotImplemented))
	assert.Contains(t, err.Error(), "Trainer.SavePretrained")
}

func TestWithDetailsAndJSON(t *testing.T) {
	err := ValidationError("bad input").WithDetails("field", "rewards")
	assert.Equal(t, "rewards", err.Details["field"])
	assert.Contains(t, string(err.ToJSON()), `"code":"VALIDATION_ERROR"`)
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, "", GetCode(nil))
	assert.Equal(t, "UNKNOWN", GetCode(stderrors.New("plain")))
	assert.Equal(t, "VAL_002", GetCode(NewFromCode(ErrValBadRewardTensor)))
}
