// Package errors defines error code constants for the trainers.
// Each code has a stable identifier so tests and callers can match on
// the code instead of the message text.
package errors

// ErrorCode represents a structured error code definition
type ErrorCode struct {
	Code    string
	Type    ErrorType
	Message string
}

// ============================================================================
// Configuration Errors (CFG_xxx)
// ============================================================================

var (
	// ErrCfgUnknownLossVariant indicates an unrecognized sql_loss_impl value
	ErrCfgUnknownLossVariant = ErrorCode{
		Code:    "CFG_001",
		Type:    ErrorTypeConfiguration,
		Message: "Unknown soft-Q loss variant",
	}

	// ErrCfgUnknownSyncMethod indicates an unrecognized target_update_method
	ErrCfgUnknownSyncMethod = ErrorCode{
		Code:    "CFG_002",
		Type:    ErrorTypeConfiguration,
		Message: "Unknown target network sync method",
	}

	// ErrCfgUnknownMixStrategy indicates an unrecognized mix_strategy
	ErrCfgUnknownMixStrategy = ErrorCode{
		Code:    "CFG_003",
		Type:    ErrorTypeConfiguration,
		Message: "Unknown forward mode mix strategy",
	}

	// ErrCfgInvalidOption indicates an option value outside its valid range
	ErrCfgInvalidOption = ErrorCode{
		Code:    "CFG_004",
		Type:    ErrorTypeConfiguration,
		Message: "Configuration option out of range",
	}
)

// ============================================================================
// Validation Errors (VAL_xxx)
// ============================================================================

var (
	// ErrValShapeMismatch indicates mismatched tensor shapes
	ErrValShapeMismatch = ErrorCode{
		Code:    "VAL_001",
		Type:    ErrorTypeValidation,
		Message: "Tensor shape mismatch",
	}

	// ErrValBadRewardTensor indicates a non rank-1 or wrong-length reward tensor
	ErrValBadRewardTensor = ErrorCode{
		Code:    "VAL_002",
		Type:    ErrorTypeValidation,
		Message: "Reward tensor must be rank 1 and match the batch size",
	}

	// ErrValBadSequenceLength indicates sequence lengths inconsistent with
	// the time dimension of the logits
	ErrValBadSequenceLength = ErrorCode{
		Code:    "VAL_003",
		Type:    ErrorTypeValidation,
		Message: "Sequence lengths inconsistent with logits time dimension",
	}

	// ErrValUnsupportedNode indicates an unrecognized node kind inside a
	// nested tensor structure
	ErrValUnsupportedNode = ErrorCode{
		Code:    "VAL_004",
		Type:    ErrorTypeValidation,
		Message: "Unrecognized node kind in nested tensor structure",
	}
)

// NewFromCode builds an AppError from a code definition
func NewFromCode(ec ErrorCode) *AppError {
	return New(ec.Code, ec.Type, ec.Message)
}

// NewFromCodef builds an AppError from a code definition with extra detail
// appended to the catalog message
func NewFromCodef(ec ErrorCode, format string, args ...interface{}) *AppError {
	return Newf(ec.Code, ec.Type, ec.Message+": "+format, args...)
}
