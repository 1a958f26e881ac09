package errs

import (
	"errors"
	"fmt"
)

// Kind classifies sequencer errors by how callers should react.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation covers bad amounts, precision violations, unknown
	// pools and other request-shape problems. No state change.
	KindValidation
	// KindSignature covers signature mismatches and stale fee quotes.
	// The caller must re-quote and re-sign.
	KindSignature
	// KindCapacity covers backpressure: commit sealing in progress,
	// too many unconfirmed commits, recovery in progress. Retryable.
	KindCapacity
	// KindConsistency covers indexer verification mismatches. In strict
	// mode it forces a ledger reset; the request itself is retryable.
	KindConsistency
	// KindFatal latches the global error flag and blocks all further
	// mutating operations until manually cleared.
	KindFatal
	// KindStorage covers projection writes that failed after the ledger
	// mutation succeeded. Logged, never rolled back.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSignature:
		return "signature"
	case KindCapacity:
		return "capacity"
	case KindConsistency:
		return "consistency"
	case KindFatal:
		return "fatal"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Reason codes surfaced to callers.
const (
	CodeBadAmount          = "bad_amount"
	CodePrecision          = "precision_violation"
	CodeUnknownTick        = "unknown_tick"
	CodeUnknownPool        = "unknown_pool"
	CodePoolExists         = "pool_exists"
	CodeInsufficientFunds  = "insufficient_funds"
	CodeLiquidityTooLow    = "liquidity_too_low"
	CodeSlippage           = "slippage_exceeded"
	CodePayTypeMismatch    = "pay_type_mismatch"
	CodeAddressUnsupported = "address_type_unsupported"
	CodeAccessDenied       = "access_denied"
	CodeInvalidEvent       = "invalid_event"
	CodeSignatureMismatch  = "signature_mismatch"
	CodeQuoteExpired       = "quote_expired"
	CodeFeeMismatch        = "fee_mismatch"
	CodeReplay             = "replayed_operation"
	CodeSystemBusy         = "system_busy"
	CodeReadOnly           = "read_only"
	CodeTooManyUnconfirmed = "too_many_unconfirmed_commits"
	CodeVerifyMismatch     = "verify_mismatch"
	CodeInvariant          = "invariant_violation"
	CodeIndexerDown        = "indexer_unhealthy"
	CodeStakeBalanceLow    = "stake_reward_balance_low"
	CodeProjectionWrite    = "projection_write_failed"
)

// Error carries a kind, a stable reason code, and an optional cause.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Code, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two errs.Errors by code, so sentinel-style comparison with
// errors.Is works against a bare E(kind, code, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// E builds a new Error.
func E(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and code to an underlying error.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: code, Err: err}
}

// KindOf extracts the kind from any error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf extracts the reason code from any error in the chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }

// Retryable reports whether the caller should retry later.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindCapacity || k == KindConsistency
}
