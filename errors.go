package vaultpay

import "fmt"

// Error codes returned in VerifyResponse.InvalidReason and
// SettleResponse.ErrorReason. The HTTP layer maps these onto status codes:
// validation codes to 400, nonce_replay to 400, settlement_rejected to 402,
// settlement_unavailable to 503.
const (
	ErrMalformedPayload      = "malformed_payload"
	ErrSignatureInvalid      = "invalid_signature"
	ErrNonceBindingMismatch  = "nonce_binding_mismatch"
	ErrIntentExpired         = "intent_expired"
	ErrIntentNotYetValid     = "intent_not_yet_valid"
	ErrChainMismatch         = "chain_mismatch"
	ErrTokenMismatch         = "token_mismatch"
	ErrNonceReplay           = "nonce_replay"
	ErrInsufficientDeposit   = "insufficient_deposit"
	ErrInsufficientBalance   = "insufficient_balance"
	ErrInsufficientAmount    = "insufficient_amount"
	ErrRecipientMismatch     = "recipient_mismatch"
	ErrUnsupportedScheme     = "unsupported_scheme"
	ErrUnsupportedNetwork    = "unsupported_network"
	ErrSettlementRejected    = "settlement_rejected"
	ErrSettlementUnavailable = "settlement_unavailable"
	ErrVerificationFailed    = "verification_failed"
	ErrInvalidRequirements   = "invalid_requirements"
)

// VerifyError is a typed verification failure. Mechanisms return it instead
// of panicking or leaking raw errors past the dispatcher; the InvalidReason
// code is stable API, InvalidMessage is free-form detail for audit.
type VerifyError struct {
	InvalidReason  string
	Payer          string
	InvalidMessage string
}

func (e *VerifyError) Error() string {
	if e.InvalidMessage == "" {
		return e.InvalidReason
	}
	return fmt.Sprintf("%s: %s", e.InvalidReason, e.InvalidMessage)
}

// NewVerifyError creates a typed verification failure.
func NewVerifyError(reason, payer, message string) *VerifyError {
	return &VerifyError{InvalidReason: reason, Payer: payer, InvalidMessage: message}
}

// Response converts the error into the VerifyResponse the HTTP layer returns.
func (e *VerifyError) Response() VerifyResponse {
	return VerifyResponse{
		IsValid:        false,
		InvalidReason:  e.InvalidReason,
		InvalidMessage: e.InvalidMessage,
		Payer:          e.Payer,
	}
}

// SettleError is a typed settlement failure. Transaction is set when a
// transaction was submitted before the failure (e.g. a revert), so callers
// can still audit the attempt.
type SettleError struct {
	ErrorReason string
	Payer       string
	Network     Network
	Transaction string
	Message     string
}

func (e *SettleError) Error() string {
	if e.Message == "" {
		return e.ErrorReason
	}
	return fmt.Sprintf("%s: %s", e.ErrorReason, e.Message)
}

// NewSettleError creates a typed settlement failure.
func NewSettleError(reason, payer string, network Network, transaction, message string) *SettleError {
	return &SettleError{
		ErrorReason: reason,
		Payer:       payer,
		Network:     network,
		Transaction: transaction,
		Message:     message,
	}
}

// Response converts the error into the SettleResponse the HTTP layer returns.
func (e *SettleError) Response() SettleResponse {
	return SettleResponse{
		Success:     false,
		ErrorReason: e.ErrorReason,
		Payer:       e.Payer,
		Network:     e.Network,
		Transaction: e.Transaction,
	}
}

// IsTransient reports whether an error reason represents a transient
// infrastructure failure the caller may retry with backoff. Every other
// category is a definitive rejection.
func IsTransient(reason string) bool {
	return reason == ErrSettlementUnavailable
}
