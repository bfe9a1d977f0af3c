package vaultpay

import (
	"context"
	"time"
)

// VerifyContext is passed to verify hooks.
type VerifyContext struct {
	Ctx          context.Context
	Payload      PaymentPayload
	Requirements PaymentRequirements
	Timestamp    time.Time
}

// VerifyResultContext carries a completed verify result to after hooks.
type VerifyResultContext struct {
	VerifyContext
	Result VerifyResponse
}

// VerifyFailureContext carries a failed verify to failure hooks.
type VerifyFailureContext struct {
	VerifyContext
	Error error
}

// SettleContext is passed to settle hooks.
type SettleContext struct {
	Ctx          context.Context
	Payload      PaymentPayload
	Requirements PaymentRequirements
	Timestamp    time.Time
}

// SettleResultContext carries a completed settle result to after hooks.
type SettleResultContext struct {
	SettleContext
	Result SettleResponse
}

// SettleFailureContext carries a failed settle to failure hooks.
type SettleFailureContext struct {
	SettleContext
	Error error
}

// BeforeHookResult aborts the operation with Reason when Abort is true.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// VerifyFailureHookResult substitutes Result for the error when Recovered is true.
type VerifyFailureHookResult struct {
	Recovered bool
	Result    VerifyResponse
}

// SettleFailureHookResult substitutes Result for the error when Recovered is true.
type SettleFailureHookResult struct {
	Recovered bool
	Result    SettleResponse
}

// BeforeVerifyHook runs before verification; returning Abort=true short-circuits
// with an invalid VerifyResponse carrying the given reason.
type BeforeVerifyHook func(VerifyContext) (*BeforeHookResult, error)

// AfterVerifyHook runs after successful verification. Errors are ignored.
type AfterVerifyHook func(VerifyResultContext) error

// OnVerifyFailureHook runs when verification fails and may recover.
type OnVerifyFailureHook func(VerifyFailureContext) (*VerifyFailureHookResult, error)

// BeforeSettleHook runs before settlement; returning Abort=true short-circuits.
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook runs after successful settlement. Errors are ignored.
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook runs when settlement fails and may recover.
type OnSettleFailureHook func(SettleFailureContext) (*SettleFailureHookResult, error)
