package vaultpay

import "context"

// SchemeFacilitator is implemented by facilitator-side payment mechanisms.
// One implementation exists per payment scheme; the Facilitator registry
// routes each request to the implementation registered for the request's
// scheme and network.
//
// Verify must never have a side effect that cannot be safely repeated: a
// second verification of an already-consumed nonce is rejected, not
// re-processed. Settle either moves value synchronously (immediate schemes)
// or records the intent for batch settlement and returns a pending receipt
// (deferred schemes).
type SchemeFacilitator interface {
	Scheme() string

	// GetExtra returns mechanism-specific data for the supported-kinds
	// response, or nil.
	GetExtra(network Network) map[string]interface{}

	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
}

// FacilitatorClient is the engine surface the HTTP layer consumes. Bytes at
// the boundary; the implementation validates, unmarshals and routes.
type FacilitatorClient interface {
	Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (VerifyResponse, error)
	Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) (SettleResponse, error)
	GetSupported() SupportedResponse
}
