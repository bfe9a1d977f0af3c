package vaultpay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Facilitator routes payments to the scheme mechanism registered for their
// scheme and network, and runs lifecycle hooks around verify and settle.
// Unknown schemes and networks are rejected before any verification work.
type Facilitator struct {
	mu sync.RWMutex

	schemes map[Network]map[string]SchemeFacilitator
	extras  map[Network]map[string]interface{}

	// Settle results are cached per payload so client retries of the same
	// payment do not resubmit a transaction.
	settleCache *SettlementCache

	beforeVerifyHooks    []BeforeVerifyHook
	afterVerifyHooks     []AfterVerifyHook
	onVerifyFailureHooks []OnVerifyFailureHook
	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook
}

// NewFacilitator creates an empty facilitator registry.
func NewFacilitator() *Facilitator {
	return &Facilitator{
		schemes:     make(map[Network]map[string]SchemeFacilitator),
		extras:      make(map[Network]map[string]interface{}),
		settleCache: NewSettlementCache(10 * time.Minute),
	}
}

// Register registers a scheme mechanism for a network (wildcards allowed,
// e.g. "eip155:*"). Returns the facilitator for chaining.
func (f *Facilitator) Register(network Network, mechanism SchemeFacilitator, extra ...interface{}) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.schemes[network] == nil {
		f.schemes[network] = make(map[string]SchemeFacilitator)
	}
	f.schemes[network][mechanism.Scheme()] = mechanism

	if len(extra) > 0 {
		if f.extras[network] == nil {
			f.extras[network] = make(map[string]interface{})
		}
		f.extras[network][mechanism.Scheme()] = extra[0]
	}
	return f
}

func (f *Facilitator) OnBeforeVerify(hook BeforeVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *Facilitator) OnAfterVerify(hook AfterVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *Facilitator) OnVerifyFailure(hook OnVerifyFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

func (f *Facilitator) OnBeforeSettle(hook BeforeSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

func (f *Facilitator) OnAfterSettle(hook AfterSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

func (f *Facilitator) OnSettleFailure(hook OnSettleFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// Verify validates a payment. The payload and requirements arrive as raw
// JSON from the network boundary; they are schema-checked, unmarshalled and
// routed to the registered mechanism. All verification failures come back
// as an invalid VerifyResponse with a typed reason, never as a panic.
func (f *Facilitator) Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (VerifyResponse, error) {
	if err := ValidatePayloadSchema(payloadBytes); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ErrMalformedPayload, InvalidMessage: err.Error()}, nil
	}

	payload, err := ToPaymentPayload(payloadBytes)
	if err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ErrMalformedPayload, InvalidMessage: err.Error()}, nil
	}
	requirements, err := ToPaymentRequirements(requirementsBytes)
	if err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ErrInvalidRequirements, InvalidMessage: err.Error()}, nil
	}

	hookCtx := VerifyContext{
		Ctx:          ctx,
		Payload:      *payload,
		Requirements: *requirements,
		Timestamp:    time.Now(),
	}
	for _, hook := range f.beforeVerifyHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return VerifyResponse{IsValid: false, InvalidReason: err.Error()}, err
		}
		if result != nil && result.Abort {
			return VerifyResponse{IsValid: false, InvalidReason: result.Reason}, nil
		}
	}

	result, verifyErr := f.verify(ctx, *payload, *requirements)

	if verifyErr != nil {
		failureCtx := VerifyFailureContext{VerifyContext: hookCtx, Error: verifyErr}
		for _, hook := range f.onVerifyFailureHooks {
			hookResult, _ := hook(failureCtx)
			if hookResult != nil && hookResult.Recovered {
				return hookResult.Result, nil
			}
		}
		return result, verifyErr
	}

	resultCtx := VerifyResultContext{VerifyContext: hookCtx, Result: result}
	for _, hook := range f.afterVerifyHooks {
		_ = hook(resultCtx)
	}

	return result, nil
}

// Settle executes (or queues) a payment. Identical payload bytes within the
// cache TTL return the first settlement's result instead of settling twice.
func (f *Facilitator) Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) (SettleResponse, error) {
	if err := ValidatePayloadSchema(payloadBytes); err != nil {
		return SettleResponse{Success: false, ErrorReason: ErrMalformedPayload}, nil
	}

	payload, err := ToPaymentPayload(payloadBytes)
	if err != nil {
		return SettleResponse{Success: false, ErrorReason: ErrMalformedPayload}, nil
	}
	requirements, err := ToPaymentRequirements(requirementsBytes)
	if err != nil {
		return SettleResponse{Success: false, ErrorReason: ErrInvalidRequirements}, nil
	}

	key := GenerateSettlementKey(payloadBytes)
	for {
		status, cached, done := f.settleCache.CheckAndMark(key)
		switch status {
		case StatusCached:
			return *cached, nil
		case StatusInFlight:
			result, err := f.settleCache.WaitForResult(ctx, key, done)
			if err != nil {
				return SettleResponse{Success: false, ErrorReason: ErrSettlementUnavailable}, err
			}
			if result != nil {
				return *result, nil
			}
			// The in-flight attempt failed without caching; try again.
			continue
		}

		result, settleErr := f.settleOnce(ctx, *payload, *requirements, payloadBytes, requirementsBytes)
		if settleErr != nil || !result.Success {
			f.settleCache.Fail(key, done)
		} else {
			cachedResult := result
			f.settleCache.Complete(key, &cachedResult, done)
		}
		return result, settleErr
	}
}

func (f *Facilitator) settleOnce(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements, payloadBytes, requirementsBytes []byte) (SettleResponse, error) {
	hookCtx := SettleContext{
		Ctx:          ctx,
		Payload:      payload,
		Requirements: requirements,
		Timestamp:    time.Now(),
	}
	for _, hook := range f.beforeSettleHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return SettleResponse{Success: false, ErrorReason: err.Error()}, err
		}
		if result != nil && result.Abort {
			return SettleResponse{Success: false, ErrorReason: result.Reason}, fmt.Errorf("%s", result.Reason)
		}
	}

	result, settleErr := f.settle(ctx, payload, requirements)

	if settleErr != nil {
		failureCtx := SettleFailureContext{SettleContext: hookCtx, Error: settleErr}
		for _, hook := range f.onSettleFailureHooks {
			hookResult, _ := hook(failureCtx)
			if hookResult != nil && hookResult.Recovered {
				return hookResult.Result, nil
			}
		}
		return result, settleErr
	}

	resultCtx := SettleResultContext{SettleContext: hookCtx, Result: result}
	for _, hook := range f.afterSettleHooks {
		_ = hook(resultCtx)
	}

	return result, nil
}

func (f *Facilitator) verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	mechanism, errResp := f.route(requirements)
	if mechanism == nil {
		return VerifyResponse{IsValid: false, InvalidReason: errResp}, nil
	}

	resp, err := mechanism.Verify(ctx, payload, requirements)
	if err != nil {
		var ve *VerifyError
		if errors.As(err, &ve) {
			return ve.Response(), nil
		}
		return VerifyResponse{IsValid: false, InvalidReason: ErrVerificationFailed, InvalidMessage: err.Error()}, err
	}
	return *resp, nil
}

func (f *Facilitator) settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	mechanism, errResp := f.route(requirements)
	if mechanism == nil {
		return SettleResponse{Success: false, ErrorReason: errResp, Network: requirements.Network}, nil
	}

	resp, err := mechanism.Settle(ctx, payload, requirements)
	if err != nil {
		var se *SettleError
		if errors.As(err, &se) {
			return se.Response(), nil
		}
		var ve *VerifyError
		if errors.As(err, &ve) {
			return SettleResponse{
				Success:     false,
				ErrorReason: ve.InvalidReason,
				Payer:       ve.Payer,
				Network:     requirements.Network,
			}, nil
		}
		return SettleResponse{Success: false, ErrorReason: ErrSettlementUnavailable, Network: requirements.Network}, err
	}
	return *resp, nil
}

// route resolves the mechanism for the requirements' scheme and network,
// returning the error code when none is registered.
func (f *Facilitator) route(requirements PaymentRequirements) (SchemeFacilitator, string) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if findSchemesByNetwork(f.schemes, requirements.Network) == nil {
		return nil, ErrUnsupportedNetwork
	}
	mechanism := findByNetworkAndScheme(f.schemes, requirements.Scheme, requirements.Network)
	if mechanism == nil {
		return nil, ErrUnsupportedScheme
	}
	return mechanism, ""
}

// GetSupported returns every scheme/network pair this facilitator accepts.
func (f *Facilitator) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var kinds []SupportedKind
	for network, schemeMap := range f.schemes {
		for scheme, mechanism := range schemeMap {
			kind := SupportedKind{
				Scheme:  scheme,
				Network: network,
			}
			if extra := mechanism.GetExtra(network); extra != nil {
				kind.Extra = extra
			} else if extra := f.extras[network][scheme]; extra != nil {
				if extraMap, ok := extra.(map[string]interface{}); ok {
					kind.Extra = extraMap
				}
			}
			kinds = append(kinds, kind)
		}
	}

	return SupportedResponse{Kinds: kinds}
}
