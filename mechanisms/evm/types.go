package evm

import (
	"context"
	"fmt"
	"math/big"
)

// PaymentIntent is the off-chain description of a proposed payment that the
// buyer signs. The JSON field order below mirrors the EIP-712 struct order
// in PaymentIntentTypes; keep them aligned.
type PaymentIntent struct {
	Buyer    string `json:"buyer"`    // buyer address (hex)
	Seller   string `json:"seller"`   // seller address (hex)
	Amount   string `json:"amount"`   // smallest token unit, decimal string
	Token    string `json:"token"`    // token contract address (hex)
	Nonce    string `json:"nonce"`    // 32-byte nonce (hex)
	Expiry   string `json:"expiry"`   // unix seconds, decimal string
	Resource string `json:"resource"` // canonical resource the intent is bound to
	ChainID  string `json:"chainId"`  // target chain, decimal string; bound via the signing domain
}

// TransferAuthorization is the EIP-3009 TransferWithAuthorization message
// the exact scheme settles against the token contract. Its nonce must be
// bit-identical to the intent nonce; that link is what stops a spend
// authorization being replayed against a different resource.
type TransferAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload is the exact-scheme payment payload: a transfer authorization
// signed under the token's domain plus a payment intent signed under the
// same domain, both recovering to the buyer.
type ExactPayload struct {
	Signature       string                `json:"signature"`       // transfer authorization signature (hex, 65 bytes)
	Authorization   TransferAuthorization `json:"authorization"`
	IntentSignature string                `json:"intentSignature"` // resource-binding intent signature (hex, 65 bytes)
	Intent          PaymentIntent         `json:"intent"`
}

// DeferredPayload is the deferred-scheme payment payload: one intent signed
// under the vault's domain.
type DeferredPayload struct {
	Signature string        `json:"signature"`
	Intent    PaymentIntent `json:"intent"`
}

// TypedDataDomain is the EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField is one field of an EIP-712 struct type.
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt is the subset of a mined transaction's receipt the
// engine inspects.
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// ChainSigner is the on-chain surface the facilitator mechanisms consume.
// Implementations own the RPC connection and the facilitator's submitting
// key; mechanisms stay free of wire encoding.
type ChainSigner interface {
	// ReadContract executes a read-only contract call.
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// WriteContract submits a state-changing transaction and returns its hash.
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)

	// WaitForTransactionReceipt blocks until the transaction is mined or ctx ends.
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)

	// GetBalance reads a holder's balance of the given token.
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)

	// GetChainID returns the connected network's chain id.
	GetChainID(ctx context.Context) (*big.Int, error)
}

// IntentSigner signs EIP-712 typed data on behalf of a buyer. Used by the
// client-side payload builder and by tests.
type IntentSigner interface {
	Address() string
	SignTypedData(domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)
}

// ToMap converts the exact payload into the generic payload map.
func (p *ExactPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signature": p.Signature,
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
		"intentSignature": p.IntentSignature,
		"intent":          p.Intent.ToMap(),
	}
}

// ToMap converts the intent into the generic payload map.
func (i PaymentIntent) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"buyer":    i.Buyer,
		"seller":   i.Seller,
		"amount":   i.Amount,
		"token":    i.Token,
		"nonce":    i.Nonce,
		"expiry":   i.Expiry,
		"resource": i.Resource,
		"chainId":  i.ChainID,
	}
}

// ToMap converts the deferred payload into the generic payload map.
func (p *DeferredPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signature": p.Signature,
		"intent":    p.Intent.ToMap(),
	}
}

func intentFromMap(data map[string]interface{}) (PaymentIntent, error) {
	var intent PaymentIntent
	fields := []struct {
		key  string
		dst  *string
		need bool
	}{
		{"buyer", &intent.Buyer, true},
		{"seller", &intent.Seller, true},
		{"amount", &intent.Amount, true},
		{"token", &intent.Token, true},
		{"nonce", &intent.Nonce, true},
		{"expiry", &intent.Expiry, true},
		{"resource", &intent.Resource, true},
		{"chainId", &intent.ChainID, false},
	}
	for _, f := range fields {
		v, ok := data[f.key].(string)
		if !ok || v == "" {
			if f.need {
				return intent, fmt.Errorf("missing or invalid intent.%s field", f.key)
			}
			continue
		}
		*f.dst = v
	}
	return intent, nil
}

// ExactPayloadFromMap parses an exact-scheme payload map, failing on any
// missing required field.
func ExactPayloadFromMap(data map[string]interface{}) (*ExactPayload, error) {
	payload := &ExactPayload{}

	sig, ok := data["signature"].(string)
	if !ok || sig == "" {
		return nil, fmt.Errorf("missing or invalid signature field")
	}
	payload.Signature = sig

	intentSig, ok := data["intentSignature"].(string)
	if !ok || intentSig == "" {
		return nil, fmt.Errorf("missing or invalid intentSignature field")
	}
	payload.IntentSignature = intentSig

	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"from", &payload.Authorization.From},
		{"to", &payload.Authorization.To},
		{"value", &payload.Authorization.Value},
		{"validAfter", &payload.Authorization.ValidAfter},
		{"validBefore", &payload.Authorization.ValidBefore},
		{"nonce", &payload.Authorization.Nonce},
	} {
		v, ok := auth[f.key].(string)
		if !ok || v == "" {
			return nil, fmt.Errorf("missing or invalid authorization.%s field", f.key)
		}
		*f.dst = v
	}

	intentMap, ok := data["intent"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid intent field")
	}
	intent, err := intentFromMap(intentMap)
	if err != nil {
		return nil, err
	}
	payload.Intent = intent

	return payload, nil
}

// DeferredPayloadFromMap parses a deferred-scheme payload map.
func DeferredPayloadFromMap(data map[string]interface{}) (*DeferredPayload, error) {
	payload := &DeferredPayload{}

	sig, ok := data["signature"].(string)
	if !ok || sig == "" {
		return nil, fmt.Errorf("missing or invalid signature field")
	}
	payload.Signature = sig

	intentMap, ok := data["intent"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid intent field")
	}
	intent, err := intentFromMap(intentMap)
	if err != nil {
		return nil, err
	}
	payload.Intent = intent

	return payload, nil
}
