package vaultpay

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Network identifies a blockchain network in CAIP-2 format,
// namespace:reference (e.g. "eip155:84532" for Base Sepolia).
type Network string

// Parse splits the network into namespace and reference components.
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks whether this network matches a pattern. Patterns may carry a
// trailing wildcard reference, e.g. "eip155:*" matches every EVM chain.
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(nStr, prefix)
	}

	if strings.HasSuffix(nStr, ":*") {
		prefix := strings.TrimSuffix(nStr, "*")
		return strings.HasPrefix(patternStr, prefix)
	}

	return false
}

// PaymentRequirements describes what a seller will accept for a resource.
// Built fresh for every unpaid request and serialized into the 402 body;
// never persisted.
type PaymentRequirements struct {
	Scheme   string  `json:"scheme"`
	Network  Network `json:"network"`
	Asset    string  `json:"asset"`
	Amount   string  `json:"amount"` // smallest token unit, decimal string
	Decimals int     `json:"decimals,omitempty"`
	PayTo    string  `json:"payTo"`
	Resource string  `json:"resource"`
	// Facilitator is the endpoint that verifies and settles payments for
	// this resource.
	Facilitator string `json:"facilitator,omitempty"`
	// Vault is the settlement destination for deferred-scheme payments.
	// Empty for schemes that settle directly against the token.
	Vault  string                 `json:"vault,omitempty"`
	Expiry int64                  `json:"expiry,omitempty"` // unix seconds; 0 means scheme default
	Extra  map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload is the signed payment authorization presented by a buyer.
// Payload is scheme-specific; mechanisms parse it into their own types.
type PaymentPayload struct {
	Scheme   string                 `json:"scheme"`
	Network  Network                `json:"network"`
	Payload  map[string]interface{} `json:"payload"`
	Resource *ResourceInfo          `json:"resource,omitempty"`
}

// ResourceInfo describes the resource a payment unlocks.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	Error    string                `json:"error,omitempty"`
	Resource *ResourceInfo         `json:"resource,omitempty"`
	Accepts  []PaymentRequirements `json:"accepts"`
}

// VerifyResponse reports the outcome of payment verification.
type VerifyResponse struct {
	IsValid        bool   `json:"isValid"`
	InvalidReason  string `json:"invalidReason,omitempty"`
	InvalidMessage string `json:"invalidMessage,omitempty"`
	Payer          string `json:"payer,omitempty"`
}

// Settlement status values carried in SettleResponse.Status.
const (
	// SettleStatusSettled means value moved on-chain and the transaction
	// hash is final.
	SettleStatusSettled = "settled"
	// SettleStatusPending means the payment was accepted into the
	// settlement queue and will settle in a later batch.
	SettleStatusPending = "pending"
)

// SettleResponse reports the outcome of a settlement attempt. For deferred
// schemes Status is "pending" and RecordID identifies the queued intent;
// Transaction stays empty until the batch settles.
type SettleResponse struct {
	Success     bool    `json:"success"`
	Status      string  `json:"status,omitempty"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction,omitempty"`
	Network     Network `json:"network"`
	RecordID    string  `json:"recordId,omitempty"`
}

// VerifyRequest is the facilitator /verify request body.
type VerifyRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the facilitator /settle request body.
type SettleRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SupportedKind is a single scheme/network pair a facilitator accepts.
type SupportedKind struct {
	Scheme  string                 `json:"scheme"`
	Network Network                `json:"network"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes every payment kind a facilitator supports.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// ToPaymentPayload unmarshals and minimally validates a payment payload.
func ToPaymentPayload(data []byte) (*PaymentPayload, error) {
	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid payment payload: %w", err)
	}
	if err := ValidatePaymentPayload(payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ToPaymentRequirements unmarshals and minimally validates requirements.
func ToPaymentRequirements(data []byte) (*PaymentRequirements, error) {
	var requirements PaymentRequirements
	if err := json.Unmarshal(data, &requirements); err != nil {
		return nil, fmt.Errorf("invalid payment requirements: %w", err)
	}
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return nil, err
	}
	return &requirements, nil
}
