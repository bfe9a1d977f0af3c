package vaultpay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Payments travel in HTTP headers as base64-encoded JSON.

// EncodePaymentHeader serializes a payment payload into header form.
func EncodePaymentHeader(payload PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader decodes a payment header into the raw payload bytes
// the engine consumes. Validation happens in the engine, not here.
func DecodePaymentHeader(header string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header encoding: %w", err)
	}
	return data, nil
}

// EncodeSettleResponseHeader serializes a settlement receipt into header form.
func EncodeSettleResponseHeader(response SettleResponse) (string, error) {
	data, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to encode settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettleResponseHeader parses a settlement receipt header.
func DecodeSettleResponseHeader(header string) (*SettleResponse, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid settle response encoding: %w", err)
	}
	var response SettleResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("invalid settle response: %w", err)
	}
	return &response, nil
}
