package evm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// HashTypedData computes the EIP-712 digest for a typed message:
// keccak256(0x19 0x01 || domainSeparator || hashStruct(message)).
func HashTypedData(domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       toAPITypes(types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, messageHash...)
	return crypto.Keccak256(rawData), nil
}

func toAPITypes(types map[string][]TypedDataField) apitypes.Types {
	out := make(apitypes.Types, len(types))
	for name, fields := range types {
		converted := make([]apitypes.Type, len(fields))
		for i, f := range fields {
			converted[i] = apitypes.Type{Name: f.Name, Type: f.Type}
		}
		out[name] = converted
	}
	return out
}

// HashPaymentIntent computes the EIP-712 digest a buyer signs over a
// payment intent under the given domain.
func HashPaymentIntent(intent PaymentIntent, domain TypedDataDomain) ([]byte, error) {
	message, err := intentTypedMessage(intent)
	if err != nil {
		return nil, err
	}
	return HashTypedData(domain, PaymentIntentTypes(), "PaymentIntent", message)
}

// HashTransferAuthorization computes the EIP-712 digest a buyer signs over
// an EIP-3009 transfer authorization under the token's domain.
func HashTransferAuthorization(auth TransferAuthorization, domain TypedDataDomain) ([]byte, error) {
	value, err := parseUint256(auth.Value, "value")
	if err != nil {
		return nil, err
	}
	validAfter, err := parseUint256(auth.ValidAfter, "validAfter")
	if err != nil {
		return nil, err
	}
	validBefore, err := parseUint256(auth.ValidBefore, "validBefore")
	if err != nil {
		return nil, err
	}
	nonce, err := HexToBytes32(auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization nonce: %w", err)
	}

	message := map[string]interface{}{
		"from":        auth.From,
		"to":          auth.To,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonce[:],
	}
	return HashTypedData(domain, TransferAuthorizationTypes(), "TransferWithAuthorization", message)
}

func intentTypedMessage(intent PaymentIntent) (map[string]interface{}, error) {
	amount, err := parseUint256(intent.Amount, "amount")
	if err != nil {
		return nil, err
	}
	expiry, err := parseUint256(intent.Expiry, "expiry")
	if err != nil {
		return nil, err
	}
	nonce, err := HexToBytes32(intent.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid intent nonce: %w", err)
	}

	return map[string]interface{}{
		"buyer":    intent.Buyer,
		"seller":   intent.Seller,
		"amount":   amount,
		"token":    intent.Token,
		"nonce":    nonce[:],
		"expiry":   expiry,
		"resource": intent.Resource,
	}, nil
}

func parseUint256(s, field string) (*math.HexOrDecimal256, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s value %q", field, s)
	}
	return (*math.HexOrDecimal256)(v), nil
}

// HexToBytes32 decodes a 0x-prefixed hex string into exactly 32 bytes.
func HexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// HexToBytes decodes a hex string with or without the 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	return hex.DecodeString(s)
}

// BytesToHex encodes bytes as a 0x-prefixed hex string.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// CreateNonce generates a fresh 32-byte random nonce as a 0x hex string.
func CreateNonce() (string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return BytesToHex(nonce[:]), nil
}
