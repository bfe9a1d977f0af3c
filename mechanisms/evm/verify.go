package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// RecoverSigner recovers the address that produced a 65-byte signature over
// an EIP-712 digest. Any malformed input is an error; callers must treat an
// error as verification failure, never as a pass.
func RecoverSigner(digest []byte, signature string) (string, error) {
	sig, err := HexToBytes(signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("invalid signature length: expected 65 bytes, got %d", len(sig))
	}

	// Normalize the recovery id: wallets emit v as 27/28, secp256k1
	// recovery wants 0/1.
	recoverSig := make([]byte, 65)
	copy(recoverSig, sig)
	if recoverSig[64] >= 27 {
		recoverSig[64] -= 27
	}
	if recoverSig[64] > 1 {
		return "", fmt.Errorf("invalid signature recovery id: %d", sig[64])
	}

	pubKey, err := crypto.SigToPub(digest, recoverSig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey).Hex(), nil
}

// VerifySignature checks that the signature over the digest recovers to the
// expected address.
func VerifySignature(digest []byte, signature, expectedSigner string) (bool, error) {
	recovered, err := RecoverSigner(digest, signature)
	if err != nil {
		return false, err
	}
	return AddressesEqual(recovered, expectedSigner), nil
}

// SplitSignature splits a 65-byte signature into the (v, r, s) components
// contract calls expect, with v normalized to 27/28.
func SplitSignature(signature string) (uint8, [32]byte, [32]byte, error) {
	var r, s [32]byte
	sig, err := HexToBytes(signature)
	if err != nil {
		return 0, r, s, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return 0, r, s, fmt.Errorf("invalid signature length: expected 65 bytes, got %d", len(sig))
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// AddressesEqual compares two hex addresses case-insensitively.
func AddressesEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}
