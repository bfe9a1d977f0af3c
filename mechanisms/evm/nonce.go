package evm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ReplayGuard tracks (buyer, nonce) pairs already seen by this facilitator
// instance so a captured payload cannot be validated twice, even before any
// settlement reaches the chain. The check and the mark are one atomic step;
// two concurrent validations of the same pair cannot both pass.
type ReplayGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewReplayGuard creates an empty replay guard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{seen: make(map[string]struct{})}
}

func replayKey(buyer, nonce string) string {
	return strings.ToLower(buyer) + "/" + strings.ToLower(nonce)
}

// CheckAndMark returns false and records the pair when it is new, true when
// the pair was already consumed.
func (g *ReplayGuard) CheckAndMark(buyer, nonce string) bool {
	key := replayKey(buyer, nonce)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, used := g.seen[key]; used {
		return true
	}
	g.seen[key] = struct{}{}
	return false
}

// HasBeenUsed reports whether the pair was consumed, without marking it.
func (g *ReplayGuard) HasBeenUsed(buyer, nonce string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, used := g.seen[replayKey(buyer, nonce)]
	return used
}

// QueryAuthorizationState reads the EIP-3009 nonce state on the token
// contract. True means the authorization was already executed on-chain.
func QueryAuthorizationState(ctx context.Context, signer ChainSigner, token, authorizer, nonce string) (bool, error) {
	nonceBytes, err := HexToBytes32(nonce)
	if err != nil {
		return false, fmt.Errorf("invalid nonce: %w", err)
	}
	result, err := signer.ReadContract(ctx, token, AuthorizationStateABI, FunctionAuthorizationState, authorizer, nonceBytes)
	if err != nil {
		return false, fmt.Errorf("failed to read authorization state: %w", err)
	}
	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("authorization state returned unexpected type %T", result)
	}
	return used, nil
}

// QueryVaultNonceUsed reads whether the vault already consumed a buyer's
// nonce in a prior settlement batch.
func QueryVaultNonceUsed(ctx context.Context, signer ChainSigner, vault, buyer, nonce string) (bool, error) {
	nonceBytes, err := HexToBytes32(nonce)
	if err != nil {
		return false, fmt.Errorf("invalid nonce: %w", err)
	}
	result, err := signer.ReadContract(ctx, vault, VaultUsedNoncesABI, FunctionUsedNonces, buyer, nonceBytes)
	if err != nil {
		return false, fmt.Errorf("failed to read vault nonce state: %w", err)
	}
	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("vault nonce state returned unexpected type %T", result)
	}
	return used, nil
}
