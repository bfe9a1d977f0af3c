package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// DomainResolver builds EIP-712 domains for verifying contracts by reading
// name() and version() on-chain. Results are memoized per (contract, chain)
// since domains never change for a deployed contract.
type DomainResolver struct {
	signer ChainSigner

	mu    sync.Mutex
	cache map[string]TypedDataDomain
}

// NewDomainResolver creates a resolver backed by the given signer.
func NewDomainResolver(signer ChainSigner) *DomainResolver {
	return &DomainResolver{
		signer: signer,
		cache:  make(map[string]TypedDataDomain),
	}
}

// Resolve returns the EIP-712 domain for a verifying contract on a chain.
// Tokens that predate EIP-5267 rarely expose version(); those fall back to
// version "1", which is what USDC-class contracts use.
func (r *DomainResolver) Resolve(ctx context.Context, contract string, chainID *big.Int) (TypedDataDomain, error) {
	key := strings.ToLower(contract) + "/" + chainID.String()

	r.mu.Lock()
	if domain, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return domain, nil
	}
	r.mu.Unlock()

	nameResult, err := r.signer.ReadContract(ctx, contract, ERC20NameABI, "name")
	if err != nil {
		return TypedDataDomain{}, fmt.Errorf("failed to read contract name: %w", err)
	}
	name, ok := nameResult.(string)
	if !ok {
		return TypedDataDomain{}, fmt.Errorf("contract name returned unexpected type %T", nameResult)
	}

	version := "1"
	if versionResult, err := r.signer.ReadContract(ctx, contract, ERC20VersionABI, "version"); err == nil {
		if v, ok := versionResult.(string); ok && v != "" {
			version = v
		}
	}

	domain := TypedDataDomain{
		Name:              name,
		Version:           version,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: contract,
	}

	r.mu.Lock()
	r.cache[key] = domain
	r.mu.Unlock()

	return domain, nil
}

// GetEvmChainId parses the chain id out of a CAIP-2 network identifier like
// "eip155:8453". Wildcard references carry no concrete chain and fail.
func GetEvmChainId(network string) (*big.Int, error) {
	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 || parts[0] != "eip155" {
		return nil, fmt.Errorf("not an eip155 network: %s", network)
	}
	if parts[1] == "*" {
		return nil, fmt.Errorf("wildcard network %s has no chain id", network)
	}
	chainID, ok := new(big.Int).SetString(parts[1], 10)
	if !ok {
		return nil, fmt.Errorf("invalid chain id in network %s", network)
	}
	return chainID, nil
}
