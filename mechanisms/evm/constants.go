package evm

import "math/big"

const (
	// Scheme identifiers
	SchemeExact    = "exact"
	SchemeDeferred = "deferred"

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"

	// Vault function names
	FunctionSettleBatch = "settleBatch"
	FunctionDeposits    = "deposits"
	FunctionUsedNonces  = "usedNonces"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// Default token decimals for USDC-class stablecoins
	DefaultDecimals = 6

	// Default intent validity period in seconds
	DefaultValidityPeriod = 3600

	// ExpiryBuffer is the margin (seconds) added when checking intent
	// expiry so an intent cannot expire between validation and the block
	// that settles it.
	ExpiryBuffer = 6
)

// Contract ABIs, trimmed to the functions the engine calls.
var (
	// ERC20NameABI reads the token name used in the EIP-712 domain.
	ERC20NameABI = []byte(`[{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}]`)

	// ERC20VersionABI reads the EIP-712 domain version. Not every token
	// exposes it; the domain resolver falls back to "1".
	ERC20VersionABI = []byte(`[{"constant":true,"inputs":[],"name":"version","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}]`)

	// ERC20BalanceOfABI reads a holder's token balance.
	ERC20BalanceOfABI = []byte(`[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`)

	// AuthorizationStateABI reads EIP-3009 nonce consumption state.
	AuthorizationStateABI = []byte(`[{"constant":true,"inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],"name":"authorizationState","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"}]`)

	// TransferWithAuthorizationABI submits a single EIP-3009 transfer.
	TransferWithAuthorizationABI = []byte(`[{"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"name":"transferWithAuthorization","outputs":[],"stateMutability":"nonpayable","type":"function"}]`)

	// VaultDepositsABI reads a buyer's deposited balance at a vault.
	VaultDepositsABI = []byte(`[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"deposits","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`)

	// VaultUsedNoncesABI reads vault-side nonce consumption state.
	VaultUsedNoncesABI = []byte(`[{"constant":true,"inputs":[{"name":"buyer","type":"address"},{"name":"nonce","type":"bytes32"}],"name":"usedNonces","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"}]`)

	// VaultSettleBatchABI settles a group of intents atomically. The tuple
	// component order must match the PaymentIntent EIP-712 struct order;
	// the vault recomputes each struct hash from these fields.
	VaultSettleBatchABI = []byte(`[{"inputs":[{"components":[{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},{"name":"token","type":"address"},{"name":"nonce","type":"bytes32"},{"name":"expiry","type":"uint256"},{"name":"resource","type":"string"}],"name":"intents","type":"tuple[]"},{"name":"signatures","type":"bytes[]"}],"name":"settleBatch","outputs":[],"stateMutability":"nonpayable","type":"function"}]`)
)

// PaymentIntentTypes is the EIP-712 type table for the resource-binding
// payment intent. The field order is part of the on-chain contract: the
// vault hashes the same struct with the same order, and any divergence makes
// every signature fail verification.
func PaymentIntentTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"PaymentIntent": {
			{Name: "buyer", Type: "address"},
			{Name: "seller", Type: "address"},
			{Name: "amount", Type: "uint256"},
			{Name: "token", Type: "address"},
			{Name: "nonce", Type: "bytes32"},
			{Name: "expiry", Type: "uint256"},
			{Name: "resource", Type: "string"},
		},
	}
}

// TransferAuthorizationTypes is the EIP-712 type table for the EIP-3009
// transfer authorization used by the exact scheme.
func TransferAuthorizationTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
}

var (
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)
)
