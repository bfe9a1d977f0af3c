// Package facilitator implements the facilitator side of the deferred
// payment scheme: buyers pre-fund a settlement vault, sign payment intents
// against it, and the engine settles accumulated intents in batches.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/x402labs/vaultpay"
	"github.com/x402labs/vaultpay/mechanisms/evm"
	"github.com/x402labs/vaultpay/settlement"
)

// DeferredScheme verifies deferred payments against vault deposits and
// queues them for batch settlement. Settle never submits a transaction
// itself; it returns a pending receipt with the queued record id.
type DeferredScheme struct {
	signer  evm.ChainSigner
	domains *evm.DomainResolver
	guard   *evm.ReplayGuard
	queue   settlement.Queue
}

// NewDeferredScheme creates the deferred scheme mechanism over a chain
// signer and a settlement queue.
func NewDeferredScheme(signer evm.ChainSigner, queue settlement.Queue) *DeferredScheme {
	return &DeferredScheme{
		signer:  signer,
		domains: evm.NewDomainResolver(signer),
		guard:   evm.NewReplayGuard(),
		queue:   queue,
	}
}

func (s *DeferredScheme) Scheme() string {
	return evm.SchemeDeferred
}

func (s *DeferredScheme) GetExtra(network vaultpay.Network) map[string]interface{} {
	return nil
}

// GenerateRequirements builds the requirements a seller advertises for a
// resource settled through the given vault.
func (s *DeferredScheme) GenerateRequirements(network vaultpay.Network, asset, amount, payTo, vault, resource string) vaultpay.PaymentRequirements {
	return vaultpay.PaymentRequirements{
		Scheme:   evm.SchemeDeferred,
		Network:  network,
		Asset:    asset,
		Amount:   amount,
		Decimals: evm.DefaultDecimals,
		PayTo:    payTo,
		Vault:    vault,
		Resource: resource,
	}
}

// Verify validates a deferred payment. As with the exact scheme, the local
// replay guard is marked first, so replaying a captured payload fails with
// nonce_replay before anything else is inspected.
func (s *DeferredScheme) Verify(ctx context.Context, payload vaultpay.PaymentPayload, requirements vaultpay.PaymentRequirements) (*vaultpay.VerifyResponse, error) {
	deferred, err := evm.DeferredPayloadFromMap(payload.Payload)
	if err != nil {
		return nil, vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, "", err.Error())
	}

	if replayed := s.guard.CheckAndMark(deferred.Intent.Buyer, deferred.Intent.Nonce); replayed {
		return nil, vaultpay.NewVerifyError(vaultpay.ErrNonceReplay, deferred.Intent.Buyer, "nonce already consumed by a prior validation")
	}

	if err := s.verifyPayload(ctx, payload, requirements, deferred); err != nil {
		return nil, err
	}

	return &vaultpay.VerifyResponse{IsValid: true, Payer: deferred.Intent.Buyer}, nil
}

// verifyPayload runs every check except the local replay guard, so Settle
// can re-validate a queued payment without consuming its own nonce.
func (s *DeferredScheme) verifyPayload(ctx context.Context, payload vaultpay.PaymentPayload, requirements vaultpay.PaymentRequirements, deferred *evm.DeferredPayload) error {
	buyer := deferred.Intent.Buyer

	if payload.Scheme != evm.SchemeDeferred || requirements.Scheme != evm.SchemeDeferred {
		return vaultpay.NewVerifyError(vaultpay.ErrUnsupportedScheme, buyer,
			fmt.Sprintf("expected scheme %s, got payload=%s requirements=%s", evm.SchemeDeferred, payload.Scheme, requirements.Scheme))
	}
	if !payload.Network.Match(requirements.Network) {
		return vaultpay.NewVerifyError(vaultpay.ErrChainMismatch, buyer,
			fmt.Sprintf("payload network %s does not match requirements network %s", payload.Network, requirements.Network))
	}
	if requirements.Vault == "" {
		return vaultpay.NewVerifyError(vaultpay.ErrInvalidRequirements, buyer,
			"deferred requirements carry no vault address")
	}

	chainID, err := evm.GetEvmChainId(string(payload.Network))
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrChainMismatch, buyer, err.Error())
	}
	if deferred.Intent.ChainID != "" && deferred.Intent.ChainID != chainID.String() {
		return vaultpay.NewVerifyError(vaultpay.ErrChainMismatch, buyer,
			fmt.Sprintf("intent chain id %s does not match network chain id %s", deferred.Intent.ChainID, chainID))
	}

	if !evm.AddressesEqual(deferred.Intent.Seller, requirements.PayTo) {
		return vaultpay.NewVerifyError(vaultpay.ErrRecipientMismatch, buyer,
			fmt.Sprintf("intent seller %s, requirements demand %s", deferred.Intent.Seller, requirements.PayTo))
	}
	if !evm.AddressesEqual(deferred.Intent.Token, requirements.Asset) {
		return vaultpay.NewVerifyError(vaultpay.ErrTokenMismatch, buyer,
			fmt.Sprintf("intent token %s does not match required asset %s", deferred.Intent.Token, requirements.Asset))
	}

	amount, ok := new(big.Int).SetString(deferred.Intent.Amount, 10)
	if !ok {
		return vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, buyer,
			fmt.Sprintf("invalid intent amount %q", deferred.Intent.Amount))
	}
	requiredAmount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return vaultpay.NewVerifyError(vaultpay.ErrInvalidRequirements, buyer,
			fmt.Sprintf("invalid required amount %q", requirements.Amount))
	}
	if amount.Cmp(requiredAmount) < 0 {
		return vaultpay.NewVerifyError(vaultpay.ErrInsufficientAmount, buyer,
			fmt.Sprintf("payment of %s is below the required %s", amount, requiredAmount))
	}

	expiry, err := strconv.ParseInt(deferred.Intent.Expiry, 10, 64)
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, buyer,
			fmt.Sprintf("invalid expiry %q", deferred.Intent.Expiry))
	}
	if expiry <= time.Now().Unix() {
		return vaultpay.NewVerifyError(vaultpay.ErrIntentExpired, buyer,
			fmt.Sprintf("intent expired at %d", expiry))
	}

	// The intent is signed under the vault's domain, not the token's; the
	// vault is the contract that will verify the signature at settlement.
	domain, err := s.domains.Resolve(ctx, requirements.Vault, chainID)
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrVerificationFailed, buyer, err.Error())
	}
	digest, err := evm.HashPaymentIntent(deferred.Intent, domain)
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, buyer, err.Error())
	}
	sigOK, err := evm.VerifySignature(digest, deferred.Signature, buyer)
	if err != nil || !sigOK {
		return vaultpay.NewVerifyError(vaultpay.ErrSignatureInvalid, buyer,
			"payment intent signature does not recover to the buyer")
	}

	used, err := evm.QueryVaultNonceUsed(ctx, s.signer, requirements.Vault, buyer, deferred.Intent.Nonce)
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrVerificationFailed, buyer, err.Error())
	}
	if used {
		return vaultpay.NewVerifyError(vaultpay.ErrNonceReplay, buyer, "intent nonce already settled by the vault")
	}

	depositResult, err := s.signer.ReadContract(ctx, requirements.Vault, evm.VaultDepositsABI, evm.FunctionDeposits, buyer)
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrVerificationFailed, buyer, err.Error())
	}
	deposit, ok := depositResult.(*big.Int)
	if !ok {
		return vaultpay.NewVerifyError(vaultpay.ErrVerificationFailed, buyer,
			fmt.Sprintf("vault deposits returned unexpected type %T", depositResult))
	}
	if deposit.Cmp(amount) < 0 {
		return vaultpay.NewVerifyError(vaultpay.ErrInsufficientDeposit, buyer,
			fmt.Sprintf("vault deposit %s is below intent amount %s", deposit, amount))
	}

	return nil
}

// Settle re-verifies the payment and enqueues it for batch settlement. The
// response is a pending receipt; the transaction hash appears on the queue
// record once the batch settles.
func (s *DeferredScheme) Settle(ctx context.Context, payload vaultpay.PaymentPayload, requirements vaultpay.PaymentRequirements) (*vaultpay.SettleResponse, error) {
	deferred, err := evm.DeferredPayloadFromMap(payload.Payload)
	if err != nil {
		return nil, vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, "", err.Error())
	}
	buyer := deferred.Intent.Buyer

	if err := s.verifyPayload(ctx, payload, requirements, deferred); err != nil {
		return nil, err
	}

	record := &settlement.Record{
		Intent:    deferred.Intent,
		Signature: deferred.Signature,
		Scheme:    evm.SchemeDeferred,
		Network:   string(payload.Network),
		Vault:     requirements.Vault,
	}
	recordID, err := s.queue.Enqueue(ctx, record)
	if errors.Is(err, settlement.ErrDuplicateNonce) {
		// The queue already holds this intent; a settle retry gets the
		// existing record's receipt, never a second copy of the nonce.
		return s.existingReceipt(ctx, buyer, deferred.Intent.Nonce, payload.Network)
	}
	if err != nil {
		return nil, vaultpay.NewSettleError(vaultpay.ErrSettlementUnavailable, buyer, payload.Network, "",
			fmt.Sprintf("failed to queue settlement: %v", err))
	}

	return &vaultpay.SettleResponse{
		Success:  true,
		Status:   vaultpay.SettleStatusPending,
		Payer:    buyer,
		Network:  payload.Network,
		RecordID: recordID,
	}, nil
}

// existingReceipt builds the settle response for an intent the queue already
// holds: pending records report pending, settled records report settled with
// the batch transaction hash.
func (s *DeferredScheme) existingReceipt(ctx context.Context, buyer, nonce string, network vaultpay.Network) (*vaultpay.SettleResponse, error) {
	existing, err := s.queue.FindByNonce(ctx, buyer, nonce)
	if err != nil || existing == nil {
		return nil, vaultpay.NewSettleError(vaultpay.ErrSettlementUnavailable, buyer, network, "",
			fmt.Sprintf("failed to load queued settlement for nonce %s: %v", nonce, err))
	}

	response := &vaultpay.SettleResponse{
		Success:  true,
		Status:   vaultpay.SettleStatusPending,
		Payer:    buyer,
		Network:  network,
		RecordID: existing.ID,
	}
	if existing.Status == settlement.StatusSettled {
		response.Status = vaultpay.SettleStatusSettled
		response.Transaction = existing.TxHash
	}
	return response, nil
}
