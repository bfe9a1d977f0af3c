// Package facilitator implements the facilitator side of the exact payment
// scheme: a buyer-signed EIP-3009 transfer authorization paired with a
// resource-binding payment intent, settled synchronously against the token.
package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/x402labs/vaultpay"
	"github.com/x402labs/vaultpay/mechanisms/evm"
)

// ExactScheme verifies and settles exact-scheme payments over EIP-3009
// tokens. Verification consumes the (buyer, nonce) pair in the local replay
// guard; settlement re-checks everything except the local guard, so a
// retried settle of the same payment is not self-rejected.
type ExactScheme struct {
	signer  evm.ChainSigner
	domains *evm.DomainResolver
	guard   *evm.ReplayGuard
}

// NewExactScheme creates the exact scheme mechanism over a chain signer.
func NewExactScheme(signer evm.ChainSigner) *ExactScheme {
	return &ExactScheme{
		signer:  signer,
		domains: evm.NewDomainResolver(signer),
		guard:   evm.NewReplayGuard(),
	}
}

func (s *ExactScheme) Scheme() string {
	return evm.SchemeExact
}

func (s *ExactScheme) GetExtra(network vaultpay.Network) map[string]interface{} {
	return nil
}

// GenerateRequirements builds the requirements a seller advertises for a
// resource priced in the given token amount.
func (s *ExactScheme) GenerateRequirements(network vaultpay.Network, asset, amount, payTo, resource string) vaultpay.PaymentRequirements {
	return vaultpay.PaymentRequirements{
		Scheme:   evm.SchemeExact,
		Network:  network,
		Asset:    asset,
		Amount:   amount,
		Decimals: evm.DefaultDecimals,
		PayTo:    payTo,
		Resource: resource,
	}
}

// Verify validates an exact payment end to end. The replay guard is
// consulted and marked first; a captured payload replayed here fails with
// nonce_replay no matter what the rest of its fields look like.
func (s *ExactScheme) Verify(ctx context.Context, payload vaultpay.PaymentPayload, requirements vaultpay.PaymentRequirements) (*vaultpay.VerifyResponse, error) {
	exact, err := evm.ExactPayloadFromMap(payload.Payload)
	if err != nil {
		return nil, vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, "", err.Error())
	}

	if replayed := s.guard.CheckAndMark(exact.Intent.Buyer, exact.Intent.Nonce); replayed {
		return nil, vaultpay.NewVerifyError(vaultpay.ErrNonceReplay, exact.Intent.Buyer, "nonce already consumed by a prior validation")
	}

	if err := s.verifyPayload(ctx, payload, requirements, exact); err != nil {
		return nil, err
	}

	return &vaultpay.VerifyResponse{IsValid: true, Payer: exact.Intent.Buyer}, nil
}

// verifyPayload runs every check except the local replay guard. Settle
// reuses it so a retry after a transient settlement failure still passes.
func (s *ExactScheme) verifyPayload(ctx context.Context, payload vaultpay.PaymentPayload, requirements vaultpay.PaymentRequirements, exact *evm.ExactPayload) error {
	buyer := exact.Intent.Buyer

	if payload.Scheme != evm.SchemeExact || requirements.Scheme != evm.SchemeExact {
		return vaultpay.NewVerifyError(vaultpay.ErrUnsupportedScheme, buyer,
			fmt.Sprintf("expected scheme %s, got payload=%s requirements=%s", evm.SchemeExact, payload.Scheme, requirements.Scheme))
	}
	if !payload.Network.Match(requirements.Network) {
		return vaultpay.NewVerifyError(vaultpay.ErrChainMismatch, buyer,
			fmt.Sprintf("payload network %s does not match requirements network %s", payload.Network, requirements.Network))
	}

	chainID, err := evm.GetEvmChainId(string(payload.Network))
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrChainMismatch, buyer, err.Error())
	}
	if exact.Intent.ChainID != "" && exact.Intent.ChainID != chainID.String() {
		return vaultpay.NewVerifyError(vaultpay.ErrChainMismatch, buyer,
			fmt.Sprintf("intent chain id %s does not match network chain id %s", exact.Intent.ChainID, chainID))
	}

	if !evm.AddressesEqual(exact.Authorization.To, requirements.PayTo) {
		return vaultpay.NewVerifyError(vaultpay.ErrRecipientMismatch, buyer,
			fmt.Sprintf("authorization pays %s, requirements demand %s", exact.Authorization.To, requirements.PayTo))
	}
	if !evm.AddressesEqual(exact.Intent.Seller, requirements.PayTo) {
		return vaultpay.NewVerifyError(vaultpay.ErrRecipientMismatch, buyer,
			fmt.Sprintf("intent seller %s, requirements demand %s", exact.Intent.Seller, requirements.PayTo))
	}
	if !evm.AddressesEqual(exact.Intent.Token, requirements.Asset) {
		return vaultpay.NewVerifyError(vaultpay.ErrTokenMismatch, buyer,
			fmt.Sprintf("intent token %s does not match required asset %s", exact.Intent.Token, requirements.Asset))
	}
	if !evm.AddressesEqual(exact.Authorization.From, buyer) {
		return vaultpay.NewVerifyError(vaultpay.ErrSignatureInvalid, buyer,
			"authorization from address does not match intent buyer")
	}

	if err := checkAmounts(exact, requirements.Amount, buyer); err != nil {
		return err
	}
	if err := checkValidityWindow(exact, buyer); err != nil {
		return err
	}

	if exact.Authorization.Nonce != exact.Intent.Nonce {
		return vaultpay.NewVerifyError(vaultpay.ErrNonceBindingMismatch, buyer,
			"authorization nonce does not match intent nonce")
	}

	domain, err := s.domains.Resolve(ctx, requirements.Asset, chainID)
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrVerificationFailed, buyer, err.Error())
	}

	authDigest, err := evm.HashTransferAuthorization(exact.Authorization, domain)
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, buyer, err.Error())
	}
	authOK, err := evm.VerifySignature(authDigest, exact.Signature, buyer)
	if err != nil || !authOK {
		return vaultpay.NewVerifyError(vaultpay.ErrSignatureInvalid, buyer,
			"transfer authorization signature does not recover to the buyer")
	}

	intentDigest, err := evm.HashPaymentIntent(exact.Intent, domain)
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, buyer, err.Error())
	}
	intentOK, err := evm.VerifySignature(intentDigest, exact.IntentSignature, buyer)
	if err != nil || !intentOK {
		return vaultpay.NewVerifyError(vaultpay.ErrSignatureInvalid, buyer,
			"payment intent signature does not recover to the buyer")
	}

	used, err := evm.QueryAuthorizationState(ctx, s.signer, requirements.Asset, buyer, exact.Intent.Nonce)
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrVerificationFailed, buyer, err.Error())
	}
	if used {
		return vaultpay.NewVerifyError(vaultpay.ErrNonceReplay, buyer, "authorization nonce already consumed on-chain")
	}

	balance, err := s.signer.GetBalance(ctx, buyer, requirements.Asset)
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrVerificationFailed, buyer, err.Error())
	}
	value, _ := new(big.Int).SetString(exact.Authorization.Value, 10)
	if balance.Cmp(value) < 0 {
		return vaultpay.NewVerifyError(vaultpay.ErrInsufficientBalance, buyer,
			fmt.Sprintf("balance %s is below authorized value %s", balance, value))
	}

	return nil
}

func checkAmounts(exact *evm.ExactPayload, required, buyer string) error {
	requiredAmount, ok := new(big.Int).SetString(required, 10)
	if !ok {
		return vaultpay.NewVerifyError(vaultpay.ErrInvalidRequirements, buyer,
			fmt.Sprintf("invalid required amount %q", required))
	}
	value, ok := new(big.Int).SetString(exact.Authorization.Value, 10)
	if !ok {
		return vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, buyer,
			fmt.Sprintf("invalid authorization value %q", exact.Authorization.Value))
	}
	intentAmount, ok := new(big.Int).SetString(exact.Intent.Amount, 10)
	if !ok {
		return vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, buyer,
			fmt.Sprintf("invalid intent amount %q", exact.Intent.Amount))
	}
	if value.Cmp(requiredAmount) < 0 || intentAmount.Cmp(requiredAmount) < 0 {
		return vaultpay.NewVerifyError(vaultpay.ErrInsufficientAmount, buyer,
			fmt.Sprintf("payment of %s is below the required %s", value, requiredAmount))
	}
	if value.Cmp(intentAmount) != 0 {
		return vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, buyer,
			"authorization value does not match intent amount")
	}
	return nil
}

// checkValidityWindow enforces the authorization window and intent expiry.
// An intent whose expiry equals the current second is already expired.
func checkValidityWindow(exact *evm.ExactPayload, buyer string) error {
	now := time.Now().Unix()

	validAfter, err := strconv.ParseInt(exact.Authorization.ValidAfter, 10, 64)
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, buyer,
			fmt.Sprintf("invalid validAfter %q", exact.Authorization.ValidAfter))
	}
	validBefore, err := strconv.ParseInt(exact.Authorization.ValidBefore, 10, 64)
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, buyer,
			fmt.Sprintf("invalid validBefore %q", exact.Authorization.ValidBefore))
	}
	expiry, err := strconv.ParseInt(exact.Intent.Expiry, 10, 64)
	if err != nil {
		return vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, buyer,
			fmt.Sprintf("invalid expiry %q", exact.Intent.Expiry))
	}

	if now < validAfter {
		return vaultpay.NewVerifyError(vaultpay.ErrIntentNotYetValid, buyer,
			fmt.Sprintf("authorization not valid until %d", validAfter))
	}
	if now+evm.ExpiryBuffer >= validBefore {
		return vaultpay.NewVerifyError(vaultpay.ErrIntentExpired, buyer,
			fmt.Sprintf("authorization expires at %d, too close to settle", validBefore))
	}
	if expiry <= now {
		return vaultpay.NewVerifyError(vaultpay.ErrIntentExpired, buyer,
			fmt.Sprintf("intent expired at %d", expiry))
	}
	return nil
}

// Settle re-verifies the payment and submits transferWithAuthorization.
// The local replay guard is not re-checked here: the nonce was consumed when
// the payment was verified, and a settle retry after a transient failure
// must not reject its own nonce. The on-chain authorization state still
// guards against a double spend.
func (s *ExactScheme) Settle(ctx context.Context, payload vaultpay.PaymentPayload, requirements vaultpay.PaymentRequirements) (*vaultpay.SettleResponse, error) {
	exact, err := evm.ExactPayloadFromMap(payload.Payload)
	if err != nil {
		return nil, vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, "", err.Error())
	}
	buyer := exact.Intent.Buyer

	if err := s.verifyPayload(ctx, payload, requirements, exact); err != nil {
		return nil, err
	}

	value, _ := new(big.Int).SetString(exact.Authorization.Value, 10)
	validAfter, _ := new(big.Int).SetString(exact.Authorization.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(exact.Authorization.ValidBefore, 10)
	nonce, err := evm.HexToBytes32(exact.Authorization.Nonce)
	if err != nil {
		return nil, vaultpay.NewVerifyError(vaultpay.ErrMalformedPayload, buyer, err.Error())
	}
	v, r, sigS, err := evm.SplitSignature(exact.Signature)
	if err != nil {
		return nil, vaultpay.NewVerifyError(vaultpay.ErrSignatureInvalid, buyer, err.Error())
	}

	txHash, err := s.signer.WriteContract(ctx, requirements.Asset, evm.TransferWithAuthorizationABI,
		evm.FunctionTransferWithAuthorization,
		exact.Authorization.From, exact.Authorization.To, value, validAfter, validBefore, nonce, v, r, sigS)
	if err != nil {
		return nil, vaultpay.NewSettleError(vaultpay.ErrSettlementUnavailable, buyer, payload.Network, "",
			fmt.Sprintf("failed to submit transfer: %v", err))
	}

	receipt, err := s.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, vaultpay.NewSettleError(vaultpay.ErrSettlementUnavailable, buyer, payload.Network, txHash,
			fmt.Sprintf("failed to confirm transfer: %v", err))
	}
	if receipt.Status != evm.TxStatusSuccess {
		return nil, vaultpay.NewSettleError(vaultpay.ErrSettlementRejected, buyer, payload.Network, txHash,
			"transfer transaction reverted")
	}

	return &vaultpay.SettleResponse{
		Success:     true,
		Status:      vaultpay.SettleStatusSettled,
		Payer:       buyer,
		Transaction: receipt.TxHash,
		Network:     payload.Network,
	}, nil
}
