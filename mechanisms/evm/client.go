package evm

import (
	"fmt"
	"strconv"
	"time"

	"github.com/x402labs/vaultpay"
)

// paymentWindow returns (validAfter, validBefore, expiry) for a payment
// created now. A positive requirements expiry is an absolute unix deadline;
// zero falls back to the default validity period.
func paymentWindow(requiredExpiry int64) (string, string, string) {
	now := time.Now().Unix()
	validAfter := strconv.FormatInt(now-ExpiryBuffer, 10)

	expiry := requiredExpiry
	if expiry <= 0 {
		expiry = now + DefaultValidityPeriod
	}
	deadline := strconv.FormatInt(expiry, 10)
	return validAfter, deadline, deadline
}

// BuildExactPayload constructs and signs an exact-scheme payment for the
// given requirements. The token domain must be the EIP-712 domain of the
// asset named in the requirements; both signatures are made under it.
func BuildExactPayload(signer IntentSigner, requirements vaultpay.PaymentRequirements, tokenDomain TypedDataDomain) (*vaultpay.PaymentPayload, error) {
	nonce, err := CreateNonce()
	if err != nil {
		return nil, err
	}
	validAfter, validBefore, expiry := paymentWindow(requirements.Expiry)

	intent := PaymentIntent{
		Buyer:    signer.Address(),
		Seller:   requirements.PayTo,
		Amount:   requirements.Amount,
		Token:    requirements.Asset,
		Nonce:    nonce,
		Expiry:   expiry,
		Resource: requirements.Resource,
		ChainID:  tokenDomain.ChainID.String(),
	}
	auth := TransferAuthorization{
		From:        signer.Address(),
		To:          requirements.PayTo,
		Value:       requirements.Amount,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}

	authMessage, err := authorizationTypedMessage(auth)
	if err != nil {
		return nil, err
	}
	authSig, err := signer.SignTypedData(tokenDomain, TransferAuthorizationTypes(), "TransferWithAuthorization", authMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transfer authorization: %w", err)
	}

	intentMessage, err := intentTypedMessage(intent)
	if err != nil {
		return nil, err
	}
	intentSig, err := signer.SignTypedData(tokenDomain, PaymentIntentTypes(), "PaymentIntent", intentMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment intent: %w", err)
	}

	exact := &ExactPayload{
		Signature:       BytesToHex(authSig),
		Authorization:   auth,
		IntentSignature: BytesToHex(intentSig),
		Intent:          intent,
	}
	return &vaultpay.PaymentPayload{
		Scheme:  SchemeExact,
		Network: requirements.Network,
		Payload: exact.ToMap(),
	}, nil
}

// BuildDeferredPayload constructs and signs a deferred-scheme payment. The
// vault domain must be the EIP-712 domain of the requirements' vault
// contract, since the vault verifies the signature at batch settlement.
func BuildDeferredPayload(signer IntentSigner, requirements vaultpay.PaymentRequirements, vaultDomain TypedDataDomain) (*vaultpay.PaymentPayload, error) {
	if requirements.Vault == "" {
		return nil, fmt.Errorf("deferred requirements carry no vault address")
	}

	nonce, err := CreateNonce()
	if err != nil {
		return nil, err
	}
	_, _, expiry := paymentWindow(requirements.Expiry)

	intent := PaymentIntent{
		Buyer:    signer.Address(),
		Seller:   requirements.PayTo,
		Amount:   requirements.Amount,
		Token:    requirements.Asset,
		Nonce:    nonce,
		Expiry:   expiry,
		Resource: requirements.Resource,
		ChainID:  vaultDomain.ChainID.String(),
	}

	message, err := intentTypedMessage(intent)
	if err != nil {
		return nil, err
	}
	signature, err := signer.SignTypedData(vaultDomain, PaymentIntentTypes(), "PaymentIntent", message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment intent: %w", err)
	}

	deferred := &DeferredPayload{
		Signature: BytesToHex(signature),
		Intent:    intent,
	}
	return &vaultpay.PaymentPayload{
		Scheme:  SchemeDeferred,
		Network: requirements.Network,
		Payload: deferred.ToMap(),
	}, nil
}

func authorizationTypedMessage(auth TransferAuthorization) (map[string]interface{}, error) {
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
	return map[string]interface{}{
		"from":        auth.From,
		"to":          auth.To,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonce[:],
	}, nil
}
