package facilitator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402labs/vaultpay"
	"github.com/x402labs/vaultpay/mechanisms/evm"
)

const (
	testToken   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testNetwork = vaultpay.Network("eip155:84532")
)

type mockSigner struct {
	nonceUsed  bool
	balance    *big.Int
	writeErr   error
	txStatus   uint64
	writeCalls int64
	lastTxHash string
}

func newMockSigner() *mockSigner {
	return &mockSigner{
		balance:    big.NewInt(1_000_000),
		txStatus:   evm.TxStatusSuccess,
		lastTxHash: "0xdeadbeef",
	}
}

func (m *mockSigner) ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error) {
	switch functionName {
	case "name":
		return "USD Coin", nil
	case "version":
		return "2", nil
	case evm.FunctionAuthorizationState:
		return m.nonceUsed, nil
	}
	return nil, fmt.Errorf("unexpected ReadContract(%s)", functionName)
}

func (m *mockSigner) WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error) {
	atomic.AddInt64(&m.writeCalls, 1)
	if m.writeErr != nil {
		return "", m.writeErr
	}
	return m.lastTxHash, nil
}

func (m *mockSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*evm.TransactionReceipt, error) {
	return &evm.TransactionReceipt{Status: m.txStatus, BlockNumber: 100, TxHash: txHash}, nil
}

func (m *mockSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	return m.balance, nil
}

func (m *mockSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(84532), nil
}

func tokenDomain() evm.TypedDataDomain {
	return evm.TypedDataDomain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           big.NewInt(84532),
		VerifyingContract: testToken,
	}
}

func signDigest(t *testing.T, key *ecdsa.PrivateKey, digest []byte) string {
	t.Helper()
	signature, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	signature[64] += 27
	return evm.BytesToHex(signature)
}

// buildPayment signs a fresh exact payment. mutate runs before signing so
// tests can produce consistently signed variants; tamper with the returned
// payload map for signature-mismatch cases.
func buildPayment(t *testing.T, key *ecdsa.PrivateKey, mutate func(*evm.PaymentIntent, *evm.TransferAuthorization)) vaultpay.PaymentPayload {
	t.Helper()

	nonce, err := evm.CreateNonce()
	require.NoError(t, err)

	now := time.Now().Unix()
	buyer := crypto.PubkeyToAddress(key.PublicKey).Hex()

	intent := evm.PaymentIntent{
		Buyer:    buyer,
		Seller:   testPayTo,
		Amount:   "10000",
		Token:    testToken,
		Nonce:    nonce,
		Expiry:   strconv.FormatInt(now+600, 10),
		Resource: "/api/content/premium",
		ChainID:  "84532",
	}
	auth := evm.TransferAuthorization{
		From:        buyer,
		To:          testPayTo,
		Value:       "10000",
		ValidAfter:  strconv.FormatInt(now-10, 10),
		ValidBefore: strconv.FormatInt(now+600, 10),
		Nonce:       nonce,
	}
	if mutate != nil {
		mutate(&intent, &auth)
	}

	authDigest, err := evm.HashTransferAuthorization(auth, tokenDomain())
	require.NoError(t, err)
	intentDigest, err := evm.HashPaymentIntent(intent, tokenDomain())
	require.NoError(t, err)

	exact := evm.ExactPayload{
		Signature:       signDigest(t, key, authDigest),
		Authorization:   auth,
		IntentSignature: signDigest(t, key, intentDigest),
		Intent:          intent,
	}
	return vaultpay.PaymentPayload{
		Scheme:  evm.SchemeExact,
		Network: testNetwork,
		Payload: exact.ToMap(),
	}
}

func testRequirements() vaultpay.PaymentRequirements {
	return vaultpay.PaymentRequirements{
		Scheme:   evm.SchemeExact,
		Network:  testNetwork,
		Asset:    testToken,
		Amount:   "10000",
		PayTo:    testPayTo,
		Resource: "/api/content/premium",
	}
}

func verifyReason(t *testing.T, err error) string {
	t.Helper()
	var ve *vaultpay.VerifyError
	require.ErrorAs(t, err, &ve)
	return ve.InvalidReason
}

func TestVerifyValidPayment(t *testing.T) {
	key, _ := crypto.GenerateKey()
	scheme := NewExactScheme(newMockSigner())

	payload := buildPayment(t, key, nil)
	resp, err := scheme.Verify(context.Background(), payload, testRequirements())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), resp.Payer)
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	key, _ := crypto.GenerateKey()
	scheme := NewExactScheme(newMockSigner())
	payload := buildPayment(t, key, nil)

	_, err := scheme.Verify(context.Background(), payload, testRequirements())
	require.NoError(t, err)

	_, err = scheme.Verify(context.Background(), payload, testRequirements())
	assert.Equal(t, vaultpay.ErrNonceReplay, verifyReason(t, err))
}

// A replayed nonce is rejected even when the first presentation failed for
// an unrelated reason; validation consumes the nonce either way.
func TestReplayRejectedAfterFailedFirstAttempt(t *testing.T) {
	key, _ := crypto.GenerateKey()
	scheme := NewExactScheme(newMockSigner())

	payload := buildPayment(t, key, nil)
	badRequirements := testRequirements()
	badRequirements.Amount = "999999"

	_, err := scheme.Verify(context.Background(), payload, badRequirements)
	assert.Equal(t, vaultpay.ErrInsufficientAmount, verifyReason(t, err))

	_, err = scheme.Verify(context.Background(), payload, testRequirements())
	assert.Equal(t, vaultpay.ErrNonceReplay, verifyReason(t, err))
}

func TestVerifyRejectsTamperedIntent(t *testing.T) {
	key, _ := crypto.GenerateKey()
	scheme := NewExactScheme(newMockSigner())

	payload := buildPayment(t, key, nil)
	intent := payload.Payload["intent"].(map[string]interface{})
	intent["resource"] = "/api/content/other"

	_, err := scheme.Verify(context.Background(), payload, testRequirements())
	assert.Equal(t, vaultpay.ErrSignatureInvalid, verifyReason(t, err))
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	key, _ := crypto.GenerateKey()
	otherKey, _ := crypto.GenerateKey()
	scheme := NewExactScheme(newMockSigner())

	payload := buildPayment(t, key, nil)
	// Replace the intent signature with one from a different key over the
	// same digest.
	intent, err := evm.ExactPayloadFromMap(payload.Payload)
	require.NoError(t, err)
	digest, err := evm.HashPaymentIntent(intent.Intent, tokenDomain())
	require.NoError(t, err)
	payload.Payload["intentSignature"] = signDigest(t, otherKey, digest)

	_, err = scheme.Verify(context.Background(), payload, testRequirements())
	assert.Equal(t, vaultpay.ErrSignatureInvalid, verifyReason(t, err))
}

func TestVerifyRejectsNonceBindingMismatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	scheme := NewExactScheme(newMockSigner())

	otherNonce, err := evm.CreateNonce()
	require.NoError(t, err)
	payload := buildPayment(t, key, func(intent *evm.PaymentIntent, auth *evm.TransferAuthorization) {
		auth.Nonce = otherNonce
	})

	_, err = scheme.Verify(context.Background(), payload, testRequirements())
	assert.Equal(t, vaultpay.ErrNonceBindingMismatch, verifyReason(t, err))
}

func TestVerifyRejectsRecipientMismatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	scheme := NewExactScheme(newMockSigner())

	payload := buildPayment(t, key, func(intent *evm.PaymentIntent, auth *evm.TransferAuthorization) {
		auth.To = "0x0000000000000000000000000000000000000001"
	})

	_, err := scheme.Verify(context.Background(), payload, testRequirements())
	assert.Equal(t, vaultpay.ErrRecipientMismatch, verifyReason(t, err))
}

func TestVerifyRejectsTokenMismatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	scheme := NewExactScheme(newMockSigner())

	requirements := testRequirements()
	requirements.Asset = "0x0000000000000000000000000000000000000001"

	payload := buildPayment(t, key, nil)
	_, err := scheme.Verify(context.Background(), payload, requirements)
	assert.Equal(t, vaultpay.ErrTokenMismatch, verifyReason(t, err))
}

// An intent whose expiry equals the current second is already expired; one
// second in the future is not (the settlement buffer applies to the
// authorization window, tested separately, not to the intent expiry).
func TestVerifyExpiryBoundary(t *testing.T) {
	key, _ := crypto.GenerateKey()

	now := time.Now().Unix()
	expired := buildPayment(t, key, func(intent *evm.PaymentIntent, auth *evm.TransferAuthorization) {
		intent.Expiry = strconv.FormatInt(now, 10)
	})
	_, err := NewExactScheme(newMockSigner()).Verify(context.Background(), expired, testRequirements())
	assert.Equal(t, vaultpay.ErrIntentExpired, verifyReason(t, err))

	now = time.Now().Unix()
	alive := buildPayment(t, key, func(intent *evm.PaymentIntent, auth *evm.TransferAuthorization) {
		intent.Expiry = strconv.FormatInt(now+1, 10)
	})
	resp, err := NewExactScheme(newMockSigner()).Verify(context.Background(), alive, testRequirements())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
}

func TestVerifyRejectsNotYetValid(t *testing.T) {
	key, _ := crypto.GenerateKey()
	scheme := NewExactScheme(newMockSigner())

	now := time.Now().Unix()
	payload := buildPayment(t, key, func(intent *evm.PaymentIntent, auth *evm.TransferAuthorization) {
		auth.ValidAfter = strconv.FormatInt(now+300, 10)
	})

	_, err := scheme.Verify(context.Background(), payload, testRequirements())
	assert.Equal(t, vaultpay.ErrIntentNotYetValid, verifyReason(t, err))
}

func TestVerifyRejectsOnChainConsumedNonce(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := newMockSigner()
	signer.nonceUsed = true
	scheme := NewExactScheme(signer)

	payload := buildPayment(t, key, nil)
	_, err := scheme.Verify(context.Background(), payload, testRequirements())
	assert.Equal(t, vaultpay.ErrNonceReplay, verifyReason(t, err))
}

func TestVerifyRejectsInsufficientBalance(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := newMockSigner()
	signer.balance = big.NewInt(100)
	scheme := NewExactScheme(signer)

	payload := buildPayment(t, key, nil)
	_, err := scheme.Verify(context.Background(), payload, testRequirements())
	assert.Equal(t, vaultpay.ErrInsufficientBalance, verifyReason(t, err))
}

func TestSettleSubmitsTransfer(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := newMockSigner()
	scheme := NewExactScheme(signer)

	payload := buildPayment(t, key, nil)

	// Verify first, as the engine does; settling afterwards must not be
	// blocked by the nonce the verification consumed.
	_, err := scheme.Verify(context.Background(), payload, testRequirements())
	require.NoError(t, err)

	resp, err := scheme.Settle(context.Background(), payload, testRequirements())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, vaultpay.SettleStatusSettled, resp.Status)
	assert.Equal(t, "0xdeadbeef", resp.Transaction)
	assert.Equal(t, testNetwork, resp.Network)
	assert.Equal(t, int64(1), signer.writeCalls)
}

func TestSettleRevertedTransaction(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := newMockSigner()
	signer.txStatus = evm.TxStatusFailed
	scheme := NewExactScheme(signer)

	payload := buildPayment(t, key, nil)
	_, err := scheme.Settle(context.Background(), payload, testRequirements())

	var se *vaultpay.SettleError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, vaultpay.ErrSettlementRejected, se.ErrorReason)
	assert.Equal(t, "0xdeadbeef", se.Transaction)
}

func TestSettleSubmissionFailure(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := newMockSigner()
	signer.writeErr = errors.New("rpc: connection refused")
	scheme := NewExactScheme(signer)

	payload := buildPayment(t, key, nil)
	_, err := scheme.Settle(context.Background(), payload, testRequirements())

	var se *vaultpay.SettleError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, vaultpay.ErrSettlementUnavailable, se.ErrorReason)
	assert.True(t, vaultpay.IsTransient(se.ErrorReason))
}

func TestVerifyRejectsMalformedPayload(t *testing.T) {
	scheme := NewExactScheme(newMockSigner())

	payload := vaultpay.PaymentPayload{
		Scheme:  evm.SchemeExact,
		Network: testNetwork,
		Payload: map[string]interface{}{"signature": "0x1234"},
	}
	_, err := scheme.Verify(context.Background(), payload, testRequirements())
	assert.Equal(t, vaultpay.ErrMalformedPayload, verifyReason(t, err))
}
