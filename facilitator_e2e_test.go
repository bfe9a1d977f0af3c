package vaultpay_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402labs/vaultpay"
	"github.com/x402labs/vaultpay/mechanisms/evm"
	deferredfacilitator "github.com/x402labs/vaultpay/mechanisms/evm/deferred/facilitator"
	exactfacilitator "github.com/x402labs/vaultpay/mechanisms/evm/exact/facilitator"
	"github.com/x402labs/vaultpay/settlement"
	signerevm "github.com/x402labs/vaultpay/signers/evm"
)

const (
	e2eToken   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	e2eVault   = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	e2ePayTo   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	e2eNetwork = vaultpay.Network("eip155:84532")
)

// chainStub backs a full scenario: token and vault reads answer like real
// contracts, writes succeed and produce numbered transaction hashes.
type chainStub struct {
	writeCalls int64
}

func (c *chainStub) ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error) {
	switch functionName {
	case "name":
		if address == e2eVault {
			return "VaultPay", nil
		}
		return "USD Coin", nil
	case "version":
		if address == e2eVault {
			return "1", nil
		}
		return "2", nil
	case evm.FunctionAuthorizationState, evm.FunctionUsedNonces:
		return false, nil
	case evm.FunctionDeposits:
		return big.NewInt(1_000_000), nil
	}
	return nil, fmt.Errorf("unexpected ReadContract(%s)", functionName)
}

func (c *chainStub) WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error) {
	call := atomic.AddInt64(&c.writeCalls, 1)
	return fmt.Sprintf("0xtx%d", call), nil
}

func (c *chainStub) WaitForTransactionReceipt(ctx context.Context, txHash string) (*evm.TransactionReceipt, error) {
	return &evm.TransactionReceipt{Status: evm.TxStatusSuccess, BlockNumber: 7, TxHash: txHash}, nil
}

func (c *chainStub) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (c *chainStub) GetChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(84532), nil
}

func newBuyer(t *testing.T) *signerevm.BuyerSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	buyer, err := signerevm.NewBuyerSigner(evm.BytesToHex(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return buyer
}

func exactRequirements() vaultpay.PaymentRequirements {
	return vaultpay.PaymentRequirements{
		Scheme:   evm.SchemeExact,
		Network:  e2eNetwork,
		Asset:    e2eToken,
		Amount:   "10000",
		PayTo:    e2ePayTo,
		Resource: "/api/content/premium",
	}
}

func deferredRequirements() vaultpay.PaymentRequirements {
	r := exactRequirements()
	r.Scheme = evm.SchemeDeferred
	r.Vault = e2eVault
	return r
}

func tokenDomain() evm.TypedDataDomain {
	return evm.TypedDataDomain{Name: "USD Coin", Version: "2", ChainID: big.NewInt(84532), VerifyingContract: e2eToken}
}

func vaultDomain() evm.TypedDataDomain {
	return evm.TypedDataDomain{Name: "VaultPay", Version: "1", ChainID: big.NewInt(84532), VerifyingContract: e2eVault}
}

func marshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// Full exact-scheme round trip: the buyer signs a payment, the engine
// verifies and settles it, a replay is rejected, and retrying the identical
// settle returns the cached receipt without a second transaction.
func TestExactPaymentEndToEnd(t *testing.T) {
	chain := &chainStub{}
	engine := vaultpay.NewFacilitator().
		Register(e2eNetwork, exactfacilitator.NewExactScheme(chain))

	buyer := newBuyer(t)
	requirements := exactRequirements()
	payment, err := evm.BuildExactPayload(buyer, requirements, tokenDomain())
	require.NoError(t, err)

	payloadBytes := marshal(t, payment)
	requirementsBytes := marshal(t, requirements)
	ctx := context.Background()

	verifyResp, err := engine.Verify(ctx, payloadBytes, requirementsBytes)
	require.NoError(t, err)
	require.True(t, verifyResp.IsValid, "reason: %s (%s)", verifyResp.InvalidReason, verifyResp.InvalidMessage)
	assert.Equal(t, buyer.Address(), verifyResp.Payer)

	settleResp, err := engine.Settle(ctx, payloadBytes, requirementsBytes)
	require.NoError(t, err)
	require.True(t, settleResp.Success)
	assert.Equal(t, vaultpay.SettleStatusSettled, settleResp.Status)
	assert.NotEmpty(t, settleResp.Transaction)
	assert.Equal(t, int64(1), chain.writeCalls)

	// Replaying the captured payload fails verification.
	replay, err := engine.Verify(ctx, payloadBytes, requirementsBytes)
	require.NoError(t, err)
	assert.False(t, replay.IsValid)
	assert.Equal(t, vaultpay.ErrNonceReplay, replay.InvalidReason)

	// Retrying the identical settle returns the cached receipt.
	retryResp, err := engine.Settle(ctx, payloadBytes, requirementsBytes)
	require.NoError(t, err)
	assert.Equal(t, settleResp, retryResp)
	assert.Equal(t, int64(1), chain.writeCalls, "cached settle must not resubmit")
}

// Full deferred-scheme round trip: three buyers sign intents against the
// vault, each settles into the queue as pending, and one settler pass moves
// all three on-chain in a single transaction.
func TestDeferredPaymentEndToEnd(t *testing.T) {
	chain := &chainStub{}
	queue := settlement.NewMemoryQueue()
	engine := vaultpay.NewFacilitator().
		Register(e2eNetwork, deferredfacilitator.NewDeferredScheme(chain, queue))

	requirements := deferredRequirements()
	requirementsBytes := marshal(t, requirements)
	ctx := context.Background()

	var recordIDs []string
	for i := 0; i < 3; i++ {
		buyer := newBuyer(t)
		payment, err := evm.BuildDeferredPayload(buyer, requirements, vaultDomain())
		require.NoError(t, err)
		payloadBytes := marshal(t, payment)

		verifyResp, err := engine.Verify(ctx, payloadBytes, requirementsBytes)
		require.NoError(t, err)
		require.True(t, verifyResp.IsValid, "reason: %s (%s)", verifyResp.InvalidReason, verifyResp.InvalidMessage)

		settleResp, err := engine.Settle(ctx, payloadBytes, requirementsBytes)
		require.NoError(t, err)
		require.True(t, settleResp.Success)
		assert.Equal(t, vaultpay.SettleStatusPending, settleResp.Status)
		require.NotEmpty(t, settleResp.RecordID)
		recordIDs = append(recordIDs, settleResp.RecordID)
	}
	assert.Zero(t, chain.writeCalls, "deferred settle must not touch the chain")

	settler := settlement.NewBatchSettler(queue, map[string]evm.ChainSigner{string(e2eNetwork): chain})
	report, err := settler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 3, report.Settled)
	assert.Equal(t, int64(1), chain.writeCalls, "three intents settle in one transaction")

	for _, id := range recordIDs {
		record, err := queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, settlement.StatusSettled, record.Status)
		assert.Equal(t, report.Transactions[0], record.TxHash)
	}
}

// A buyer cannot reuse one signed intent across schemes or resources: the
// deferred payload signed for the vault fails under exact requirements.
func TestSchemesDoNotCrossAccept(t *testing.T) {
	chain := &chainStub{}
	queue := settlement.NewMemoryQueue()
	engine := vaultpay.NewFacilitator().
		Register(e2eNetwork, exactfacilitator.NewExactScheme(chain)).
		Register(e2eNetwork, deferredfacilitator.NewDeferredScheme(chain, queue))

	buyer := newBuyer(t)
	payment, err := evm.BuildDeferredPayload(buyer, deferredRequirements(), vaultDomain())
	require.NoError(t, err)

	// Present the deferred payload against exact requirements.
	resp, err := engine.Verify(context.Background(), marshal(t, payment), marshal(t, exactRequirements()))
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
}
