package evm

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
)

// mockSigner is a configurable ChainSigner for tests. Unset hooks fail the
// call loudly instead of passing silently.
type mockSigner struct {
	readFn    func(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)
	writeFn   func(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)
	receiptFn func(ctx context.Context, txHash string) (*TransactionReceipt, error)
	balanceFn func(ctx context.Context, address string, tokenAddress string) (*big.Int, error)
	chainID   *big.Int

	readCalls  int64
	writeCalls int64
}

func (m *mockSigner) ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error) {
	atomic.AddInt64(&m.readCalls, 1)
	if m.readFn == nil {
		return nil, fmt.Errorf("unexpected ReadContract(%s)", functionName)
	}
	return m.readFn(ctx, address, abi, functionName, args...)
}

func (m *mockSigner) WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error) {
	atomic.AddInt64(&m.writeCalls, 1)
	if m.writeFn == nil {
		return "", fmt.Errorf("unexpected WriteContract(%s)", functionName)
	}
	return m.writeFn(ctx, address, abi, functionName, args...)
}

func (m *mockSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	if m.receiptFn == nil {
		return nil, fmt.Errorf("unexpected WaitForTransactionReceipt(%s)", txHash)
	}
	return m.receiptFn(ctx, txHash)
}

func (m *mockSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	if m.balanceFn == nil {
		return nil, fmt.Errorf("unexpected GetBalance(%s)", address)
	}
	return m.balanceFn(ctx, address, tokenAddress)
}

func (m *mockSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	if m.chainID == nil {
		return nil, fmt.Errorf("chain id not configured")
	}
	return m.chainID, nil
}
