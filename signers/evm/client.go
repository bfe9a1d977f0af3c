// Package evm provides go-ethereum backed signer implementations: a
// facilitator-side chain signer that reads and writes contracts over an RPC
// endpoint, and a client-side typed-data signer for buyers.
package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	mechevm "github.com/x402labs/vaultpay/mechanisms/evm"
)

const (
	receiptPollInterval = 2 * time.Second
	receiptTimeout      = 2 * time.Minute

	// gasMargin pads the gas estimate so settlement batches near the
	// estimate boundary do not run out of gas.
	gasMargin = 120 // percent
)

// ClientSigner submits transactions and reads contract state with a single
// facilitator key. Implements mechanisms/evm.ChainSigner.
type ClientSigner struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewClientSigner connects to an RPC endpoint and derives the submitting
// address from the private key.
func NewClientSigner(ctx context.Context, rpcURL, privateKeyHex string) (*ClientSigner, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}

	return &ClientSigner{
		client:  client,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

// Address returns the facilitator's submitting address.
func (s *ClientSigner) Address() string {
	return s.address.Hex()
}

func (s *ClientSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chainID), nil
}

func (s *ClientSigner) ReadContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (interface{}, error) {
	parsed, data, err := packCall(abiJSON, functionName, args)
	if err != nil {
		return nil, err
	}

	to := common.HexToAddress(address)
	output, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s failed: %w", functionName, address, err)
	}

	results, err := parsed.Unpack(functionName, output)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", functionName, err)
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

func (s *ClientSigner) WriteContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (string, error) {
	_, data, err := packCall(abiJSON, functionName, args)
	if err != nil {
		return "", err
	}

	to := common.HexToAddress(address)
	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to read account nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read gas price: %w", err)
	}
	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("gas estimation for %s failed: %w", functionName, err)
	}
	gasLimit = gasLimit * gasMargin / 100

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

func (s *ClientSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*mechevm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)

	deadline := time.Now().Add(receiptTimeout)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &mechevm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		if err != ethereum.NotFound {
			return nil, fmt.Errorf("failed to read receipt for %s: %w", txHash, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for receipt of %s", txHash)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *ClientSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	result, err := s.ReadContract(ctx, tokenAddress, mechevm.ERC20BalanceOfABI, "balanceOf", address)
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf returned unexpected type %T", result)
	}
	return balance, nil
}

// packCall parses the ABI and packs the call data, converting hex-string
// address arguments so mechanism code can stay on plain strings.
func packCall(abiJSON []byte, functionName string, args []interface{}) (*abi.ABI, []byte, error) {
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ABI: %w", err)
	}
	method, ok := parsed.Methods[functionName]
	if !ok {
		return nil, nil, fmt.Errorf("function %s not in ABI", functionName)
	}
	if len(args) != len(method.Inputs) {
		return nil, nil, fmt.Errorf("function %s expects %d arguments, got %d", functionName, len(method.Inputs), len(args))
	}

	converted := make([]interface{}, len(args))
	for i, arg := range args {
		if method.Inputs[i].Type.T == abi.AddressTy {
			if str, ok := arg.(string); ok {
				converted[i] = common.HexToAddress(str)
				continue
			}
		}
		converted[i] = arg
	}

	data, err := parsed.Pack(functionName, converted...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to pack %s call: %w", functionName, err)
	}
	return &parsed, data, nil
}

// BuyerSigner signs EIP-712 typed data with a buyer's private key.
// Implements mechanisms/evm.IntentSigner; used by the client payload
// builder and in tests.
type BuyerSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewBuyerSigner creates a signer from a hex private key.
func NewBuyerSigner(privateKeyHex string) (*BuyerSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &BuyerSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *BuyerSigner) Address() string {
	return s.address.Hex()
}

// SignTypedData signs the EIP-712 digest of the message, returning a
// 65-byte signature with v in 27/28 form.
func (s *BuyerSigner) SignTypedData(domain mechevm.TypedDataDomain, dataTypes map[string][]mechevm.TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error) {
	digest, err := mechevm.HashTypedData(domain, dataTypes, primaryType, message)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign typed data: %w", err)
	}
	if signature[64] < 27 {
		signature[64] += 27
	}
	return signature, nil
}
