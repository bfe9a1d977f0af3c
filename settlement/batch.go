package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402labs/vaultpay/mechanisms/evm"
	"github.com/x402labs/vaultpay/retry"
)

// batchIntent mirrors the settleBatch tuple layout. Field order matches the
// signed struct order; the vault recomputes each intent hash from it.
type batchIntent struct {
	Buyer    common.Address
	Seller   common.Address
	Amount   *big.Int
	Token    common.Address
	Nonce    [32]byte
	Expiry   *big.Int
	Resource string
}

// RunReport summarizes one settler pass.
type RunReport struct {
	Batches      int
	Settled      int
	Failed       int
	Transactions []string
}

// BatchSettler drains the settlement queue: it groups pending records by
// vault and network and submits one settleBatch transaction per group. A
// batch settles or fails as a whole; the vault contract is all-or-nothing,
// so the queue statuses follow the receipt, never individual records.
type BatchSettler struct {
	queue   Queue
	signers map[string]evm.ChainSigner

	// inFlight holds record ids claimed by a running pass so overlapping
	// runs cannot submit the same intent twice.
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewBatchSettler creates a settler over the queue with one chain signer
// per network identifier.
func NewBatchSettler(queue Queue, signers map[string]evm.ChainSigner) *BatchSettler {
	return &BatchSettler{
		queue:    queue,
		signers:  signers,
		inFlight: make(map[string]struct{}),
	}
}

// Run executes one settlement pass. Zero pending records means zero
// transactions. Batch failures are recorded on the affected records and do
// not abort the remaining groups; Run only errors when the queue itself is
// unavailable.
func (s *BatchSettler) Run(ctx context.Context) (*RunReport, error) {
	pending, err := s.queue.ListPending(ctx, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to list pending settlements: %w", err)
	}

	claimed := s.claim(pending)
	if len(claimed) == 0 {
		return &RunReport{}, nil
	}
	defer s.release(claimed)

	groups := groupRecords(claimed)

	report := &RunReport{}
	for _, group := range groups {
		group := group
		report.Batches++
		// Transient RPC trouble is retried; reverts and bad record data
		// are permanent and fail the batch immediately.
		txHash, settleErr := retry.WithRetry(ctx, retry.DefaultConfig, isRetryableBatchError, func() (string, error) {
			return s.settleGroup(ctx, group)
		})
		ids := recordIDs(group.records)
		if settleErr != nil {
			report.Failed += len(ids)
			if err := s.queue.MarkFailed(ctx, ids, settleErr.Error()); err != nil {
				return report, fmt.Errorf("failed to mark batch failed: %w", err)
			}
			continue
		}
		report.Settled += len(ids)
		report.Transactions = append(report.Transactions, txHash)
		if err := s.queue.MarkSettled(ctx, ids, txHash); err != nil {
			return report, fmt.Errorf("failed to mark batch settled: %w", err)
		}
	}
	return report, nil
}

// claim atomically takes ownership of records no other pass holds.
func (s *BatchSettler) claim(records []*Record) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*Record
	for _, record := range records {
		if _, taken := s.inFlight[record.ID]; taken {
			continue
		}
		s.inFlight[record.ID] = struct{}{}
		claimed = append(claimed, record)
	}
	return claimed
}

func (s *BatchSettler) release(records []*Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range records {
		delete(s.inFlight, record.ID)
	}
}

// permanentError marks a settlement failure retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

func isRetryableBatchError(err error) bool {
	var p *permanentError
	return !errors.As(err, &p)
}

type batchGroup struct {
	vault   string
	network string
	records []*Record
}

func groupRecords(records []*Record) []*batchGroup {
	index := make(map[string]*batchGroup)
	var keys []string
	for _, record := range records {
		key := record.Vault + "/" + record.Network
		group, ok := index[key]
		if !ok {
			group = &batchGroup{vault: record.Vault, network: record.Network}
			index[key] = group
			keys = append(keys, key)
		}
		group.records = append(group.records, record)
	}
	sort.Strings(keys)

	groups := make([]*batchGroup, 0, len(index))
	for _, key := range keys {
		groups = append(groups, index[key])
	}
	return groups
}

func (s *BatchSettler) settleGroup(ctx context.Context, group *batchGroup) (string, error) {
	signer, ok := s.signers[group.network]
	if !ok {
		return "", permanent(fmt.Errorf("no signer configured for network %s", group.network))
	}

	intents := make([]batchIntent, 0, len(group.records))
	signatures := make([][]byte, 0, len(group.records))
	for _, record := range group.records {
		intent, err := toBatchIntent(record.Intent)
		if err != nil {
			return "", permanent(fmt.Errorf("record %s: %w", record.ID, err))
		}
		signature, err := evm.HexToBytes(record.Signature)
		if err != nil {
			return "", permanent(fmt.Errorf("record %s: invalid signature: %w", record.ID, err))
		}
		intents = append(intents, intent)
		signatures = append(signatures, signature)
	}

	txHash, err := signer.WriteContract(ctx, group.vault, evm.VaultSettleBatchABI, evm.FunctionSettleBatch, intents, signatures)
	if err != nil {
		return "", fmt.Errorf("settleBatch submission failed: %w", err)
	}

	receipt, err := signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return "", fmt.Errorf("settleBatch receipt failed: %w", err)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return "", permanent(fmt.Errorf("settleBatch transaction %s reverted", txHash))
	}
	return txHash, nil
}

func toBatchIntent(intent evm.PaymentIntent) (batchIntent, error) {
	var out batchIntent

	amount, ok := new(big.Int).SetString(intent.Amount, 10)
	if !ok {
		return out, fmt.Errorf("invalid intent amount %q", intent.Amount)
	}
	expiry, ok := new(big.Int).SetString(intent.Expiry, 10)
	if !ok {
		return out, fmt.Errorf("invalid intent expiry %q", intent.Expiry)
	}
	nonce, err := evm.HexToBytes32(intent.Nonce)
	if err != nil {
		return out, fmt.Errorf("invalid intent nonce: %w", err)
	}

	out.Buyer = common.HexToAddress(intent.Buyer)
	out.Seller = common.HexToAddress(intent.Seller)
	out.Amount = amount
	out.Token = common.HexToAddress(intent.Token)
	out.Nonce = nonce
	out.Expiry = expiry
	out.Resource = intent.Resource
	return out, nil
}

func recordIDs(records []*Record) []string {
	ids := make([]string, len(records))
	for i, record := range records {
		ids[i] = record.ID
	}
	return ids
}
