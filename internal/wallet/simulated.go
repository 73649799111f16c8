package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"cardpay/internal/payment"
)

// SimulatedBridge is a deterministic in-memory wallet for local runs and tests.
// Transaction hashes are derived from the transfer so repeated runs are reproducible.
type SimulatedBridge struct {
	Account string
	ChainID int64
	// Reject makes every wallet prompt fail as if the user declined.
	Reject bool
	// Revert makes mined receipts report a failed execution.
	Revert bool

	mu    sync.Mutex
	nonce uint64
	sent  map[string]payment.TransferRequest
}

func NewSimulatedBridge(account string, chainID int64) *SimulatedBridge {
	return &SimulatedBridge{Account: account, ChainID: chainID, sent: map[string]payment.TransferRequest{}}
}

func (s *SimulatedBridge) IsAvailable() bool { return true }

func (s *SimulatedBridge) RequestAccounts(context.Context) ([]string, error) {
	if s.Reject {
		return nil, payment.ErrUserRejected
	}
	return []string{s.Account}, nil
}

func (s *SimulatedBridge) CurrentChainID(context.Context) (int64, error) { return s.ChainID, nil }

func (s *SimulatedBridge) SendValueTransfer(_ context.Context, req payment.TransferRequest) (payment.TransactionHandle, error) {
	if s.Reject {
		return payment.TransactionHandle{}, payment.ErrUserRejected
	}
	if err := validateTransfer(req); err != nil {
		return payment.TransactionHandle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce++
	hash := simulatedHash(fmt.Sprintf("%s|%s|%s|%d|%d", req.From, req.To, req.AmountWei, req.ChainID, s.nonce))
	s.sent[hash] = req
	return payment.TransactionHandle{Hash: hash, FromAddress: req.From}, nil
}

// GetTransactionReceipt reports every transfer it sent as mined in block nonce.
func (s *SimulatedBridge) GetTransactionReceipt(_ context.Context, hash string) (*payment.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sent[hash]; !ok {
		return nil, nil
	}
	status := uint64(1)
	if s.Revert {
		status = 0
	}
	return &payment.Receipt{TxHash: hash, BlockNumber: s.nonce, Status: status}, nil
}

// Sent returns the transfer recorded under hash.
func (s *SimulatedBridge) Sent(hash string) (payment.TransferRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.sent[hash]
	return req, ok
}

func (s *SimulatedBridge) Ping(context.Context) error { return nil }

func simulatedHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
