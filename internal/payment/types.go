package payment

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// weiPerEther is the decimal exponent between ETH and wei.
const weiPerEther = 18

// PaymentInfo is the settlement target published by the backend.
type PaymentInfo struct {
	WalletAddress         string          `json:"wallet_address"`
	AmountEth             decimal.Decimal `json:"amount_eth"`
	ChainID               int64           `json:"chain_id"`
	Network               string          `json:"network,omitempty"`
	RequiredConfirmations int             `json:"required_confirmations"`
}

// TransactionHandle is created the moment the wallet accepts a transfer.
type TransactionHandle struct {
	Hash        string `json:"transaction_hash"`
	FromAddress string `json:"from_address"`
}

// DownloadToken proves a completed payment.
type DownloadToken string

// Receipt is the subset of a mined transaction receipt the workflow looks at.
type Receipt struct {
	TxHash      string `json:"transaction_hash"`
	BlockNumber uint64 `json:"block_number"`
	Status      uint64 `json:"status"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r Receipt) Succeeded() bool { return r.Status == 1 }

// VerificationStatus tags a VerificationResult.
type VerificationStatus string

const (
	StatusConfirmed VerificationStatus = "confirmed"
	StatusPending   VerificationStatus = "pending"
	StatusRejected  VerificationStatus = "rejected"
)

// VerificationResult is the backend's answer for a verify or fiat call.
// Only the fields belonging to Status are meaningful.
type VerificationResult struct {
	Status                VerificationStatus `json:"status"`
	DownloadToken         DownloadToken      `json:"download_token,omitempty"`
	Confirmations         int                `json:"confirmations,omitempty"`
	RequiredConfirmations int                `json:"required_confirmations,omitempty"`
	Reason                string             `json:"reason,omitempty"`
}

func Confirmed(token DownloadToken) VerificationResult {
	return VerificationResult{Status: StatusConfirmed, DownloadToken: token}
}

func Pending(confirmations, required int) VerificationResult {
	return VerificationResult{Status: StatusPending, Confirmations: confirmations, RequiredConfirmations: required}
}

func Rejected(reason string) VerificationResult {
	return VerificationResult{Status: StatusRejected, Reason: reason}
}

// TransferRequest is what the workflow asks the wallet to sign and send.
type TransferRequest struct {
	From      string
	To        string
	AmountWei *big.Int
	ChainID   int64
}

// Wallet is the injected wallet provider as seen by the workflow.
type Wallet interface {
	IsAvailable() bool
	RequestAccounts(ctx context.Context) ([]string, error)
	CurrentChainID(ctx context.Context) (int64, error)
	SendValueTransfer(ctx context.Context, req TransferRequest) (TransactionHandle, error)
	// GetTransactionReceipt returns nil, nil while the transaction is not mined.
	GetTransactionReceipt(ctx context.Context, hash string) (*Receipt, error)
}

// Verifier is the backend contract consumed by the workflows.
type Verifier interface {
	FetchPaymentInfo(ctx context.Context) (PaymentInfo, error)
	VerifyTransaction(ctx context.Context, handle TransactionHandle) (VerificationResult, error)
	SubmitFiat(ctx context.Context, amount decimal.Decimal, currency string) (VerificationResult, error)
}

// PendingTransfer is a journaled handle that may still be polled after a restart.
type PendingTransfer struct {
	AttemptID   string            `json:"attempt_id"`
	Handle      TransactionHandle `json:"handle"`
	To          string            `json:"to"`
	AmountWei   string            `json:"amount_wei"`
	ChainID     int64             `json:"chain_id"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// Journal persists handles between submission and a terminal state.
type Journal interface {
	Record(ctx context.Context, transfer PendingTransfer) error
	Resolve(ctx context.Context, hash string) error
	Pending(ctx context.Context) ([]PendingTransfer, error)
}

// ToWei converts an ETH amount to wei. Fractions below one wei are rejected.
func ToWei(amountEth decimal.Decimal) (*big.Int, error) {
	if !amountEth.IsPositive() {
		return nil, &Error{Code: CodeInvalidParameters, Message: fmt.Sprintf("amount must be positive, got %s", amountEth)}
	}
	wei := amountEth.Shift(weiPerEther)
	if !wei.IsInteger() {
		return nil, &Error{Code: CodeInvalidParameters, Message: fmt.Sprintf("amount %s has more than %d decimals", amountEth, weiPerEther)}
	}
	return wei.BigInt(), nil
}

// validateHandle rejects handles the backend could never verify.
func validateHandle(h TransactionHandle) error {
	if h.Hash == "" {
		return &Error{Code: CodeInvalidParameters, Message: "transaction hash is required"}
	}
	if b, err := hexutil.Decode(h.Hash); err != nil || len(b) != common.HashLength {
		return &Error{Code: CodeInvalidParameters, Message: fmt.Sprintf("transaction hash %q is not a 32-byte hex value", h.Hash)}
	}
	if !common.IsHexAddress(h.FromAddress) {
		return &Error{Code: CodeInvalidParameters, Message: fmt.Sprintf("from address %q is not a hex address", h.FromAddress)}
	}
	return nil
}
