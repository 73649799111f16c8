package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"cardpay/internal/logger"
	"cardpay/internal/payment"
)

// EIP-1193 provider error codes.
const (
	codeUserRejected  = 4001
	codeUnauthorized  = 4100
	codeUnsupported   = 4200
	codeDisconnected  = 4900
	codeChainOffline  = 4901
	codeInvalidParams = -32602
)

// RPCBridge talks to a wallet provider over JSON-RPC.
// A bridge without a client reports the wallet as unavailable.
type RPCBridge struct {
	client *rpc.Client
	eth    *ethclient.Client
	log    zerolog.Logger
}

type Option func(*RPCBridge)

func WithLogger(l zerolog.Logger) Option {
	return func(b *RPCBridge) { b.log = l }
}

func NewRPCBridge(client *rpc.Client, opts ...Option) *RPCBridge {
	b := &RPCBridge{client: client, log: zerolog.Nop()}
	if client != nil {
		b.eth = ethclient.NewClient(client)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial connects to the provider endpoint. An empty url yields an unavailable bridge.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*RPCBridge, error) {
	if strings.TrimSpace(rawURL) == "" {
		return NewRPCBridge(nil, opts...), nil
	}
	client, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial wallet provider: %w", err)
	}
	return NewRPCBridge(client, opts...), nil
}

func (b *RPCBridge) IsAvailable() bool { return b.client != nil }

func (b *RPCBridge) RequestAccounts(ctx context.Context) ([]string, error) {
	if !b.IsAvailable() {
		return nil, payment.ErrWalletUnavailable
	}
	var accounts []string
	if err := b.client.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, mapError(err)
	}
	out := accounts[:0]
	for _, a := range accounts {
		if common.IsHexAddress(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (b *RPCBridge) CurrentChainID(ctx context.Context) (int64, error) {
	if !b.IsAvailable() {
		return 0, payment.ErrWalletUnavailable
	}
	id, err := b.eth.ChainID(ctx)
	if err != nil {
		return 0, mapError(err)
	}
	if !id.IsInt64() {
		return 0, payment.ProviderError(fmt.Sprintf("chain id %s out of range", id))
	}
	return id.Int64(), nil
}

type transferArgs struct {
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Value   *hexutil.Big   `json:"value"`
	ChainID *hexutil.Big   `json:"chainId,omitempty"`
}

// SendValueTransfer asks the wallet to sign and broadcast a plain ETH transfer.
// The returned hash is the moment the transfer becomes irreversible from our side.
func (b *RPCBridge) SendValueTransfer(ctx context.Context, req payment.TransferRequest) (payment.TransactionHandle, error) {
	if !b.IsAvailable() {
		return payment.TransactionHandle{}, payment.ErrWalletUnavailable
	}
	if err := validateTransfer(req); err != nil {
		return payment.TransactionHandle{}, err
	}

	args := transferArgs{
		From:  common.HexToAddress(req.From),
		To:    common.HexToAddress(req.To),
		Value: (*hexutil.Big)(req.AmountWei),
	}
	if req.ChainID != 0 {
		args.ChainID = (*hexutil.Big)(big.NewInt(req.ChainID))
	}

	var hash common.Hash
	if err := b.client.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return payment.TransactionHandle{}, mapError(err)
	}
	if hash == (common.Hash{}) {
		return payment.TransactionHandle{}, payment.ProviderError("wallet returned an empty transaction hash")
	}

	log := logger.FromContext(ctx, b.log)
	log.Info().
		Str("from", logger.TruncateAddress(req.From)).
		Str("to", logger.TruncateAddress(req.To)).
		Str("value_wei", req.AmountWei.String()).
		Str("tx_hash", logger.TruncateAddress(hash.Hex())).
		Msg("wallet.transfer_sent")

	return payment.TransactionHandle{Hash: hash.Hex(), FromAddress: args.From.Hex()}, nil
}

// GetTransactionReceipt returns nil, nil while the transaction is unknown or unmined.
func (b *RPCBridge) GetTransactionReceipt(ctx context.Context, hash string) (*payment.Receipt, error) {
	if !b.IsAvailable() {
		return nil, payment.ErrWalletUnavailable
	}
	receipt, err := b.eth.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	out := &payment.Receipt{TxHash: receipt.TxHash.Hex(), Status: receipt.Status}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// Ping checks that the provider answers.
func (b *RPCBridge) Ping(ctx context.Context) error {
	if !b.IsAvailable() {
		return payment.ErrWalletUnavailable
	}
	_, err := b.eth.BlockNumber(ctx)
	return err
}

func (b *RPCBridge) Close() {
	if b.client != nil {
		b.client.Close()
	}
}

func validateTransfer(req payment.TransferRequest) error {
	if !common.IsHexAddress(req.From) {
		return &payment.Error{Code: payment.CodeInvalidParameters, Message: fmt.Sprintf("invalid sender address %q", req.From)}
	}
	if !common.IsHexAddress(req.To) {
		return &payment.Error{Code: payment.CodeInvalidParameters, Message: fmt.Sprintf("invalid recipient address %q", req.To)}
	}
	if req.AmountWei == nil || req.AmountWei.Sign() <= 0 {
		return &payment.Error{Code: payment.CodeInvalidParameters, Message: "transfer value must be positive"}
	}
	return nil
}

// mapError turns provider errors into the payment taxonomy by EIP-1193 / JSON-RPC code.
func mapError(err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return &payment.Error{Code: payment.CodeProviderError, Message: err.Error(), Err: err}
	}
	switch rpcErr.ErrorCode() {
	case codeUserRejected, codeUnauthorized:
		return &payment.Error{Code: payment.CodeUserRejected, Message: rpcErr.Error(), Err: err}
	case codeInvalidParams:
		return &payment.Error{Code: payment.CodeInvalidParameters, Message: rpcErr.Error(), Err: err}
	case codeUnsupported, codeDisconnected, codeChainOffline:
		return &payment.Error{Code: payment.CodeWalletUnavailable, Message: rpcErr.Error(), Err: err}
	}
	return &payment.Error{Code: payment.CodeProviderError, Message: rpcErr.Error(), Err: err}
}
