package wallet

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardpay/internal/payment"
)

const (
	buyer = "0x1111111111111111111111111111111111111111"
	payee = "0xAbC0000000000000000000000000000000000001"
)

var sentHash = common.HexToHash("0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060")

type providerError struct {
	code int
	msg  string
}

func (e providerError) Error() string  { return e.msg }
func (e providerError) ErrorCode() int { return e.code }

// ethService plays the injected provider behind an in-process JSON-RPC server.
type ethService struct {
	mu         sync.Mutex
	accounts   []string
	chainID    int64
	connectErr error
	sendErr    error
	sent       []transferArgs
	receipt    *types.Receipt
}

func (s *ethService) RequestAccounts() ([]string, error) {
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	return s.accounts, nil
}

func (s *ethService) ChainId() (*hexutil.Big, error) {
	return (*hexutil.Big)(big.NewInt(s.chainID)), nil
}

func (s *ethService) SendTransaction(args transferArgs) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return common.Hash{}, s.sendErr
	}
	s.sent = append(s.sent, args)
	return sentHash, nil
}

func (s *ethService) GetTransactionReceipt(hash common.Hash) (*types.Receipt, error) {
	if s.receipt == nil || s.receipt.TxHash != hash {
		return nil, nil
	}
	return s.receipt, nil
}

func (s *ethService) BlockNumber() (hexutil.Uint64, error) { return 19_000_000, nil }

func newTestBridge(t *testing.T, svc *ethService) *RPCBridge {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", svc))
	client := rpc.DialInProc(srv)
	t.Cleanup(func() {
		client.Close()
		srv.Stop()
	})
	return NewRPCBridge(client)
}

func TestBridgeConnect(t *testing.T) {
	svc := &ethService{accounts: []string{buyer}, chainID: 11155111}
	b := newTestBridge(t, svc)
	ctx := context.Background()

	require.True(t, b.IsAvailable())
	accounts, err := b.RequestAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{buyer}, accounts)

	chainID, err := b.CurrentChainID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 11155111, chainID)

	require.NoError(t, b.Ping(ctx))
}

func TestBridgeSendValueTransfer(t *testing.T) {
	svc := &ethService{accounts: []string{buyer}, chainID: 1}
	b := newTestBridge(t, svc)

	wei, err := payment.ToWei(mustDecimal(t, "0.02"))
	require.NoError(t, err)
	handle, err := b.SendValueTransfer(context.Background(), payment.TransferRequest{
		From:      buyer,
		To:        payee,
		AmountWei: wei,
		ChainID:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, sentHash.Hex(), handle.Hash)
	assert.Equal(t, common.HexToAddress(buyer).Hex(), handle.FromAddress)

	require.Len(t, svc.sent, 1)
	args := svc.sent[0]
	assert.Equal(t, common.HexToAddress(payee), args.To)
	assert.Equal(t, "0x470de4df820000", args.Value.String())
	assert.Equal(t, "0x1", args.ChainID.String())
}

func TestBridgeErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want *payment.Error
	}{
		{"user rejected", providerError{4001, "User denied transaction signature."}, payment.ErrUserRejected},
		{"invalid params", providerError{-32602, "invalid argument 0"}, payment.ErrInvalidParameters},
		{"disconnected", providerError{4900, "provider is disconnected"}, payment.ErrWalletUnavailable},
		{"insufficient funds", providerError{-32000, "insufficient funds for gas * price + value"}, payment.ErrProviderError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBridge(t, &ethService{sendErr: tc.err, connectErr: tc.err})

			_, err := b.RequestAccounts(context.Background())
			require.ErrorIs(t, err, tc.want)

			_, err = b.SendValueTransfer(context.Background(), payment.TransferRequest{
				From: buyer, To: payee, AmountWei: big.NewInt(1),
			})
			require.ErrorIs(t, err, tc.want)
			assert.Contains(t, payment.AsError(err).Message, tc.err.Error())
		})
	}
}

func TestBridgeRejectsBadTransfersLocally(t *testing.T) {
	svc := &ethService{}
	b := newTestBridge(t, svc)

	cases := []payment.TransferRequest{
		{From: buyer, To: "0xnotanaddress", AmountWei: big.NewInt(1)},
		{From: "", To: payee, AmountWei: big.NewInt(1)},
		{From: buyer, To: payee, AmountWei: big.NewInt(0)},
		{From: buyer, To: payee},
	}
	for _, req := range cases {
		_, err := b.SendValueTransfer(context.Background(), req)
		require.ErrorIs(t, err, payment.ErrInvalidParameters)
	}
	assert.Empty(t, svc.sent)
}

func TestBridgeReceipts(t *testing.T) {
	svc := &ethService{}
	b := newTestBridge(t, svc)
	ctx := context.Background()

	receipt, err := b.GetTransactionReceipt(ctx, sentHash.Hex())
	require.NoError(t, err)
	assert.Nil(t, receipt, "unmined transactions have no receipt")

	svc.receipt = &types.Receipt{
		Status:            types.ReceiptStatusFailed,
		TxHash:            sentHash,
		BlockNumber:       big.NewInt(19_000_001),
		CumulativeGasUsed: 21000,
		GasUsed:           21000,
		Logs:              []*types.Log{},
	}
	receipt, err = b.GetTransactionReceipt(ctx, sentHash.Hex())
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.False(t, receipt.Succeeded())
	assert.EqualValues(t, 19_000_001, receipt.BlockNumber)
	assert.Equal(t, sentHash.Hex(), receipt.TxHash)
}

func TestBridgeWithoutProvider(t *testing.T) {
	b, err := Dial(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, b.IsAvailable())

	_, err = b.RequestAccounts(context.Background())
	require.ErrorIs(t, err, payment.ErrWalletUnavailable)
	_, err = b.SendValueTransfer(context.Background(), payment.TransferRequest{From: buyer, To: payee, AmountWei: big.NewInt(1)})
	require.ErrorIs(t, err, payment.ErrWalletUnavailable)
	b.Close()
}
