package payment

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubWallet struct {
	unavailable bool
	accounts    []string
	chainID     int64
	connectErr  error
	// connectBlock makes RequestAccounts wait for ctx cancellation.
	connectBlock bool
	// receiptBlock makes GetTransactionReceipt wait for ctx cancellation.
	receiptBlock bool
	sendErr      error
	hash         string
	receipt      *Receipt

	mu           sync.Mutex
	connectCalls int
	sends        []TransferRequest
	receiptCalls int
}

func newStubWallet() *stubWallet {
	return &stubWallet{
		accounts: []string{"0x1111111111111111111111111111111111111111"},
		chainID:  1,
		hash:     "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}
}

func (s *stubWallet) IsAvailable() bool { return !s.unavailable }

func (s *stubWallet) RequestAccounts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	s.connectCalls++
	s.mu.Unlock()
	if s.connectBlock {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	return s.accounts, nil
}

func (s *stubWallet) CurrentChainID(context.Context) (int64, error) { return s.chainID, nil }

func (s *stubWallet) SendValueTransfer(_ context.Context, req TransferRequest) (TransactionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, req)
	if s.sendErr != nil {
		return TransactionHandle{}, s.sendErr
	}
	return TransactionHandle{Hash: s.hash, FromAddress: req.From}, nil
}

func (s *stubWallet) GetTransactionReceipt(ctx context.Context, _ string) (*Receipt, error) {
	s.mu.Lock()
	s.receiptCalls++
	receipt := s.receipt
	s.mu.Unlock()
	if s.receiptBlock {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return receipt, nil
}

func (s *stubWallet) sent() []TransferRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransferRequest(nil), s.sends...)
}

type verifyStep struct {
	res VerificationResult
	err error
}

type stubVerifier struct {
	mu        sync.Mutex
	info      PaymentInfo
	infoErr   error
	infoGate  chan struct{}
	steps     []verifyStep
	fallback  *verifyStep
	verifyHit chan struct{}
	fiatRes   VerificationResult
	fiatErr   error
	fiatGate  chan struct{}

	// verifyGate, when set, holds every verify call until closed regardless of ctx.
	verifyGate chan struct{}

	infoCalls   atomic.Int32
	verifyCalls atomic.Int32
	fiatCalls   atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	hashes      []string
}

func newStubVerifier() *stubVerifier {
	return &stubVerifier{
		info: PaymentInfo{
			WalletAddress:         "0xABC0000000000000000000000000000000000001",
			AmountEth:             decimal.RequireFromString("0.02"),
			ChainID:               1,
			RequiredConfirmations: 3,
		},
	}
}

func (s *stubVerifier) FetchPaymentInfo(ctx context.Context) (PaymentInfo, error) {
	s.infoCalls.Add(1)
	if s.infoGate != nil {
		select {
		case <-s.infoGate:
		case <-ctx.Done():
			return PaymentInfo{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, s.infoErr
}

func (s *stubVerifier) setInfo(info PaymentInfo) {
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
}

func (s *stubVerifier) VerifyTransaction(_ context.Context, handle TransactionHandle) (VerificationResult, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		max := s.maxInFlight.Load()
		if n <= max || s.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	idx := int(s.verifyCalls.Add(1)) - 1

	s.mu.Lock()
	s.hashes = append(s.hashes, handle.Hash)
	var step verifyStep
	switch {
	case idx < len(s.steps):
		step = s.steps[idx]
	case s.fallback != nil:
		step = *s.fallback
	default:
		step = verifyStep{err: BackendUnreachable(errors.New("script exhausted"))}
	}
	hit, gate := s.verifyHit, s.verifyGate
	s.mu.Unlock()

	if hit != nil {
		select {
		case hit <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	return step.res, step.err
}

func (s *stubVerifier) SubmitFiat(ctx context.Context, _ decimal.Decimal, _ string) (VerificationResult, error) {
	s.fiatCalls.Add(1)
	if s.fiatGate != nil {
		select {
		case <-s.fiatGate:
		case <-ctx.Done():
			return VerificationResult{}, ctx.Err()
		}
	}
	return s.fiatRes, s.fiatErr
}

type memJournal struct {
	mu      sync.Mutex
	entries map[string]PendingTransfer
	records int
	// stall makes Record and Resolve wait for ctx cancellation.
	stall bool
}

func newMemJournal() *memJournal {
	return &memJournal{entries: map[string]PendingTransfer{}}
}

func (j *memJournal) Record(ctx context.Context, t PendingTransfer) error {
	if j.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records++
	j.entries[t.Handle.Hash] = t
	return nil
}

func (j *memJournal) Resolve(ctx context.Context, hash string) error {
	if j.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.entries, hash)
	return nil
}

func (j *memJournal) Pending(context.Context) ([]PendingTransfer, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]PendingTransfer, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e)
	}
	return out, nil
}

// recorder captures every snapshot an observer receives.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
	polls []PollOutcome
}

func (r *recorder) StateChanged(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) PollCompleted(_ Flow, o PollOutcome) {
	r.mu.Lock()
	r.polls = append(r.polls, o)
	r.mu.Unlock()
}

// stages returns the observed stages with consecutive duplicates collapsed.
func (r *recorder) stages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Stage
	for _, s := range r.snaps {
		if len(out) == 0 || out[len(out)-1] != s.Stage {
			out = append(out, s.Stage)
		}
	}
	return out
}

func (r *recorder) progress() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Progress
	for _, s := range r.snaps {
		if s.Stage == StagePolling && s.Progress != nil && s.Progress.Polls > 0 {
			out = append(out, *s.Progress)
		}
	}
	return out
}

func fastPolicy() PollPolicy {
	return PollPolicy{Interval: 2 * time.Millisecond, Timeout: 2 * time.Second, MaxTransportErrors: 3}
}

func waitTerminal(t *testing.T, w *Workflow) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := w.Wait(ctx)
	require.NoError(t, err)
	require.True(t, snap.Terminal(), "stage %s is not terminal", snap.Stage)
	return snap
}

func weiOf(t *testing.T, eth string) *big.Int {
	t.Helper()
	wei, err := ToWei(decimal.RequireFromString(eth))
	require.NoError(t, err)
	return wei
}
