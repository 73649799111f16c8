package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultJournalTimeout = 5 * time.Second

// PollPolicy bounds the verification loop.
type PollPolicy struct {
	// Interval between the end of one verify call and the start of the next.
	Interval time.Duration
	// Timeout is the wall-clock ceiling measured from entering Polling.
	Timeout time.Duration
	// MaxTransportErrors consecutive transport failures end the attempt.
	MaxTransportErrors int
}

// DefaultPollPolicy polls every 5s for at most 2 minutes and tolerates 2 transport errors in a row.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval:           5 * time.Second,
		Timeout:            120 * time.Second,
		MaxTransportErrors: 3,
	}
}

func (p PollPolicy) normalized() PollPolicy {
	def := DefaultPollPolicy()
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.MaxTransportErrors <= 0 {
		p.MaxTransportErrors = def.MaxTransportErrors
	}
	return p
}

// Workflow drives one on-chain payment attempt at a time:
// Idle → ConnectingWallet → AwaitingTransfer → Submitting → Polling → Confirmed | Failed,
// with Cancelled reachable before Submitting.
type Workflow struct {
	wallet   Wallet
	cache    *InfoCache
	verifier Verifier
	journal  Journal
	policy   PollPolicy
	observer Observer
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string

	// journalTimeout bounds each journal call.
	journalTimeout time.Duration

	// base outlives individual requests; Close cancels it to stop polling.
	base context.Context
	stop context.CancelFunc

	// notifyMu serialises transition+notify so observers see states in order.
	notifyMu sync.Mutex
	mu       sync.Mutex
	snap     Snapshot
	epoch    uint64
	abort    context.CancelFunc
	done     chan struct{}
	// polling tracks every background goroutine: prefetches and poll loops.
	polling sync.WaitGroup
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

func WithPollPolicy(p PollPolicy) WorkflowOption {
	return func(w *Workflow) { w.policy = p.normalized() }
}

func WithJournal(j Journal) WorkflowOption {
	return func(w *Workflow) { w.journal = j }
}

func WithJournalTimeout(d time.Duration) WorkflowOption {
	return func(w *Workflow) {
		if d > 0 {
			w.journalTimeout = d
		}
	}
}

func WithObserver(o Observer) WorkflowOption {
	return func(w *Workflow) {
		if o != nil {
			w.observer = o
		}
	}
}

func WithLogger(l zerolog.Logger) WorkflowOption {
	return func(w *Workflow) { w.log = l }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) WorkflowOption {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

func NewWorkflow(wallet Wallet, cache *InfoCache, verifier Verifier, opts ...WorkflowOption) *Workflow {
	base, stop := context.WithCancel(context.Background())
	w := &Workflow{
		wallet:   wallet,
		cache:    cache,
		verifier: verifier,
		policy:   DefaultPollPolicy(),
		observer: NopObserver{},
		log:      zerolog.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,

		journalTimeout: defaultJournalTimeout,
		base:     base,
		stop:     stop,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.snap = Snapshot{Flow: FlowCrypto, Stage: StageIdle, UpdatedAt: w.now()}
	return w
}

// Snapshot returns the current state.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap
}

// Start connects the wallet and leaves the workflow in AwaitingTransfer.
// It is accepted from Idle or a terminal state; otherwise ErrAlreadyInProgress.
func (w *Workflow) Start(ctx context.Context) (Snapshot, error) {
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	epoch, snap, err := w.begin(cancel, func(s *Snapshot) {
		s.Stage = StageConnectingWallet
	})
	if err != nil {
		return snap, err
	}

	if !w.wallet.IsAvailable() {
		return w.fail(epoch, ErrWalletUnavailable)
	}

	accounts, err := w.wallet.RequestAccounts(connectCtx)
	if err != nil {
		return w.fail(epoch, err)
	}
	if len(accounts) == 0 {
		return w.fail(epoch, &Error{Code: CodeWalletUnavailable, Message: "wallet exposed no accounts; unlock it and retry"})
	}
	chainID, err := w.wallet.CurrentChainID(connectCtx)
	if err != nil {
		return w.fail(epoch, err)
	}

	snap, ok := w.transition(epoch, func(s *Snapshot) bool {
		if s.Stage != StageConnectingWallet {
			return false
		}
		s.Stage = StageAwaitingTransfer
		s.Account = accounts[0]
		s.ChainID = chainID
		return true
	})
	if !ok {
		return snap, nil
	}

	w.cache.Invalidate()
	w.polling.Add(1)
	go func() {
		defer w.polling.Done()
		w.prefetch(w.base, epoch)
	}()
	return snap, nil
}

// prefetch warms the cache so the amount is ready when the user confirms.
func (w *Workflow) prefetch(ctx context.Context, epoch uint64) {
	info, err := w.cache.EnsureFresh(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("workflow.prefetch_failed")
		return
	}
	w.transition(epoch, func(s *Snapshot) bool {
		if s.Stage != StageAwaitingTransfer {
			return false
		}
		s.Info = &info
		return true
	})
}

// Confirm submits the transfer and starts polling in the background.
// It returns once the workflow is Polling or has failed.
func (w *Workflow) Confirm(ctx context.Context) (Snapshot, error) {
	epoch, snap, ok := w.advance(StageAwaitingTransfer, StageSubmitting)
	if !ok {
		return snap, ErrNoTransferPending
	}

	// Re-read at submission time so a price change since Start is honoured.
	info, err := w.cache.EnsureFresh(ctx)
	if err != nil {
		if !IsTransport(err) {
			err = BackendUnreachable(err)
		}
		return w.fail(epoch, err)
	}
	if snap.ChainID != 0 && info.ChainID != 0 && snap.ChainID != info.ChainID {
		return w.fail(epoch, &Error{
			Code:    CodeInvalidParameters,
			Message: fmt.Sprintf("wallet is on chain %d but payment requires chain %d", snap.ChainID, info.ChainID),
		})
	}
	wei, err := ToWei(info.AmountEth)
	if err != nil {
		return w.fail(epoch, err)
	}

	// A sent transaction cannot be unsent, so the caller's cancellation no longer applies.
	handle, err := w.wallet.SendValueTransfer(context.WithoutCancel(ctx), TransferRequest{
		From:      snap.Account,
		To:        info.WalletAddress,
		AmountWei: wei,
		ChainID:   info.ChainID,
	})
	if err != nil {
		return w.fail(epoch, err)
	}
	if handle.FromAddress == "" {
		handle.FromAddress = snap.Account
	}

	w.log.Info().
		Str("attempt_id", snap.AttemptID).
		Str("tx_hash", handle.Hash).
		Str("amount_eth", info.AmountEth.String()).
		Msg("workflow.transfer_submitted")

	w.record(ctx, PendingTransfer{
		AttemptID:   snap.AttemptID,
		Handle:      handle,
		To:          info.WalletAddress,
		AmountWei:   wei.String(),
		ChainID:     info.ChainID,
		SubmittedAt: w.now(),
	})

	snap, ok = w.transition(epoch, func(s *Snapshot) bool {
		if s.Stage != StageSubmitting {
			return false
		}
		s.Stage = StagePolling
		s.Info = &info
		s.Handle = &handle
		s.Progress = &Progress{RequiredConfirmations: info.RequiredConfirmations}
		return true
	})
	if !ok {
		return snap, nil
	}
	w.spawnPoll(epoch, handle, info.RequiredConfirmations)
	return snap, nil
}

// Resume polls a handle submitted by an earlier attempt, e.g. one read back from the journal.
// The wallet is never asked to transfer again.
func (w *Workflow) Resume(ctx context.Context, handle TransactionHandle) (Snapshot, error) {
	if err := validateHandle(handle); err != nil {
		return w.Snapshot(), err
	}
	required := 0
	if info, ok := w.cache.Peek(); ok {
		required = info.RequiredConfirmations
	}

	epoch, snap, err := w.begin(nil, func(s *Snapshot) {
		h := handle
		s.Stage = StagePolling
		s.Account = handle.FromAddress
		s.Handle = &h
		s.Progress = &Progress{RequiredConfirmations: required}
	})
	if err != nil {
		return snap, err
	}
	w.log.Info().
		Str("attempt_id", snap.AttemptID).
		Str("tx_hash", handle.Hash).
		Msg("workflow.resumed")
	w.spawnPoll(epoch, handle, required)
	return snap, nil
}

// Cancel aborts an attempt before funds are committed.
func (w *Workflow) Cancel() (Snapshot, error) {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()

	w.mu.Lock()
	switch w.snap.Stage {
	case StageConnectingWallet, StageAwaitingTransfer:
	case StageSubmitting, StagePolling:
		snap := w.snap
		w.mu.Unlock()
		return snap, ErrNotCancellable
	default:
		snap := w.snap
		w.mu.Unlock()
		return snap, nil
	}
	w.snap.Stage = StageCancelled
	w.snap.UpdatedAt = w.now()
	abort := w.abort
	w.abort = nil
	snap := w.settle()
	w.mu.Unlock()

	if abort != nil {
		abort()
	}
	w.log.Info().Str("attempt_id", snap.AttemptID).Msg("workflow.cancelled")
	w.observer.StateChanged(snap)
	return snap, nil
}

// Wait blocks until the current attempt is terminal or ctx ends.
func (w *Workflow) Wait(ctx context.Context) (Snapshot, error) {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return w.Snapshot(), nil
	}
	select {
	case <-done:
		return w.Snapshot(), nil
	case <-ctx.Done():
		return w.Snapshot(), ctx.Err()
	}
}

// Close stops any polling loop. A Polling attempt stays Polling and its handle stays journaled.
func (w *Workflow) Close() {
	w.stop()
	w.polling.Wait()
}

func (w *Workflow) spawnPoll(epoch uint64, handle TransactionHandle, required int) {
	w.polling.Add(1)
	go func() {
		defer w.polling.Done()
		w.poll(w.base, epoch, handle, required)
	}()
}

// poll issues one verify at a time until a terminal outcome, the ceiling, or shutdown.
func (w *Workflow) poll(ctx context.Context, epoch uint64, handle TransactionHandle, required int) {
	started := w.now()
	deadline := started.Add(w.policy.Timeout)
	transportErrs := 0
	polls := 0
	log := w.log.With().Str("tx_hash", handle.Hash).Logger()

	for {
		if !w.now().Before(deadline) {
			log.Warn().Int("polls", polls).Msg("workflow.verification_timeout")
			w.finish(epoch, handle, "", ErrVerificationTimeout)
			return
		}

		callCtx, cancel := context.WithDeadline(ctx, deadline)
		res, err := w.verifier.VerifyTransaction(callCtx, handle)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if !w.current(epoch) {
			return
		}
		polls++

		if err == nil && res.Status != StatusConfirmed && res.Status != StatusPending && res.Status != StatusRejected {
			err = BackendUnreachable(fmt.Errorf("unexpected verification status %q", res.Status))
		}

		switch {
		case err != nil:
			if !w.now().Before(deadline) {
				w.finish(epoch, handle, "", ErrVerificationTimeout)
				return
			}
			transportErrs++
			w.observer.PollCompleted(FlowCrypto, PollTransport)
			log.Warn().Err(err).
				Int("consecutive", transportErrs).
				Int("max", w.policy.MaxTransportErrors).
				Msg("workflow.poll_transport_error")
			if transportErrs >= w.policy.MaxTransportErrors {
				w.finish(epoch, handle, "", BackendUnreachable(err))
				return
			}

		case res.Status == StatusConfirmed:
			w.observer.PollCompleted(FlowCrypto, PollConfirmed)
			w.finish(epoch, handle, res.DownloadToken, nil)
			return

		case res.Status == StatusRejected:
			w.observer.PollCompleted(FlowCrypto, PollRejected)
			w.finish(epoch, handle, "", VerificationRejected(res.Reason))
			return

		default:
			transportErrs = 0
			w.observer.PollCompleted(FlowCrypto, PollPending)
			if res.RequiredConfirmations > 0 {
				required = res.RequiredConfirmations
			}
			progress := Progress{
				Confirmations:         res.Confirmations,
				RequiredConfirmations: required,
				Polls:                 polls,
				Elapsed:               w.now().Sub(started),
			}
			w.transition(epoch, func(s *Snapshot) bool {
				if s.Stage != StagePolling {
					return false
				}
				s.Progress = &progress
				return true
			})
			if res.Confirmations == 0 && w.reverted(ctx, deadline, handle) {
				w.finish(epoch, handle, "", VerificationRejected("transaction reverted on chain"))
				return
			}
		}

		wait := w.policy.Interval
		if remaining := deadline.Sub(w.now()); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// reverted asks the wallet whether the transaction was mined with a failed status.
// The lookup shares the poll ceiling.
func (w *Workflow) reverted(ctx context.Context, deadline time.Time, handle TransactionHandle) bool {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	receipt, err := w.wallet.GetTransactionReceipt(ctx, handle.Hash)
	if err != nil {
		w.log.Debug().Err(err).Str("tx_hash", handle.Hash).Msg("workflow.receipt_lookup_failed")
		return false
	}
	return receipt != nil && !receipt.Succeeded()
}

func (w *Workflow) finish(epoch uint64, handle TransactionHandle, token DownloadToken, err error) {
	snap, ok := w.transition(epoch, func(s *Snapshot) bool {
		if s.Stage != StagePolling {
			return false
		}
		if err != nil {
			s.Stage = StageFailed
			s.Err = AsError(err)
		} else {
			s.Stage = StageConfirmed
			s.Token = token
		}
		return true
	})
	if !ok {
		return
	}
	if w.journal != nil {
		ctx, cancel := context.WithTimeout(w.base, w.journalTimeout)
		jerr := w.journal.Resolve(ctx, handle.Hash)
		cancel()
		if jerr != nil {
			w.log.Warn().Err(jerr).Str("tx_hash", handle.Hash).Msg("workflow.journal_resolve_failed")
		}
	}
	w.log.Info().
		Str("attempt_id", snap.AttemptID).
		Str("stage", string(snap.Stage)).
		Msg("workflow.finished")
}

func (w *Workflow) record(ctx context.Context, transfer PendingTransfer) {
	if w.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.journalTimeout)
	defer cancel()
	if err := w.journal.Record(ctx, transfer); err != nil {
		w.log.Warn().Err(err).Str("tx_hash", transfer.Handle.Hash).Msg("workflow.journal_record_failed")
	}
}

// fail moves any non-terminal stage of the given attempt to Failed.
func (w *Workflow) fail(epoch uint64, err error) (Snapshot, error) {
	perr := AsError(err)
	snap, ok := w.transition(epoch, func(s *Snapshot) bool {
		if s.Stage.Terminal() {
			return false
		}
		s.Stage = StageFailed
		s.Err = perr
		return true
	})
	if !ok {
		return snap, nil
	}
	w.log.Warn().
		Str("attempt_id", snap.AttemptID).
		Str("code", string(perr.Code)).
		Str("reason", perr.Message).
		Msg("workflow.failed")
	return snap, perr
}

// begin opens a new attempt if none is in flight.
func (w *Workflow) begin(abort context.CancelFunc, init func(*Snapshot)) (uint64, Snapshot, error) {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()

	w.mu.Lock()
	if w.snap.Stage != StageIdle && !w.snap.Terminal() {
		snap := w.snap
		w.mu.Unlock()
		return 0, snap, ErrAlreadyInProgress
	}
	w.epoch++
	w.abort = abort
	w.done = make(chan struct{})
	w.snap = Snapshot{Flow: FlowCrypto, AttemptID: w.newID(), UpdatedAt: w.now()}
	init(&w.snap)
	epoch, snap := w.epoch, w.snap
	w.mu.Unlock()

	w.log.Info().Str("attempt_id", snap.AttemptID).Str("stage", string(snap.Stage)).Msg("workflow.started")
	w.observer.StateChanged(snap)
	return epoch, snap, nil
}

// advance atomically moves the current attempt from one stage to the next.
func (w *Workflow) advance(from, to Stage) (uint64, Snapshot, bool) {
	w.mu.Lock()
	epoch := w.epoch
	w.mu.Unlock()
	snap, ok := w.transition(epoch, func(s *Snapshot) bool {
		if s.Stage != from {
			return false
		}
		s.Stage = to
		return true
	})
	return epoch, snap, ok
}

// transition applies mutate if epoch is still current and the state is not terminal.
// Snapshot pointer fields are replaced, never modified in place, so published copies stay valid.
func (w *Workflow) transition(epoch uint64, mutate func(*Snapshot) bool) (Snapshot, bool) {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()

	w.mu.Lock()
	if epoch != w.epoch || w.snap.Terminal() {
		snap := w.snap
		w.mu.Unlock()
		return snap, false
	}
	next := w.snap
	if !mutate(&next) {
		snap := w.snap
		w.mu.Unlock()
		return snap, false
	}
	next.UpdatedAt = w.now()
	w.snap = next
	if next.Stage != StageConnectingWallet {
		w.abort = nil
	}
	snap := w.settle()
	w.mu.Unlock()

	w.observer.StateChanged(snap)
	return snap, true
}

// settle closes done on terminal states. Callers hold mu.
func (w *Workflow) settle() Snapshot {
	if w.snap.Terminal() && w.done != nil {
		select {
		case <-w.done:
		default:
			close(w.done)
		}
	}
	return w.snap
}

func (w *Workflow) current(epoch uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return epoch == w.epoch && !w.snap.Terminal()
}
