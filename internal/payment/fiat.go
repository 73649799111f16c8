package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// FiatPolicy lists the amounts and currencies accepted for card payments.
type FiatPolicy struct {
	Tiers      []decimal.Decimal
	Currencies []string
}

func DefaultFiatPolicy() FiatPolicy {
	return FiatPolicy{
		Tiers: []decimal.Decimal{
			decimal.NewFromInt(25),
			decimal.NewFromInt(50),
			decimal.NewFromInt(100),
			decimal.NewFromInt(200),
			decimal.NewFromInt(500),
		},
		Currencies: []string{"USD"},
	}
}

// Validate checks amount and currency against the policy without any network call.
func (p FiatPolicy) Validate(amount decimal.Decimal, currency string) error {
	allowedCurrency := false
	for _, c := range p.Currencies {
		if strings.EqualFold(c, currency) {
			allowedCurrency = true
			break
		}
	}
	if !allowedCurrency {
		return &Error{Code: CodeInvalidAmount, Message: fmt.Sprintf("currency %q is not accepted", currency)}
	}
	for _, tier := range p.Tiers {
		if tier.Equal(amount) {
			return nil
		}
	}
	return &Error{Code: CodeInvalidAmount, Message: fmt.Sprintf("amount %s is not one of the offered tiers", amount)}
}

// FiatWorkflow submits a card payment: Idle → Submitting → Completed | Failed.
type FiatWorkflow struct {
	verifier Verifier
	policy   FiatPolicy
	observer Observer
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string

	notifyMu sync.Mutex
	mu       sync.Mutex
	snap     Snapshot
}

// FiatOption configures a FiatWorkflow.
type FiatOption func(*FiatWorkflow)

func WithFiatPolicy(p FiatPolicy) FiatOption {
	return func(f *FiatWorkflow) { f.policy = p }
}

func WithFiatObserver(o Observer) FiatOption {
	return func(f *FiatWorkflow) {
		if o != nil {
			f.observer = o
		}
	}
}

func WithFiatLogger(l zerolog.Logger) FiatOption {
	return func(f *FiatWorkflow) { f.log = l }
}

func NewFiatWorkflow(verifier Verifier, opts ...FiatOption) *FiatWorkflow {
	f := &FiatWorkflow{
		verifier: verifier,
		policy:   DefaultFiatPolicy(),
		observer: NopObserver{},
		log:      zerolog.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.snap = Snapshot{Flow: FlowFiat, Stage: StageIdle, UpdatedAt: f.now()}
	return f
}

func (f *FiatWorkflow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

// Policy returns the accepted tiers and currencies.
func (f *FiatWorkflow) Policy() FiatPolicy { return f.policy }

// Submit sends one card payment request and returns the terminal snapshot.
func (f *FiatWorkflow) Submit(ctx context.Context, amount decimal.Decimal, currency string) (Snapshot, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	order := &FiatOrder{Amount: amount, Currency: currency}

	if err := f.policy.Validate(amount, currency); err != nil {
		if _, berr := f.set(func(s *Snapshot) bool {
			if s.Stage == StageSubmitting {
				return false
			}
			*s = Snapshot{Flow: FlowFiat, AttemptID: f.newID(), Stage: StageFailed, Fiat: order, Err: AsError(err)}
			return true
		}); berr != nil {
			return f.Snapshot(), berr
		}
		return f.Snapshot(), err
	}

	snap, err := f.set(func(s *Snapshot) bool {
		if s.Stage == StageSubmitting {
			return false
		}
		*s = Snapshot{Flow: FlowFiat, AttemptID: f.newID(), Stage: StageSubmitting, Fiat: order}
		return true
	})
	if err != nil {
		return snap, err
	}
	log := f.log.With().Str("attempt_id", snap.AttemptID).Logger()

	res, err := f.verifier.SubmitFiat(ctx, amount, currency)
	var outcome *Error
	switch {
	case err != nil:
		outcome = AsError(err)
		if outcome.Code != CodeBackendUnreachable {
			outcome = BackendUnreachable(err)
		}
	case res.Status == StatusConfirmed && res.DownloadToken != "":
	case res.Status == StatusRejected:
		outcome = DeclinedByGateway(res.Reason)
	default:
		outcome = BackendUnreachable(fmt.Errorf("unexpected fiat response status %q", res.Status))
	}

	snap, _ = f.set(func(s *Snapshot) bool {
		if outcome != nil {
			s.Stage = StageFailed
			s.Err = outcome
		} else {
			s.Stage = StageCompleted
			s.Token = res.DownloadToken
		}
		return true
	})

	if outcome != nil {
		log.Warn().Str("code", string(outcome.Code)).Str("reason", outcome.Message).Msg("fiat.failed")
		return snap, outcome
	}
	log.Info().
		Str("amount", amount.String()).
		Str("currency", currency).
		Msg("fiat.completed")
	return snap, nil
}

// set mutates the snapshot; a false return from mutate means an attempt is in flight.
func (f *FiatWorkflow) set(mutate func(*Snapshot) bool) (Snapshot, error) {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	f.mu.Lock()
	next := f.snap
	if !mutate(&next) {
		snap := f.snap
		f.mu.Unlock()
		return snap, ErrAlreadyInProgress
	}
	next.UpdatedAt = f.now()
	f.snap = next
	snap := f.snap
	f.mu.Unlock()

	f.observer.StateChanged(snap)
	return snap, nil
}
