package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stage is the tag of a workflow state.
type Stage string

const (
	StageIdle             Stage = "idle"
	StageConnectingWallet Stage = "connecting_wallet"
	StageAwaitingTransfer Stage = "awaiting_transfer"
	StageSubmitting       Stage = "submitting"
	StagePolling          Stage = "polling"
	StageConfirmed        Stage = "confirmed"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
	StageCancelled        Stage = "cancelled"
)

// Terminal reports whether no further transition can happen without a new attempt.
func (s Stage) Terminal() bool {
	switch s {
	case StageConfirmed, StageCompleted, StageFailed, StageCancelled:
		return true
	}
	return false
}

// Flow names which workflow produced a snapshot.
type Flow string

const (
	FlowCrypto Flow = "crypto"
	FlowFiat   Flow = "fiat"
)

// Progress is the live confirmation count while polling.
type Progress struct {
	Confirmations         int           `json:"confirmations"`
	RequiredConfirmations int           `json:"required_confirmations"`
	Polls                 int           `json:"polls"`
	Elapsed               time.Duration `json:"elapsed_ns"`
}

// FiatOrder is the request a card payment was submitted with.
type FiatOrder struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Snapshot is an immutable copy of a workflow's state, safe to hand to the UI.
type Snapshot struct {
	Flow      Flow               `json:"flow"`
	AttemptID string             `json:"attempt_id,omitempty"`
	Stage     Stage              `json:"stage"`
	Account   string             `json:"account,omitempty"`
	ChainID   int64              `json:"chain_id,omitempty"`
	Info      *PaymentInfo       `json:"payment_info,omitempty"`
	Handle    *TransactionHandle `json:"handle,omitempty"`
	Progress  *Progress          `json:"progress,omitempty"`
	Fiat      *FiatOrder         `json:"fiat,omitempty"`
	Token     DownloadToken      `json:"download_token,omitempty"`
	Err       *Error             `json:"error,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Terminal reports whether the snapshot is in a terminal stage.
func (s Snapshot) Terminal() bool { return s.Stage.Terminal() }

// PollOutcome classifies one verify round trip.
type PollOutcome string

const (
	PollConfirmed PollOutcome = "confirmed"
	PollPending   PollOutcome = "pending"
	PollRejected  PollOutcome = "rejected"
	PollTransport PollOutcome = "transport_error"
)

// Observer is notified of every state change and poll outcome.
// Implementations must not call back into the workflow.
type Observer interface {
	StateChanged(snap Snapshot)
	PollCompleted(flow Flow, outcome PollOutcome)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) StateChanged(Snapshot)           {}
func (NopObserver) PollCompleted(Flow, PollOutcome) {}

// ObserverFunc adapts a function to an Observer that only sees state changes.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) StateChanged(snap Snapshot)    { f(snap) }
func (ObserverFunc) PollCompleted(Flow, PollOutcome) {}

// Observers fans out to several observers in order.
type Observers []Observer

func (o Observers) StateChanged(snap Snapshot) {
	for _, obs := range o {
		obs.StateChanged(snap)
	}
}

func (o Observers) PollCompleted(flow Flow, outcome PollOutcome) {
	for _, obs := range o {
		obs.PollCompleted(flow, outcome)
	}
}
