package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cardpay/internal/payment"
)

// Registry records workflow activity. It implements payment.Observer and payment.FetchObserver.
type Registry struct {
	registry       *prometheus.Registry
	transitions    *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	polls          *prometheus.CounterVec
	infoFetches    *prometheus.CounterVec
	inFlight       *prometheus.GaugeVec
	breakerOpen    prometheus.GaugeFunc
	mu             sync.Mutex
	lastStage      map[payment.Flow]stageKey
	breakerStateFn func() string
}

type stageKey struct {
	attempt string
	stage   payment.Stage
}

type Option func(*Registry)

// WithBreakerState exports 1 while the backend breaker reported by fn is open.
func WithBreakerState(fn func() string) Option {
	return func(r *Registry) { r.breakerStateFn = fn }
}

func New(opts ...Option) *Registry {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardpay_workflow_transitions_total",
		Help: "State transitions entered, by flow and stage",
	}, []string{"flow", "stage"})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardpay_workflow_outcomes_total",
		Help: "Terminal workflow outcomes; failures are labelled by error code",
	}, []string{"flow", "outcome"})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardpay_verify_polls_total",
		Help: "Verification poll round trips by outcome",
	}, []string{"outcome"})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardpay_payment_info_fetches_total",
		Help: "Network fetches of the settlement target",
	}, []string{"result"})

	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cardpay_workflows_in_flight",
		Help: "1 while an attempt of the flow is between start and a terminal state",
	}, []string{"flow"})

	r := &Registry{
		registry:    prometheus.NewRegistry(),
		transitions: transitions,
		outcomes:    outcomes,
		polls:       polls,
		infoFetches: fetches,
		inFlight:    inFlight,
		lastStage:   make(map[payment.Flow]stageKey),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.registry.MustRegister(transitions, outcomes, polls, fetches, inFlight)

	if r.breakerStateFn != nil {
		r.breakerOpen = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cardpay_backend_breaker_open",
			Help: "1 while the payment backend circuit breaker is open",
		}, func() float64 {
			if r.breakerStateFn() == "open" {
				return 1
			}
			return 0
		})
		r.registry.MustRegister(r.breakerOpen)
	}
	return r
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// StateChanged counts a stage once per attempt; progress updates within a stage are ignored.
func (r *Registry) StateChanged(snap payment.Snapshot) {
	key := stageKey{attempt: snap.AttemptID, stage: snap.Stage}
	r.mu.Lock()
	if r.lastStage[snap.Flow] == key {
		r.mu.Unlock()
		return
	}
	r.lastStage[snap.Flow] = key
	r.mu.Unlock()

	flow := string(snap.Flow)
	r.transitions.WithLabelValues(flow, string(snap.Stage)).Inc()

	switch {
	case snap.Terminal():
		r.inFlight.WithLabelValues(flow).Set(0)
		outcome := string(snap.Stage)
		if snap.Err != nil {
			outcome = string(snap.Err.Code)
		}
		r.outcomes.WithLabelValues(flow, outcome).Inc()
	case snap.Stage != payment.StageIdle:
		r.inFlight.WithLabelValues(flow).Set(1)
	}
}

func (r *Registry) PollCompleted(_ payment.Flow, outcome payment.PollOutcome) {
	r.polls.WithLabelValues(string(outcome)).Inc()
}

func (r *Registry) InfoFetched(err error) {
	if err != nil {
		r.infoFetches.WithLabelValues("error").Inc()
		return
	}
	r.infoFetches.WithLabelValues("ok").Inc()
}
