package server

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type componentHealth struct {
	Healthy   bool    `json:"healthy"`
	State     string  `json:"state,omitempty"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	backend := componentHealth{Healthy: true, State: "unknown"}
	if s.deps.BreakerState != nil {
		backend.State = s.deps.BreakerState()
		if backend.State == "open" {
			backend.Healthy = false
			overallHealthy = false
		}
	}

	wallet := checkComponent(ctx, s.walletHealthFn)
	if s.deps.Wallet != nil && !s.deps.Wallet.IsAvailable() {
		wallet = componentHealth{Healthy: false, Error: "no wallet provider available"}
	}
	journal := checkComponent(ctx, s.journalHealthFn)
	if !wallet.Healthy || !journal.Healthy {
		overallHealthy = false
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status  string          `json:"status"`
		Backend componentHealth `json:"backend"`
		Wallet  componentHealth `json:"wallet"`
		Journal componentHealth `json:"journal"`
	}{
		Status:  status,
		Backend: backend,
		Wallet:  wallet,
		Journal: journal,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// checkComponent runs check with a short deadline. A nil check is reported healthy.
func checkComponent(ctx context.Context, check func(context.Context) error) componentHealth {
	if check == nil {
		return componentHealth{Healthy: true}
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	started := time.Now()
	if err := check(ctx); err != nil {
		return componentHealth{Healthy: false, Error: err.Error()}
	}
	return componentHealth{Healthy: true, LatencyMs: float64(time.Since(started).Microseconds()) / 1000.0}
}
