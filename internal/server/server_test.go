package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cardpay/internal/config"
	"cardpay/internal/export"
	"cardpay/internal/hmacauth"
	"cardpay/internal/journal"
	"cardpay/internal/payment"
	"cardpay/internal/wallet"
)

const (
	payerAccount = "0x1111111111111111111111111111111111111111"
	shopWallet   = "0x2222222222222222222222222222222222222222"
)

type stubVerifier struct {
	verify      payment.VerificationResult
	verifyErr   error
	verifyCalls atomic.Int32
}

func (s *stubVerifier) FetchPaymentInfo(context.Context) (payment.PaymentInfo, error) {
	return payment.PaymentInfo{
		WalletAddress:         shopWallet,
		AmountEth:             decimal.RequireFromString("0.02"),
		ChainID:               1,
		RequiredConfirmations: 1,
	}, nil
}

func (s *stubVerifier) VerifyTransaction(context.Context, payment.TransactionHandle) (payment.VerificationResult, error) {
	s.verifyCalls.Add(1)
	return s.verify, s.verifyErr
}

func (s *stubVerifier) SubmitFiat(_ context.Context, amount decimal.Decimal, _ string) (payment.VerificationResult, error) {
	if amount.Equal(decimal.NewFromInt(500)) {
		return payment.Rejected("card declined"), nil
	}
	return payment.Confirmed("tok_fiat"), nil
}

type fixture struct {
	srv      *Server
	workflow *payment.Workflow
	journal  *journal.MemoryStore
	artifact []byte
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address:       "127.0.0.1:0",
			HMACClockSkew: config.Duration{Duration: time.Minute},
		},
	}
}

func newFixture(t *testing.T, cfg *config.Config, verifier *stubVerifier, breaker func() string) *fixture {
	t.Helper()

	artifactPath := filepath.Join(t.TempDir(), "scene.png")
	artifact := []byte("\x89PNG scene")
	if err := os.WriteFile(artifactPath, artifact, 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	gate := export.NewGate(export.FileExporter{Path: artifactPath}, time.Hour)

	store := journal.NewMemoryStore(journal.DefaultRetention)
	bridge := wallet.NewSimulatedBridge(payerAccount, 1)
	cache := payment.NewInfoCache(verifier)
	wf := payment.NewWorkflow(bridge, cache, verifier,
		payment.WithPollPolicy(payment.PollPolicy{Interval: 2 * time.Millisecond, Timeout: 2 * time.Second, MaxTransportErrors: 3}),
		payment.WithJournal(store),
		payment.WithObserver(gate),
	)
	t.Cleanup(wf.Close)
	fiat := payment.NewFiatWorkflow(verifier, payment.WithFiatObserver(gate))

	srv := NewServer(cfg, Deps{
		Workflow:     wf,
		Fiat:         fiat,
		Cache:        cache,
		Journal:      store,
		Wallet:       bridge,
		Downloads:    gate,
		BreakerState: breaker,
	}, zerolog.Nop())

	return &fixture{srv: srv, workflow: wf, journal: store, artifact: artifact}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) payment.Snapshot {
	t.Helper()
	var snap payment.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v (%s)", err, rec.Body.String())
	}
	return snap
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCryptoPaymentThroughAPI(t *testing.T) {
	verifier := &stubVerifier{verify: payment.Confirmed("tok_api")}
	f := newFixture(t, testConfig(), verifier, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/payment/start", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}
	if snap := decodeSnapshot(t, rec); snap.Stage != payment.StageAwaitingTransfer || snap.Account != payerAccount {
		t.Fatalf("start: unexpected snapshot %+v", snap)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/payment/confirm", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}
	if snap := decodeSnapshot(t, rec); snap.Stage != payment.StagePolling || snap.Handle == nil {
		t.Fatalf("confirm: unexpected snapshot %+v", snap)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.workflow.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	snap := decodeSnapshot(t, f.do(t, http.MethodGet, "/api/v1/payment/state", nil, nil))
	if snap.Stage != payment.StageConfirmed || snap.Token != "tok_api" {
		t.Fatalf("expected confirmed with token, got %+v", snap)
	}

	var download *httptest.ResponseRecorder
	eventually(t, func() bool {
		download = f.do(t, http.MethodGet, "/api/v1/download/tok_api", nil, nil)
		return download.Code == http.StatusOK
	})
	if !bytes.Equal(download.Body.Bytes(), f.artifact) {
		t.Fatalf("download body mismatch")
	}
	if ct := download.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}

	eventually(t, func() bool {
		pending, _ := f.journal.Pending(context.Background())
		return len(pending) == 0
	})
}

func TestConfirmWithoutStartConflicts(t *testing.T) {
	f := newFixture(t, testConfig(), &stubVerifier{}, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/payment/confirm", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != string(payment.CodeNoTransferPending) {
		t.Fatalf("expected no_transfer_pending, got %+v", got)
	}
}

func TestCancelBeforeSubmission(t *testing.T) {
	f := newFixture(t, testConfig(), &stubVerifier{}, nil)

	f.do(t, http.MethodPost, "/api/v1/payment/start", nil, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/payment/cancel", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if snap := decodeSnapshot(t, rec); snap.Stage != payment.StageCancelled {
		t.Fatalf("expected cancelled, got %s", snap.Stage)
	}
}

func TestVerificationRejectedIsReportedInSnapshot(t *testing.T) {
	verifier := &stubVerifier{verify: payment.Rejected("wrong amount")}
	f := newFixture(t, testConfig(), verifier, nil)

	f.do(t, http.MethodPost, "/api/v1/payment/start", nil, nil)
	f.do(t, http.MethodPost, "/api/v1/payment/confirm", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := f.workflow.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if snap.Stage != payment.StageFailed || snap.Err == nil || snap.Err.Code != payment.CodeVerificationRejected {
		t.Fatalf("expected verification_rejected, got %+v", snap)
	}
	if snap.Err.Message != "wrong amount" {
		t.Fatalf("expected backend reason, got %q", snap.Err.Message)
	}
}

const resumedHash = "0xfeedfeedfeedfeedfeedfeedfeedfeedfeedfeedfeedfeedfeedfeedfeedfeed"

func TestResumeLatestJournaledTransfer(t *testing.T) {
	verifier := &stubVerifier{verify: payment.Confirmed("tok_resumed")}
	f := newFixture(t, testConfig(), verifier, nil)

	err := f.journal.Record(context.Background(), payment.PendingTransfer{
		AttemptID:   "earlier",
		Handle:      payment.TransactionHandle{Hash: resumedHash, FromAddress: payerAccount},
		To:          shopWallet,
		AmountWei:   "20000000000000000",
		ChainID:     1,
		SubmittedAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/payment/resume", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}
	if snap := decodeSnapshot(t, rec); snap.Handle == nil || snap.Handle.Hash != resumedHash {
		t.Fatalf("expected resumed handle, got %+v", snap)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, _ := f.workflow.Wait(ctx)
	if snap.Stage != payment.StageConfirmed || snap.Token != "tok_resumed" {
		t.Fatalf("expected confirmed, got %+v", snap)
	}
}

func TestResumeRejectsMalformedHandle(t *testing.T) {
	cases := map[string]string{
		"missing from address": `{"transaction_hash":"` + resumedHash + `"}`,
		"short hash":           `{"transaction_hash":"0xfeed","from_address":"` + payerAccount + `"}`,
		"bad from address":     `{"transaction_hash":"` + resumedHash + `","from_address":"0xnope"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			verifier := &stubVerifier{verify: payment.Confirmed("tok_never")}
			f := newFixture(t, testConfig(), verifier, nil)

			rec := f.do(t, http.MethodPost, "/api/v1/payment/resume", []byte(body), nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d (%s)", rec.Code, rec.Body.String())
			}
			if got := decodeError(t, rec); got.Code != string(payment.CodeInvalidParameters) {
				t.Fatalf("unexpected error %+v", got)
			}
			if stage := f.workflow.Snapshot().Stage; stage != payment.StageIdle {
				t.Fatalf("expected idle workflow, got %s", stage)
			}
			if n := verifier.verifyCalls.Load(); n != 0 {
				t.Fatalf("expected no verify calls, got %d", n)
			}
		})
	}
}

func TestResumeWithNothingPending(t *testing.T) {
	f := newFixture(t, testConfig(), &stubVerifier{}, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/payment/resume", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestFiatSubmit(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		wantCode  int
		wantStage payment.Stage
		wantErr   payment.Code
	}{
		{name: "approved", body: `{"amount":"25","currency":"usd"}`, wantCode: http.StatusOK, wantStage: payment.StageCompleted},
		{name: "declined", body: `{"amount":"500","currency":"USD"}`, wantCode: http.StatusOK, wantStage: payment.StageFailed, wantErr: payment.CodeDeclinedByGateway},
		{name: "off tier", body: `{"amount":"30","currency":"USD"}`, wantCode: http.StatusOK, wantStage: payment.StageFailed, wantErr: payment.CodeInvalidAmount},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, testConfig(), &stubVerifier{}, nil)
			rec := f.do(t, http.MethodPost, "/api/v1/fiat/submit", []byte(tc.body), nil)
			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d got %d (%s)", tc.wantCode, rec.Code, rec.Body.String())
			}
			snap := decodeSnapshot(t, rec)
			if snap.Stage != tc.wantStage {
				t.Fatalf("expected stage %s, got %s", tc.wantStage, snap.Stage)
			}
			if tc.wantErr != "" && (snap.Err == nil || snap.Err.Code != tc.wantErr) {
				t.Fatalf("expected error %s, got %+v", tc.wantErr, snap.Err)
			}
		})
	}
}

func TestFiatSubmitRejectsMalformedJSON(t *testing.T) {
	f := newFixture(t, testConfig(), &stubVerifier{}, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/fiat/submit", []byte(`{"amount":`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != "invalid_request" {
		t.Fatalf("unexpected error %+v", got)
	}
}

func TestMutatingRoutesRequireSignature(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HMACSecret = "agent-secret"
	f := newFixture(t, cfg, &stubVerifier{}, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/payment/start", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != "unauthorized" {
		t.Fatalf("unexpected error %+v", got)
	}

	signer := hmacauth.Signer{Secret: "agent-secret"}
	body := []byte(`{}`)
	rec = f.do(t, http.MethodPost, "/api/v1/payment/start", body, signer.Headers(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/payment/state", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("read routes stay open, got %d", rec.Code)
	}
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimitPerMinute = 1
	f := newFixture(t, cfg, &stubVerifier{}, nil)

	if rec := f.do(t, http.MethodPost, "/api/v1/payment/cancel", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200 got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/api/v1/payment/cancel", nil, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429 got %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != "rate_limit_exceeded" {
		t.Fatalf("unexpected error %+v", got)
	}
}

func TestDownloadUnknownToken(t *testing.T) {
	f := newFixture(t, testConfig(), &stubVerifier{}, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/download/tok_forged", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := newFixture(t, testConfig(), &stubVerifier{}, func() string { return "closed" })
		rec := f.do(t, http.MethodGet, "/api/v1/health", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 got %d (%s)", rec.Code, rec.Body.String())
		}
	})

	t.Run("breaker open", func(t *testing.T) {
		f := newFixture(t, testConfig(), &stubVerifier{}, func() string { return "open" })
		rec := f.do(t, http.MethodGet, "/api/v1/health", nil, nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 got %d", rec.Code)
		}
		var body struct {
			Status  string          `json:"status"`
			Backend componentHealth `json:"backend"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Status != "degraded" || body.Backend.State != "open" {
			t.Fatalf("unexpected health %+v", body)
		}
	})
}
