package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"cardpay/internal/hmacauth"
	"cardpay/internal/logger"
	"cardpay/internal/payment"
)

const (
	PathInfo   = "/api/payment/info/"
	PathVerify = "/api/payment/verify/"
	PathFiat   = "/api/payment/fiat/"
)

// Config describes how to reach the payment backend.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// InfoRetries applies to the idempotent info GET only.
	InfoRetries  int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	HMACSecret   string
	Breaker      BreakerConfig
}

// BreakerConfig trips the client open after consecutive transport failures.
type BreakerConfig struct {
	Enabled             bool
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	Interval            time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		InfoRetries:  2,
		RetryWait:    250 * time.Millisecond,
		RetryMaxWait: 2 * time.Second,
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
			Interval:            60 * time.Second,
		},
	}
}

// Client implements payment.Verifier over the backend's JSON API.
type Client struct {
	info    *resty.Client
	calls   *resty.Client
	breaker *gobreaker.CircuitBreaker
	signer  hmacauth.Signer
	log     zerolog.Logger
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("backend base url is required")
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.InfoRetries < 0 {
		cfg.InfoRetries = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = def.RetryWait
	}
	if cfg.RetryMaxWait < cfg.RetryWait {
		cfg.RetryMaxWait = cfg.RetryWait
	}

	c := &Client{
		signer: hmacauth.Signer{Secret: cfg.HMACSecret},
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	c.calls = resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	c.info = resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.InfoRetries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(retryInfo).
		AddRetryHook(func(resp *resty.Response, err error) {
			ev := c.log.Warn().Str("path", PathInfo)
			if err != nil {
				ev = ev.Err(err)
			} else {
				ev = ev.Int("status", resp.StatusCode())
			}
			ev.Msg("backend.request_retry")
		})

	if cfg.Breaker.Enabled {
		c.breaker = gobreaker.NewCircuitBreaker(breakerSettings(cfg.Breaker, c.log))
	}
	return c, nil
}

// retryInfo retries network failures and gateway-style 5xx pages, but never a JSON answer.
func retryInfo(resp *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode() >= http.StatusInternalServerError && !json.Valid(resp.Body())
}

func breakerSettings(cfg BreakerConfig, log zerolog.Logger) gobreaker.Settings {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.Settings{
		Name:        "payment_backend",
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Caller cancellation says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("backend.breaker_state_changed")
		},
	}
}

// BreakerState is "disabled" when no breaker is configured.
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

type envelope struct {
	Success               bool            `json:"success"`
	Status                string          `json:"status"`
	Error                 string          `json:"error"`
	Message               string          `json:"message"`
	DownloadToken         string          `json:"download_token"`
	Confirmations         int             `json:"confirmations"`
	RequiredConfirmations int             `json:"required_confirmations"`
	WalletAddress         string          `json:"wallet_address"`
	AmountEth             decimal.Decimal `json:"amount_eth"`
	ChainID               int64           `json:"chain_id"`
	Network               string          `json:"network"`
}

func (e envelope) reason(fallback string) string {
	switch {
	case e.Error != "":
		return e.Error
	case e.Message != "":
		return e.Message
	}
	return fallback
}

type verifyRequest struct {
	TransactionHash string `json:"transaction_hash"`
	FromAddress     string `json:"from_address"`
}

type fiatRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// statusError marks a 5xx answer so the breaker counts it.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("backend answered HTTP %d", e.code) }

func (c *Client) FetchPaymentInfo(ctx context.Context) (payment.PaymentInfo, error) {
	env, err := c.send(ctx, c.info, http.MethodGet, PathInfo, nil)
	if err != nil {
		return payment.PaymentInfo{}, err
	}
	if !env.Success {
		return payment.PaymentInfo{}, payment.BackendUnreachable(fmt.Errorf("payment info refused: %s", env.reason("no reason given")))
	}
	if !common.IsHexAddress(env.WalletAddress) {
		return payment.PaymentInfo{}, payment.BackendUnreachable(fmt.Errorf("payment info has malformed wallet address %q", env.WalletAddress))
	}
	if !env.AmountEth.IsPositive() {
		return payment.PaymentInfo{}, payment.BackendUnreachable(fmt.Errorf("payment info has non-positive amount %s", env.AmountEth))
	}
	return payment.PaymentInfo{
		WalletAddress:         env.WalletAddress,
		AmountEth:             env.AmountEth,
		ChainID:               env.ChainID,
		Network:               env.Network,
		RequiredConfirmations: env.RequiredConfirmations,
	}, nil
}

// VerifyTransaction issues exactly one POST; polling and retries belong to the caller.
func (c *Client) VerifyTransaction(ctx context.Context, handle payment.TransactionHandle) (payment.VerificationResult, error) {
	env, err := c.send(ctx, c.calls, http.MethodPost, PathVerify, verifyRequest{
		TransactionHash: handle.Hash,
		FromAddress:     handle.FromAddress,
	})
	if err != nil {
		return payment.VerificationResult{}, err
	}
	return classify(env, "transaction verification failed")
}

func (c *Client) SubmitFiat(ctx context.Context, amount decimal.Decimal, currency string) (payment.VerificationResult, error) {
	env, err := c.send(ctx, c.calls, http.MethodPost, PathFiat, fiatRequest{Amount: amount, Currency: currency})
	if err != nil {
		return payment.VerificationResult{}, err
	}
	return classify(env, "payment declined")
}

func classify(env envelope, fallback string) (payment.VerificationResult, error) {
	switch {
	case env.Success:
		if env.DownloadToken == "" {
			return payment.VerificationResult{}, payment.BackendUnreachable(errors.New("success response carried no download token"))
		}
		return payment.Confirmed(payment.DownloadToken(env.DownloadToken)), nil
	case env.Status == "processing" || env.Status == "pending":
		return payment.Pending(env.Confirmations, env.RequiredConfirmations), nil
	}
	return payment.Rejected(env.reason(fallback)), nil
}

// send performs one logical call through the breaker. Only a decoded envelope is returned
// without error; everything else is a transport failure.
func (c *Client) send(ctx context.Context, rc *resty.Client, method, path string, payload any) (envelope, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return envelope{}, fmt.Errorf("encode %s request: %w", path, err)
		}
		body = b
	}

	call := func() (interface{}, error) {
		req := rc.R().SetContext(ctx)
		if body != nil {
			req.SetHeader("Content-Type", "application/json").
				SetHeaders(c.signer.Headers(body)).
				SetBody(body)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return resp, &statusError{code: resp.StatusCode()}
		}
		return resp, nil
	}

	started := time.Now()
	var (
		out interface{}
		err error
	)
	if c.breaker != nil {
		out, err = c.breaker.Execute(call)
	} else {
		out, err = call()
	}
	log := logger.FromContext(ctx, c.log)
	if err != nil {
		log.Warn().Err(err).
			Str("method", method).
			Str("path", path).
			Dur("took", time.Since(started)).
			Msg("backend.request_failed")
		return envelope{}, payment.BackendUnreachable(fmt.Errorf("%s %s: %w", method, path, err))
	}

	resp := out.(*resty.Response)
	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode()).
		Dur("took", time.Since(started)).
		Msg("backend.request")

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return envelope{}, payment.BackendUnreachable(fmt.Errorf("decode %s response (HTTP %d): %w", path, resp.StatusCode(), err))
	}
	return env, nil
}
