package payment

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	infoFlightKey                = "payment-info"
	defaultInfoFetchTimeout      = 10 * time.Second
	defaultRequiredConfirmations = 3
)

// FetchObserver is told about every network fetch the cache performs.
type FetchObserver interface {
	InfoFetched(err error)
}

// InfoCache holds the latest settlement target. Concurrent callers share one fetch.
type InfoCache struct {
	verifier Verifier
	group    singleflight.Group

	mu   sync.RWMutex
	info *PaymentInfo
	gen  uint64

	fetchTimeout          time.Duration
	requiredConfirmations int
	observer              FetchObserver
	log                   zerolog.Logger
}

// CacheOption configures an InfoCache.
type CacheOption func(*InfoCache)

func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *InfoCache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithDefaultConfirmations is used when the backend omits required_confirmations.
func WithDefaultConfirmations(n int) CacheOption {
	return func(c *InfoCache) {
		if n > 0 {
			c.requiredConfirmations = n
		}
	}
}

func WithFetchObserver(o FetchObserver) CacheOption {
	return func(c *InfoCache) { c.observer = o }
}

func WithCacheLogger(l zerolog.Logger) CacheOption {
	return func(c *InfoCache) { c.log = l }
}

func NewInfoCache(v Verifier, opts ...CacheOption) *InfoCache {
	c := &InfoCache{
		verifier:              v,
		fetchTimeout:          defaultInfoFetchTimeout,
		requiredConfirmations: defaultRequiredConfirmations,
		log:                   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureFresh returns the cached PaymentInfo, fetching it when absent.
// Failures surface as ErrBackendUnreachable and are not retried here.
func (c *InfoCache) EnsureFresh(ctx context.Context) (PaymentInfo, error) {
	c.mu.RLock()
	if c.info != nil {
		info := *c.info
		c.mu.RUnlock()
		return info, nil
	}
	gen := c.gen
	c.mu.RUnlock()

	ch := c.group.DoChan(infoFlightKey, func() (interface{}, error) {
		return c.fetch(ctx, gen)
	})

	select {
	case <-ctx.Done():
		return PaymentInfo{}, BackendUnreachable(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return PaymentInfo{}, res.Err
		}
		return res.Val.(PaymentInfo), nil
	}
}

// fetch runs detached from the first caller's cancellation since other callers may share it.
func (c *InfoCache) fetch(ctx context.Context, gen uint64) (PaymentInfo, error) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()

	info, err := c.verifier.FetchPaymentInfo(fetchCtx)
	if c.observer != nil {
		c.observer.InfoFetched(err)
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("payment_info.fetch_failed")
		if IsTransport(err) {
			return PaymentInfo{}, err
		}
		return PaymentInfo{}, BackendUnreachable(err)
	}
	if info.RequiredConfirmations <= 0 {
		info.RequiredConfirmations = c.requiredConfirmations
	}

	c.mu.Lock()
	if c.gen == gen {
		stored := info
		c.info = &stored
	}
	c.mu.Unlock()

	c.log.Debug().
		Str("amount_eth", info.AmountEth.String()).
		Int64("chain_id", info.ChainID).
		Msg("payment_info.fetched")
	return info, nil
}

// Invalidate drops the cached value; an in-flight fetch will not repopulate it.
func (c *InfoCache) Invalidate() {
	c.mu.Lock()
	c.info = nil
	c.gen++
	c.mu.Unlock()
	c.group.Forget(infoFlightKey)
}

// Peek returns the cached value without fetching.
func (c *InfoCache) Peek() (PaymentInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info == nil {
		return PaymentInfo{}, false
	}
	return *c.info, true
}
