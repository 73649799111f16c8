package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"cardpay/internal/payment"
)

// Load applies defaults, then the YAML file at path (if any), then CARDPAY_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:            "127.0.0.1:8787",
			ReadHeaderTimeout:  Duration{Duration: 15 * time.Second},
			ShutdownTimeout:    Duration{Duration: 10 * time.Second},
			RateLimitPerMinute: 60,
			HMACClockSkew:      Duration{Duration: 60 * time.Second},
		},
		Backend: BackendConfig{
			BaseURL:      "http://127.0.0.1:8000",
			Timeout:      Duration{Duration: 10 * time.Second},
			InfoRetries:  2,
			RetryWait:    Duration{Duration: 250 * time.Millisecond},
			RetryMaxWait: Duration{Duration: 2 * time.Second},
			InfoTimeout:  Duration{Duration: 10 * time.Second},
		},
		Wallet: WalletConfig{
			SimulatedAccount: "0x1111111111111111111111111111111111111111",
			SimulatedChainID: 1,
		},
		Polling: PollingConfig{
			Interval:              Duration{Duration: 5 * time.Second},
			Timeout:               Duration{Duration: 120 * time.Second},
			MaxTransportErrors:    3,
			RequiredConfirmations: 3,
		},
		Fiat: FiatConfig{
			Tiers:      []string{"25", "50", "100", "200", "500"},
			Currencies: []string{"USD"},
		},
		Journal: JournalConfig{
			Driver:    "file",
			Path:      filepath.Join(os.TempDir(), "cardpay-journal.json"),
			Retention: Duration{Duration: 24 * time.Hour},
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 5,
			OpenTimeout:         Duration{Duration: 30 * time.Second},
			Interval:            Duration{Duration: 60 * time.Second},
		},
		Export: ExportConfig{
			TokenTTL: Duration{Duration: 24 * time.Hour},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "development",
		},
	}
}

func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// Validate rejects values the workflows cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if c.Backend.InfoRetries < 0 {
		errs = append(errs, errors.New("backend.info_retries must not be negative"))
	}
	if c.Polling.Interval.Duration <= 0 {
		errs = append(errs, errors.New("polling.interval must be positive"))
	}
	if c.Polling.Timeout.Duration < c.Polling.Interval.Duration {
		errs = append(errs, errors.New("polling.timeout must be at least polling.interval"))
	}
	if c.Polling.MaxTransportErrors < 1 {
		errs = append(errs, errors.New("polling.max_transport_errors must be at least 1"))
	}
	if c.Polling.RequiredConfirmations < 1 {
		errs = append(errs, errors.New("polling.required_confirmations must be at least 1"))
	}
	if _, err := c.FiatPolicy(); err != nil {
		errs = append(errs, err)
	}
	switch c.Journal.Driver {
	case "memory":
	case "file":
		if c.Journal.Path == "" {
			errs = append(errs, errors.New("journal.path is required for the file driver"))
		}
	case "postgres":
		if c.Journal.DSN == "" {
			errs = append(errs, errors.New("journal.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("journal.driver %q is not one of memory, file, postgres", c.Journal.Driver))
	}
	return errors.Join(errs...)
}

// PollPolicy converts the polling section.
func (c *Config) PollPolicy() payment.PollPolicy {
	return payment.PollPolicy{
		Interval:           c.Polling.Interval.Duration,
		Timeout:            c.Polling.Timeout.Duration,
		MaxTransportErrors: c.Polling.MaxTransportErrors,
	}
}

// FiatPolicy parses the configured tiers.
func (c *Config) FiatPolicy() (payment.FiatPolicy, error) {
	if len(c.Fiat.Tiers) == 0 {
		return payment.FiatPolicy{}, errors.New("fiat.tiers must list at least one amount")
	}
	if len(c.Fiat.Currencies) == 0 {
		return payment.FiatPolicy{}, errors.New("fiat.currencies must list at least one currency")
	}
	policy := payment.FiatPolicy{}
	for _, raw := range c.Fiat.Tiers {
		tier, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !tier.IsPositive() {
			return payment.FiatPolicy{}, fmt.Errorf("fiat.tiers: %q is not a positive amount", raw)
		}
		policy.Tiers = append(policy.Tiers, tier)
	}
	for _, cur := range c.Fiat.Currencies {
		policy.Currencies = append(policy.Currencies, strings.ToUpper(strings.TrimSpace(cur)))
	}
	return policy, nil
}
