package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts Go duration strings or plain numbers of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed, nil
	}
	secs, err := time.ParseDuration(raw + "s")
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q", raw)
	}
	return secs, nil
}

// Config is the payment agent configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Wallet  WalletConfig  `yaml:"wallet"`
	Polling PollingConfig `yaml:"polling"`
	Fiat    FiatConfig    `yaml:"fiat"`
	Journal JournalConfig `yaml:"journal"`
	Breaker BreakerConfig `yaml:"breaker"`
	Export  ExportConfig  `yaml:"export"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadHeaderTimeout  Duration `yaml:"read_header_timeout"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	HMACSecret         string   `yaml:"hmac_secret"`
	HMACClockSkew      Duration `yaml:"hmac_clock_skew"`
}

type BackendConfig struct {
	BaseURL      string   `yaml:"base_url"`
	Timeout      Duration `yaml:"timeout"`
	InfoRetries  int      `yaml:"info_retries"`
	RetryWait    Duration `yaml:"retry_wait"`
	RetryMaxWait Duration `yaml:"retry_max_wait"`
	HMACSecret   string   `yaml:"hmac_secret"`
	InfoTimeout  Duration `yaml:"info_timeout"`
}

type WalletConfig struct {
	ProviderURL      string `yaml:"provider_url"`
	Simulate         bool   `yaml:"simulate"`
	SimulatedAccount string `yaml:"simulated_account"`
	SimulatedChainID int64  `yaml:"simulated_chain_id"`
}

type PollingConfig struct {
	Interval              Duration `yaml:"interval"`
	Timeout               Duration `yaml:"timeout"`
	MaxTransportErrors    int      `yaml:"max_transport_errors"`
	RequiredConfirmations int      `yaml:"required_confirmations"`
}

type FiatConfig struct {
	Tiers      []string `yaml:"tiers"`
	Currencies []string `yaml:"currencies"`
}

type JournalConfig struct {
	Driver    string   `yaml:"driver"`
	Path      string   `yaml:"path"`
	DSN       string   `yaml:"dsn"`
	Retention Duration `yaml:"retention"`
	// ResumeOnStart resumes the newest journaled handle when the agent boots.
	ResumeOnStart bool `yaml:"resume_on_start"`
}

type BreakerConfig struct {
	Enabled             bool     `yaml:"enabled"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	OpenTimeout         Duration `yaml:"open_timeout"`
	Interval            Duration `yaml:"interval"`
}

type ExportConfig struct {
	ImagePath string   `yaml:"image_path"`
	TokenTTL  Duration `yaml:"token_ttl"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Environment string `yaml:"environment"`
}
