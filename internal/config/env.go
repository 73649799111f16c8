package config

import (
	"os"
	"strconv"
	"strings"
)

const envPrefix = "CARDPAY_"

func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "SERVER_ADDRESS")
	setListIfEnv(&c.Server.CORSAllowedOrigins, "CORS_ALLOWED_ORIGINS")
	setIntIfEnv(&c.Server.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")
	setIfEnv(&c.Server.HMACSecret, "SERVER_HMAC_SECRET")

	setIfEnv(&c.Backend.BaseURL, "BACKEND_URL")
	setDurationIfEnv(&c.Backend.Timeout, "BACKEND_TIMEOUT")
	setIntIfEnv(&c.Backend.InfoRetries, "BACKEND_INFO_RETRIES")
	setIfEnv(&c.Backend.HMACSecret, "BACKEND_HMAC_SECRET")

	setIfEnv(&c.Wallet.ProviderURL, "WALLET_PROVIDER_URL")
	setBoolIfEnv(&c.Wallet.Simulate, "WALLET_SIMULATE")

	setDurationIfEnv(&c.Polling.Interval, "POLL_INTERVAL")
	setDurationIfEnv(&c.Polling.Timeout, "POLL_TIMEOUT")
	setIntIfEnv(&c.Polling.MaxTransportErrors, "POLL_MAX_TRANSPORT_ERRORS")
	setIntIfEnv(&c.Polling.RequiredConfirmations, "REQUIRED_CONFIRMATIONS")

	setListIfEnv(&c.Fiat.Tiers, "FIAT_TIERS")
	setListIfEnv(&c.Fiat.Currencies, "FIAT_CURRENCIES")

	setIfEnv(&c.Journal.Driver, "JOURNAL_DRIVER")
	setIfEnv(&c.Journal.Path, "JOURNAL_PATH")
	setIfEnv(&c.Journal.DSN, "JOURNAL_DSN")
	setBoolIfEnv(&c.Journal.ResumeOnStart, "JOURNAL_RESUME_ON_START")

	setBoolIfEnv(&c.Breaker.Enabled, "BREAKER_ENABLED")

	setIfEnv(&c.Export.ImagePath, "EXPORT_IMAGE_PATH")

	setIfEnv(&c.Logging.Level, "LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "ENVIRONMENT")
}

func lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return strings.TrimSpace(val), true
}

func setIfEnv(target *string, key string) {
	if val, ok := lookup(key); ok {
		*target = val
	}
}

func setIntIfEnv(target *int, key string) {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			*target = parsed
		}
	}
}

// setBoolIfEnv accepts "1" or any casing of "true".
func setBoolIfEnv(target *bool, key string) {
	if val, ok := lookup(key); ok {
		*target = val == "1" || strings.EqualFold(val, "true")
	}
}

func setDurationIfEnv(target *Duration, key string) {
	if val, ok := lookup(key); ok {
		if parsed, err := parseDuration(val); err == nil {
			*target = Duration{Duration: parsed}
		}
	}
}

// setListIfEnv splits a comma separated value.
func setListIfEnv(target *[]string, key string) {
	val, ok := lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*target = out
}
