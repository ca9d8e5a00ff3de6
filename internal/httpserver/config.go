package httpserver

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr          = ":8080"
	defaultAllowedOrigin       = "http://localhost:3000"
	defaultTokenIssuer         = "vidgrow"
	defaultRequestTimeout      = 5 * time.Second
	minPurchaseCoins     int64 = 10
	purchaseStep         int64 = 10
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	TokenSigningKey string
	TokenIssuer     string
	RequestTimeout  time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.TokenIssuer = defaultIfEmpty(cfg.TokenIssuer, defaultTokenIssuer)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if len(cfg.TokenSigningKey) == 0 {
		return fmt.Errorf("token signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// MinimumPurchaseCoins returns the minimum purchasable coins per request.
func MinimumPurchaseCoins() int64 {
	return minPurchaseCoins
}

// PurchaseIncrementCoins returns the purchase step size.
func PurchaseIncrementCoins() int64 {
	return purchaseStep
}
