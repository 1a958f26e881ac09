package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Module  string
	Network string

	PGDSN        string
	IndexerURL   string
	PricingURL   string
	InscriberURL string

	FeeAddress     string
	SwapFeeRateBps uint32

	MaxCommitOps       int
	CommitWindow       time.Duration
	MaxUnconfirmed     int
	MaxOpsPerAddress   int
	VerifyPerOperation bool
	StrictVerify       bool
	HealthFailureLimit int

	GasPriceMin float64
	GasPriceMax float64

	QuoteTTL      time.Duration
	QuoteCapacity int

	TickInterval   time.Duration
	CommitInterval time.Duration
	RotateInterval time.Duration

	MaxRetries   int
	RetryBackoff time.Duration

	// TickDecimals lists known tick precisions as "tick:decimals"
	// entries, e.g. "sats:8,ordi:18".
	TickDecimals []string

	ListenAddr string
	LogLevel   string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEQUENCER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("network", "mainnet")
	v.SetDefault("swap-fee-rate-bps", uint32(30))
	v.SetDefault("max-commit-ops", 100)
	v.SetDefault("commit-window", 10*time.Minute)
	v.SetDefault("max-unconfirmed", 5)
	v.SetDefault("max-ops-per-address", 0)
	v.SetDefault("verify-per-operation", false)
	v.SetDefault("strict-verify", true)
	v.SetDefault("health-failure-limit", 10)
	v.SetDefault("gas-price-min", 1.0)
	v.SetDefault("gas-price-max", 500.0)
	v.SetDefault("quote-ttl", 5*time.Minute)
	v.SetDefault("quote-capacity", 4096)
	v.SetDefault("tick-interval", 30*time.Second)
	v.SetDefault("commit-interval", 5*time.Second)
	v.SetDefault("rotate-interval", 5*time.Second)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("listen-addr", ":8085")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Module:             v.GetString("module"),
		Network:            v.GetString("network"),
		PGDSN:              v.GetString("pg-dsn"),
		IndexerURL:         v.GetString("indexer-url"),
		PricingURL:         v.GetString("pricing-url"),
		InscriberURL:       v.GetString("inscriber-url"),
		FeeAddress:         v.GetString("fee-address"),
		SwapFeeRateBps:     v.GetUint32("swap-fee-rate-bps"),
		MaxCommitOps:       v.GetInt("max-commit-ops"),
		CommitWindow:       v.GetDuration("commit-window"),
		MaxUnconfirmed:     v.GetInt("max-unconfirmed"),
		MaxOpsPerAddress:   v.GetInt("max-ops-per-address"),
		VerifyPerOperation: v.GetBool("verify-per-operation"),
		StrictVerify:       v.GetBool("strict-verify"),
		HealthFailureLimit: v.GetInt("health-failure-limit"),
		GasPriceMin:        v.GetFloat64("gas-price-min"),
		GasPriceMax:        v.GetFloat64("gas-price-max"),
		QuoteTTL:           v.GetDuration("quote-ttl"),
		QuoteCapacity:      v.GetInt("quote-capacity"),
		TickInterval:       v.GetDuration("tick-interval"),
		CommitInterval:     v.GetDuration("commit-interval"),
		RotateInterval:     v.GetDuration("rotate-interval"),
		MaxRetries:         v.GetInt("max-retries"),
		RetryBackoff:       v.GetDuration("retry-backoff"),
		TickDecimals:       getStringSlice(v, "tick-decimals"),
		ListenAddr:         v.GetString("listen-addr"),
		LogLevel:           v.GetString("log-level"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

func (c *Config) validate() error {
	if c.Module == "" {
		return fmt.Errorf("module id is required")
	}
	switch c.Network {
	case "mainnet", "testnet", "regtest":
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if c.GasPriceMin > c.GasPriceMax {
		return fmt.Errorf("gas-price-min %v exceeds gas-price-max %v", c.GasPriceMin, c.GasPriceMax)
	}
	return nil
}
