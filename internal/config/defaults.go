package config

import (
	"time"

	"api_tokensale/internal/pricing"
	"api_tokensale/internal/signer"
)

// Default values for optional configuration fields.
const (
	DefaultServerAddr      = ":8081"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogEncoding     = "json"
	DefaultSaleID          = "default"
	DefaultPriceTTL        = 60 * time.Second
	DefaultSourceTimeout   = 5 * time.Second
	DefaultFallbackWindow  = 5 * time.Minute
	DefaultRPCURL          = "https://api.mainnet-beta.solana.com"
	DefaultRPCTimeout      = 10 * time.Second
	DefaultLedgerBackend   = BackendMemory
	DefaultReservationTTL  = 5 * time.Minute
	DefaultSweepInterval   = 30 * time.Second
	DefaultCommitOn        = CommitOnBuild
	DefaultDBPort          = 5432
	DefaultDBSSLMode       = "prefer"
	DefaultMaxConns        = 10
	DefaultMinConns        = 2
	DefaultRedisAddr       = "localhost:6379"
	DefaultStreamInterval  = 5 * time.Second
)

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = DefaultLogEncoding
	}

	if c.Sale.ID == "" {
		c.Sale.ID = DefaultSaleID
	}

	// Price defaults
	if c.Prices.CoinGeckoURL == "" {
		c.Prices.CoinGeckoURL = pricing.DefaultCoinGeckoURL
	}
	if c.Prices.CoinMarketCapURL == "" {
		c.Prices.CoinMarketCapURL = pricing.DefaultCoinMarketCapURL
	}
	if c.Prices.TTL == 0 {
		c.Prices.TTL = DefaultPriceTTL
	}
	if c.Prices.SourceTimeout == 0 {
		c.Prices.SourceTimeout = DefaultSourceTimeout
	}
	if c.Prices.FallbackWindow == 0 {
		c.Prices.FallbackWindow = DefaultFallbackWindow
	}

	// Chain defaults
	if c.Chain.RPCURL == "" {
		c.Chain.RPCURL = DefaultRPCURL
	}
	if c.Chain.Timeout == 0 {
		c.Chain.Timeout = DefaultRPCTimeout
	}

	// Ledger defaults
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = DefaultLedgerBackend
	}
	if c.Ledger.ReservationTTL == 0 {
		c.Ledger.ReservationTTL = DefaultReservationTTL
	}
	if c.Ledger.SweepInterval == 0 {
		c.Ledger.SweepInterval = DefaultSweepInterval
	}
	if c.Ledger.CommitOn == "" {
		c.Ledger.CommitOn = DefaultCommitOn
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}

	if c.Signer.Timeout == 0 {
		c.Signer.Timeout = signer.DefaultTimeout
	}

	if c.Stream.Interval == 0 {
		c.Stream.Interval = DefaultStreamInterval
	}
}
