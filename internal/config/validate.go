package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"

	"api_tokensale/internal/sale"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Encoding != "json" && c.Log.Encoding != "console" {
		return fmt.Errorf("log.encoding must be json or console, got %q", c.Log.Encoding)
	}

	if _, err := c.Sale.Parse(); err != nil {
		return err
	}

	if c.Prices.TTL <= 0 {
		return errors.New("prices.ttl must be > 0")
	}
	if c.Prices.FallbackWindow < c.Prices.TTL {
		return fmt.Errorf("prices.fallback_window (%s) cannot be shorter than prices.ttl (%s)", c.Prices.FallbackWindow, c.Prices.TTL)
	}
	if c.Prices.SourceTimeout <= 0 {
		return errors.New("prices.source_timeout must be > 0")
	}
	if c.Prices.RefreshInterval < 0 {
		return errors.New("prices.refresh_interval must be >= 0")
	}

	if c.Chain.RPCURL == "" {
		return errors.New("chain.rpc_url is required")
	}
	if c.Chain.Timeout <= 0 {
		return errors.New("chain.timeout must be > 0")
	}

	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendPostgres:
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required")
		}
	default:
		return fmt.Errorf("ledger.backend must be one of memory, postgres, redis, got %q", c.Ledger.Backend)
	}
	if !slices.Contains([]string{CommitOnBuild, CommitOnConfirmation}, c.Ledger.CommitOn) {
		return fmt.Errorf("ledger.commit_on must be build or confirmation, got %q", c.Ledger.CommitOn)
	}
	if c.Ledger.ReservationTTL <= 0 {
		return errors.New("ledger.reservation_ttl must be > 0")
	}
	if c.Ledger.SweepInterval <= 0 {
		return errors.New("ledger.sweep_interval must be > 0")
	}
	if c.Stream.Interval <= 0 {
		return errors.New("stream.interval must be > 0")
	}

	if c.Signer.Enabled {
		if c.Signer.URL == "" {
			return errors.New("signer.url is required when signer.enabled")
		}
		if c.Signer.KeyID == "" {
			return errors.New("signer.key_id is required when signer.enabled")
		}
		if c.Signer.Timeout <= 0 {
			return errors.New("signer.timeout must be > 0")
		}
		if c.Sale.MintAuthority != "" && c.Signer.DeliveryKeyID == "" {
			return errors.New("signer.delivery_key_id is required when sale.mint_authority is set")
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// Parse converts the sale section into a validated sale.Config.
// Errors wrap sale.ErrConfigInvalid.
func (s SaleConfig) Parse() (sale.Config, error) {
	out := sale.Config{
		TotalSupply:          s.TotalSupply,
		PreSaleAllocation:    s.PreSaleAllocation,
		PublicSaleAllocation: s.PublicSaleAllocation,
		TotalSaleAllocation:  s.TotalSaleAllocation,
		MinPurchase:          s.MinPurchase,
		MaxPurchase:          s.MaxPurchase,
		TokenMint:            s.TokenMint,
		TokenDecimals:        s.TokenDecimals,
		MintAuthority:        s.MintAuthority,
		PaymentMint:          s.PaymentMint,
		PaymentDecimals:      s.PaymentDecimals,
		ReceivingAccount:     s.ReceivingAccount,
	}

	var err error
	dates := []struct {
		field string
		raw   string
		dst   *time.Time
	}{
		{"sale.start_date", s.StartDate, &out.StartDate},
		{"sale.public_stage_date", s.PublicStageDate, &out.PublicStageDate},
		{"sale.end_date", s.EndDate, &out.EndDate},
	}
	for _, d := range dates {
		if *d.dst, err = time.Parse(time.RFC3339, d.raw); err != nil {
			return sale.Config{}, fmt.Errorf("%w: %s: %v", sale.ErrConfigInvalid, d.field, err)
		}
	}

	amounts := []struct {
		field    string
		raw      string
		dst      *decimal.Decimal
		optional bool
	}{
		{"sale.pre_sale_price", s.PreSalePrice, &out.PreSalePrice, false},
		{"sale.public_sale_price", s.PublicSalePrice, &out.PublicSalePrice, false},
		{"sale.soft_cap", s.SoftCap, &out.SoftCap, true},
		{"sale.hard_cap", s.HardCap, &out.HardCap, true},
	}
	for _, a := range amounts {
		if a.raw == "" && a.optional {
			continue
		}
		if *a.dst, err = decimal.NewFromString(a.raw); err != nil {
			return sale.Config{}, fmt.Errorf("%w: %s: %v", sale.ErrConfigInvalid, a.field, err)
		}
	}

	if err := out.Validate(); err != nil {
		return sale.Config{}, err
	}
	return out, nil
}
