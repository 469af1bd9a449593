package config

import "time"

// Config is the root configuration for the token sale service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Sale        SaleConfig        `yaml:"sale"`
	Prices      PricesConfig      `yaml:"prices"`
	Chain       ChainConfig       `yaml:"chain"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Database    DBConfig          `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Signer      SignerConfig      `yaml:"signer"`
	Eligibility EligibilityConfig `yaml:"eligibility"`
	Stream      StreamConfig      `yaml:"stream"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level    string `yaml:"level"`    // debug, info, warn, error
	Encoding string `yaml:"encoding"` // json or console
}

// SaleConfig holds the static sale parameters. Prices and caps are decimal
// strings; dates are RFC 3339.
type SaleConfig struct {
	ID string `yaml:"id"`

	StartDate       string `yaml:"start_date"`
	PublicStageDate string `yaml:"public_stage_date"`
	EndDate         string `yaml:"end_date"`

	TotalSupply          uint64 `yaml:"total_supply"`
	PreSaleAllocation    uint64 `yaml:"pre_sale_allocation"`
	PublicSaleAllocation uint64 `yaml:"public_sale_allocation"`
	TotalSaleAllocation  uint64 `yaml:"total_sale_allocation"`

	PreSalePrice    string `yaml:"pre_sale_price"`    // native coin per token unit
	PublicSalePrice string `yaml:"public_sale_price"` // native coin per token unit

	MinPurchase uint64 `yaml:"min_purchase"`
	MaxPurchase uint64 `yaml:"max_purchase"`

	SoftCap string `yaml:"soft_cap"` // USD
	HardCap string `yaml:"hard_cap"` // USD

	TokenMint        string `yaml:"token_mint"`
	TokenDecimals    uint8  `yaml:"token_decimals"`
	MintAuthority    string `yaml:"mint_authority"` // token delivery disabled when empty
	PaymentMint      string `yaml:"payment_mint"`
	PaymentDecimals  uint8  `yaml:"payment_decimals"`
	ReceivingAccount string `yaml:"receiving_account"`
}

// PricesConfig holds quote source and cache settings.
type PricesConfig struct {
	CoinGeckoURL        string        `yaml:"coingecko_url"`
	CoinMarketCapURL    string        `yaml:"coinmarketcap_url"`
	CoinMarketCapAPIKey string        `yaml:"coinmarketcap_api_key"` // source disabled when empty
	TTL                 time.Duration `yaml:"ttl"`
	SourceTimeout       time.Duration `yaml:"source_timeout"`
	FallbackWindow      time.Duration `yaml:"fallback_window"`
	RefreshInterval     time.Duration `yaml:"refresh_interval"` // zero refreshes on demand only
}

// ChainConfig points at the network JSON-RPC endpoint.
type ChainConfig struct {
	RPCURL  string        `yaml:"rpc_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Commit policies.
const (
	CommitOnBuild        = "build"
	CommitOnConfirmation = "confirmation"
)

// LedgerConfig holds supply accounting settings.
type LedgerConfig struct {
	Backend        string        `yaml:"backend"`
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	CommitOn       string        `yaml:"commit_on"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds the Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SignerConfig holds signing gateway settings.
type SignerConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	KeyID   string        `yaml:"key_id"`
	Timeout time.Duration `yaml:"timeout"`

	// DeliveryKeyID is the mint authority's key for token delivery transfers.
	DeliveryKeyID string `yaml:"delivery_key_id"`
}

// EligibilityConfig lists the accounts admitted to the pre-sale. An empty
// list leaves the pre-sale open.
type EligibilityConfig struct {
	Allowlist []string `yaml:"allowlist"`
}

// StreamConfig holds sale-info websocket settings.
type StreamConfig struct {
	Interval time.Duration `yaml:"interval"`
}
