package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"api_tokensale/api"
	"api_tokensale/internal/config"
	"api_tokensale/internal/database"
	"api_tokensale/internal/ledger"
	"api_tokensale/internal/logger"
	"api_tokensale/internal/pricing"
	"api_tokensale/internal/sale"
	"api_tokensale/internal/sales"
	"api_tokensale/internal/signer"
	"api_tokensale/internal/transfer"
)

func main() {
	// Ignore error if .env doesn't exist
	_ = godotenv.Load()

	defaultPath := os.Getenv("TOKENSALE_CONFIG")
	if defaultPath == "" {
		defaultPath = "configs/tokensale.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tokensale: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	saleCfg, err := cfg.Sale.Parse()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Prices
	sources := []pricing.Source{pricing.NewCoinGecko(cfg.Prices.CoinGeckoURL, cfg.Prices.SourceTimeout)}
	if cfg.Prices.CoinMarketCapAPIKey != "" {
		sources = append(sources, pricing.NewCoinMarketCap(cfg.Prices.CoinMarketCapURL, cfg.Prices.CoinMarketCapAPIKey, cfg.Prices.SourceTimeout))
	}
	prices := pricing.NewAggregator(pricing.AggregatorConfig{
		TTL:             cfg.Prices.TTL,
		SourceTimeout:   cfg.Prices.SourceTimeout,
		FallbackWindow:  cfg.Prices.FallbackWindow,
		RefreshInterval: cfg.Prices.RefreshInterval,
	}, sources, log.Named("pricing"))
	prices.Start(ctx)
	defer prices.Stop()

	// Ledger
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	l := ledger.New(ledger.Config{
		MinPurchase:    saleCfg.MinPurchase,
		MaxPurchase:    saleCfg.MaxPurchase,
		ReservationTTL: cfg.Ledger.ReservationTTL,
		SweepInterval:  cfg.Ledger.SweepInterval,
	}, store, log.Named("ledger"))

	// Transfers
	transferCfg, err := transferConfig(saleCfg)
	if err != nil {
		return err
	}
	builder := transfer.NewBuilder(transferCfg, transfer.NewRPCClient(cfg.Chain.RPCURL, cfg.Chain.Timeout), log.Named("transfer"))

	opts := []sales.Option{sales.WithEligibility(sales.AllowlistPolicy(cfg.Eligibility.Allowlist))}
	if !transferCfg.MintAuthority.IsZero() {
		opts = append(opts, sales.WithDelivery(builder))
	}
	if cfg.Signer.Enabled {
		gateway := signer.NewGateway(cfg.Signer.URL, cfg.Signer.Token, cfg.Signer.Timeout, log.Named("signer"))
		defer gateway.Close()
		opts = append(opts, sales.WithSigner(gateway))
	}

	svc := sales.NewService(sales.Config{
		Sale:     saleCfg,
		CommitOn: sales.CommitPolicy(cfg.Ledger.CommitOn),
		KeyID:    cfg.Signer.KeyID,

		DeliveryKeyID: cfg.Signer.DeliveryKeyID,
	}, sales.NewLocalStorage(), l, prices, builder, log.Named("sales"), opts...)

	l.Start(ctx)
	defer l.Stop()

	stream := api.NewSaleInfoBroadcaster(svc, cfg.Stream.Interval, log.Named("stream"))
	stream.Start(ctx)
	defer stream.Stop()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	api.InitRoutes(r, svc, stream, log.Named("http"))

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("ledger_backend", cfg.Ledger.Backend),
			zap.String("commit_on", cfg.Ledger.CommitOn),
			zap.Bool("signer", cfg.Signer.Enabled),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("error trying to start server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	return nil
}

// openStore connects the configured ledger backend and returns a func
// releasing its connections.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (ledger.Store, func(), error) {
	switch cfg.Ledger.Backend {
	case config.BackendPostgres:
		log.Info("connecting to database",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Name),
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := ledger.NewPostgresStore(pool, cfg.Sale.ID)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
		return ledger.NewRedisStore(client, cfg.Sale.ID), func() { client.Close() }, nil

	default:
		log.Warn("using in-memory ledger; supply counters are lost on restart")
		return ledger.NewMemoryStore(), func() {}, nil
	}
}

// transferConfig resolves the mints and the optional mint authority.
func transferConfig(sc sale.Config) (transfer.Config, error) {
	out := transfer.Config{
		PaymentDecimals: sc.PaymentDecimals,
		TokenDecimals:   sc.TokenDecimals,
	}

	var err error
	if out.PaymentMint, err = solana.PublicKeyFromBase58(sc.PaymentMint); err != nil {
		return transfer.Config{}, fmt.Errorf("payment mint: %w", err)
	}
	if out.TokenMint, err = solana.PublicKeyFromBase58(sc.TokenMint); err != nil {
		return transfer.Config{}, fmt.Errorf("token mint: %w", err)
	}
	if sc.MintAuthority != "" {
		if out.MintAuthority, err = solana.PublicKeyFromBase58(sc.MintAuthority); err != nil {
			return transfer.Config{}, fmt.Errorf("mint authority: %w", err)
		}
	}
	return out, nil
}
