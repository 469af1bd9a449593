package pricing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// AggregatorConfig holds price aggregation settings.
type AggregatorConfig struct {
	TTL             time.Duration // Quotes younger than this are served without a refresh (default: 60s)
	SourceTimeout   time.Duration // Per-source request bound (default: 5s)
	FallbackWindow  time.Duration // How long a quote may still be served when every source fails (default: 5m)
	RefreshInterval time.Duration // Background refresh period; zero disables the loop
}

// DefaultAggregatorConfig returns the standard settings.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		TTL:            60 * time.Second,
		SourceTimeout:  5 * time.Second,
		FallbackWindow: 5 * time.Minute,
	}
}

// Aggregator merges quotes from independent sources and caches the result.
// The cache is read-shared and written on refresh; concurrent refreshes are
// collapsed into one round of source requests.
type Aggregator struct {
	cfg     AggregatorConfig
	sources []Source
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache map[Asset]Quote
	group singleflight.Group

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator creates an Aggregator over sources.
func NewAggregator(cfg AggregatorConfig, sources []Source, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		cfg:     cfg,
		sources: sources,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[Asset]Quote),
	}
}

// Quote returns the current USD quote for asset, refreshing the cache first
// when the cached value is stale.
func (a *Aggregator) Quote(ctx context.Context, asset Asset) (Quote, error) {
	if q, ok := a.cached(asset); ok && q.Fresh(a.now(), a.cfg.TTL) {
		return q, nil
	}

	if err := a.refreshShared(ctx); err != nil {
		a.logger.Warn("price refresh failed", zap.String("asset", string(asset)), zap.Error(err))
	}

	q, ok := a.cached(asset)
	if !ok {
		return Quote{}, fmt.Errorf("%w: no quote for %s", ErrPriceUnavailable, asset)
	}
	now := a.now()
	if q.Fresh(now, a.cfg.TTL) {
		return q, nil
	}
	if q.Fresh(now, a.cfg.FallbackWindow) {
		a.logger.Warn("serving cached quote after failed refresh",
			zap.String("asset", string(asset)),
			zap.Duration("age", now.Sub(q.AsOf)),
		)
		return q, nil
	}
	return Quote{}, fmt.Errorf("%w: cached %s quote is %s old", ErrPriceUnavailable, asset, now.Sub(q.AsOf))
}

// Refresh queries every source concurrently and merges what came back.
// It fails only when no source produced a usable price.
func (a *Aggregator) Refresh(ctx context.Context) error {
	start := a.now()

	type result struct {
		source string
		prices map[Asset]decimal.Decimal
		err    error
	}
	results := make([]result, len(a.sources))

	var wg sync.WaitGroup
	for i, src := range a.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()

			fetchCtx, cancel := context.WithTimeout(ctx, a.cfg.SourceTimeout)
			defer cancel()

			prices, err := src.Fetch(fetchCtx)
			results[i] = result{source: src.Name(), prices: prices, err: err}
		}(i, src)
	}
	wg.Wait()

	samples := make(map[Asset][]decimal.Decimal)
	names := make(map[Asset][]string)
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			a.logger.Warn("price source failed", zap.String("source", r.source), zap.Error(r.err))
			continue
		}
		for asset, price := range r.prices {
			if !price.IsPositive() {
				continue
			}
			samples[asset] = append(samples[asset], price)
			names[asset] = append(names[asset], r.source)
		}
	}

	if len(samples) == 0 {
		return fmt.Errorf("%w: %d of %d sources failed", ErrPriceUnavailable, failed, len(a.sources))
	}

	asOf := a.now()
	a.mu.Lock()
	for asset, prices := range samples {
		sort.Strings(names[asset])
		a.cache[asset] = Quote{
			Asset:    asset,
			USDPrice: mean(prices),
			AsOf:     asOf,
			Source:   strings.Join(names[asset], "+"),
		}
	}
	a.mu.Unlock()

	a.logger.Debug("prices refreshed",
		zap.Int("sources", len(a.sources)),
		zap.Int("failed", failed),
		zap.Int("assets", len(samples)),
		zap.Duration("duration", a.now().Sub(start)),
	)
	return nil
}

// Start begins the background refresh loop when RefreshInterval is set.
func (a *Aggregator) Start(ctx context.Context) {
	if a.cfg.RefreshInterval <= 0 {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(a.cfg.RefreshInterval)
		defer ticker.Stop()

		for {
			if err := a.refreshShared(ctx); err != nil {
				a.logger.Warn("background price refresh failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	a.logger.Info("price refresh loop started", zap.Duration("interval", a.cfg.RefreshInterval))
}

// Stop ends the background loop and waits for it to exit.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Aggregator) refreshShared(ctx context.Context) error {
	// Detached so one caller giving up does not fail everyone sharing the flight.
	shared := context.WithoutCancel(ctx)
	_, err, _ := a.group.Do("refresh", func() (any, error) {
		return nil, a.Refresh(shared)
	})
	return err
}

func (a *Aggregator) cached(asset Asset) (Quote, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	q, ok := a.cache[asset]
	return q, ok
}

func mean(values []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}
