package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrBelowMinimum       = errors.New("purchase below minimum")
	ErrAboveMaximum       = errors.New("purchase above maximum")
	ErrInsufficientSupply = errors.New("insufficient supply for purchase")

	ErrEmptyID              = errors.New("empty reservation ID")
	ErrDuplicateReservation = errors.New("duplicate reservation ID")
)

// Config holds ledger limits and reservation lifetime settings.
type Config struct {
	MinPurchase    uint64
	MaxPurchase    uint64
	ReservationTTL time.Duration // Pending reservations are released after this (default: 5m)
	SweepInterval  time.Duration // How often expired reservations are collected (default: 30s)
}

// ReserveRequest asks for a hold of Units against Allocation, the cap of the
// stage the request was resolved in.
type ReserveRequest struct {
	Units      uint64
	Allocation uint64
	Buyer      string
	Stage      string
}

// ExpiryHook is told about reservations the sweeper released.
type ExpiryHook func(Reservation)

// Ledger validates purchase sizes and runs the reserve/commit/release
// protocol against a Store.
type Ledger struct {
	cfg    Config
	store  Store
	logger *zap.Logger
	now    func() time.Time

	hookMu sync.RWMutex
	hooks  []ExpiryHook

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Ledger.
func New(cfg Config, store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Ledger{
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// OnExpire registers a hook called for each reservation the sweeper releases.
func (l *Ledger) OnExpire(hook ExpiryHook) {
	l.hookMu.Lock()
	l.hooks = append(l.hooks, hook)
	l.hookMu.Unlock()
}

// Validate applies the per-transaction limits in order. It does not consult supply.
func (l *Ledger) Validate(units uint64) error {
	if units < l.cfg.MinPurchase {
		return fmt.Errorf("%w: minimum purchase is %d tokens", ErrBelowMinimum, l.cfg.MinPurchase)
	}
	if units > l.cfg.MaxPurchase {
		return fmt.Errorf("%w: maximum purchase is %d tokens", ErrAboveMaximum, l.cfg.MaxPurchase)
	}
	return nil
}

// Reserve validates req and atomically places a pending hold on supply.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if err := l.Validate(req.Units); err != nil {
		return Reservation{}, err
	}

	now := l.now()
	r := Reservation{
		ID:        uuid.NewString(),
		Units:     req.Units,
		Buyer:     req.Buyer,
		Stage:     req.Stage,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(l.cfg.ReservationTTL),
	}

	if err := l.store.TryReserve(ctx, r, req.Allocation); err != nil {
		if errors.Is(err, ErrInsufficientSupply) {
			return Reservation{}, fmt.Errorf("%w: %d tokens requested", ErrInsufficientSupply, req.Units)
		}
		return Reservation{}, fmt.Errorf("reserve supply: %w", err)
	}

	l.logger.Info("supply reserved",
		zap.String("reservation_id", r.ID),
		zap.Uint64("units", r.Units),
		zap.String("buyer", r.Buyer),
		zap.String("stage", r.Stage),
		zap.Time("expires_at", r.ExpiresAt),
	)
	return r, nil
}

// Commit durably counts a pending reservation as sold. A reservation past
// its expiry is released instead and ErrReservationExpired is returned.
func (l *Ledger) Commit(ctx context.Context, id string) (Reservation, error) {
	r, err := l.store.Commit(ctx, id, l.now())
	if errors.Is(err, ErrReservationExpired) {
		if released, relErr := l.store.Release(ctx, id); relErr == nil {
			l.notifyExpired([]Reservation{released})
		}
		return Reservation{}, fmt.Errorf("commit reservation %s: %w", id, err)
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("commit reservation %s: %w", id, err)
	}
	l.logger.Info("reservation committed", zap.String("reservation_id", id), zap.Uint64("units", r.Units))
	return r, nil
}

// Release returns a pending reservation to the available supply.
func (l *Ledger) Release(ctx context.Context, id string) (Reservation, error) {
	r, err := l.store.Release(ctx, id)
	if err != nil {
		return Reservation{}, fmt.Errorf("release reservation %s: %w", id, err)
	}
	l.logger.Info("reservation released", zap.String("reservation_id", id), zap.Uint64("units", r.Units))
	return r, nil
}

// Totals reads the sold and reserved counters.
func (l *Ledger) Totals(ctx context.Context) (Totals, error) {
	return l.store.Totals(ctx)
}

// SoldByStage reads the committed units per stage.
func (l *Ledger) SoldByStage(ctx context.Context) (map[string]uint64, error) {
	return l.store.SoldByStage(ctx)
}

// Start begins the expiry sweeper.
func (l *Ledger) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := l.Sweep(ctx); err != nil {
					l.logger.Warn("reservation sweep failed", zap.Error(err))
				}
			}
		}
	}()

	l.logger.Info("reservation sweeper started",
		zap.Duration("interval", l.cfg.SweepInterval),
		zap.Duration("reservation_ttl", l.cfg.ReservationTTL),
	)
}

// Stop ends the sweeper and waits for it to exit.
func (l *Ledger) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Sweep releases every expired pending reservation and returns how many it released.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	expired, err := l.store.ReleaseExpired(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("release expired reservations: %w", err)
	}
	l.notifyExpired(expired)
	return len(expired), nil
}

func (l *Ledger) notifyExpired(expired []Reservation) {
	if len(expired) == 0 {
		return
	}

	l.hookMu.RLock()
	hooks := l.hooks
	l.hookMu.RUnlock()

	for _, r := range expired {
		l.logger.Warn("reservation expired",
			zap.String("reservation_id", r.ID),
			zap.Uint64("units", r.Units),
			zap.String("buyer", r.Buyer),
		)
		for _, hook := range hooks {
			hook(r)
		}
	}
}
