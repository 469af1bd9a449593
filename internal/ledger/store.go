package ledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrReservationNotFound is returned when committing or releasing a
	// reservation that does not exist or is no longer pending.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationExpired is returned when committing a pending reservation
	// past its ExpiresAt, whether or not the sweeper has run yet.
	ErrReservationExpired = errors.New("reservation expired")
)

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusReleased  Status = "released"
)

// Reservation is a tentative, time-bounded hold against remaining supply.
type Reservation struct {
	ID        string    `json:"id"`
	Units     uint64    `json:"units"`
	Buyer     string    `json:"buyer"`
	Stage     string    `json:"stage"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Totals is a point-in-time view of the supply counters.
type Totals struct {
	Sold     uint64 `json:"sold"`
	Reserved uint64 `json:"reserved"`
}

// Outstanding is every unit either sold or held by a pending reservation.
func (t Totals) Outstanding() uint64 {
	return t.Sold + t.Reserved
}

// Store is the only writer of the supply counters. Implementations must make
// TryReserve a single exclusive check-and-update: two concurrent callers may
// never both observe the same remaining supply as sufficient.
type Store interface {
	// TryReserve records r as pending if Sold+Reserved+r.Units <= limit,
	// otherwise returns ErrInsufficientSupply.
	TryReserve(ctx context.Context, r Reservation, limit uint64) error
	// Commit moves a pending reservation's units from Reserved to Sold. A
	// reservation whose ExpiresAt is before now is left untouched and
	// reported with ErrReservationExpired.
	Commit(ctx context.Context, id string, now time.Time) (Reservation, error)
	// Release returns a pending reservation's units to the available supply.
	Release(ctx context.Context, id string) (Reservation, error)
	// ReleaseExpired releases every pending reservation that expired before now.
	ReleaseExpired(ctx context.Context, now time.Time) ([]Reservation, error)
	// Totals reads the current counters.
	Totals(ctx context.Context) (Totals, error)
	// SoldByStage reads the committed units per stage.
	SoldByStage(ctx context.Context) (map[string]uint64, error)
}

// MemoryStore keeps the ledger in process memory. It is only safe when a
// single process writes the ledger for the lifetime of the sale.
type MemoryStore struct {
	mu           sync.Mutex
	totals       Totals
	byStage      map[string]uint64
	reservations map[string]Reservation
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byStage:      make(map[string]uint64),
		reservations: make(map[string]Reservation),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) TryReserve(_ context.Context, r Reservation, limit uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == "" {
		return ErrEmptyID
	}
	if _, exists := m.reservations[r.ID]; exists {
		return ErrDuplicateReservation
	}
	if m.totals.Outstanding() > limit || r.Units > limit-m.totals.Outstanding() {
		return ErrInsufficientSupply
	}

	r.Status = StatusPending
	m.reservations[r.ID] = r
	m.totals.Reserved += r.Units
	return nil
}

func (m *MemoryStore) Commit(_ context.Context, id string, now time.Time) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.reservations[id]; ok && r.Status == StatusPending && r.ExpiresAt.Before(now) {
		return Reservation{}, ErrReservationExpired
	}
	r, err := m.takePending(id)
	if err != nil {
		return Reservation{}, err
	}
	r.Status = StatusCommitted
	m.reservations[id] = r
	m.totals.Sold += r.Units
	m.byStage[r.Stage] += r.Units
	return r, nil
}

func (m *MemoryStore) Release(_ context.Context, id string) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.takePending(id)
	if err != nil {
		return Reservation{}, err
	}
	r.Status = StatusReleased
	m.reservations[id] = r
	return r, nil
}

func (m *MemoryStore) ReleaseExpired(_ context.Context, now time.Time) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Reservation
	for id, r := range m.reservations {
		if r.Status != StatusPending || !r.ExpiresAt.Before(now) {
			continue
		}
		m.totals.Reserved -= r.Units
		r.Status = StatusReleased
		m.reservations[id] = r
		expired = append(expired, r)
	}
	return expired, nil
}

func (m *MemoryStore) Totals(_ context.Context) (Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals, nil
}

func (m *MemoryStore) SoldByStage(_ context.Context) (map[string]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.byStage))
	for stage, units := range m.byStage {
		out[stage] = units
	}
	return out, nil
}

// takePending removes a pending reservation's units from Reserved.
// Callers hold m.mu and must record the new status.
func (m *MemoryStore) takePending(id string) (Reservation, error) {
	r, ok := m.reservations[id]
	if !ok || r.Status != StatusPending {
		return Reservation{}, ErrReservationNotFound
	}
	m.totals.Reserved -= r.Units
	return r, nil
}
