package sales

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when a purchase with the given ID is not found.
var ErrNotFound = errors.New("purchase not found")

// ErrEmptyID is returned when trying to store a purchase with an empty ID.
var ErrEmptyID = errors.New("empty purchase ID")

// Storage keeps purchase records. Supply counters live in the ledger; this
// is only the per-purchase history.
type Storage interface {
	Set(p *Purchase) error
	Read(id string) (*Purchase, error)
	GetAll() ([]*Purchase, error)
}

// LocalStorage provides an in-memory implementation for storing purchases.
// Callers always receive copies.
type LocalStorage struct {
	mu sync.RWMutex
	m  map[string]Purchase
}

// NewLocalStorage instantiates a new LocalStorage with an empty map.
func NewLocalStorage() *LocalStorage {
	return &LocalStorage{
		m: map[string]Purchase{},
	}
}

// Set stores p. Returns ErrEmptyID if the purchase has an empty ID.
func (l *LocalStorage) Set(p *Purchase) error {
	if p.ID == "" {
		return ErrEmptyID
	}
	l.mu.Lock()
	l.m[p.ID] = *p
	l.mu.Unlock()
	return nil
}

// Read retrieves a purchase by ID.
// Returns ErrNotFound if the purchase is not found.
func (l *LocalStorage) Read(id string) (*Purchase, error) {
	l.mu.RLock()
	p, ok := l.m[id]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// GetAll retrieves all purchases.
func (l *LocalStorage) GetAll() ([]*Purchase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Purchase, 0, len(l.m))
	for _, p := range l.m {
		p := p
		out = append(out, &p)
	}
	return out, nil
}
