package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sale_ledger (
		sale_id  TEXT PRIMARY KEY,
		sold     BIGINT NOT NULL DEFAULT 0 CHECK (sold >= 0),
		reserved BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS sale_reservations (
		id         UUID PRIMARY KEY,
		sale_id    TEXT NOT NULL REFERENCES sale_ledger (sale_id),
		units      BIGINT NOT NULL CHECK (units > 0),
		buyer      TEXT NOT NULL,
		stage      TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sale_stage_sold (
		sale_id TEXT NOT NULL REFERENCES sale_ledger (sale_id),
		stage   TEXT NOT NULL,
		sold    BIGINT NOT NULL DEFAULT 0 CHECK (sold >= 0),
		PRIMARY KEY (sale_id, stage)
	)`,
	`CREATE INDEX IF NOT EXISTS sale_reservations_pending_idx
		ON sale_reservations (sale_id, expires_at) WHERE status = 'pending'`,
}

// PostgresStore keeps the ledger in Postgres so several instances can share
// one sale. Supply is reserved with a conditional UPDATE, which row-locks the
// counters and re-checks the bound under concurrent writers.
type PostgresStore struct {
	pool   *pgxpool.Pool
	saleID string
}

// NewPostgresStore creates a store for the ledger row identified by saleID.
func NewPostgresStore(pool *pgxpool.Pool, saleID string) *PostgresStore {
	return &PostgresStore{pool: pool, saleID: saleID}
}

var _ Store = (*PostgresStore)(nil)

// EnsureSchema creates the ledger tables and the counter row if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create ledger schema: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sale_ledger (sale_id) VALUES ($1) ON CONFLICT (sale_id) DO NOTHING`,
		s.saleID,
	)
	if err != nil {
		return fmt.Errorf("create ledger row: %w", err)
	}
	return nil
}

func (s *PostgresStore) TryReserve(ctx context.Context, r Reservation, limit uint64) error {
	if r.ID == "" {
		return ErrEmptyID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE sale_ledger SET reserved = reserved + $2
		 WHERE sale_id = $1 AND sold + reserved + $2 <= $3`,
		s.saleID, int64(r.Units), int64(limit),
	)
	if err != nil {
		return fmt.Errorf("reserve supply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientSupply
	}

	tag, err = tx.Exec(ctx,
		`INSERT INTO sale_reservations (id, sale_id, units, buyer, stage, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, s.saleID, int64(r.Units), r.Buyer, r.Stage, string(StatusPending), r.CreatedAt, r.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateReservation
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Commit(ctx context.Context, id string, now time.Time) (Reservation, error) {
	return s.settle(ctx, id, StatusCommitted, now)
}

func (s *PostgresStore) Release(ctx context.Context, id string) (Reservation, error) {
	return s.settle(ctx, id, StatusReleased, time.Time{})
}

// settle moves a pending reservation to status. A non-zero notAfter rejects
// reservations that expired before it.
func (s *PostgresStore) settle(ctx context.Context, id string, status Status, notAfter time.Time) (Reservation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Reservation{}, ErrReservationNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`UPDATE sale_reservations SET status = $3
		 WHERE id = $1 AND sale_id = $2 AND status = 'pending'
		   AND ($4::timestamptz IS NULL OR expires_at >= $4)
		 RETURNING id, units, buyer, stage, status, created_at, expires_at`,
		id, s.saleID, string(status), nullableTime(notAfter),
	)
	r, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, s.missReason(ctx, tx, id)
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("update reservation: %w", err)
	}

	soldDelta := int64(0)
	if status == StatusCommitted {
		soldDelta = int64(r.Units)
		if _, err := tx.Exec(ctx,
			`INSERT INTO sale_stage_sold (sale_id, stage, sold) VALUES ($1, $2, $3)
			 ON CONFLICT (sale_id, stage) DO UPDATE SET sold = sale_stage_sold.sold + EXCLUDED.sold`,
			s.saleID, r.Stage, soldDelta,
		); err != nil {
			return Reservation{}, fmt.Errorf("update stage counter: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sale_ledger SET reserved = reserved - $2, sold = sold + $3 WHERE sale_id = $1`,
		s.saleID, int64(r.Units), soldDelta,
	); err != nil {
		return Reservation{}, fmt.Errorf("update counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("commit tx: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ReleaseExpired(ctx context.Context, now time.Time) ([]Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`UPDATE sale_reservations SET status = 'released'
		 WHERE sale_id = $1 AND status = 'pending' AND expires_at < $2
		 RETURNING id, units, buyer, stage, status, created_at, expires_at`,
		s.saleID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("expire reservations: %w", err)
	}

	var expired []Reservation
	var units int64
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		expired = append(expired, r)
		units += int64(r.Units)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expire reservations: %w", err)
	}

	if len(expired) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sale_ledger SET reserved = reserved - $2 WHERE sale_id = $1`,
		s.saleID, units,
	); err != nil {
		return nil, fmt.Errorf("update counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return expired, nil
}

func (s *PostgresStore) Totals(ctx context.Context) (Totals, error) {
	var sold, reserved int64
	err := s.pool.QueryRow(ctx,
		`SELECT sold, reserved FROM sale_ledger WHERE sale_id = $1`,
		s.saleID,
	).Scan(&sold, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return Totals{}, nil
	}
	if err != nil {
		return Totals{}, fmt.Errorf("read counters: %w", err)
	}
	return Totals{Sold: uint64(sold), Reserved: uint64(reserved)}, nil
}

// missReason tells an expired pending reservation apart from a missing or
// settled one after a settle matched no row.
func (s *PostgresStore) missReason(ctx context.Context, tx pgx.Tx, id string) error {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT status FROM sale_reservations WHERE id = $1 AND sale_id = $2`,
		id, s.saleID,
	).Scan(&status)
	if err == nil && Status(status) == StatusPending {
		return ErrReservationExpired
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read reservation: %w", err)
	}
	return ErrReservationNotFound
}

func (s *PostgresStore) SoldByStage(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT stage, sold FROM sale_stage_sold WHERE sale_id = $1`,
		s.saleID,
	)
	if err != nil {
		return nil, fmt.Errorf("read stage counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var (
			stage string
			sold  int64
		)
		if err := rows.Scan(&stage, &sold); err != nil {
			return nil, fmt.Errorf("scan stage counter: %w", err)
		}
		out[stage] = uint64(sold)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read stage counters: %w", err)
	}
	return out, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var (
		r      Reservation
		id     uuid.UUID
		units  int64
		status string
	)
	if err := row.Scan(&id, &units, &r.Buyer, &r.Stage, &status, &r.CreatedAt, &r.ExpiresAt); err != nil {
		return Reservation{}, err
	}
	r.ID = id.String()
	r.Units = uint64(units)
	r.Status = Status(status)
	return r, nil
}
