package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each script runs as one atomic step on the server, so the supply check and
// the counter update can never interleave with another instance.
var (
	reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
	return -2
end
local sold = tonumber(redis.call('GET', KEYS[1]) or '0')
local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
local units = tonumber(ARGV[1])
if sold + reserved + units > tonumber(ARGV[2]) then
	return -1
end
redis.call('INCRBY', KEYS[2], units)
redis.call('HSET', KEYS[3],
	'units', ARGV[1], 'buyer', ARGV[4], 'stage', ARGV[5], 'status', 'pending',
	'created_at', ARGV[6], 'expires_at', ARGV[7])
redis.call('ZADD', KEYS[4], ARGV[7], ARGV[3])
return 1
`)

	settleScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'status') ~= 'pending' then
	return -1
end
local notAfter = tonumber(ARGV[3])
if notAfter > 0 and tonumber(redis.call('HGET', KEYS[3], 'expires_at')) < notAfter then
	return -2
end
local units = tonumber(redis.call('HGET', KEYS[3], 'units'))
redis.call('DECRBY', KEYS[2], units)
if ARGV[1] == 'committed' then
	redis.call('INCRBY', KEYS[1], units)
	redis.call('HINCRBY', KEYS[5], redis.call('HGET', KEYS[3], 'stage'), units)
end
redis.call('HSET', KEYS[3], 'status', ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[2])
return units
`)

	expireScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
local released = {}
for _, id in ipairs(ids) do
	local key = ARGV[2] .. id
	if redis.call('HGET', key, 'status') == 'pending' then
		redis.call('DECRBY', KEYS[1], tonumber(redis.call('HGET', key, 'units')))
		redis.call('HSET', key, 'status', 'released')
		table.insert(released, id)
	end
	redis.call('ZREM', KEYS[2], id)
end
return released
`)
)

// RedisStore keeps the ledger in Redis. All keys share one hash tag so the
// scripts stay valid on a cluster.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store whose keys live under tokensale:{saleID}.
func NewRedisStore(client *redis.Client, saleID string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: fmt.Sprintf("tokensale:{%s}:", saleID),
	}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) soldKey() string           { return s.prefix + "sold" }
func (s *RedisStore) reservedKey() string       { return s.prefix + "reserved" }
func (s *RedisStore) pendingKey() string        { return s.prefix + "pending" }
func (s *RedisStore) stageSoldKey() string      { return s.prefix + "sold_by_stage" }
func (s *RedisStore) reservationPrefix() string { return s.prefix + "res:" }

func (s *RedisStore) reservationKey(id string) string {
	return s.reservationPrefix() + id
}

func (s *RedisStore) TryReserve(ctx context.Context, r Reservation, limit uint64) error {
	if r.ID == "" {
		return ErrEmptyID
	}

	keys := []string{s.soldKey(), s.reservedKey(), s.reservationKey(r.ID), s.pendingKey()}
	res, err := reserveScript.Run(ctx, s.client, keys,
		r.Units, limit, r.ID, r.Buyer, r.Stage,
		r.CreatedAt.UnixMilli(), r.ExpiresAt.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("reserve script: %w", err)
	}

	switch res {
	case -1:
		return ErrInsufficientSupply
	case -2:
		return ErrDuplicateReservation
	}
	return nil
}

func (s *RedisStore) Commit(ctx context.Context, id string, now time.Time) (Reservation, error) {
	return s.settle(ctx, id, StatusCommitted, now.UnixMilli())
}

func (s *RedisStore) Release(ctx context.Context, id string) (Reservation, error) {
	return s.settle(ctx, id, StatusReleased, 0)
}

// settle moves a pending reservation to status. A positive notAfter (unix
// millis) rejects reservations that expired before it.
func (s *RedisStore) settle(ctx context.Context, id string, status Status, notAfter int64) (Reservation, error) {
	keys := []string{s.soldKey(), s.reservedKey(), s.reservationKey(id), s.pendingKey(), s.stageSoldKey()}
	res, err := settleScript.Run(ctx, s.client, keys, string(status), id, notAfter).Int64()
	if err != nil {
		return Reservation{}, fmt.Errorf("settle script: %w", err)
	}
	switch res {
	case -1:
		return Reservation{}, ErrReservationNotFound
	case -2:
		return Reservation{}, ErrReservationExpired
	}
	return s.load(ctx, id)
}

func (s *RedisStore) ReleaseExpired(ctx context.Context, now time.Time) ([]Reservation, error) {
	keys := []string{s.reservedKey(), s.pendingKey()}
	ids, err := expireScript.Run(ctx, s.client, keys, now.UnixMilli(), s.reservationPrefix()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("expire script: %w", err)
	}

	expired := make([]Reservation, 0, len(ids))
	for _, id := range ids {
		r, err := s.load(ctx, id)
		if err != nil {
			return expired, err
		}
		expired = append(expired, r)
	}
	return expired, nil
}

func (s *RedisStore) Totals(ctx context.Context) (Totals, error) {
	vals, err := s.client.MGet(ctx, s.soldKey(), s.reservedKey()).Result()
	if err != nil {
		return Totals{}, fmt.Errorf("read counters: %w", err)
	}

	sold, err := counterValue(vals[0])
	if err != nil {
		return Totals{}, fmt.Errorf("parse sold counter: %w", err)
	}
	reserved, err := counterValue(vals[1])
	if err != nil {
		return Totals{}, fmt.Errorf("parse reserved counter: %w", err)
	}
	return Totals{Sold: sold, Reserved: reserved}, nil
}

func (s *RedisStore) SoldByStage(ctx context.Context) (map[string]uint64, error) {
	fields, err := s.client.HGetAll(ctx, s.stageSoldKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read stage counters: %w", err)
	}

	out := make(map[string]uint64, len(fields))
	for stage, v := range fields {
		sold, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse stage counter %s: %w", stage, err)
		}
		out[stage] = sold
	}
	return out, nil
}

func (s *RedisStore) load(ctx context.Context, id string) (Reservation, error) {
	fields, err := s.client.HGetAll(ctx, s.reservationKey(id)).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("read reservation %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Reservation{}, ErrReservationNotFound
	}

	units, err := strconv.ParseUint(fields["units"], 10, 64)
	if err != nil {
		return Reservation{}, fmt.Errorf("parse units of %s: %w", id, err)
	}
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return Reservation{}, fmt.Errorf("parse created_at of %s: %w", id, err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return Reservation{}, fmt.Errorf("parse expires_at of %s: %w", id, err)
	}

	return Reservation{
		ID:        id,
		Units:     units,
		Buyer:     fields["buyer"],
		Stage:     fields["stage"],
		Status:    Status(fields["status"]),
		CreatedAt: time.UnixMilli(created).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
	}, nil
}

func counterValue(v any) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected counter type")
	}
	return strconv.ParseUint(s, 10, 64)
}
