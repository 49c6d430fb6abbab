package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"tickethub/config"
	"tickethub/internal/status"
	"tickethub/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// reserveCapacityScript holds qty units on a pool iff sold+reserved+qty
// stays within capacity, and writes the reservation in the same step.
// ARGV[6] marks the hold for janitor expiry; group-buy holds are excluded
// because their session owns the release.
const reserveCapacityScript = `
local capacity = tonumber(redis.call('HGET', KEYS[1], 'capacity') or '-1')
if capacity < 0 then
	return {'no_pool'}
end
local sold = tonumber(redis.call('HGET', KEYS[1], 'sold') or '0')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local qty = tonumber(ARGV[1])
if sold + reserved + qty > capacity then
	return {'exhausted'}
end
redis.call('HINCRBY', KEYS[1], 'reserved', qty)
redis.call('HSET', KEYS[2], 'id', ARGV[2], 'event_id', ARGV[3], 'tier_id', ARGV[4], 'quantity', ARGV[1], 'remaining', ARGV[1], 'created_at', ARGV[5])
if ARGV[6] == '1' then
	redis.call('SADD', KEYS[3], ARGV[2])
end
return {'ok'}
`

// commitReservationScript turns qty reserved units into sold units.
const commitReservationScript = `
local remaining = tonumber(redis.call('HGET', KEYS[1], 'remaining') or '-1')
if remaining < 0 then
	return {'gone'}
end
local qty = tonumber(ARGV[1])
if qty > remaining then
	return {'insufficient'}
end
redis.call('HINCRBY', KEYS[2], 'reserved', -qty)
redis.call('HINCRBY', KEYS[2], 'sold', qty)
if remaining == qty then
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[3], ARGV[2])
else
	redis.call('HINCRBY', KEYS[1], 'remaining', -qty)
end
return {'ok'}
`

// releaseReservationScript returns the un-issued remainder to the pool and
// deletes the reservation. Safe to call twice; the second call frees nothing.
const releaseReservationScript = `
local remaining = tonumber(redis.call('HGET', KEYS[1], 'remaining') or '-1')
if remaining < 0 then
	return {'gone', 0}
end
if remaining > 0 then
	redis.call('HINCRBY', KEYS[2], 'reserved', -remaining)
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[3], ARGV[1])
return {'ok', remaining}
`

type CapacityService struct {
	Redis  *redis.Client
	config *config.Config
}

func NewCapacityService(redisClient *redis.Client, cfg *config.Config) *CapacityService {
	return &CapacityService{
		Redis:  redisClient,
		config: cfg,
	}
}

// SeedPool writes the capacity for an (event, tier) pool. Counters are only
// seeded when the pool is new; live Redis counters win over the DB mirror.
func (s *CapacityService) SeedPool(ctx context.Context, eventID, tierID string, capacity, sold int) error {
	key := poolKey(eventID, tierID)

	if err := s.Redis.HSet(ctx, key, "capacity", capacity).Err(); err != nil {
		return fmt.Errorf("seed pool: %w", err)
	}
	s.Redis.HSetNX(ctx, key, "sold", sold)
	s.Redis.HSetNX(ctx, key, "reserved", 0)

	return nil
}

// DropPool removes a pool after its tier is deleted.
func (s *CapacityService) DropPool(ctx context.Context, eventID, tierID string) error {
	return s.Redis.Del(ctx, poolKey(eventID, tierID)).Err()
}

// Reserve holds qty units for an individual purchase. The hold is tracked
// for janitor expiry so an abandoned checkout cannot pin capacity.
func (s *CapacityService) Reserve(ctx context.Context, eventID, tierID string, qty int) (*models.Reservation, error) {
	return s.reserve(ctx, eventID, tierID, qty, true)
}

// ReserveForSession holds qty units for a group-buy session. The session
// releases or consumes the hold itself, so the janitor leaves it alone.
func (s *CapacityService) ReserveForSession(ctx context.Context, eventID, tierID string, qty int) (*models.Reservation, error) {
	return s.reserve(ctx, eventID, tierID, qty, false)
}

func (s *CapacityService) reserve(ctx context.Context, eventID, tierID string, qty int, tracked bool) (*models.Reservation, error) {
	if qty < 1 {
		return nil, fmt.Errorf("reserve: quantity must be positive, got %d", qty)
	}

	id := uuid.New().String()
	now := time.Now()
	track := "0"
	if tracked {
		track = "1"
	}

	res, err := s.Redis.Eval(ctx, reserveCapacityScript,
		[]string{poolKey(eventID, tierID), reservationKey(id), reservationActiveKey},
		qty, id, eventID, tierID, now.Unix(), track,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}

	switch scriptStatus(res) {
	case "ok":
	case "no_pool":
		return nil, status.ErrPoolNotFound
	case "exhausted":
		return nil, status.ErrCapacityExhausted
	default:
		return nil, fmt.Errorf("reserve: unexpected script reply %v", res)
	}

	return &models.Reservation{
		ID:        id,
		EventID:   eventID,
		TierID:    tierID,
		Quantity:  qty,
		Remaining: qty,
		CreatedAt: now,
	}, nil
}

// Commit moves qty units of a reservation from reserved to sold.
func (s *CapacityService) Commit(ctx context.Context, reservation *models.Reservation, qty int) error {
	if qty < 1 {
		return fmt.Errorf("commit: quantity must be positive, got %d", qty)
	}

	res, err := s.Redis.Eval(ctx, commitReservationScript,
		[]string{reservationKey(reservation.ID), poolKey(reservation.EventID, reservation.TierID), reservationActiveKey},
		qty, reservation.ID,
	).Result()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	switch scriptStatus(res) {
	case "ok":
		return nil
	case "gone", "insufficient":
		return status.ErrInvalidReservation
	default:
		return fmt.Errorf("commit: unexpected script reply %v", res)
	}
}

// Release frees whatever the reservation still holds and reports how many
// units went back to the pool. Releasing an unknown reservation frees zero.
func (s *CapacityService) Release(ctx context.Context, reservationID string) (int, error) {
	data, err := s.Redis.HGetAll(ctx, reservationKey(reservationID)).Result()
	if err != nil {
		return 0, fmt.Errorf("release: %w", err)
	}
	if len(data) == 0 {
		return 0, nil
	}

	res, err := s.Redis.Eval(ctx, releaseReservationScript,
		[]string{reservationKey(reservationID), poolKey(data["event_id"], data["tier_id"]), reservationActiveKey},
		reservationID,
	).Result()
	if err != nil {
		return 0, fmt.Errorf("release: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return 0, fmt.Errorf("release: unexpected script reply %v", res)
	}
	released, _ := arr[1].(int64)

	return int(released), nil
}

// Reservation reads a live reservation.
func (s *CapacityService) Reservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	data, err := s.Redis.HGetAll(ctx, reservationKey(reservationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reservation: %w", err)
	}
	if len(data) == 0 {
		return nil, status.ErrInvalidReservation
	}

	qty, _ := strconv.Atoi(data["quantity"])
	remaining, _ := strconv.Atoi(data["remaining"])
	createdAt, _ := strconv.ParseInt(data["created_at"], 10, 64)

	return &models.Reservation{
		ID:        data["id"],
		EventID:   data["event_id"],
		TierID:    data["tier_id"],
		Quantity:  qty,
		Remaining: remaining,
		CreatedAt: time.Unix(createdAt, 0),
	}, nil
}

// Pool reads the live counters for one (event, tier) pool.
func (s *CapacityService) Pool(ctx context.Context, eventID, tierID string) (*models.CapacityPool, error) {
	data, err := s.Redis.HGetAll(ctx, poolKey(eventID, tierID)).Result()
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	if len(data) == 0 {
		return nil, status.ErrPoolNotFound
	}

	capacity, _ := strconv.Atoi(data["capacity"])
	sold, _ := strconv.Atoi(data["sold"])
	reserved, _ := strconv.Atoi(data["reserved"])

	return &models.CapacityPool{
		EventID:  eventID,
		TierID:   tierID,
		Capacity: capacity,
		Sold:     sold,
		Reserved: reserved,
	}, nil
}

// ReleaseStale frees tracked reservations older than the configured TTL so
// abandoned checkouts cannot pin capacity. Runs from the background sweeper.
func (s *CapacityService) ReleaseStale(ctx context.Context) int {
	ids, err := s.Redis.SMembers(ctx, reservationActiveKey).Result()
	if err != nil {
		slog.Error("list active reservations", "error", err)
		return 0
	}

	released := 0
	for _, id := range ids {
		createdAt, err := s.Redis.HGet(ctx, reservationKey(id), "created_at").Int64()
		if err == redis.Nil {
			// reservation consumed or released, only the marker is left
			s.Redis.SRem(ctx, reservationActiveKey, id)
			continue
		}
		if err != nil {
			continue
		}

		if time.Since(time.Unix(createdAt, 0)) > s.config.ReservationTTL {
			n, err := s.Release(ctx, id)
			if err != nil {
				slog.Error("release stale reservation", "reservation_id", id, "error", err)
				continue
			}
			if n > 0 {
				released++
				slog.Info("released stale reservation", "reservation_id", id, "units", n)
			}
		}
	}

	return released
}
