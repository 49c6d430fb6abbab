package services

import (
	"context"
	"log"
	"strconv"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// Bootstrap rebuilds Redis runtime state from the database mirror after a
// cold start. Live Redis values always win; only missing keys are written,
// so running it against a warm Redis is a no-op.
type Bootstrap struct {
	app      *pocketbase.PocketBase
	redis    *redis.Client
	capacity *CapacityService
}

func NewBootstrap(app *pocketbase.PocketBase, redisClient *redis.Client, capacity *CapacityService) *Bootstrap {
	return &Bootstrap{
		app:      app,
		redis:    redisClient,
		capacity: capacity,
	}
}

// SeedPools pushes every tier's capacity into Redis. Runs synchronously on
// boot; reservations must see their pool from the first request on.
func (b *Bootstrap) SeedPools(ctx context.Context) {
	var tiers []dbx.NullStringMap
	if err := b.app.DB().NewQuery(
		"SELECT id, event, quantity, sold FROM tiers",
	).All(&tiers); err != nil {
		log.Printf("Error fetching tiers for pool seed: %v", err)
		return
	}

	seeded := 0
	for _, tier := range tiers {
		tierID := tier["id"].String
		eventID := tier["event"].String
		if tierID == "" || eventID == "" {
			continue
		}
		capacity, _ := strconv.Atoi(tier["quantity"].String)
		sold, _ := strconv.Atoi(tier["sold"].String)

		if err := b.capacity.SeedPool(ctx, eventID, tierID, capacity, sold); err != nil {
			log.Printf("Error seeding pool %s/%s: %v", eventID, tierID, err)
			continue
		}
		seeded++
	}

	log.Printf("Seeded %d capacity pools into Redis", seeded)
}

// Restore rebuilds tickets and active group-buy sessions missing from Redis.
// Meant to run in the background after SeedPools; a webhook arriving before
// its link is restored fails loudly and the gateway redelivers.
func (b *Bootstrap) Restore(ctx context.Context) {
	b.restoreTickets(ctx)
	b.restoreSessions(ctx)
}

func (b *Bootstrap) restoreTickets(ctx context.Context) {
	records, err := b.app.FindRecordsByFilter(
		"tickets",
		"status = 'issued' || status = 'verified'",
		"",
		0,
		0,
	)
	if err != nil {
		log.Printf("Error fetching tickets for restore: %v", err)
		return
	}

	restored := 0
	for _, r := range records {
		ticketID := r.GetString("ticket_id")
		if ticketID == "" {
			continue
		}
		exists, err := b.redis.Exists(ctx, ticketKey(ticketID)).Result()
		if err != nil || exists > 0 {
			continue
		}

		fields := map[string]any{
			"id":          ticketID,
			"event_id":    r.GetString("event_id"),
			"tier_id":     r.GetString("tier_id"),
			"owner_id":    r.GetString("owner_id"),
			"qr_code":     r.GetString("qr_code"),
			"backup_code": r.GetString("backup_code"),
			"status":      r.GetString("status"),
			"issued_at":   r.GetDateTime("issued_at").Time().Unix(),
		}
		if at := r.GetDateTime("verified_at"); !at.IsZero() {
			fields["verified_at"] = at.Time().Unix()
			fields["verified_by"] = r.GetString("verified_by")
		}

		pipe := b.redis.TxPipeline()
		pipe.HSet(ctx, ticketKey(ticketID), fields)
		pipe.Set(ctx, qrIndexKey(r.GetString("qr_code")), ticketID, 0)
		pipe.Set(ctx, backupIndexKey(r.GetString("event_id"), r.GetString("backup_code")), ticketID, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("Error restoring ticket %s: %v", ticketID, err)
			continue
		}
		restored++
	}

	if restored > 0 {
		log.Printf("Restored %d tickets into Redis", restored)
	}
}

func (b *Bootstrap) restoreSessions(ctx context.Context) {
	records, err := b.app.FindRecordsByFilter(
		"group_buy_sessions",
		"status = 'active'",
		"",
		0,
		0,
	)
	if err != nil {
		log.Printf("Error fetching group buy sessions for restore: %v", err)
		return
	}

	restored := 0
	for _, r := range records {
		sessionID := r.GetString("session_id")
		if sessionID == "" {
			continue
		}
		exists, err := b.redis.Exists(ctx, sessionKey(sessionID)).Result()
		if err != nil || exists > 0 {
			continue
		}
		if b.restoreSession(ctx, r) {
			restored++
		}
	}

	if restored > 0 {
		log.Printf("Restored %d active group buy sessions into Redis", restored)
	}
}

// restoreSession rebuilds the session hash, its payment links and the block
// reservation backing it. The whole write is one MULTI so a crash cannot
// leave a session half-restored.
func (b *Bootstrap) restoreSession(ctx context.Context, r *core.Record) bool {
	sessionID := r.GetString("session_id")
	eventID := r.GetString("event_id")
	tierID := r.GetString("tier_id")
	reservationID := r.GetString("reservation_id")
	target := r.GetInt("target")

	participants, err := b.app.FindRecordsByFilter(
		"group_buy_participants",
		"session_id = {:sessionId}",
		"created",
		0,
		0,
		map[string]any{"sessionId": sessionID},
	)
	if err != nil {
		log.Printf("Error fetching participants for session %s: %v", sessionID, err)
		return false
	}

	pipe := b.redis.TxPipeline()
	pipe.HSet(ctx, sessionKey(sessionID), map[string]any{
		"id":               sessionID,
		"event_id":         eventID,
		"tier_id":          tierID,
		"organizer_id":     r.GetString("organizer_id"),
		"organizer_phone":  r.GetString("organizer_phone"),
		"price_per_person": r.GetString("price_per_person"),
		"target":           target,
		"paid_count":       r.GetInt("paid_count"),
		"failed_count":     r.GetInt("failed_count"),
		"status":           r.GetString("status"),
		"reservation_id":   reservationID,
		"created_at":       r.GetDateTime("created").Time().Unix(),
		"expires_at":       r.GetDateTime("expires_at").Time().Unix(),
	})
	pipe.SAdd(ctx, groupBuyActiveKey, sessionID)

	// an active session has issued nothing yet, so its block hold is whole
	pipe.HSet(ctx, reservationKey(reservationID),
		"id", reservationID,
		"event_id", eventID,
		"tier_id", tierID,
		"quantity", target,
		"remaining", target,
		"created_at", r.GetDateTime("created").Time().Unix(),
	)
	pipe.HIncrBy(ctx, poolKey(eventID, tierID), "reserved", int64(target))

	for _, p := range participants {
		linkID := p.GetString("link_id")
		if linkID == "" {
			continue
		}
		fields := map[string]any{
			"status": p.GetString("status"),
			"amount": p.GetString("amount"),
		}
		if ref := p.GetString("reference"); ref != "" {
			fields["reference"] = ref
		}
		if at := p.GetDateTime("paid_at"); !at.IsZero() {
			fields["paid_at"] = at.Time().Unix()
		}
		pipe.Set(ctx, linkKey(linkID), sessionID, 0)
		pipe.HSet(ctx, participantKey(sessionID, linkID), fields)
		pipe.RPush(ctx, sessionLinksKey(sessionID), linkID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("Error restoring session %s: %v", sessionID, err)
		return false
	}
	return true
}
