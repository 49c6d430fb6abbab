package services

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"tickethub/config"
	"tickethub/internal/status"
	"tickethub/models"
	"tickethub/monitoring"

	"github.com/google/uuid"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// groupBuyPaymentScript settles one webhook delivery against a session.
// Deliveries are at-least-once, so a link that already reached a terminal
// status replies duplicate and touches nothing. The deadline is checked
// first: a session past expiresAt flips to expired here, and the payment is
// settled against the expired session. Exactly one delivery can observe
// completed_now or expired_now; that caller owns the follow-up work.
//
// Reply shape: {code, session_status, paid_count, failed_count, expired_now, target}
const groupBuyPaymentScript = `
local sstatus = redis.call('HGET', KEYS[1], 'status')
if not sstatus then
	return {'session_missing', '', 0, 0, 0, 0}
end
local target = tonumber(redis.call('HGET', KEYS[1], 'target') or '0')
local expired_now = 0
if sstatus == 'active' and tonumber(redis.call('HGET', KEYS[1], 'expires_at') or '0') < tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], 'status', 'expired')
	redis.call('SREM', KEYS[3], ARGV[5])
	redis.call('SADD', KEYS[4], ARGV[5])
	sstatus = 'expired'
	expired_now = 1
end
local pstatus = redis.call('HGET', KEYS[2], 'status')
if not pstatus then
	return {'link_missing', sstatus, tonumber(redis.call('HGET', KEYS[1], 'paid_count') or '0'), tonumber(redis.call('HGET', KEYS[1], 'failed_count') or '0'), expired_now, target}
end
if pstatus ~= 'pending' then
	return {'duplicate', sstatus, tonumber(redis.call('HGET', KEYS[1], 'paid_count') or '0'), tonumber(redis.call('HGET', KEYS[1], 'failed_count') or '0'), expired_now, target}
end
if sstatus ~= 'active' then
	redis.call('HSET', KEYS[2], 'status', 'failed', 'reference', ARGV[4])
	local failed = redis.call('HINCRBY', KEYS[1], 'failed_count', 1)
	local paid = tonumber(redis.call('HGET', KEYS[1], 'paid_count') or '0')
	if ARGV[1] == 'paid' then
		redis.call('HSET', KEYS[2], 'amount', ARGV[3])
		return {'refund_due', sstatus, paid, failed, expired_now, target}
	end
	return {'late_failed', sstatus, paid, failed, expired_now, target}
end
if ARGV[1] == 'failed' then
	redis.call('HSET', KEYS[2], 'status', 'failed', 'reference', ARGV[4])
	local failed = redis.call('HINCRBY', KEYS[1], 'failed_count', 1)
	local paid = tonumber(redis.call('HGET', KEYS[1], 'paid_count') or '0')
	return {'failed_recorded', sstatus, paid, failed, expired_now, target}
end
redis.call('HSET', KEYS[2], 'status', 'paid', 'reference', ARGV[4], 'amount', ARGV[3], 'paid_at', ARGV[2])
local paid = redis.call('HINCRBY', KEYS[1], 'paid_count', 1)
local failed = tonumber(redis.call('HGET', KEYS[1], 'failed_count') or '0')
if paid >= target then
	redis.call('HSET', KEYS[1], 'status', 'completed')
	redis.call('SREM', KEYS[3], ARGV[5])
	redis.call('SADD', KEYS[5], ARGV[5])
	return {'completed_now', 'completed', paid, failed, expired_now, target}
end
return {'paid_recorded', sstatus, paid, failed, expired_now, target}
`

// expireSessionScript moves an overdue session active->expired. Only one
// caller (sweeper, progress read or webhook) wins the transition.
const expireSessionScript = `
local sstatus = redis.call('HGET', KEYS[1], 'status')
if not sstatus then
	return {'session_missing'}
end
if sstatus ~= 'active' then
	return {'not_active', sstatus}
end
if tonumber(redis.call('HGET', KEYS[1], 'expires_at') or '0') >= tonumber(ARGV[1]) then
	return {'not_due'}
end
redis.call('HSET', KEYS[1], 'status', 'expired')
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
return {'expired_now'}
`

// expireParticipantScript fails one pending slot of an expired session.
// A webhook racing the sweeper settles first and this reports the terminal
// status it found instead.
const expireParticipantScript = `
local pstatus = redis.call('HGET', KEYS[1], 'status')
if not pstatus then
	return {'link_missing'}
end
if pstatus ~= 'pending' then
	return {'already_terminal', pstatus}
end
redis.call('HSET', KEYS[1], 'status', 'failed')
redis.call('HINCRBY', KEYS[2], 'failed_count', 1)
return {'failed_now'}
`

type GroupBuyService struct {
	Redis    *redis.Client
	pubnub   *pubnub.PubNub
	config   *config.Config
	capacity *CapacityService
	tickets  *TicketService
	archiver Archiver
	notifier Notifier
	monitor  *monitoring.Monitor

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewGroupBuyService(redisClient *redis.Client, pn *pubnub.PubNub, cfg *config.Config, capacity *CapacityService, tickets *TicketService, archiver Archiver, notifier Notifier, monitor *monitoring.Monitor) *GroupBuyService {
	return &GroupBuyService{
		Redis:    redisClient,
		pubnub:   pn,
		config:   cfg,
		capacity: capacity,
		tickets:  tickets,
		archiver: archiver,
		notifier: notifier,
		monitor:  monitor,
		stopChan: make(chan struct{}),
	}
}

type CreateGroupBuyParams struct {
	EventID            string
	TierID             string
	OrganizerID        string
	OrganizerPhone     string
	TargetParticipants int
	WindowHours        int
	PricePerPerson     decimal.Decimal
}

// Create opens a group-buy session: the full target quantity is reserved up
// front, and one single-use payment link is minted per slot. Link IDs are
// fresh UUIDs and are never reused across sessions.
func (s *GroupBuyService) Create(ctx context.Context, p CreateGroupBuyParams) (*models.GroupBuySession, []models.GroupBuyParticipant, error) {
	if p.TargetParticipants < models.MinGroupSize || p.TargetParticipants > models.MaxGroupSize {
		return nil, nil, status.ErrInvalidGroupSize
	}

	windowHours := p.WindowHours
	if windowHours <= 0 {
		windowHours = s.config.DefaultWindowHours
	}

	reservation, err := s.capacity.ReserveForSession(ctx, p.EventID, p.TierID, p.TargetParticipants)
	if err != nil {
		return nil, nil, err
	}

	sessionID := uuid.New().String()
	now := time.Now()
	expiresAt := now.Add(time.Duration(windowHours) * time.Hour)

	session := &models.GroupBuySession{
		ID:                 sessionID,
		EventID:            p.EventID,
		TierID:             p.TierID,
		OrganizerID:        p.OrganizerID,
		OrganizerPhone:     p.OrganizerPhone,
		PricePerPerson:     p.PricePerPerson,
		TargetParticipants: p.TargetParticipants,
		Status:             models.GroupBuyActive,
		ReservationID:      reservation.ID,
		CreatedAt:          now,
		ExpiresAt:          expiresAt,
	}

	participants := make([]models.GroupBuyParticipant, 0, p.TargetParticipants)
	_, err = s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(sessionID), map[string]any{
			"id":               sessionID,
			"event_id":         p.EventID,
			"tier_id":          p.TierID,
			"organizer_id":     p.OrganizerID,
			"organizer_phone":  p.OrganizerPhone,
			"price_per_person": p.PricePerPerson.String(),
			"target":           p.TargetParticipants,
			"paid_count":       0,
			"failed_count":     0,
			"status":           string(models.GroupBuyActive),
			"reservation_id":   reservation.ID,
			"created_at":       now.Unix(),
			"expires_at":       expiresAt.Unix(),
		})
		pipe.SAdd(ctx, groupBuyActiveKey, sessionID)

		for i := 0; i < p.TargetParticipants; i++ {
			linkID := uuid.New().String()
			participants = append(participants, models.GroupBuyParticipant{
				LinkID:    linkID,
				SessionID: sessionID,
				Status:    models.ParticipantPending,
				Amount:    p.PricePerPerson,
			})
			pipe.Set(ctx, linkKey(linkID), sessionID, 0)
			pipe.HSet(ctx, participantKey(sessionID, linkID), map[string]any{
				"status": string(models.ParticipantPending),
				"amount": p.PricePerPerson.String(),
			})
			pipe.RPush(ctx, sessionLinksKey(sessionID), linkID)
		}
		return nil
	})
	if err != nil {
		// the session never became visible, give the hold back
		if _, rerr := s.capacity.Release(ctx, reservation.ID); rerr != nil {
			slog.Error("release after failed group buy create", "session_id", sessionID, "error", rerr)
		}
		return nil, nil, fmt.Errorf("create group buy: %w", err)
	}

	s.monitor.TrackGroupBuy("created")
	s.archiveSession(session)
	for i := range participants {
		s.archiveParticipant(&participants[i])
	}

	if s.notifier != nil && p.OrganizerPhone != "" {
		go func() {
			msg := fmt.Sprintf("Group buy open: %d spots, closes %s. Share the payment links to fill them.",
				p.TargetParticipants, expiresAt.Format("Jan 2 15:04"))
			if err := s.notifier.Notify(context.Background(), p.OrganizerPhone, msg); err != nil {
				slog.Error("notify group buy created", "session_id", sessionID, "error", err)
			}
		}()
	}

	return session, participants, nil
}

// HandlePaymentOutcome settles one normalized gateway webhook. It is safe to
// call any number of times per link; only the first delivery per link counts.
func (s *GroupBuyService) HandlePaymentOutcome(ctx context.Context, o models.PaymentOutcome) (*models.GroupBuyProgress, error) {
	sessionID, err := s.Redis.Get(ctx, linkKey(o.LinkID)).Result()
	if err == redis.Nil {
		return nil, status.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("handle payment outcome: %w", err)
	}

	now := time.Now()
	res, err := s.Redis.Eval(ctx, groupBuyPaymentScript,
		[]string{
			sessionKey(sessionID),
			participantKey(sessionID, o.LinkID),
			groupBuyActiveKey,
			groupBuyExpiryPendingKey,
			groupBuyFanoutPendingKey,
		},
		string(o.Kind), now.Unix(), o.Amount.String(), o.Reference, sessionID,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("handle payment outcome: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 6 {
		return nil, fmt.Errorf("handle payment outcome: unexpected script reply %v", res)
	}

	code, _ := arr[0].(string)
	sessionStatus, _ := arr[1].(string)
	paid := asInt(arr[2])
	failed := asInt(arr[3])
	expiredNow := asInt(arr[4]) == 1
	target := asInt(arr[5])

	progress := &models.GroupBuyProgress{
		SessionID:   sessionID,
		Status:      models.GroupBuyStatus(sessionStatus),
		PaidCount:   paid,
		FailedCount: failed,
		Target:      target,
		ExpiredNow:  expiredNow,
	}

	switch code {
	case "session_missing":
		return nil, status.ErrSessionNotFound
	case "link_missing":
		return nil, status.ErrLinkNotFound

	case "duplicate":
		progress.Duplicate = true
		slog.Info("duplicate payment webhook", "session_id", sessionID, "link_id", o.LinkID)

	case "paid_recorded", "failed_recorded", "late_failed":
		s.mirrorParticipant(ctx, sessionID, o.LinkID)

	case "refund_due":
		progress.RefundDue = true
		s.mirrorParticipant(ctx, sessionID, o.LinkID)
		s.flagRefund(ctx, sessionID, o.LinkID, o.Amount, o.Reference, "payment landed after session closed")

	case "completed_now":
		progress.CompletedNow = true
		s.mirrorParticipant(ctx, sessionID, o.LinkID)
		s.completeSession(ctx, sessionID)

	default:
		return nil, fmt.Errorf("handle payment outcome: unexpected script code %q", code)
	}

	if expiredNow {
		s.finalizeExpiry(ctx, sessionID)
		progress.Status = models.GroupBuyExpired
	}

	s.publishProgress(sessionID, progress)

	return progress, nil
}

// Progress reads a session's state, applying the deadline lazily so a stale
// session reads as expired even before the sweeper reaches it.
func (s *GroupBuyService) Progress(ctx context.Context, sessionID string) (*models.GroupBuyProgress, error) {
	if expired, err := s.tryExpire(ctx, sessionID, time.Now()); err != nil {
		return nil, err
	} else if expired {
		s.finalizeExpiry(ctx, sessionID)
	}

	session, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &models.GroupBuyProgress{
		SessionID:   session.ID,
		Status:      session.Status,
		PaidCount:   session.PaidCount,
		FailedCount: session.FailedCount,
		Target:      session.TargetParticipants,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

// Session reads one session hash.
func (s *GroupBuyService) Session(ctx context.Context, sessionID string) (*models.GroupBuySession, error) {
	data, err := s.Redis.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if len(data) == 0 {
		return nil, status.ErrSessionNotFound
	}

	price, _ := decimal.NewFromString(data["price_per_person"])
	target, _ := strconv.Atoi(data["target"])
	paidCount, _ := strconv.Atoi(data["paid_count"])
	failedCount, _ := strconv.Atoi(data["failed_count"])
	createdAt, _ := strconv.ParseInt(data["created_at"], 10, 64)
	expiresAt, _ := strconv.ParseInt(data["expires_at"], 10, 64)

	return &models.GroupBuySession{
		ID:                 data["id"],
		EventID:            data["event_id"],
		TierID:             data["tier_id"],
		OrganizerID:        data["organizer_id"],
		OrganizerPhone:     data["organizer_phone"],
		PricePerPerson:     price,
		TargetParticipants: target,
		PaidCount:          paidCount,
		FailedCount:        failedCount,
		Status:             models.GroupBuyStatus(data["status"]),
		ReservationID:      data["reservation_id"],
		CreatedAt:          time.Unix(createdAt, 0),
		ExpiresAt:          time.Unix(expiresAt, 0),
	}, nil
}

// Participants lists a session's slots in creation order.
func (s *GroupBuyService) Participants(ctx context.Context, sessionID string) ([]models.GroupBuyParticipant, error) {
	linkIDs, err := s.Redis.LRange(ctx, sessionLinksKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("participants: %w", err)
	}

	out := make([]models.GroupBuyParticipant, 0, len(linkIDs))
	for _, linkID := range linkIDs {
		data, err := s.Redis.HGetAll(ctx, participantKey(sessionID, linkID)).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		out = append(out, participantFromHash(sessionID, linkID, data))
	}
	return out, nil
}

// StartSweeper launches the background expiry worker.
func (s *GroupBuyService) StartSweeper() {
	s.wg.Add(1)
	go s.sweeper()
}

func (s *GroupBuyService) sweeper() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.GroupBuySweepInterval)
	defer ticker.Stop()

	log.Println("Group buy sweeper started")

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(context.Background())
		case <-s.stopChan:
			log.Println("Group buy sweeper stopping")
			return
		}
	}
}

// SweepOnce runs one maintenance round: expire overdue sessions, finish any
// interrupted completion or expiry work, and free stale purchase holds.
func (s *GroupBuyService) SweepOnce(ctx context.Context) {
	expired := s.expireDueSessions(ctx)

	// pick up work a crashed process left behind
	if pending, err := s.Redis.SMembers(ctx, groupBuyFanoutPendingKey).Result(); err == nil {
		for _, sessionID := range pending {
			s.completeSession(ctx, sessionID)
		}
	}
	if pending, err := s.Redis.SMembers(ctx, groupBuyExpiryPendingKey).Result(); err == nil {
		for _, sessionID := range pending {
			s.finalizeExpiry(ctx, sessionID)
		}
	}

	stale := s.capacity.ReleaseStale(ctx)

	if expired > 0 || stale > 0 {
		log.Printf("Sweep finished: %d sessions expired, %d stale reservations released", expired, stale)
	}
}

// Shutdown stops the sweeper and waits for in-flight work.
func (s *GroupBuyService) Shutdown() {
	close(s.stopChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Group buy workers stopped")
	case <-time.After(30 * time.Second):
		log.Println("Timeout waiting for group buy workers to stop")
	}
}

func (s *GroupBuyService) expireDueSessions(ctx context.Context) int {
	sessionIDs, err := s.Redis.SMembers(ctx, groupBuyActiveKey).Result()
	if err != nil {
		slog.Error("list active group buys", "error", err)
		return 0
	}

	now := time.Now()
	expired := 0
	for _, sessionID := range sessionIDs {
		won, err := s.tryExpire(ctx, sessionID, now)
		if err != nil {
			slog.Error("expire group buy", "session_id", sessionID, "error", err)
			continue
		}
		if won {
			s.finalizeExpiry(ctx, sessionID)
			expired++
		}
	}
	return expired
}

// tryExpire attempts the active->expired transition. True means this caller
// won and owns the cleanup.
func (s *GroupBuyService) tryExpire(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	res, err := s.Redis.Eval(ctx, expireSessionScript,
		[]string{sessionKey(sessionID), groupBuyActiveKey, groupBuyExpiryPendingKey},
		now.Unix(), sessionID,
	).Result()
	if err != nil {
		return false, fmt.Errorf("try expire: %w", err)
	}

	switch scriptStatus(res) {
	case "expired_now":
		return true, nil
	case "not_active", "not_due":
		return false, nil
	case "session_missing":
		return false, status.ErrSessionNotFound
	default:
		return false, fmt.Errorf("try expire: unexpected script reply %v", res)
	}
}

// completeSession fans tickets out after the target was hit: one ticket per
// paid slot, drawn from the session's own reservation. Each slot records its
// ticket so an interrupted fan-out resumes without double-issuing, and the
// reservation itself caps the total at the session target.
func (s *GroupBuyService) completeSession(ctx context.Context, sessionID string) {
	session, err := s.Session(ctx, sessionID)
	if err != nil {
		slog.Error("load session for fan-out", "session_id", sessionID, "error", err)
		return
	}

	linkIDs, err := s.Redis.LRange(ctx, sessionLinksKey(sessionID), 0, -1).Result()
	if err != nil {
		slog.Error("list links for fan-out", "session_id", sessionID, "error", err)
		return
	}

	issued := 0
	for _, linkID := range linkIDs {
		pdata, err := s.Redis.HGetAll(ctx, participantKey(sessionID, linkID)).Result()
		if err != nil || pdata["status"] != string(models.ParticipantPaid) {
			continue
		}
		if pdata["ticket_id"] != "" {
			continue // already fanned out before a restart
		}

		// OwnerPhone stays empty: the organizer gets one summary message
		// below instead of an SMS per slot.
		ticket, err := s.tickets.Issue(ctx, IssueParams{
			EventID:       session.EventID,
			TierID:        session.TierID,
			OwnerID:       session.OrganizerID,
			ReservationID: session.ReservationID,
		})
		if err != nil {
			slog.Error("group buy fan-out issue", "session_id", sessionID, "link_id", linkID, "error", err)
			continue
		}

		s.Redis.HSet(ctx, participantKey(sessionID, linkID), "ticket_id", ticket.ID)
		issued++
	}

	s.Redis.SRem(ctx, groupBuyFanoutPendingKey, sessionID)
	s.monitor.TrackGroupBuy("completed")

	session.Status = models.GroupBuyCompleted
	s.archiveSession(session)
	s.mirrorPool(ctx, session.EventID, session.TierID)

	slog.Info("group buy completed", "session_id", sessionID, "tickets_issued", issued)

	if s.notifier != nil && session.OrganizerPhone != "" {
		go func() {
			msg := fmt.Sprintf("Your group buy is complete! %d tickets are on their way.", issued)
			if err := s.notifier.Notify(context.Background(), session.OrganizerPhone, msg); err != nil {
				slog.Error("notify group buy completed", "session_id", sessionID, "error", err)
			}
		}()
	}

	if s.pubnub != nil {
		s.pubnub.Publish().
			Channel(fmt.Sprintf("groupbuy-%s", sessionID)).
			Message(map[string]any{
				"type":       "group_buy_completed",
				"session_id": sessionID,
				"tickets":    issued,
			}).
			Execute()
	}
}

// finalizeExpiry settles an expired session: pending slots fail, the unused
// hold goes back to the pool and every paid slot gets a refund flag. Safe to
// re-run; each step checks what is already done.
func (s *GroupBuyService) finalizeExpiry(ctx context.Context, sessionID string) {
	session, err := s.Session(ctx, sessionID)
	if err != nil {
		slog.Error("load session for expiry", "session_id", sessionID, "error", err)
		return
	}

	linkIDs, err := s.Redis.LRange(ctx, sessionLinksKey(sessionID), 0, -1).Result()
	if err != nil {
		slog.Error("list links for expiry", "session_id", sessionID, "error", err)
		return
	}

	refunds := 0
	for _, linkID := range linkIDs {
		res, err := s.Redis.Eval(ctx, expireParticipantScript,
			[]string{participantKey(sessionID, linkID), sessionKey(sessionID)},
		).Result()
		if err != nil {
			slog.Error("fail pending participant", "session_id", sessionID, "link_id", linkID, "error", err)
			continue
		}

		arr, _ := res.([]interface{})
		code := scriptStatus(res)
		if code == "already_terminal" && len(arr) >= 2 {
			if prior, _ := arr[1].(string); prior == string(models.ParticipantPaid) {
				pdata, _ := s.Redis.HGetAll(ctx, participantKey(sessionID, linkID)).Result()
				amount, _ := decimal.NewFromString(pdata["amount"])
				s.flagRefund(ctx, sessionID, linkID, amount, pdata["reference"], "group buy expired below target")
				refunds++
			}
		}
		s.mirrorParticipant(ctx, sessionID, linkID)
	}

	released, err := s.capacity.Release(ctx, session.ReservationID)
	if err != nil {
		slog.Error("release expired group buy hold", "session_id", sessionID, "error", err)
	}

	s.Redis.SRem(ctx, groupBuyExpiryPendingKey, sessionID)
	s.monitor.TrackGroupBuy("expired")

	// re-read for the settled counters
	if settled, err := s.Session(ctx, sessionID); err == nil {
		s.archiveSession(settled)
	}
	s.mirrorPool(ctx, session.EventID, session.TierID)

	slog.Info("group buy expired", "session_id", sessionID, "released", released, "refunds", refunds)

	if s.notifier != nil && session.OrganizerPhone != "" {
		go func() {
			msg := fmt.Sprintf("Your group buy closed below target (%d of %d paid). Paid members will be refunded.",
				session.PaidCount, session.TargetParticipants)
			if err := s.notifier.Notify(context.Background(), session.OrganizerPhone, msg); err != nil {
				slog.Error("notify group buy expired", "session_id", sessionID, "error", err)
			}
		}()
	}

	if s.pubnub != nil {
		s.pubnub.Publish().
			Channel(fmt.Sprintf("groupbuy-%s", sessionID)).
			Message(map[string]any{
				"type":       "group_buy_expired",
				"session_id": sessionID,
			}).
			Execute()
	}
}

// flagRefund writes a pending refund row for an external executor. The flag
// is guarded per link so retries and races cannot double-refund.
func (s *GroupBuyService) flagRefund(ctx context.Context, sessionID, linkID string, amount decimal.Decimal, reference, reason string) {
	fresh, err := s.Redis.HSetNX(ctx, participantKey(sessionID, linkID), "refund_flagged", 1).Result()
	if err != nil {
		slog.Error("flag refund", "session_id", sessionID, "link_id", linkID, "error", err)
		return
	}
	if !fresh {
		return
	}

	if s.archiver != nil {
		refund := &models.Refund{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			LinkID:    linkID,
			Amount:    amount,
			Reference: reference,
			Reason:    reason,
			Status:    "pending",
			CreatedAt: time.Now(),
		}
		if err := s.archiver.SaveRefund(context.Background(), refund); err != nil {
			slog.Error("archive refund", "session_id", sessionID, "link_id", linkID, "error", err)
		}
	}

	slog.Info("refund flagged", "session_id", sessionID, "link_id", linkID, "amount", amount, "reason", reason)
}

func (s *GroupBuyService) publishProgress(sessionID string, progress *models.GroupBuyProgress) {
	if s.pubnub == nil {
		return
	}
	s.pubnub.Publish().
		Channel(fmt.Sprintf("groupbuy-%s", sessionID)).
		Message(map[string]any{
			"type":         "group_buy_progress",
			"status":       string(progress.Status),
			"paid_count":   progress.PaidCount,
			"failed_count": progress.FailedCount,
			"target":       progress.Target,
		}).
		Execute()
}

func (s *GroupBuyService) archiveSession(session *models.GroupBuySession) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.SaveSession(context.Background(), session); err != nil {
		slog.Error("archive session", "session_id", session.ID, "error", err)
	}
}

func (s *GroupBuyService) archiveParticipant(p *models.GroupBuyParticipant) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.SaveParticipant(context.Background(), p); err != nil {
		slog.Error("archive participant", "session_id", p.SessionID, "link_id", p.LinkID, "error", err)
	}
}

func (s *GroupBuyService) mirrorParticipant(ctx context.Context, sessionID, linkID string) {
	if s.archiver == nil {
		return
	}
	data, err := s.Redis.HGetAll(ctx, participantKey(sessionID, linkID)).Result()
	if err != nil || len(data) == 0 {
		return
	}
	p := participantFromHash(sessionID, linkID, data)
	s.archiveParticipant(&p)
}

func (s *GroupBuyService) mirrorPool(ctx context.Context, eventID, tierID string) {
	if s.archiver == nil {
		return
	}
	pool, err := s.capacity.Pool(ctx, eventID, tierID)
	if err != nil {
		return
	}
	if err := s.archiver.SavePool(context.Background(), pool); err != nil {
		slog.Error("archive pool", "event_id", eventID, "tier_id", tierID, "error", err)
	}
}

func participantFromHash(sessionID, linkID string, data map[string]string) models.GroupBuyParticipant {
	amount, _ := decimal.NewFromString(data["amount"])
	p := models.GroupBuyParticipant{
		LinkID:    linkID,
		SessionID: sessionID,
		Status:    models.ParticipantStatus(data["status"]),
		Amount:    amount,
		Reference: data["reference"],
	}
	if raw, ok := data["paid_at"]; ok && raw != "" {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			at := time.Unix(unix, 0)
			p.PaidAt = &at
		}
	}
	return p
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
