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
	"tickethub/monitoring"
	"tickethub/utils"

	"github.com/google/uuid"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
)

// issueTicketScript mints one ticket: it claims both code indexes, consumes
// one reservation unit, moves the unit reserved->sold and writes the ticket
// hash, all in one step. Collisions come back as qr_taken / backup_taken so
// the caller can retry with fresh codes.
const issueTicketScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return {'qr_taken'}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return {'backup_taken'}
end
local remaining = tonumber(redis.call('HGET', KEYS[3], 'remaining') or '-1')
if remaining < 1 then
	return {'no_reservation'}
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[4], 'reserved', -1)
redis.call('HINCRBY', KEYS[4], 'sold', 1)
redis.call('HSET', KEYS[5], 'id', ARGV[1], 'event_id', ARGV[2], 'tier_id', ARGV[3], 'owner_id', ARGV[4], 'owner_phone', ARGV[9], 'qr_code', ARGV[5], 'backup_code', ARGV[6], 'status', 'issued', 'issued_at', ARGV[7])
if remaining == 1 then
	redis.call('DEL', KEYS[3])
	redis.call('SREM', KEYS[6], ARGV[8])
else
	redis.call('HINCRBY', KEYS[3], 'remaining', -1)
end
return {'ok'}
`

// voidTicketScript cancels an issued ticket and gives the unit back to the
// pool. Verified tickets stay verified; their holder is already inside.
const voidTicketScript = `
local stat = redis.call('HGET', KEYS[1], 'status')
if not stat then
	return {'not_found'}
end
if stat ~= 'issued' then
	return {'not_voidable', stat}
end
redis.call('HSET', KEYS[1], 'status', 'void')
redis.call('HINCRBY', KEYS[2], 'sold', -1)
return {'ok'}
`

type TicketService struct {
	Redis    *redis.Client
	pubnub   *pubnub.PubNub
	config   *config.Config
	archiver Archiver
	notifier Notifier
	monitor  *monitoring.Monitor
}

func NewTicketService(redisClient *redis.Client, pn *pubnub.PubNub, cfg *config.Config, archiver Archiver, notifier Notifier, monitor *monitoring.Monitor) *TicketService {
	return &TicketService{
		Redis:    redisClient,
		pubnub:   pn,
		config:   cfg,
		archiver: archiver,
		notifier: notifier,
		monitor:  monitor,
	}
}

type IssueParams struct {
	EventID       string
	TierID        string
	OwnerID       string
	OwnerPhone    string
	ReservationID string
}

// Issue mints one ticket against a reservation. A bulk purchase is this call
// repeated against the same reservation until it runs dry.
func (s *TicketService) Issue(ctx context.Context, p IssueParams) (*models.Ticket, error) {
	qr, err := utils.GenerateQRCode()
	if err != nil {
		return nil, fmt.Errorf("issue: %w", err)
	}
	backup, err := utils.GenerateBackupCode()
	if err != nil {
		return nil, fmt.Errorf("issue: %w", err)
	}

	ticketID := uuid.New().String()
	now := time.Now()
	qrAttempts, backupAttempts := 1, 1

	for {
		res, err := s.Redis.Eval(ctx, issueTicketScript,
			[]string{
				qrIndexKey(qr),
				backupIndexKey(p.EventID, backup),
				reservationKey(p.ReservationID),
				poolKey(p.EventID, p.TierID),
				ticketKey(ticketID),
				reservationActiveKey,
			},
			ticketID, p.EventID, p.TierID, p.OwnerID, qr, backup, now.Unix(), p.ReservationID, p.OwnerPhone,
		).Result()
		if err != nil {
			return nil, fmt.Errorf("issue: %w", err)
		}

		switch scriptStatus(res) {
		case "ok":
			ticket := &models.Ticket{
				ID:         ticketID,
				EventID:    p.EventID,
				TierID:     p.TierID,
				OwnerID:    p.OwnerID,
				QRCode:     qr,
				BackupCode: backup,
				Status:     models.TicketIssued,
				IssuedAt:   now,
			}
			s.afterIssue(ticket, p.OwnerPhone)
			return ticket, nil

		case "qr_taken":
			qrAttempts++
			if qrAttempts > s.config.MaxQRAttempts {
				slog.Error("qr code space exhausted", "event_id", p.EventID, "attempts", qrAttempts-1)
				s.monitor.TrackIssuance(p.EventID, "code_exhausted")
				return nil, status.ErrCodeGenerationExhausted
			}
			if qr, err = utils.GenerateQRCode(); err != nil {
				return nil, fmt.Errorf("issue: %w", err)
			}

		case "backup_taken":
			backupAttempts++
			if backupAttempts > s.config.MaxBackupAttempts {
				slog.Error("backup code space exhausted", "event_id", p.EventID, "attempts", backupAttempts-1)
				s.monitor.TrackIssuance(p.EventID, "code_exhausted")
				return nil, status.ErrCodeGenerationExhausted
			}
			if backup, err = utils.GenerateBackupCode(); err != nil {
				return nil, fmt.Errorf("issue: %w", err)
			}

		case "no_reservation":
			return nil, status.ErrCapacityExhausted

		default:
			return nil, fmt.Errorf("issue: unexpected script reply %v", res)
		}
	}
}

func (s *TicketService) afterIssue(t *models.Ticket, phone string) {
	s.monitor.TrackIssuance(t.EventID, "issued")

	if s.archiver != nil {
		if err := s.archiver.SaveTicket(context.Background(), t); err != nil {
			slog.Error("archive ticket", "ticket_id", t.ID, "error", err)
		}
	}

	if s.notifier != nil && phone != "" {
		go func() {
			msg := fmt.Sprintf("Your ticket is confirmed. Show the QR at the gate, or read out backup code %s.", t.BackupCode)
			if err := s.notifier.Notify(context.Background(), phone, msg); err != nil {
				slog.Error("notify ticket issued", "ticket_id", t.ID, "error", err)
			}
		}()
	}

	if s.pubnub != nil {
		s.pubnub.Publish().
			Channel(fmt.Sprintf("event-%s", t.EventID)).
			Message(map[string]any{
				"type":      "ticket_issued",
				"ticket_id": t.ID,
				"tier_id":   t.TierID,
			}).
			Execute()
	}
}

// Get reads one ticket from Redis.
func (s *TicketService) Get(ctx context.Context, ticketID string) (*models.Ticket, error) {
	data, err := s.Redis.HGetAll(ctx, ticketKey(ticketID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	if len(data) == 0 {
		return nil, status.ErrTicketNotFound
	}
	return ticketFromHash(data), nil
}

// Void cancels an issued ticket on behalf of the organizer and returns the
// seat to the pool. The codes stay indexed so a void ticket scans as invalid
// instead of unknown.
func (s *TicketService) Void(ctx context.Context, ticketID string) (*models.Ticket, error) {
	data, err := s.Redis.HGetAll(ctx, ticketKey(ticketID)).Result()
	if err != nil {
		return nil, fmt.Errorf("void: %w", err)
	}
	if len(data) == 0 {
		return nil, status.ErrTicketNotFound
	}
	ticket := ticketFromHash(data)
	phone := data["owner_phone"]

	res, err := s.Redis.Eval(ctx, voidTicketScript,
		[]string{ticketKey(ticketID), poolKey(ticket.EventID, ticket.TierID)},
	).Result()
	if err != nil {
		return nil, fmt.Errorf("void: %w", err)
	}

	switch scriptStatus(res) {
	case "ok":
	case "not_found":
		return nil, status.ErrTicketNotFound
	case "not_voidable":
		return nil, status.ErrTicketNotVoidable
	default:
		return nil, fmt.Errorf("void: unexpected script reply %v", res)
	}

	ticket.Status = models.TicketVoid
	s.monitor.TrackIssuance(ticket.EventID, "voided")

	if s.archiver != nil {
		if err := s.archiver.SaveTicket(context.Background(), ticket); err != nil {
			slog.Error("archive void ticket", "ticket_id", ticket.ID, "error", err)
		}
	}

	if s.notifier != nil && phone != "" {
		go func() {
			if err := s.notifier.Notify(context.Background(), phone, "Your ticket was cancelled by the organizer. The amount will be refunded."); err != nil {
				slog.Error("notify ticket void", "ticket_id", ticket.ID, "error", err)
			}
		}()
	}

	return ticket, nil
}

func ticketFromHash(data map[string]string) *models.Ticket {
	issuedAt, _ := strconv.ParseInt(data["issued_at"], 10, 64)

	t := &models.Ticket{
		ID:         data["id"],
		EventID:    data["event_id"],
		TierID:     data["tier_id"],
		OwnerID:    data["owner_id"],
		QRCode:     data["qr_code"],
		BackupCode: data["backup_code"],
		Status:     models.TicketStatus(data["status"]),
		IssuedAt:   time.Unix(issuedAt, 0),
	}

	if raw, ok := data["verified_at"]; ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			at := time.Unix(unix, 0)
			t.VerifiedAt = &at
		}
	}
	t.VerifiedBy = data["verified_by"]

	return t
}
