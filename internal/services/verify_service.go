package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"tickethub/models"
	"tickethub/monitoring"

	"github.com/google/uuid"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
)

// verifyTicketScript is the single compare-and-set a ticket ever goes
// through at the gate. Exactly one concurrent scanner can move a ticket
// issued->verified; everyone else gets the recorded first admission back.
const verifyTicketScript = `
local stat = redis.call('HGET', KEYS[1], 'status')
if not stat then
	return {'not_found'}
end
if stat == 'issued' then
	redis.call('HSET', KEYS[1], 'status', 'verified', 'verified_at', ARGV[2], 'verified_by', ARGV[1])
	return {'valid'}
end
if stat == 'verified' then
	return {'already_used', redis.call('HGET', KEYS[1], 'verified_at'), redis.call('HGET', KEYS[1], 'verified_by')}
end
return {'invalid'}
`

const scanDedupTTL = 7 * 24 * time.Hour

type VerifyService struct {
	Redis    *redis.Client
	pubnub   *pubnub.PubNub
	archiver Archiver
	monitor  *monitoring.Monitor
}

func NewVerifyService(redisClient *redis.Client, pn *pubnub.PubNub, archiver Archiver, monitor *monitoring.Monitor) *VerifyService {
	return &VerifyService{
		Redis:    redisClient,
		pubnub:   pn,
		archiver: archiver,
		monitor:  monitor,
	}
}

type VerifyParams struct {
	EventID   string
	Code      string // QR payload or 6-digit backup code
	ScannerID string
	ScannedAt time.Time
	DedupKey  string
}

// Verify decides whether a scanned code admits its holder. Every outcome is
// a verdict, not an error: duplicate scans and offline replays land on
// already_used, unknown codes on not_found. Errors are transport only.
func (s *VerifyService) Verify(ctx context.Context, p VerifyParams) (*models.VerificationResult, error) {
	if p.ScannedAt.IsZero() {
		p.ScannedAt = time.Now()
	}

	ticketID, err := s.resolveCode(ctx, p.EventID, p.Code)
	if err != nil {
		return nil, err
	}
	if ticketID == "" {
		result := &models.VerificationResult{Verdict: models.VerdictNotFound}
		s.recordScan(ctx, "", p, models.VerdictNotFound)
		s.monitor.TrackVerification(p.EventID, string(models.VerdictNotFound))
		return result, nil
	}

	res, err := s.Redis.Eval(ctx, verifyTicketScript,
		[]string{ticketKey(ticketID)},
		p.ScannerID, p.ScannedAt.Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("verify: unexpected script reply %v", res)
	}
	code, _ := arr[0].(string)

	result := &models.VerificationResult{TicketID: ticketID}

	switch code {
	case "valid":
		at := p.ScannedAt
		result.Verdict = models.VerdictValid
		result.VerifiedAt = &at
		result.VerifiedBy = p.ScannerID

	case "already_used":
		result.Verdict = models.VerdictAlreadyUsed
		// hand the gate the first admission so staff can see when and where
		if len(arr) >= 3 {
			if raw, ok := arr[1].(string); ok {
				if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
					at := time.Unix(unix, 0)
					result.VerifiedAt = &at
				}
			}
			result.VerifiedBy, _ = arr[2].(string)
		}

	case "invalid":
		result.Verdict = models.VerdictInvalid

	case "not_found":
		// index pointed at a ticket that no longer exists
		result.Verdict = models.VerdictNotFound
		result.TicketID = ""

	default:
		return nil, fmt.Errorf("verify: unexpected script reply %v", res)
	}

	if result.Verdict == models.VerdictValid || result.Verdict == models.VerdictAlreadyUsed {
		if data, err := s.Redis.HGetAll(ctx, ticketKey(ticketID)).Result(); err == nil {
			result.OwnerID = data["owner_id"]
			result.TierID = data["tier_id"]
		}
	}

	if result.Verdict == models.VerdictValid && s.archiver != nil {
		if err := s.archiver.SaveTicket(context.Background(), &models.Ticket{
			ID:         ticketID,
			EventID:    p.EventID,
			TierID:     result.TierID,
			OwnerID:    result.OwnerID,
			Status:     models.TicketVerified,
			VerifiedAt: result.VerifiedAt,
			VerifiedBy: p.ScannerID,
		}); err != nil {
			slog.Error("archive verified ticket", "ticket_id", ticketID, "error", err)
		}
	}

	s.recordScan(ctx, ticketID, p, result.Verdict)
	s.publishGate(p.EventID, result, p.ScannerID)
	s.monitor.TrackVerification(p.EventID, string(result.Verdict))

	return result, nil
}

func (s *VerifyService) resolveCode(ctx context.Context, eventID, code string) (string, error) {
	key := qrIndexKey(code)
	if isBackupCode(code) {
		key = backupIndexKey(eventID, code)
	}

	ticketID, err := s.Redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve code: %w", err)
	}
	return ticketID, nil
}

// isBackupCode reports whether code looks like a 6-digit gate fallback code.
// QR payloads carry a TKT-QR prefix so the two can never be confused.
func isBackupCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// recordScan appends the gate decision to the audit trail. Offline replays
// reuse their device dedup key, so a record lands at most once.
func (s *VerifyService) recordScan(ctx context.Context, ticketID string, p VerifyParams, verdict models.Verdict) {
	if s.archiver == nil {
		return
	}

	if p.DedupKey != "" {
		fresh, err := s.Redis.SetNX(ctx, scanDedupKey(p.DedupKey), 1, scanDedupTTL).Result()
		if err != nil {
			slog.Error("scan dedup check", "dedup_key", p.DedupKey, "error", err)
			return
		}
		if !fresh {
			return
		}
	}

	history := &models.ScanHistory{
		ID:        uuid.New().String(),
		TicketID:  ticketID,
		ScannerID: p.ScannerID,
		Outcome:   verdict,
		ScannedAt: p.ScannedAt,
		DedupKey:  p.DedupKey,
	}
	if err := s.archiver.SaveScan(context.Background(), history); err != nil {
		slog.Error("archive scan", "ticket_id", ticketID, "error", err)
	}
}

func (s *VerifyService) publishGate(eventID string, result *models.VerificationResult, scannerID string) {
	if s.pubnub == nil {
		return
	}
	s.pubnub.Publish().
		Channel(fmt.Sprintf("gate-%s", eventID)).
		Message(map[string]any{
			"type":       "scan",
			"verdict":    string(result.Verdict),
			"ticket_id":  result.TicketID,
			"scanner_id": scannerID,
		}).
		Execute()
}
