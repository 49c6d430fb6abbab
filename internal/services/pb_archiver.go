package services

import (
	"context"
	"fmt"

	"tickethub/models"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
)

// PBArchiver mirrors runtime state into PocketBase collections. Each save is
// an upsert keyed on the domain id field, so re-mirroring after a retry or a
// sweeper resume never duplicates rows.
type PBArchiver struct {
	app *pocketbase.PocketBase
}

func NewPBArchiver(app *pocketbase.PocketBase) *PBArchiver {
	return &PBArchiver{app: app}
}

func (a *PBArchiver) upsert(collection, idField, idValue string) (*core.Record, error) {
	records, err := a.app.FindRecordsByFilter(
		collection,
		fmt.Sprintf("%s = {:id}", idField),
		"",
		1,
		0,
		map[string]any{"id": idValue},
	)
	if err == nil && len(records) > 0 {
		return records[0], nil
	}

	col, err := a.app.FindCollectionByNameOrId(collection)
	if err != nil {
		return nil, fmt.Errorf("find collection %s: %w", collection, err)
	}
	record := core.NewRecord(col)
	record.Set(idField, idValue)
	return record, nil
}

// SaveTicket upserts a ticket mirror row. Verification updates carry no code
// fields, so empty values never overwrite what issuance already mirrored.
func (a *PBArchiver) SaveTicket(ctx context.Context, t *models.Ticket) error {
	record, err := a.upsert("tickets", "ticket_id", t.ID)
	if err != nil {
		return err
	}

	record.Set("event_id", t.EventID)
	record.Set("tier_id", t.TierID)
	record.Set("status", string(t.Status))
	if t.OwnerID != "" {
		record.Set("owner_id", t.OwnerID)
	}
	if t.QRCode != "" {
		record.Set("qr_code", t.QRCode)
	}
	if t.BackupCode != "" {
		record.Set("backup_code", t.BackupCode)
	}
	if !t.IssuedAt.IsZero() {
		record.Set("issued_at", t.IssuedAt)
	}
	if t.VerifiedAt != nil {
		record.Set("verified_at", *t.VerifiedAt)
		record.Set("verified_by", t.VerifiedBy)
	}

	return a.app.SaveWithContext(ctx, record)
}

// SaveScan appends one gate decision to the audit trail.
func (a *PBArchiver) SaveScan(ctx context.Context, h *models.ScanHistory) error {
	col, err := a.app.FindCollectionByNameOrId("scan_history")
	if err != nil {
		return fmt.Errorf("find collection scan_history: %w", err)
	}

	record := core.NewRecord(col)
	record.Set("scan_id", h.ID)
	record.Set("ticket_id", h.TicketID)
	record.Set("scanner_id", h.ScannerID)
	record.Set("outcome", string(h.Outcome))
	record.Set("scanned_at", h.ScannedAt)
	record.Set("dedup_key", h.DedupKey)

	return a.app.SaveWithContext(ctx, record)
}

func (a *PBArchiver) SaveSession(ctx context.Context, s *models.GroupBuySession) error {
	record, err := a.upsert("group_buy_sessions", "session_id", s.ID)
	if err != nil {
		return err
	}

	record.Set("event_id", s.EventID)
	record.Set("tier_id", s.TierID)
	record.Set("organizer_id", s.OrganizerID)
	record.Set("organizer_phone", s.OrganizerPhone)
	record.Set("price_per_person", s.PricePerPerson.String())
	record.Set("target", s.TargetParticipants)
	record.Set("paid_count", s.PaidCount)
	record.Set("failed_count", s.FailedCount)
	record.Set("status", string(s.Status))
	record.Set("reservation_id", s.ReservationID)
	record.Set("expires_at", s.ExpiresAt)

	return a.app.SaveWithContext(ctx, record)
}

func (a *PBArchiver) SaveParticipant(ctx context.Context, p *models.GroupBuyParticipant) error {
	record, err := a.upsert("group_buy_participants", "link_id", p.LinkID)
	if err != nil {
		return err
	}

	record.Set("session_id", p.SessionID)
	record.Set("status", string(p.Status))
	record.Set("amount", p.Amount.String())
	if p.Reference != "" {
		record.Set("reference", p.Reference)
	}
	if p.PaidAt != nil {
		record.Set("paid_at", *p.PaidAt)
	}

	return a.app.SaveWithContext(ctx, record)
}

func (a *PBArchiver) SaveRefund(ctx context.Context, r *models.Refund) error {
	record, err := a.upsert("refunds", "refund_id", r.ID)
	if err != nil {
		return err
	}

	record.Set("session_id", r.SessionID)
	record.Set("link_id", r.LinkID)
	record.Set("amount", r.Amount.String())
	record.Set("reference", r.Reference)
	record.Set("reason", r.Reason)
	record.Set("status", r.Status)

	return a.app.SaveWithContext(ctx, record)
}

// SavePool writes the sold counter back onto the tier record.
func (a *PBArchiver) SavePool(ctx context.Context, p *models.CapacityPool) error {
	record, err := a.app.FindRecordById("tiers", p.TierID)
	if err != nil {
		return fmt.Errorf("find tier %s: %w", p.TierID, err)
	}

	record.Set("sold", p.Sold)

	return a.app.SaveWithContext(ctx, record)
}
