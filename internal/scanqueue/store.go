// Package scanqueue is the scanner device's offline buffer. Scans that
// cannot reach the verification endpoint are parked in a local SQLite file
// and replayed in order once connectivity returns; a record leaves the file
// only after the server acknowledged it.
package scanqueue

import (
	"database/sql"
	"errors"
	"fmt"

	"tickethub/internal/status"
	"tickethub/models"

	"github.com/pocketbase/dbx"
	_ "modernc.org/sqlite"
)

const createScanRecords = `
CREATE TABLE IF NOT EXISTS scan_records (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ticket_ref TEXT NOT NULL,
	scanner_id TEXT NOT NULL,
	scanned_at TEXT NOT NULL,
	dedup_key  TEXT NOT NULL UNIQUE,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'pending'
)`

var scanRecordIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_scan_records_status ON scan_records (status, id)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_records_ref ON scan_records (ticket_ref)`,
}

// Store is the durable queue file. The autoincrement id is the FIFO order.
type Store struct {
	db *dbx.DB
}

// Open opens (or creates) the device's queue file.
func Open(path string) (*Store, error) {
	db, err := dbx.Open("sqlite", fmt.Sprintf("%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("open scan store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.NewQuery(createScanRecords).Execute(); err != nil {
		return fmt.Errorf("migrate scan store: %w", err)
	}
	for _, stmt := range scanRecordIndexes {
		if _, err := s.db.NewQuery(stmt).Execute(); err != nil {
			return fmt.Errorf("migrate scan store: %w", err)
		}
	}
	return nil
}

// Append stores one scan for replay. Appending the same dedup key twice is a
// no-op, so a double-tapped scan button cannot duplicate a record. If the
// ticket already has an escalated record the new scan joins it immediately:
// replaying it while an older scan of the same ticket is stuck would break
// the device's per-ticket order.
func (s *Store) Append(rec *models.ScanRecord) error {
	escalated, err := s.hasEscalatedRef(rec.TicketRef)
	if err != nil {
		return err
	}

	st := models.ScanPending
	if escalated {
		st = models.ScanEscalated
	}

	_, err = s.db.NewQuery(`
		INSERT INTO scan_records (ticket_ref, scanner_id, scanned_at, dedup_key, attempts, last_error, status)
		VALUES ({:ref}, {:scanner}, {:at}, {:dedup}, 0, '', {:status})
		ON CONFLICT(dedup_key) DO NOTHING
	`).Bind(dbx.Params{
		"ref":     rec.TicketRef,
		"scanner": rec.ScannerID,
		"at":      rec.ScannedAt,
		"dedup":   rec.DedupKey,
		"status":  string(st),
	}).Execute()
	if err != nil {
		return fmt.Errorf("append scan record: %w", err)
	}

	rec.Status = st
	if escalated {
		return status.ErrScanEscalated
	}
	return nil
}

// NextPending returns the oldest record still awaiting delivery, or nil when
// the queue is drained.
func (s *Store) NextPending() (*models.ScanRecord, error) {
	var rec models.ScanRecord
	err := s.db.NewQuery(`
		SELECT id, ticket_ref, scanner_id, scanned_at, dedup_key, attempts, last_error, status
		FROM scan_records
		WHERE status = 'pending'
		ORDER BY id
		LIMIT 1
	`).One(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending scan: %w", err)
	}
	return &rec, nil
}

// Ack deletes a record after the server acknowledged its delivery.
func (s *Store) Ack(id int64) error {
	if _, err := s.db.Delete("scan_records", dbx.HashExp{"id": id}).Execute(); err != nil {
		return fmt.Errorf("ack scan record: %w", err)
	}
	return nil
}

// MarkAttempt records one failed delivery try.
func (s *Store) MarkAttempt(id int64, lastError string) error {
	_, err := s.db.NewQuery(`
		UPDATE scan_records SET attempts = attempts + 1, last_error = {:err} WHERE id = {:id}
	`).Bind(dbx.Params{"err": lastError, "id": id}).Execute()
	if err != nil {
		return fmt.Errorf("mark scan attempt: %w", err)
	}
	return nil
}

// EscalateRef parks every pending record of one ticket for the operator.
// Escalating the whole ref keeps later scans of the same ticket from being
// replayed ahead of the stuck one.
func (s *Store) EscalateRef(ticketRef string) (int64, error) {
	res, err := s.db.NewQuery(`
		UPDATE scan_records SET status = 'escalated' WHERE ticket_ref = {:ref} AND status = 'pending'
	`).Bind(dbx.Params{"ref": ticketRef}).Execute()
	if err != nil {
		return 0, fmt.Errorf("escalate scan records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Escalated lists the records waiting on the operator, oldest first.
func (s *Store) Escalated() ([]models.ScanRecord, error) {
	var recs []models.ScanRecord
	err := s.db.NewQuery(`
		SELECT id, ticket_ref, scanner_id, scanned_at, dedup_key, attempts, last_error, status
		FROM scan_records
		WHERE status = 'escalated'
		ORDER BY id
	`).All(&recs)
	if err != nil {
		return nil, fmt.Errorf("list escalated scans: %w", err)
	}
	return recs, nil
}

// Resolve removes an escalated record after the operator handled it.
func (s *Store) Resolve(id int64) error {
	if _, err := s.db.Delete("scan_records", dbx.HashExp{"id": id}).Execute(); err != nil {
		return fmt.Errorf("resolve scan record: %w", err)
	}
	return nil
}

// Depth counts the records still awaiting delivery.
func (s *Store) Depth() (int, error) {
	var n int
	err := s.db.NewQuery(`SELECT COUNT(*) FROM scan_records WHERE status = 'pending'`).Row(&n)
	if err != nil {
		return 0, fmt.Errorf("scan queue depth: %w", err)
	}
	return n, nil
}

func (s *Store) hasEscalatedRef(ticketRef string) (bool, error) {
	var n int
	err := s.db.NewQuery(`
		SELECT COUNT(*) FROM scan_records WHERE ticket_ref = {:ref} AND status = 'escalated'
	`).Bind(dbx.Params{"ref": ticketRef}).Row(&n)
	if err != nil {
		return false, fmt.Errorf("check escalated ref: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
