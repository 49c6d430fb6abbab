package scanqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tickethub/internal/status"
	"tickethub/models"
	"tickethub/monitoring"

	"github.com/google/uuid"
)

// Verifier delivers one scan to the verification endpoint. Any ScanAck means
// the server recorded a decision; an error means the scan was not delivered
// and must be retried.
type Verifier interface {
	Verify(ctx context.Context, req models.ScanRequest) (*models.ScanAck, error)
}

// Options tunes the drain worker.
type Options struct {
	MaxAttempts    int           // delivery tries per record before escalation
	InitialBackoff time.Duration // first retry delay, doubled up to MaxBackoff
	MaxBackoff     time.Duration
	IdlePoll       time.Duration // re-check interval while the queue is empty

	// OnEscalated is called once per record handed to the operator.
	OnEscalated func(rec *models.ScanRecord)
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Minute
	}
	if o.IdlePoll <= 0 {
		o.IdlePoll = 5 * time.Second
	}
}

// Queue ties a device's durable store to a Verifier. A single drain goroutine
// replays records strictly in append order, so two scans of the same ticket
// can never reach the server reversed.
type Queue struct {
	store     *Store
	verifier  Verifier
	scannerID string
	opts      Options

	kick     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewQueue(store *Store, verifier Verifier, scannerID string, opts Options) *Queue {
	opts.setDefaults()
	return &Queue{
		store:     store,
		verifier:  verifier,
		scannerID: scannerID,
		opts:      opts,
		kick:      make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the drain worker.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.drain(ctx)
}

// Scan attempts a live verification and falls back to the offline queue when
// the endpoint is unreachable. The bool reports whether the scan was queued.
func (q *Queue) Scan(ctx context.Context, req models.ScanRequest) (*models.ScanAck, bool, error) {
	ack, err := q.verifier.Verify(ctx, req)
	if err == nil {
		return ack, false, nil
	}

	slog.Warn("live scan failed, queueing", "code", req.Code, "error", err)
	if qerr := q.Enqueue(req); qerr != nil {
		return nil, false, qerr
	}
	return nil, true, nil
}

// Enqueue appends one scan to the durable queue and nudges the worker.
// Returns status.ErrScanEscalated when the ticket already has a record
// waiting on the operator; the scan is still stored.
func (q *Queue) Enqueue(req models.ScanRequest) error {
	select {
	case <-q.stopChan:
		return status.ErrQueueClosed
	default:
	}

	if req.DedupKey == "" {
		req.DedupKey = uuid.NewString()
	}
	if req.ScannerID == "" {
		req.ScannerID = q.scannerID
	}

	rec := &models.ScanRecord{
		TicketRef: req.Code,
		ScannerID: req.ScannerID,
		ScannedAt: req.ScannedAt.UTC().Format(time.RFC3339),
		DedupKey:  req.DedupKey,
	}

	err := q.store.Append(rec)
	q.updateDepth()

	switch err {
	case nil:
		q.Notify()
		return nil
	case status.ErrScanEscalated:
		monitoring.TrackScanEscalation(q.scannerID)
		return err
	default:
		return err
	}
}

// Notify wakes the drain worker without waiting for the idle poll.
func (q *Queue) Notify() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Escalated lists the records waiting on the operator.
func (q *Queue) Escalated() ([]models.ScanRecord, error) {
	return q.store.Escalated()
}

// Resolve clears one escalated record after the operator handled it.
func (q *Queue) Resolve(id int64) error {
	if err := q.store.Resolve(id); err != nil {
		return err
	}
	q.updateDepth()
	return nil
}

// Shutdown stops the drain worker. Undelivered records stay in the store and
// resume on the next Start.
func (q *Queue) Shutdown() {
	q.stopOnce.Do(func() {
		close(q.stopChan)
	})
	q.wg.Wait()
}

func (q *Queue) drain(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopChan:
			return
		default:
		}

		rec, err := q.store.NextPending()
		if err != nil {
			slog.Error("read scan queue", "error", err)
			if !q.sleep(ctx, q.opts.IdlePoll) {
				return
			}
			continue
		}

		if rec == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.stopChan:
				return
			case <-q.kick:
			case <-time.After(q.opts.IdlePoll):
			}
			continue
		}

		if !q.submit(ctx, rec) {
			return
		}
	}
}

// submit replays one record until the server acknowledges it or the attempt
// budget runs out. Returns false when the worker should exit.
func (q *Queue) submit(ctx context.Context, rec *models.ScanRecord) bool {
	scannedAt, err := time.Parse(time.RFC3339, rec.ScannedAt)
	if err != nil {
		scannedAt = time.Now().UTC()
	}

	req := models.ScanRequest{
		Code:      rec.TicketRef,
		ScannerID: rec.ScannerID,
		ScannedAt: scannedAt,
		DedupKey:  rec.DedupKey,
	}

	attempts := rec.Attempts
	backOff := q.opts.InitialBackoff

Retry:
	for {
		ack, err := q.verifier.Verify(ctx, req)
		switch err {
		case nil:
			if aerr := q.store.Ack(rec.ID); aerr != nil {
				slog.Error("ack scan record", "id", rec.ID, "error", aerr)
			}
			slog.Info("offline scan replayed",
				"ticket_ref", rec.TicketRef,
				"verdict", ack.Verdict,
				"attempts", attempts+1,
			)
			break Retry

		default:
			attempts++
			if merr := q.store.MarkAttempt(rec.ID, err.Error()); merr != nil {
				slog.Error("mark scan attempt", "id", rec.ID, "error", merr)
			}

			if attempts >= q.opts.MaxAttempts {
				rec.Attempts = attempts
				q.escalate(rec, err)
				break Retry
			}

			slog.Warn("scan replay failed, backing off",
				"ticket_ref", rec.TicketRef,
				"attempt", attempts,
				"backoff", backOff.String(),
				"error", err,
			)

			select {
			case <-ctx.Done():
				return false
			case <-q.stopChan:
				return false
			case <-time.After(backOff):
			}

			if backOff < q.opts.MaxBackoff {
				backOff *= 2
				if backOff > q.opts.MaxBackoff {
					backOff = q.opts.MaxBackoff
				}
			}
		}
	}

	q.updateDepth()
	return true
}

func (q *Queue) escalate(rec *models.ScanRecord, cause error) {
	n, err := q.store.EscalateRef(rec.TicketRef)
	if err != nil {
		slog.Error("escalate scan records", "ticket_ref", rec.TicketRef, "error", err)
		return
	}

	slog.Error("scan escalated to operator",
		"ticket_ref", rec.TicketRef,
		"records", n,
		"attempts", rec.Attempts,
		"error", cause,
	)
	monitoring.TrackScanEscalation(rec.ScannerID)

	if q.opts.OnEscalated != nil {
		q.opts.OnEscalated(rec)
	}
}

func (q *Queue) updateDepth() {
	depth, err := q.store.Depth()
	if err != nil {
		return
	}
	monitoring.SetScanQueueDepth(q.scannerID, depth)
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-q.stopChan:
		return false
	case <-time.After(d):
		return true
	}
}
