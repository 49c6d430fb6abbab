package scanqueue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tickethub/internal/status"
	"tickethub/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVerifier plays the hub endpoint: it can be taken offline entirely, fail
// a code a fixed number of times, or reject a code forever.
type fakeVerifier struct {
	mu        sync.Mutex
	offline   bool
	failLeft  map[string]int
	failAll   map[string]bool
	delivered []models.ScanRequest
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{
		failLeft: make(map[string]int),
		failAll:  make(map[string]bool),
	}
}

func (f *fakeVerifier) Verify(_ context.Context, req models.ScanRequest) (*models.ScanAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.offline || f.failAll[req.Code] {
		return nil, errors.New("dial tcp: connection refused")
	}
	if n := f.failLeft[req.Code]; n > 0 {
		f.failLeft[req.Code] = n - 1
		return nil, errors.New("dial tcp: connection refused")
	}

	f.delivered = append(f.delivered, req)
	return &models.ScanAck{Verdict: models.VerdictValid, TicketID: "tkt-" + req.Code}, nil
}

func (f *fakeVerifier) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeVerifier) deliveredKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.delivered))
	for _, req := range f.delivered {
		keys = append(keys, req.DedupKey)
	}
	return keys
}

func setupQueue(t *testing.T, verifier Verifier, opts Options) *Queue {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queue := NewQueue(store, verifier, "gate-a", opts)
	t.Cleanup(queue.Shutdown)
	return queue
}

// fastOptions keeps retry timing in the millisecond range so drain tests
// finish quickly.
func fastOptions() Options {
	return Options{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		IdlePoll:       10 * time.Millisecond,
	}
}

func scanRequest(code, dedup string) models.ScanRequest {
	return models.ScanRequest{
		Code:      code,
		ScannedAt: time.Now().UTC(),
		DedupKey:  dedup,
	}
}

func queueDepth(t *testing.T, q *Queue) int {
	t.Helper()
	depth, err := q.store.Depth()
	require.NoError(t, err)
	return depth
}

func TestQueue_Scan_LiveFirstQueueSecond(t *testing.T) {
	verifier := newFakeVerifier()
	queue := setupQueue(t, verifier, fastOptions())
	ctx := context.Background()

	ack, queued, err := queue.Scan(ctx, scanRequest("TKT-1", "d1"))
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Equal(t, models.VerdictValid, ack.Verdict)

	// connectivity drops; the scan lands in the local file instead
	verifier.setOffline(true)
	ack, queued, err = queue.Scan(ctx, scanRequest("TKT-2", "d2"))
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Nil(t, ack)
	assert.Equal(t, 1, queueDepth(t, queue))
}

func TestQueue_Drain_DeliversInOrder(t *testing.T) {
	verifier := newFakeVerifier()
	// a couple of codes need retries; order must still hold
	verifier.failLeft["TKT-3"] = 2
	verifier.failLeft["TKT-7"] = 1

	queue := setupQueue(t, verifier, fastOptions())

	want := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		code := "TKT-" + string(rune('0'+i))
		dedup := "d-" + string(rune('0'+i))
		require.NoError(t, queue.Enqueue(scanRequest(code, dedup)))
		want = append(want, dedup)
	}

	queue.Start(context.Background())

	require.Eventually(t, func() bool {
		return queueDepth(t, queue) == 0
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, want, verifier.deliveredKeys())
}

func TestQueue_Drain_ResumesWhenBackOnline(t *testing.T) {
	verifier := newFakeVerifier()
	verifier.setOffline(true)

	// a large attempt budget keeps the record retrying instead of escalating
	// while the endpoint is down
	opts := fastOptions()
	opts.MaxAttempts = 100

	queue := setupQueue(t, verifier, opts)
	queue.Start(context.Background())

	require.NoError(t, queue.Enqueue(scanRequest("TKT-1", "d1")))

	// give the worker a moment to burn some attempts offline
	time.Sleep(5 * time.Millisecond)
	verifier.setOffline(false)

	require.Eventually(t, func() bool {
		return queueDepth(t, queue) == 0
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"d1"}, verifier.deliveredKeys())
}

func TestQueue_Escalation_AfterRetryBudget(t *testing.T) {
	verifier := newFakeVerifier()
	verifier.failAll["TKT-BAD"] = true

	opts := fastOptions()
	var escalatedMu sync.Mutex
	var escalatedRefs []string
	opts.OnEscalated = func(rec *models.ScanRecord) {
		escalatedMu.Lock()
		defer escalatedMu.Unlock()
		escalatedRefs = append(escalatedRefs, rec.TicketRef)
	}

	queue := setupQueue(t, verifier, opts)

	require.NoError(t, queue.Enqueue(scanRequest("TKT-BAD", "d1")))
	require.NoError(t, queue.Enqueue(scanRequest("TKT-OK", "d2")))

	queue.Start(context.Background())

	// the stuck ticket is parked and the queue moves on
	require.Eventually(t, func() bool {
		return queueDepth(t, queue) == 0
	}, 5*time.Second, 5*time.Millisecond)

	escalatedMu.Lock()
	assert.Equal(t, []string{"TKT-BAD"}, escalatedRefs)
	escalatedMu.Unlock()

	assert.Equal(t, []string{"d2"}, verifier.deliveredKeys())

	escalated, err := queue.Escalated()
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, "TKT-BAD", escalated[0].TicketRef)
	assert.Equal(t, 3, escalated[0].Attempts)

	// new scans of the parked ticket go straight to the operator pile
	err = queue.Enqueue(scanRequest("TKT-BAD", "d3"))
	assert.ErrorIs(t, err, status.ErrScanEscalated)

	escalated, err = queue.Escalated()
	require.NoError(t, err)
	require.Len(t, escalated, 2)

	require.NoError(t, queue.Resolve(escalated[0].ID))
	require.NoError(t, queue.Resolve(escalated[1].ID))

	escalated, err = queue.Escalated()
	require.NoError(t, err)
	assert.Empty(t, escalated)
}

func TestQueue_Enqueue_FillsDefaults(t *testing.T) {
	verifier := newFakeVerifier()
	queue := setupQueue(t, verifier, fastOptions())

	require.NoError(t, queue.Enqueue(models.ScanRequest{
		Code:      "TKT-1",
		ScannedAt: time.Now(),
	}))

	rec, err := queue.store.NextPending()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotEmpty(t, rec.DedupKey)
	assert.Equal(t, "gate-a", rec.ScannerID)
}

func TestQueue_Enqueue_AfterShutdown(t *testing.T) {
	verifier := newFakeVerifier()
	queue := setupQueue(t, verifier, fastOptions())

	queue.Shutdown()

	err := queue.Enqueue(scanRequest("TKT-1", "d1"))
	assert.ErrorIs(t, err, status.ErrQueueClosed)
}
