package scanqueue

import (
	"path/filepath"
	"testing"
	"time"

	"tickethub/internal/status"
	"tickethub/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, path
}

func newScanRecord(code, dedup string) *models.ScanRecord {
	return &models.ScanRecord{
		TicketRef: code,
		ScannerID: "gate-a",
		ScannedAt: time.Now().UTC().Format(time.RFC3339),
		DedupKey:  dedup,
	}
}

func TestStore_Append_DedupKey(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.Append(newScanRecord("TKT-1", "d1")))

	// a double-tapped scan button replays the same dedup key
	require.NoError(t, store.Append(newScanRecord("TKT-1", "d1")))

	depth, err := store.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestStore_NextPending_FIFO(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.Append(newScanRecord("TKT-1", "d1")))
	require.NoError(t, store.Append(newScanRecord("TKT-2", "d2")))
	require.NoError(t, store.Append(newScanRecord("TKT-3", "d3")))

	first, err := store.NextPending()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "d1", first.DedupKey)

	require.NoError(t, store.Ack(first.ID))

	second, err := store.NextPending()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "d2", second.DedupKey)
}

func TestStore_NextPending_EmptyQueue(t *testing.T) {
	store, _ := openTestStore(t)

	rec, err := store.NextPending()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_MarkAttempt(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.Append(newScanRecord("TKT-1", "d1")))
	rec, err := store.NextPending()
	require.NoError(t, err)

	require.NoError(t, store.MarkAttempt(rec.ID, "connection refused"))
	require.NoError(t, store.MarkAttempt(rec.ID, "connection refused"))

	rec, err = store.NextPending()
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "connection refused", rec.LastError)
}

func TestStore_EscalateRef_ParksWholeTicket(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.Append(newScanRecord("TKT-1", "d1")))
	require.NoError(t, store.Append(newScanRecord("TKT-1", "d2")))
	require.NoError(t, store.Append(newScanRecord("TKT-2", "d3")))

	n, err := store.EscalateRef("TKT-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// the other ticket keeps flowing
	next, err := store.NextPending()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "TKT-2", next.TicketRef)

	escalated, err := store.Escalated()
	require.NoError(t, err)
	require.Len(t, escalated, 2)
	assert.Equal(t, "d1", escalated[0].DedupKey)
	assert.Equal(t, "d2", escalated[1].DedupKey)
}

func TestStore_Append_OntoEscalatedRef(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.Append(newScanRecord("TKT-1", "d1")))
	_, err := store.EscalateRef("TKT-1")
	require.NoError(t, err)

	// a fresh scan of a parked ticket must not jump the stuck record
	rec := newScanRecord("TKT-1", "d2")
	err = store.Append(rec)
	assert.ErrorIs(t, err, status.ErrScanEscalated)
	assert.Equal(t, models.ScanEscalated, rec.Status)

	depth, err := store.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	escalated, err := store.Escalated()
	require.NoError(t, err)
	assert.Len(t, escalated, 2)
}

func TestStore_Resolve(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.Append(newScanRecord("TKT-1", "d1")))
	_, err := store.EscalateRef("TKT-1")
	require.NoError(t, err)

	escalated, err := store.Escalated()
	require.NoError(t, err)
	require.Len(t, escalated, 1)

	require.NoError(t, store.Resolve(escalated[0].ID))

	escalated, err = store.Escalated()
	require.NoError(t, err)
	assert.Empty(t, escalated)
}

func TestStore_SurvivesReopen(t *testing.T) {
	store, path := openTestStore(t)

	require.NoError(t, store.Append(newScanRecord("TKT-1", "d1")))
	require.NoError(t, store.Append(newScanRecord("TKT-2", "d2")))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	depth, err := reopened.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}
