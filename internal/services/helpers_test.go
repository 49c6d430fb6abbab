package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"tickethub/config"
	"tickethub/models"
	"tickethub/monitoring"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestRedis starts an in-process Redis. The Lua critical sections run
// against it unchanged, so tests exercise the real transition scripts.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func testConfig() *config.Config {
	return &config.Config{
		MaxQRAttempts:         5,
		MaxBackupAttempts:     10,
		ReservationTTL:        15 * time.Minute,
		GroupBuySweepInterval: time.Minute,
		DefaultWindowHours:    24,
	}
}

func testMonitor() *monitoring.Monitor {
	// never Start()ed, so the collector loop and its Redis client stay idle
	return monitoring.NewMonitor(nil, time.Minute)
}

// fakeArchiver records every mirror write so tests can assert on what reached
// the database layer without running PocketBase.
type fakeArchiver struct {
	mu           sync.Mutex
	tickets      []*models.Ticket
	scans        []*models.ScanHistory
	sessions     []*models.GroupBuySession
	participants []*models.GroupBuyParticipant
	refunds      []*models.Refund
	pools        []*models.CapacityPool
}

func (a *fakeArchiver) SaveTicket(_ context.Context, t *models.Ticket) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tickets = append(a.tickets, t)
	return nil
}

func (a *fakeArchiver) SaveScan(_ context.Context, h *models.ScanHistory) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scans = append(a.scans, h)
	return nil
}

func (a *fakeArchiver) SaveSession(_ context.Context, s *models.GroupBuySession) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = append(a.sessions, s)
	return nil
}

func (a *fakeArchiver) SaveParticipant(_ context.Context, p *models.GroupBuyParticipant) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.participants = append(a.participants, p)
	return nil
}

func (a *fakeArchiver) SaveRefund(_ context.Context, r *models.Refund) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refunds = append(a.refunds, r)
	return nil
}

func (a *fakeArchiver) SavePool(_ context.Context, p *models.CapacityPool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools = append(a.pools, p)
	return nil
}

func (a *fakeArchiver) ticketCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tickets)
}

func (a *fakeArchiver) scanCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.scans)
}

func (a *fakeArchiver) lastScan() *models.ScanHistory {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.scans) == 0 {
		return nil
	}
	return a.scans[len(a.scans)-1]
}

func (a *fakeArchiver) sessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *fakeArchiver) participantCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.participants)
}

func (a *fakeArchiver) refundLinkIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.refunds))
	for _, r := range a.refunds {
		ids = append(ids, r.LinkID)
	}
	return ids
}

// fakeNotifier collects outbound messages. Sends happen on goroutines, so
// assertions on it should poll rather than read immediately.
type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(_ context.Context, phone, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}
