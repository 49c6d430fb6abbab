package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"tickethub/internal/status"
	"tickethub/models"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupGroupBuyService(t *testing.T) (*GroupBuyService, *CapacityService, *redis.Client, *fakeArchiver, *fakeNotifier) {
	_, client := newTestRedis(t)
	cfg := testConfig()
	archiver := &fakeArchiver{}
	notifier := &fakeNotifier{}
	monitor := testMonitor()
	capacity := NewCapacityService(client, cfg)
	tickets := NewTicketService(client, nil, cfg, archiver, notifier, monitor)
	groupBuy := NewGroupBuyService(client, nil, cfg, capacity, tickets, archiver, notifier, monitor)
	return groupBuy, capacity, client, archiver, notifier
}

func createTestSession(t *testing.T, groupBuy *GroupBuyService, capacity *CapacityService, target int) (*models.GroupBuySession, []models.GroupBuyParticipant) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, capacity.SeedPool(ctx, "evt-1", "tier-vip", 50, 0))

	session, participants, err := groupBuy.Create(ctx, CreateGroupBuyParams{
		EventID:            "evt-1",
		TierID:             "tier-vip",
		OrganizerID:        "org-1",
		TargetParticipants: target,
		WindowHours:        1,
		PricePerPerson:     decimal.NewFromInt(25),
	})
	require.NoError(t, err)
	return session, participants
}

func payLink(t *testing.T, groupBuy *GroupBuyService, linkID string) *models.GroupBuyProgress {
	t.Helper()

	progress, err := groupBuy.HandlePaymentOutcome(context.Background(), models.PaymentOutcome{
		LinkID:    linkID,
		Kind:      models.OutcomePaid,
		Amount:    decimal.NewFromInt(25),
		Reference: "PAY-" + linkID,
	})
	require.NoError(t, err)
	return progress
}

func TestGroupBuyService_Create_Validation(t *testing.T) {
	groupBuy, capacity, _, _, _ := setupGroupBuyService(t)
	ctx := context.Background()

	require.NoError(t, capacity.SeedPool(ctx, "evt-1", "tier-vip", 50, 0))

	for _, target := range []int{0, 1, models.MaxGroupSize + 1} {
		_, _, err := groupBuy.Create(ctx, CreateGroupBuyParams{
			EventID:            "evt-1",
			TierID:             "tier-vip",
			OrganizerID:        "org-1",
			TargetParticipants: target,
			PricePerPerson:     decimal.NewFromInt(25),
		})
		assert.ErrorIs(t, err, status.ErrInvalidGroupSize, "target %d", target)
	}
}

func TestGroupBuyService_Create_ReservesBlock(t *testing.T) {
	groupBuy, capacity, client, archiver, _ := setupGroupBuyService(t)
	ctx := context.Background()

	session, participants := createTestSession(t, groupBuy, capacity, 4)

	assert.Equal(t, models.GroupBuyActive, session.Status)
	assert.Equal(t, 4, session.TargetParticipants)
	require.Len(t, participants, 4)

	// the whole block is held before any money moves
	pool, err := capacity.Pool(ctx, "evt-1", "tier-vip")
	require.NoError(t, err)
	assert.Equal(t, 4, pool.Reserved)
	assert.Equal(t, 0, pool.Sold)

	reservation, err := capacity.Reservation(ctx, session.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, 4, reservation.Quantity)

	for _, p := range participants {
		assert.Equal(t, models.ParticipantPending, p.Status)
		assert.Equal(t, session.ID, client.Get(ctx, linkKey(p.LinkID)).Val())
	}

	// creation order is the order Participants lists them in
	listed, err := groupBuy.Participants(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, listed, 4)
	for i := range listed {
		assert.Equal(t, participants[i].LinkID, listed[i].LinkID)
	}

	assert.Equal(t, 1, archiver.sessionCount())
	assert.Equal(t, 4, archiver.participantCount())
}

func TestGroupBuyService_Create_CapacityConflict(t *testing.T) {
	groupBuy, capacity, _, _, _ := setupGroupBuyService(t)
	ctx := context.Background()

	require.NoError(t, capacity.SeedPool(ctx, "evt-1", "tier-vip", 3, 0))

	_, _, err := groupBuy.Create(ctx, CreateGroupBuyParams{
		EventID:            "evt-1",
		TierID:             "tier-vip",
		OrganizerID:        "org-1",
		TargetParticipants: 5,
		PricePerPerson:     decimal.NewFromInt(25),
	})
	assert.ErrorIs(t, err, status.ErrCapacityExhausted)

	// the failed create must not leave a partial hold behind
	pool, err := capacity.Pool(ctx, "evt-1", "tier-vip")
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Reserved)
}

func TestGroupBuyService_Create_NotifiesOrganizer(t *testing.T) {
	groupBuy, capacity, _, _, notifier := setupGroupBuyService(t)
	ctx := context.Background()

	require.NoError(t, capacity.SeedPool(ctx, "evt-1", "tier-vip", 50, 0))

	_, _, err := groupBuy.Create(ctx, CreateGroupBuyParams{
		EventID:            "evt-1",
		TierID:             "tier-vip",
		OrganizerID:        "org-1",
		OrganizerPhone:     "+8562055512345",
		TargetParticipants: 3,
		PricePerPerson:     decimal.NewFromInt(25),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return notifier.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestGroupBuyService_HandlePaymentOutcome_Progression(t *testing.T) {
	groupBuy, capacity, _, _, _ := setupGroupBuyService(t)
	ctx := context.Background()

	_, participants := createTestSession(t, groupBuy, capacity, 3)

	progress := payLink(t, groupBuy, participants[0].LinkID)
	assert.Equal(t, 1, progress.PaidCount)
	assert.Equal(t, models.GroupBuyActive, progress.Status)
	assert.False(t, progress.CompletedNow)

	failed, err := groupBuy.HandlePaymentOutcome(ctx, models.PaymentOutcome{
		LinkID:    participants[1].LinkID,
		Kind:      models.OutcomeFailed,
		Reference: "PAY-FAIL",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, failed.PaidCount)
	assert.Equal(t, 1, failed.FailedCount)

	// the gateway redelivers; a settled link absorbs the duplicate
	dup := payLink(t, groupBuy, participants[0].LinkID)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, 1, dup.PaidCount)
}

func TestGroupBuyService_HandlePaymentOutcome_UnknownLink(t *testing.T) {
	groupBuy, _, _, _, _ := setupGroupBuyService(t)

	_, err := groupBuy.HandlePaymentOutcome(context.Background(), models.PaymentOutcome{
		LinkID: "no-such-link",
		Kind:   models.OutcomePaid,
	})
	assert.ErrorIs(t, err, status.ErrLinkNotFound)
}

func TestGroupBuyService_Completion_FansOutTickets(t *testing.T) {
	groupBuy, capacity, client, archiver, _ := setupGroupBuyService(t)
	ctx := context.Background()

	session, participants := createTestSession(t, groupBuy, capacity, 3)

	payLink(t, groupBuy, participants[0].LinkID)
	payLink(t, groupBuy, participants[1].LinkID)
	final := payLink(t, groupBuy, participants[2].LinkID)

	assert.True(t, final.CompletedNow)
	assert.Equal(t, models.GroupBuyCompleted, final.Status)
	assert.Equal(t, 3, final.PaidCount)

	loaded, err := groupBuy.Session(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GroupBuyCompleted, loaded.Status)

	// the block reservation turned into sold seats, one ticket per slot
	pool, err := capacity.Pool(ctx, "evt-1", "tier-vip")
	require.NoError(t, err)
	assert.Equal(t, 3, pool.Sold)
	assert.Equal(t, 0, pool.Reserved)

	assert.Equal(t, 3, archiver.ticketCount())

	for _, p := range participants {
		ticketID := client.HGet(ctx, participantKey(session.ID, p.LinkID), "ticket_id").Val()
		assert.NotEmpty(t, ticketID)
	}

	// interrupted fan-out markers are cleared once the work is done
	pending, err := client.SMembers(ctx, groupBuyFanoutPendingKey).Result()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGroupBuyService_Completion_ExactlyOnce(t *testing.T) {
	groupBuy, capacity, _, archiver, _ := setupGroupBuyService(t)
	ctx := context.Background()

	_, participants := createTestSession(t, groupBuy, capacity, 5)

	payLink(t, groupBuy, participants[0].LinkID)
	payLink(t, groupBuy, participants[1].LinkID)

	// the last three payments race; exactly one delivery may own the fan-out
	results := make([]*models.GroupBuyProgress, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			progress, err := groupBuy.HandlePaymentOutcome(ctx, models.PaymentOutcome{
				LinkID:    participants[2+i].LinkID,
				Kind:      models.OutcomePaid,
				Amount:    decimal.NewFromInt(25),
				Reference: "PAY-RACE",
			})
			if err != nil {
				t.Errorf("handle payment outcome: %v", err)
				return
			}
			results[i] = progress
		}(i)
	}
	wg.Wait()

	completions := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.CompletedNow {
			completions++
		}
	}
	assert.Equal(t, 1, completions)

	assert.Equal(t, 5, archiver.ticketCount())

	pool, err := capacity.Pool(ctx, "evt-1", "tier-vip")
	require.NoError(t, err)
	assert.Equal(t, 5, pool.Sold)
	assert.Equal(t, 0, pool.Reserved)
}

func TestGroupBuyService_SweepOnce_ResumeIsIdempotent(t *testing.T) {
	groupBuy, capacity, client, archiver, _ := setupGroupBuyService(t)
	ctx := context.Background()

	session, participants := createTestSession(t, groupBuy, capacity, 3)
	for _, p := range participants {
		payLink(t, groupBuy, p.LinkID)
	}
	require.Equal(t, 3, archiver.ticketCount())

	// pretend the process died mid fan-out and the sweeper picked it up
	require.NoError(t, client.SAdd(ctx, groupBuyFanoutPendingKey, session.ID).Err())
	groupBuy.SweepOnce(ctx)

	assert.Equal(t, 3, archiver.ticketCount())

	pool, err := capacity.Pool(ctx, "evt-1", "tier-vip")
	require.NoError(t, err)
	assert.Equal(t, 3, pool.Sold)

	pending, err := client.SMembers(ctx, groupBuyFanoutPendingKey).Result()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGroupBuyService_Expiry_BelowTarget(t *testing.T) {
	groupBuy, capacity, client, archiver, _ := setupGroupBuyService(t)
	ctx := context.Background()

	session, participants := createTestSession(t, groupBuy, capacity, 3)
	payLink(t, groupBuy, participants[0].LinkID)

	// push the deadline into the past and let the lazy check catch it
	require.NoError(t, client.HSet(ctx, sessionKey(session.ID), "expires_at", time.Now().Add(-time.Hour).Unix()).Err())

	progress, err := groupBuy.Progress(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GroupBuyExpired, progress.Status)
	assert.Equal(t, 1, progress.PaidCount)
	assert.Equal(t, 2, progress.FailedCount)

	// the whole unissued hold went back on sale
	pool, err := capacity.Pool(ctx, "evt-1", "tier-vip")
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Sold)
	assert.Equal(t, 0, pool.Reserved)

	// the one paid slot is owed its money back
	assert.Equal(t, []string{participants[0].LinkID}, archiver.refundLinkIDs())

	listed, err := groupBuy.Participants(ctx, session.ID)
	require.NoError(t, err)
	for _, p := range listed {
		if p.LinkID == participants[0].LinkID {
			assert.Equal(t, models.ParticipantPaid, p.Status)
		} else {
			assert.Equal(t, models.ParticipantFailed, p.Status)
		}
	}
}

func TestGroupBuyService_LatePayment_FlagsRefund(t *testing.T) {
	groupBuy, capacity, client, archiver, _ := setupGroupBuyService(t)
	ctx := context.Background()

	session, participants := createTestSession(t, groupBuy, capacity, 3)

	require.NoError(t, client.HSet(ctx, sessionKey(session.ID), "expires_at", time.Now().Add(-time.Hour).Unix()).Err())

	// the paid webhook itself is what notices the deadline here
	progress := payLink(t, groupBuy, participants[0].LinkID)

	assert.True(t, progress.RefundDue)
	assert.Equal(t, models.GroupBuyExpired, progress.Status)
	assert.Equal(t, 0, progress.PaidCount)

	assert.Equal(t, []string{participants[0].LinkID}, archiver.refundLinkIDs())

	pool, err := capacity.Pool(ctx, "evt-1", "tier-vip")
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Reserved)

	// expiry cleanup already failed the other slots; late deliveries for
	// them are absorbed as duplicates with no refund
	late, err := groupBuy.HandlePaymentOutcome(ctx, models.PaymentOutcome{
		LinkID: participants[1].LinkID,
		Kind:   models.OutcomeFailed,
	})
	require.NoError(t, err)
	assert.True(t, late.Duplicate)
	assert.False(t, late.RefundDue)
	assert.Len(t, archiver.refundLinkIDs(), 1)
}

func TestGroupBuyService_Expiry_SweeperWinsOnce(t *testing.T) {
	groupBuy, capacity, client, _, _ := setupGroupBuyService(t)
	ctx := context.Background()

	session, _ := createTestSession(t, groupBuy, capacity, 3)

	require.NoError(t, client.HSet(ctx, sessionKey(session.ID), "expires_at", time.Now().Add(-time.Hour).Unix()).Err())

	won, err := groupBuy.tryExpire(ctx, session.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, won)

	// only one caller gets to own the expiry cleanup
	won, err = groupBuy.tryExpire(ctx, session.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, won)
}

func TestGroupBuyService_Progress_NotFound(t *testing.T) {
	groupBuy, _, _, _, _ := setupGroupBuyService(t)

	_, err := groupBuy.Progress(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, status.ErrSessionNotFound)
}
