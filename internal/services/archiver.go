package services

import (
	"context"
	"log/slog"

	"tickethub/models"
)

// Archiver mirrors runtime state into the application database for the admin
// read surface and audit trail. Redis stays authoritative: archive failures
// are logged and never roll back a committed transition.
type Archiver interface {
	SaveTicket(ctx context.Context, t *models.Ticket) error
	SaveScan(ctx context.Context, h *models.ScanHistory) error
	SaveSession(ctx context.Context, s *models.GroupBuySession) error
	SaveParticipant(ctx context.Context, p *models.GroupBuyParticipant) error
	SaveRefund(ctx context.Context, r *models.Refund) error
	SavePool(ctx context.Context, p *models.CapacityPool) error
}

// Notifier delivers a short message to a phone number. Deliveries are
// fire-and-forget: a failed or slow send never blocks ticket state.
type Notifier interface {
	Notify(ctx context.Context, phone, message string) error
}

// LogNotifier is the default transport. Deployments with a real SMS/WhatsApp
// gateway swap in their own implementation.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, phone, message string) error {
	slog.Info("notification", "phone", phone, "message", message)
	return nil
}
