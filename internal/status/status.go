package status

import "errors"

var (
	ErrCapacityExhausted       = errors.New("capacity: not enough capacity")
	ErrPoolNotFound            = errors.New("capacity: pool not found")
	ErrInvalidReservation      = errors.New("reservation: invalid or exhausted reservation")
	ErrCodeGenerationExhausted = errors.New("ticket: code generation attempts exhausted")
	ErrTicketNotFound          = errors.New("ticket: ticket not found")
	ErrTicketNotVoidable       = errors.New("ticket: ticket cannot be voided")
	ErrInvalidGroupSize        = errors.New("groupbuy: target participants out of range")
	ErrSessionNotFound         = errors.New("groupbuy: session not found")
	ErrLinkNotFound            = errors.New("groupbuy: payment link not found")
	ErrScannerUnauthorized     = errors.New("scanner: unauthorized device")
	ErrQueueClosed             = errors.New("scanqueue: queue closed")
	ErrScanEscalated           = errors.New("scanqueue: ticket has an escalated record awaiting the operator")
)
