// Package queue is the settlement channel between checkout and the payment
// worker: at-least-once delivery, per-message visibility timeout, an
// approximate receive count, and an optional dead-letter destination which
// is just another queue.
package queue

import (
	"context"
	"time"
)

type Message struct {
	ID            string
	Body          []byte
	CorrelationID string

	// ReceiveCount is how many times this message has been delivered,
	// including the current delivery. Approximate: crashes between delivery
	// and bookkeeping can lose or repeat an increment.
	ReceiveCount int

	// ReceiptHandle acknowledges (deletes) this delivery.
	ReceiptHandle string
}

type Queue interface {
	Send(ctx context.Context, body []byte, correlationID string) error

	// Receive returns up to max messages, long-polling up to wait. Delivered
	// messages stay invisible to other receives for the visibility window;
	// unacknowledged messages reappear after it expires.
	Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]Message, error)

	Delete(ctx context.Context, receiptHandle string) error
}
