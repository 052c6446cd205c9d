// Package publisher pushes "order created" notifications onto the
// settlement queue after a checkout commits.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-settlement/internal/queue"
)

// Payload is the settlement message body.
type Payload struct {
	OrderID int64 `json:"orderId"`
}

type Result struct {
	Sent     bool `json:"sent"`
	Attempts int  `json:"attempts"`
}

// Publisher retries transient send failures with a linearly increasing
// delay. A nil Queue means no endpoint is configured, which is a deployment
// choice: Publish reports a typed no-op instead of an error.
type Publisher struct {
	Queue      queue.Queue
	MaxRetries int
	RetryDelay time.Duration
}

func (p *Publisher) Publish(ctx context.Context, orderID int64, correlationID string) (Result, error) {
	if p.Queue == nil {
		return Result{Sent: false}, nil
	}

	body, err := json.Marshal(Payload{OrderID: orderID})
	if err != nil {
		return Result{}, fmt.Errorf("marshal settlement payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxRetries+1; attempt++ {
		if err := p.Queue.Send(ctx, body, correlationID); err == nil {
			return Result{Sent: true, Attempts: attempt}, nil
		} else {
			lastErr = err
		}
		if attempt > p.MaxRetries {
			break
		}
		if p.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return Result{Attempts: attempt}, ctx.Err()
			case <-time.After(time.Duration(attempt) * p.RetryDelay):
			}
		}
	}
	return Result{Attempts: p.MaxRetries + 1}, fmt.Errorf("publish order %d: %w", orderID, lastErr)
}
