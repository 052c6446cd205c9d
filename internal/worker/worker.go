// Package worker is the payment settlement consumer: it polls the
// settlement queue, decides payment for each pending order, and finalizes
// the order as CONFIRMED or CANCELLED-with-restock.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	kafkago "github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-order-settlement/internal/config"
	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/postgres"
	"github.com/ariefcatur/go-order-settlement/internal/queue"
)

type Worker struct {
	Pool      *pgxpool.Pool
	Repo      orders.Repo
	Inventory orders.InventoryRepo
	Queue     queue.Queue
	DLQ       queue.Queue // nil: unprocessable messages are dropped
	Decider   Decider

	// Optional lifecycle stream, one producer per outcome topic.
	StreamConfirmed *kafkax.Producer
	StreamCancelled *kafkax.Producer

	Service string
	Cfg     config.WorkerConfig
	Log     *slog.Logger

	inflight sync.WaitGroup
}

// SettleResult reports what one settlement transaction did.
type SettleResult struct {
	Processed bool
	Reason    string // order_not_found | order_not_pending when not processed
	Order     orders.Order
	PaymentOK bool
	Restocked int
}

// Run polls until ctx is cancelled, then waits up to the shutdown grace
// period for in-flight message processing to drain. A drain timeout is
// logged, never blocks shutdown indefinitely.
func (w *Worker) Run(ctx context.Context) {
	w.Log.Info("worker started",
		"max_receive_count", w.Cfg.MaxReceiveCount,
		"process_timeout", w.Cfg.ProcessTimeout.String(),
		"dlq_enabled", w.DLQ != nil)

	for ctx.Err() == nil {
		had, err := w.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.Log.Error("poll failed", "error", err)
			w.sleep(ctx, w.Cfg.IdleDelay)
			continue
		}
		if !had {
			w.sleep(ctx, w.Cfg.IdleDelay)
		}
	}

	if !w.drain(w.Cfg.ShutdownGrace) {
		w.Log.Error("shutdown drain timeout", "grace", w.Cfg.ShutdownGrace.String())
	}
	w.Log.Info("worker stopped")
}

func (w *Worker) pollOnce(ctx context.Context) (bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, w.Cfg.PollTimeout)
	defer cancel()

	msgs, err := w.Queue.Receive(pollCtx, w.Cfg.MaxMessages, w.Cfg.PollWait, w.Cfg.VisibilityTimeout)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}

	// Bounded concurrency; everything in the batch must finish inside its
	// visibility window, so the cap is per poll batch.
	g := new(errgroup.Group)
	g.SetLimit(w.concurrency())
	for _, m := range msgs {
		w.inflight.Add(1)
		g.Go(func() error {
			defer w.inflight.Done()
			w.processMessage(m)
			return nil
		})
	}
	_ = g.Wait()
	return true, nil
}

// processMessage runs the per-message state machine. It deliberately uses a
// background context bounded by the process timeout: an in-flight message
// finishes (or times out) on its own terms even during shutdown.
func (w *Worker) processMessage(m queue.Message) {
	var payload struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(m.Body, &payload); err != nil || payload.OrderID <= 0 {
		w.Log.Error("invalid message body",
			"event", "invalid_message",
			"message_id", m.ID,
			"body", string(m.Body),
			"receive_count", m.ReceiveCount)
		w.discard(m, "invalid_message_body", "")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.Cfg.ProcessTimeout)
	defer cancel()

	res, err := w.Settle(ctx, payload.OrderID)
	if err != nil {
		w.Log.Error("order process failed",
			"event", "order_process_failed",
			"order_id", payload.OrderID,
			"receive_count", m.ReceiveCount,
			"error", err)

		// The receive count is approximate; compare with >= and let the
		// visibility timeout redeliver anything under the threshold.
		if m.ReceiveCount >= w.Cfg.MaxReceiveCount {
			w.discard(m, "max_retries_exceeded", err.Error())
		}
		return
	}

	if !res.Processed {
		// Already settled or unknown order: idempotent no-op, ack and move on.
		w.Log.Info("order skipped",
			"event", "order_skipped",
			"order_id", payload.OrderID,
			"reason", res.Reason,
			"receive_count", m.ReceiveCount)
		w.ack(m)
		return
	}

	w.Log.Info("order processed",
		"event", "order_processed",
		"order_id", payload.OrderID,
		"status", string(res.Order.Status),
		"restocked_items", res.Restocked,
		"receive_count", m.ReceiveCount)
	w.ack(m)
	w.publishSettled(res, m.CorrelationID)
}

// Settle finalizes one order inside a single transaction. The row lock on
// the order serializes duplicate deliveries; a non-pending order commits as
// a no-op so redelivery after settlement never double-processes.
func (w *Worker) Settle(ctx context.Context, orderID int64) (SettleResult, error) {
	if orderID <= 0 {
		return SettleResult{}, fmt.Errorf("orderID must be a positive integer")
	}

	var out SettleResult
	err := postgres.WithTx(ctx, w.Pool, func(tx pgx.Tx) error {
		order, err := w.Repo.GetOrderForUpdate(ctx, tx, orderID)
		if errors.Is(err, orders.ErrOrderNotFound) {
			out.Reason = "order_not_found"
			return nil
		}
		if err != nil {
			return err
		}
		if order.Status != orders.OrderPending {
			out.Reason = "order_not_pending"
			out.Order = order
			return nil
		}

		items, err := w.Repo.GetOrderItems(ctx, tx, orderID)
		if err != nil {
			return err
		}

		if w.Decider.Decide(ctx, order, items) {
			updated, err := w.Repo.UpdateOrderStatus(ctx, tx, orderID, orders.OrderConfirmed)
			if err != nil {
				return err
			}
			out = SettleResult{Processed: true, Order: updated, PaymentOK: true}
			return nil
		}

		if err := w.Inventory.RestoreForCancelledOrder(ctx, tx, items); err != nil {
			return err
		}
		updated, err := w.Repo.UpdateOrderStatus(ctx, tx, orderID, orders.OrderCancelled)
		if err != nil {
			return err
		}
		out = SettleResult{Processed: true, Order: updated, Restocked: len(items)}
		return nil
	})
	if err != nil {
		return SettleResult{}, err
	}
	return out, nil
}

// discard routes a message to the dead-letter queue, or deletes it outright
// when none is configured, to keep poison messages out of the loop.
func (w *Worker) discard(m queue.Message, reason, lastErr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if w.DLQ == nil {
		w.Log.Error("message dropped",
			"event", "message_dropped",
			"message_id", m.ID,
			"reason", reason,
			"receive_count", m.ReceiveCount)
		w.ack(m)
		return
	}

	body := kafkax.MustMarshal(map[string]any{
		"original_message_id": m.ID,
		"original_body":       string(m.Body),
		"receive_count":       m.ReceiveCount,
		"reason":              reason,
		"error":               lastErr,
		"moved_at":            time.Now().UTC().Format(time.RFC3339),
	})
	if err := w.DLQ.Send(ctx, body, m.CorrelationID); err != nil {
		// Leave the message in the main queue; it comes back after the
		// visibility timeout.
		w.Log.Error("dead-letter move failed",
			"event", "dlq_move_failed",
			"message_id", m.ID,
			"error", err)
		return
	}
	w.ack(m)
	w.Log.Error("message dead-lettered",
		"event", "message_moved_to_dlq",
		"message_id", m.ID,
		"reason", reason,
		"receive_count", m.ReceiveCount)
}

func (w *Worker) ack(m queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Queue.Delete(ctx, m.ReceiptHandle); err != nil {
		w.Log.Error("delete message failed", "message_id", m.ID, "error", err)
	}
}

func (w *Worker) publishSettled(res SettleResult, traceID string) {
	stream, eventType := w.StreamConfirmed, orders.EventOrderConfirmed
	if !res.PaymentOK {
		stream, eventType = w.StreamCancelled, orders.EventOrderCancelled
	}
	if stream == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      w.Service,
		TraceID:       traceID,
		CorrelationID: fmt.Sprint(res.Order.ID),
		Payload: kafkax.MustMarshal(orders.OrderSettledPayload{
			OrderID:     res.Order.ID,
			FinalStatus: res.Order.Status,
			Restocked:   res.Restocked,
		}),
	}
	stream.Publish(orders.PartitionKey(res.Order.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (w *Worker) drain(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

func (w *Worker) concurrency() int {
	if w.Cfg.Concurrency > 0 {
		return w.Cfg.Concurrency
	}
	return 1
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
