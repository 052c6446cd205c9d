package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
	"github.com/ariefcatur/go-order-settlement/internal/publisher"
)

// CheckoutResult is what the caller gets back. Response is the exact JSON
// payload stored under the idempotency key; replays return it verbatim, so
// retried requests are byte-identical.
type CheckoutResult struct {
	Order    Order           `json:"order"`
	Items    []OrderItem     `json:"order_items"`
	Response json.RawMessage `json:"-"`
	Replayed bool            `json:"-"`
}

// CheckoutService turns an open cart into a pending order inside one
// transaction: idempotency claim, validation, inventory reservation, order
// creation, cart close, response caching. The settlement notification goes
// out only after the commit.
type CheckoutService struct {
	Pool      *pgxpool.Pool
	Repo      Repo
	Inventory InventoryRepo
	Publisher *publisher.Publisher
	Stream    *kafkax.Producer // optional lifecycle stream
	Service   string
	Log       *slog.Logger
}

func (s *CheckoutService) Checkout(ctx context.Context, userID, cartID int64, idemKey, requestID string) (CheckoutResult, error) {
	if userID <= 0 {
		return CheckoutResult{}, Validationf("userId must be a positive integer")
	}
	if cartID <= 0 {
		return CheckoutResult{}, Validationf("cartId must be a positive integer")
	}
	if idemKey == "" {
		return CheckoutResult{}, Validationf("missing idempotency key")
	}

	result, err := s.checkoutTx(ctx, userID, cartID, idemKey)
	if err != nil {
		// The transaction rolled back; free the key for a fresh attempt.
		// Best effort, and conditional on the placeholder sentinel so a
		// response committed by a concurrent retry is never clobbered.
		if relErr := s.Repo.ReleaseIdempotencyKey(ctx, s.Pool, idemKey); relErr != nil {
			s.Log.Error("release idempotency key failed", "key", idemKey, "error", relErr)
		}
		return CheckoutResult{}, err
	}

	if !result.Replayed {
		s.notify(ctx, result, requestID)
	}
	return result, nil
}

func (s *CheckoutService) checkoutTx(ctx context.Context, userID, cartID int64, idemKey string) (CheckoutResult, error) {
	var result CheckoutResult

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("begin checkout: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cached, pending, err := s.Repo.ClaimIdempotencyKey(ctx, tx, idemKey)
	if err != nil {
		return CheckoutResult{}, err
	}
	if !pending {
		// Replay: return the cached response untouched, no side effects.
		if err := json.Unmarshal(cached, &result); err != nil {
			return CheckoutResult{}, fmt.Errorf("decode cached response: %w", err)
		}
		result.Response = cached
		result.Replayed = true
		if err := tx.Commit(ctx); err != nil {
			return CheckoutResult{}, fmt.Errorf("commit replay: %w", err)
		}
		return result, nil
	}

	cart, lines, err := s.Repo.GetCartForCheckout(ctx, tx, cartID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if cart.UserID != userID {
		return CheckoutResult{}, ErrCartNotOwned
	}
	if cart.Status != CartOpen {
		return CheckoutResult{}, fmt.Errorf("%w (status: %s)", ErrCartNotOpen, cart.Status)
	}
	if len(lines) == 0 {
		return CheckoutResult{}, ErrCartEmpty
	}

	var totalCents int64
	for _, l := range lines {
		totalCents += l.PriceCents * int64(l.Qty)
	}

	if _, err := s.Inventory.ReserveForCheckout(ctx, tx, checkoutItems(lines)); err != nil {
		return CheckoutResult{}, err
	}

	order, items, err := s.Repo.CreateOrderWithItems(ctx, tx, userID, totalCents, lines)
	if err != nil {
		return CheckoutResult{}, err
	}

	if err := s.Repo.MarkCartCheckedOut(ctx, tx, cartID); err != nil {
		return CheckoutResult{}, err
	}

	result = CheckoutResult{Order: order, Items: items}
	response, err := json.Marshal(result)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("encode response: %w", err)
	}
	result.Response = response

	if err := s.Repo.StoreIdempotentResponse(ctx, tx, idemKey, response); err != nil {
		return CheckoutResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CheckoutResult{}, fmt.Errorf("commit checkout: %w", err)
	}
	return result, nil
}

// notify runs outside the transaction: the order is already durable, so a
// publish failure is logged, never surfaced into the checkout response.
func (s *CheckoutService) notify(ctx context.Context, result CheckoutResult, requestID string) {
	if s.Publisher != nil {
		res, err := s.Publisher.Publish(ctx, result.Order.ID, requestID)
		if err != nil {
			s.Log.Error("settlement publish failed",
				"order_id", result.Order.ID, "attempts", res.Attempts, "error", err)
		}
	}

	if s.Stream != nil {
		items := make([]ItemQty, 0, len(result.Items))
		for _, it := range result.Items {
			items = append(items, ItemQty{ProductID: it.ProductID, Qty: it.Qty})
		}
		ev := Envelope{
			EventID:       uuid.NewString(),
			EventType:     EventOrderCreated,
			EventVersion:  1,
			OccurredAt:    result.Order.CreatedAt.UTC(),
			Producer:      s.Service,
			TraceID:       requestID,
			CorrelationID: fmt.Sprint(result.Order.ID),
			Payload: kafkax.MustMarshal(OrderCreatedPayload{
				OrderID:    result.Order.ID,
				UserID:     result.Order.UserID,
				Items:      items,
				TotalCents: result.Order.TotalCents,
			}),
		}
		s.Stream.Publish(PartitionKey(result.Order.ID), kafkax.MustMarshal(ev),
			kafkago.Header{Key: "x-event-type", Value: []byte(EventOrderCreated)},
			kafkago.Header{Key: "x-event-version", Value: []byte("1")},
		)
	}
}

func checkoutItems(lines []CheckoutLine) []ItemQty {
	out := make([]ItemQty, 0, len(lines))
	for _, l := range lines {
		out = append(out, ItemQty{ProductID: l.ProductID, Qty: l.Qty})
	}
	return out
}
