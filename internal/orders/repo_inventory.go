package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ariefcatur/go-order-settlement/internal/postgres"
)

// InventoryRepo holds per-product available quantity. All checkout-path
// mutations run under row locks inside the caller's transaction.
type InventoryRepo struct{}

// ReserveForCheckout locks the inventory rows for every item in ascending
// product id order (a total lock order across concurrent checkouts, so
// overlapping reservations cannot deadlock), verifies availability, then
// decrements. All-or-nothing: a shortfall on any line returns
// InsufficientStockError before any row is touched.
func (InventoryRepo) ReserveForCheckout(ctx context.Context, tx pgx.Tx, items []ItemQty) ([]InventoryRecord, error) {
	ids := make([]int64, 0, len(items))
	want := make(map[int64]int, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
		want[it.ProductID] = it.Qty
	}

	rows, err := tx.Query(ctx, `
		SELECT product_id, available_qty FROM inventory
		WHERE product_id = ANY($1)
		ORDER BY product_id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock inventory: %w", err)
	}
	locked := make(map[int64]int, len(items))
	for rows.Next() {
		var rec InventoryRecord
		if err := rows.Scan(&rec.ProductID, &rec.AvailableQty); err != nil {
			rows.Close()
			return nil, err
		}
		locked[rec.ProductID] = rec.AvailableQty
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, it := range items {
		avail, ok := locked[it.ProductID]
		if !ok {
			// A known product without an inventory row is a data-integrity
			// fault, not a stock shortfall.
			return nil, fmt.Errorf("%w: product %d", ErrInventoryNotFound, it.ProductID)
		}
		if avail < it.Qty {
			return nil, InsufficientStockError{ProductID: it.ProductID, Requested: it.Qty, Available: avail}
		}
	}

	out := make([]InventoryRecord, 0, len(items))
	for _, it := range items {
		var rec InventoryRecord
		err := tx.QueryRow(ctx, `
			UPDATE inventory SET available_qty = available_qty - $2
			WHERE product_id = $1
			RETURNING product_id, available_qty`, it.ProductID, it.Qty).
			Scan(&rec.ProductID, &rec.AvailableQty)
		if err != nil {
			return nil, fmt.Errorf("decrement product %d: %w", it.ProductID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// RestoreForCancelledOrder re-adds the quantities of a cancelled order.
// Relative increments only, so concurrent changes to unrelated rows (or even
// the same row) stay intact.
func (InventoryRepo) RestoreForCancelledOrder(ctx context.Context, tx pgx.Tx, items []OrderItem) error {
	for _, it := range items {
		ct, err := tx.Exec(ctx, `
			UPDATE inventory SET available_qty = available_qty + $2
			WHERE product_id = $1`, it.ProductID, it.Qty)
		if err != nil {
			return fmt.Errorf("restore product %d: %w", it.ProductID, err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("%w: product %d", ErrInventoryNotFound, it.ProductID)
		}
	}
	return nil
}

// Restock is the administrative increment; not part of the checkout path.
func (InventoryRepo) Restock(ctx context.Context, db postgres.Querier, productID int64, qty int) (InventoryRecord, error) {
	var rec InventoryRecord
	err := db.QueryRow(ctx, `
		UPDATE inventory SET available_qty = available_qty + $2
		WHERE product_id = $1
		RETURNING product_id, available_qty`, productID, qty).
		Scan(&rec.ProductID, &rec.AvailableQty)
	if errors.Is(err, pgx.ErrNoRows) {
		return InventoryRecord{}, ErrInventoryNotFound
	}
	if err != nil {
		return InventoryRecord{}, err
	}
	return rec, nil
}

func (InventoryRepo) Get(ctx context.Context, db postgres.Querier, productID int64) (InventoryRecord, error) {
	var rec InventoryRecord
	err := db.QueryRow(ctx, `
		SELECT product_id, available_qty FROM inventory WHERE product_id = $1`, productID).
		Scan(&rec.ProductID, &rec.AvailableQty)
	if errors.Is(err, pgx.ErrNoRows) {
		return InventoryRecord{}, ErrInventoryNotFound
	}
	if err != nil {
		return InventoryRecord{}, err
	}
	return rec, nil
}

// CreateRecord inserts the zero-quantity row for a new product.
func (InventoryRepo) CreateRecord(ctx context.Context, db postgres.Querier, productID int64) error {
	_, err := db.Exec(ctx, `
		INSERT INTO inventory (product_id, available_qty) VALUES ($1, 0)
		ON CONFLICT (product_id) DO NOTHING`, productID)
	return err
}
