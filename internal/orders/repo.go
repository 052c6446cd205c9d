package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ariefcatur/go-order-settlement/internal/postgres"
)

// Repo covers carts, orders and the idempotency cache. Methods take a
// postgres.Querier (pool or tx); the service layer owns transaction
// boundaries.
type Repo struct{}

// placeholderResponse is the sentinel an in-flight checkout claims its
// idempotency key with. The response column is NOT NULL, so an empty object
// stands in until the real payload overwrites it.
const placeholderResponse = "{}"

// ---- carts ----

func (Repo) FindOpenCart(ctx context.Context, db postgres.Querier, userID int64) (Cart, error) {
	var c Cart
	err := db.QueryRow(ctx, `
		SELECT id, user_id, status FROM carts
		WHERE user_id = $1 AND status = 'open'`, userID).
		Scan(&c.ID, &c.UserID, &c.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cart{}, ErrCartNotFound
	}
	if err != nil {
		return Cart{}, err
	}
	return c, nil
}

// FindOrCreateOpenCart creates the user's open cart lazily. The partial
// unique index on carts(user_id) WHERE status='open' decides concurrent
// first-add races: the loser re-reads the winner's row.
func (r Repo) FindOrCreateOpenCart(ctx context.Context, db postgres.Querier, userID int64) (Cart, error) {
	cart, err := r.FindOpenCart(ctx, db, userID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, ErrCartNotFound) {
		return Cart{}, err
	}

	var c Cart
	err = db.QueryRow(ctx, `
		INSERT INTO carts (user_id, status) VALUES ($1, 'open')
		RETURNING id, user_id, status`, userID).
		Scan(&c.ID, &c.UserID, &c.Status)
	if err == nil {
		return c, nil
	}
	if errors.Is(translatePG(err), ErrDuplicateKey) {
		return r.FindOpenCart(ctx, db, userID)
	}
	return Cart{}, err
}

// AddOrUpdateCartItem accumulates qty on repeated adds of the same product.
func (Repo) AddOrUpdateCartItem(ctx context.Context, db postgres.Querier, cartID, productID int64, qty int) (CartItem, error) {
	var it CartItem
	err := db.QueryRow(ctx, `
		INSERT INTO cart_items (cart_id, product_id, qty)
		VALUES ($1, $2, $3)
		ON CONFLICT (cart_id, product_id) DO UPDATE
		SET qty = cart_items.qty + EXCLUDED.qty
		RETURNING id, cart_id, product_id, qty`, cartID, productID, qty).
		Scan(&it.ID, &it.CartID, &it.ProductID, &it.Qty)
	if err != nil {
		return CartItem{}, translatePG(err)
	}
	return it, nil
}

func (Repo) RemoveCartItem(ctx context.Context, db postgres.Querier, cartID, productID int64) (bool, error) {
	ct, err := db.Exec(ctx, `
		DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2`, cartID, productID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (Repo) GetCartItems(ctx context.Context, db postgres.Querier, cartID int64) ([]CartItem, error) {
	rows, err := db.Query(ctx, `
		SELECT id, cart_id, product_id, qty FROM cart_items
		WHERE cart_id = $1 ORDER BY id`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CartItem
	for rows.Next() {
		var it CartItem
		if err := rows.Scan(&it.ID, &it.CartID, &it.ProductID, &it.Qty); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// GetCartForCheckout loads the cart header and its lines joined with the
// current catalog price, the price that gets frozen into the order items.
func (Repo) GetCartForCheckout(ctx context.Context, tx pgx.Tx, cartID int64) (Cart, []CheckoutLine, error) {
	var c Cart
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, status FROM carts WHERE id = $1`, cartID).
		Scan(&c.ID, &c.UserID, &c.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cart{}, nil, ErrCartNotFound
	}
	if err != nil {
		return Cart{}, nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT ci.product_id, ci.qty, p.price_cents
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = $1
		ORDER BY ci.product_id`, cartID)
	if err != nil {
		return Cart{}, nil, err
	}
	defer rows.Close()

	var lines []CheckoutLine
	for rows.Next() {
		var l CheckoutLine
		if err := rows.Scan(&l.ProductID, &l.Qty, &l.PriceCents); err != nil {
			return Cart{}, nil, err
		}
		lines = append(lines, l)
	}
	return c, lines, rows.Err()
}

func (Repo) MarkCartCheckedOut(ctx context.Context, tx pgx.Tx, cartID int64) error {
	ct, err := tx.Exec(ctx, `
		UPDATE carts SET status = 'checked_out' WHERE id = $1`, cartID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrCartNotFound
	}
	return nil
}

// ---- orders ----

func (Repo) CreateOrderWithItems(ctx context.Context, tx pgx.Tx, userID, totalCents int64, lines []CheckoutLine) (Order, []OrderItem, error) {
	var o Order
	err := tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, total_cents, status)
		VALUES ($1, $2, 'pending')
		RETURNING id, user_id, status, total_cents, created_at, updated_at`,
		userID, totalCents).
		Scan(&o.ID, &o.UserID, &o.Status, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, nil, fmt.Errorf("insert order: %w", err)
	}

	items := make([]OrderItem, 0, len(lines))
	for _, l := range lines {
		var it OrderItem
		err := tx.QueryRow(ctx, `
			INSERT INTO order_items (order_id, product_id, qty, price_cents)
			VALUES ($1, $2, $3, $4)
			RETURNING id, order_id, product_id, qty, price_cents`,
			o.ID, l.ProductID, l.Qty, l.PriceCents).
			Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Qty, &it.PriceCents)
		if err != nil {
			return Order{}, nil, fmt.Errorf("insert order item: %w", err)
		}
		items = append(items, it)
	}
	return o, items, nil
}

// GetOrderForUpdate locks the order row so a second delivery of the same
// settlement message (or a concurrent settlement attempt) serializes behind
// this transaction.
func (Repo) GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (Order, error) {
	var o Order
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, status, total_cents, created_at, updated_at
		FROM orders WHERE id = $1
		FOR UPDATE`, orderID).
		Scan(&o.ID, &o.UserID, &o.Status, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

func (Repo) GetOrderItems(ctx context.Context, db postgres.Querier, orderID int64) ([]OrderItem, error) {
	rows, err := db.Query(ctx, `
		SELECT id, order_id, product_id, qty, price_cents
		FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Qty, &it.PriceCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (Repo) UpdateOrderStatus(ctx context.Context, tx pgx.Tx, orderID int64, status OrderStatus) (Order, error) {
	var o Order
	err := tx.QueryRow(ctx, `
		UPDATE orders SET status = $2, updated_at = now()
		WHERE id = $1
		RETURNING id, user_id, status, total_cents, created_at, updated_at`,
		orderID, status).
		Scan(&o.ID, &o.UserID, &o.Status, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

func (r Repo) GetOrderWithItems(ctx context.Context, db postgres.Querier, orderID int64) (Order, []OrderItem, error) {
	var o Order
	err := db.QueryRow(ctx, `
		SELECT id, user_id, status, total_cents, created_at, updated_at
		FROM orders WHERE id = $1`, orderID).
		Scan(&o.ID, &o.UserID, &o.Status, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, nil, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, nil, err
	}
	items, err := r.GetOrderItems(ctx, db, orderID)
	if err != nil {
		return Order{}, nil, err
	}
	return o, items, nil
}

func (Repo) ListOrdersByUser(ctx context.Context, db postgres.Querier, userID int64) ([]Order, error) {
	rows, err := db.Query(ctx, `
		SELECT id, user_id, status, total_cents, created_at, updated_at
		FROM orders WHERE user_id = $1 ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Status, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---- products ----

func (Repo) CreateProduct(ctx context.Context, db postgres.Querier, sku, name string, priceCents int64) (Product, error) {
	var p Product
	err := db.QueryRow(ctx, `
		INSERT INTO products (sku, name, price_cents) VALUES ($1, $2, $3)
		RETURNING id, sku, name, price_cents`, sku, name, priceCents).
		Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents)
	if err != nil {
		return Product{}, translatePG(err)
	}
	return p, nil
}

func (Repo) GetProduct(ctx context.Context, db postgres.Querier, productID int64) (Product, error) {
	var p Product
	err := db.QueryRow(ctx, `
		SELECT id, sku, name, price_cents FROM products WHERE id = $1`, productID).
		Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

func (Repo) UpdateProductPrice(ctx context.Context, db postgres.Querier, productID, priceCents int64) (Product, error) {
	var p Product
	err := db.QueryRow(ctx, `
		UPDATE products SET price_cents = $2 WHERE id = $1
		RETURNING id, sku, name, price_cents`, productID, priceCents).
		Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

func (Repo) ListProducts(ctx context.Context, db postgres.Querier) ([]Product, error) {
	rows, err := db.Query(ctx, `
		SELECT id, sku, name, price_cents FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- idempotency ----

// ClaimIdempotencyKey inserts the placeholder if the key is new, then reads
// the stored response under a row lock. Two requests with the same key
// serialize here: the second blocks until the first commits or rolls back.
func (Repo) ClaimIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (cached json.RawMessage, pending bool, err error) {
	_, err = tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, response)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (key) DO NOTHING`, key, placeholderResponse)
	if err != nil {
		return nil, false, fmt.Errorf("claim idempotency key: %w", err)
	}

	var resp []byte
	err = tx.QueryRow(ctx, `
		SELECT response FROM idempotency_keys WHERE key = $1 FOR UPDATE`, key).
		Scan(&resp)
	if err != nil {
		return nil, false, fmt.Errorf("read idempotency key: %w", err)
	}

	if string(resp) == placeholderResponse {
		return nil, true, nil
	}
	return resp, false, nil
}

func (Repo) StoreIdempotentResponse(ctx context.Context, tx pgx.Tx, key string, response json.RawMessage) error {
	_, err := tx.Exec(ctx, `
		UPDATE idempotency_keys SET response = $2 WHERE key = $1`, key, []byte(response))
	return err
}

// ReleaseIdempotencyKey frees the key after a failed attempt. Single
// compare-and-delete on the sentinel so it can never clobber a response
// written by a concurrent successful retry.
func (Repo) ReleaseIdempotencyKey(ctx context.Context, db postgres.Querier, key string) error {
	_, err := db.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE key = $1 AND response = $2::jsonb`, key, placeholderResponse)
	return err
}
