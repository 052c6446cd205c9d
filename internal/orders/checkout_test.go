package orders_test

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/publisher"
	"github.com/ariefcatur/go-order-settlement/internal/queue"
)

type checkoutSuite struct {
	suite.Suite

	pool *pgxpool.Pool
	repo orders.Repo
	inv  orders.InventoryRepo
}

func TestCheckoutSuite(t *testing.T) {
	suite.Run(t, new(checkoutSuite))
}

func (suite *checkoutSuite) SetupSuite() {
	ctx := suite.T().Context()

	_, connStr, err := startPostgres(ctx)
	suite.Require().NoError(err)

	suite.pool, err = pgxpool.New(ctx, connStr)
	suite.Require().NoError(err)
}

func (suite *checkoutSuite) TearDownSuite() {
	if suite.pool != nil {
		suite.pool.Close()
	}
}

func (suite *checkoutSuite) service(q queue.Queue) *orders.CheckoutService {
	return &orders.CheckoutService{
		Pool: suite.pool,
		Publisher: &publisher.Publisher{
			Queue:      q,
			MaxRetries: 1,
			RetryDelay: time.Millisecond,
		},
		Service: "checkout-test",
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (suite *checkoutSuite) seedProduct(stock int) orders.Product {
	ctx := suite.T().Context()

	p, err := suite.repo.CreateProduct(ctx, suite.pool,
		gofakeit.UUID(), gofakeit.ProductName(), int64(gofakeit.Number(100, 10_000)))
	suite.Require().NoError(err)

	suite.Require().NoError(suite.inv.CreateRecord(ctx, suite.pool, p.ID))
	if stock > 0 {
		_, err = suite.inv.Restock(ctx, suite.pool, p.ID, stock)
		suite.Require().NoError(err)
	}
	return p
}

func (suite *checkoutSuite) openCart(userID int64, lines ...orders.ItemQty) orders.Cart {
	ctx := suite.T().Context()

	cart, err := suite.repo.FindOrCreateOpenCart(ctx, suite.pool, userID)
	suite.Require().NoError(err)
	for _, l := range lines {
		_, err := suite.repo.AddOrUpdateCartItem(ctx, suite.pool, cart.ID, l.ProductID, l.Qty)
		suite.Require().NoError(err)
	}
	return cart
}

func (suite *checkoutSuite) keyCount(key string) int {
	var n int
	err := suite.pool.QueryRow(suite.T().Context(),
		"SELECT count(*) FROM idempotency_keys WHERE key = $1", key).Scan(&n)
	suite.Require().NoError(err)
	return n
}

func randomUserID() int64 {
	return int64(gofakeit.Number(1, 1<<30))
}

func (suite *checkoutSuite) TestCheckoutCreatesPendingOrder() {
	t := suite.T()
	ctx := t.Context()

	p := suite.seedProduct(10)
	uid := randomUserID()
	cart := suite.openCart(uid, orders.ItemQty{ProductID: p.ID, Qty: 3})

	q := queue.NewMemory()
	svc := suite.service(q)

	res, err := svc.Checkout(ctx, uid, cart.ID, gofakeit.UUID(), gofakeit.UUID())
	require.NoError(t, err)

	assert.False(t, res.Replayed)
	assert.Equal(t, orders.OrderPending, res.Order.Status)
	assert.Equal(t, uid, res.Order.UserID)
	assert.Equal(t, p.PriceCents*3, res.Order.TotalCents)
	require.Len(t, res.Items, 1)
	assert.Equal(t, p.ID, res.Items[0].ProductID)
	assert.Equal(t, 3, res.Items[0].Qty)
	assert.Equal(t, p.PriceCents, res.Items[0].PriceCents)

	rec, err := suite.inv.Get(ctx, suite.pool, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, rec.AvailableQty)

	// The cart is closed: no open cart for this user anymore.
	_, err = suite.repo.FindOpenCart(ctx, suite.pool, uid)
	assert.ErrorIs(t, err, orders.ErrCartNotFound)

	// Exactly one settlement message referencing the new order.
	require.Equal(t, 1, q.Len())
	msgs, err := q.Receive(ctx, 1, 0, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var payload publisher.Payload
	require.NoError(t, json.Unmarshal(msgs[0].Body, &payload))
	assert.Equal(t, res.Order.ID, payload.OrderID)
}

func (suite *checkoutSuite) TestCheckoutIdempotentReplay() {
	t := suite.T()
	ctx := t.Context()

	p := suite.seedProduct(5)
	uid := randomUserID()
	cart := suite.openCart(uid, orders.ItemQty{ProductID: p.ID, Qty: 2})

	q := queue.NewMemory()
	svc := suite.service(q)
	key := gofakeit.UUID()

	first, err := svc.Checkout(ctx, uid, cart.ID, key, gofakeit.UUID())
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := svc.Checkout(ctx, uid, cart.ID, key, gofakeit.UUID())
	require.NoError(t, err)
	assert.True(t, second.Replayed)

	// Byte-identical response, same order, no extra side effects.
	assert.Equal(t, string(first.Response), string(second.Response))
	assert.Equal(t, first.Order.ID, second.Order.ID)

	rec, err := suite.inv.Get(ctx, suite.pool, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.AvailableQty)

	list, err := suite.repo.ListOrdersByUser(ctx, suite.pool, uid)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.Equal(t, 1, q.Len())
}

func (suite *checkoutSuite) TestCheckoutRejections() {
	t := suite.T()
	ctx := t.Context()

	p := suite.seedProduct(10)
	owner := randomUserID()
	ownedCart := suite.openCart(owner, orders.ItemQty{ProductID: p.ID, Qty: 1})

	emptyUser := randomUserID()
	emptyCart := suite.openCart(emptyUser)

	closedUser := randomUserID()
	closedCart := suite.openCart(closedUser, orders.ItemQty{ProductID: p.ID, Qty: 1})
	svc := suite.service(queue.NewMemory())
	_, err := svc.Checkout(ctx, closedUser, closedCart.ID, gofakeit.UUID(), gofakeit.UUID())
	suite.Require().NoError(err)

	tests := []struct {
		name    string
		userID  int64
		cartID  int64
		key     string
		wantErr error
	}{
		{
			name:   "non-positive user id",
			userID: 0, cartID: ownedCart.ID, key: gofakeit.UUID(),
			wantErr: orders.ValidationError{Msg: "userId must be a positive integer"},
		},
		{
			name:   "non-positive cart id",
			userID: owner, cartID: -1, key: gofakeit.UUID(),
			wantErr: orders.ValidationError{Msg: "cartId must be a positive integer"},
		},
		{
			name:   "missing idempotency key",
			userID: owner, cartID: ownedCart.ID, key: "",
			wantErr: orders.ValidationError{Msg: "missing idempotency key"},
		},
		{
			name:   "unknown cart",
			userID: owner, cartID: 1 << 40, key: gofakeit.UUID(),
			wantErr: orders.ErrCartNotFound,
		},
		{
			name:   "cart owned by someone else",
			userID: randomUserID(), cartID: ownedCart.ID, key: gofakeit.UUID(),
			wantErr: orders.ErrCartNotOwned,
		},
		{
			name:   "empty cart",
			userID: emptyUser, cartID: emptyCart.ID, key: gofakeit.UUID(),
			wantErr: orders.ErrCartEmpty,
		},
		{
			name:   "already checked out cart",
			userID: closedUser, cartID: closedCart.ID, key: gofakeit.UUID(),
			wantErr: orders.ErrCartNotOpen,
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			t := suite.T()

			q := queue.NewMemory()
			svc := suite.service(q)

			_, err := svc.Checkout(ctx, tt.userID, tt.cartID, tt.key, gofakeit.UUID())
			var wantVE, gotVE orders.ValidationError
			if errors.As(tt.wantErr, &wantVE) {
				require.ErrorAs(t, err, &gotVE)
				assert.EqualError(t, err, tt.wantErr.Error())
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}

			assert.Equal(t, 0, q.Len())
			if tt.key != "" {
				// The failed attempt released its claim.
				assert.Equal(t, 0, suite.keyCount(tt.key))
			}
		})
	}
}

func (suite *checkoutSuite) TestCheckoutInsufficientStock() {
	t := suite.T()
	ctx := t.Context()

	p := suite.seedProduct(1)
	uid := randomUserID()
	cart := suite.openCart(uid, orders.ItemQty{ProductID: p.ID, Qty: 2})

	q := queue.NewMemory()
	svc := suite.service(q)
	key := gofakeit.UUID()

	_, err := svc.Checkout(ctx, uid, cart.ID, key, gofakeit.UUID())

	var stockErr orders.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, p.ID, stockErr.ProductID)
	assert.Equal(t, 2, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Available)

	// Nothing moved: stock intact, key released, no message published.
	rec, err := suite.inv.Get(ctx, suite.pool, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AvailableQty)
	assert.Equal(t, 0, suite.keyCount(key))
	assert.Equal(t, 0, q.Len())

	// After a restock the same key goes through cleanly.
	_, err = suite.inv.Restock(ctx, suite.pool, p.ID, 5)
	require.NoError(t, err)

	res, err := svc.Checkout(ctx, uid, cart.ID, key, gofakeit.UUID())
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, orders.OrderPending, res.Order.Status)
}

func (suite *checkoutSuite) TestCheckoutConcurrentSingleUnit() {
	t := suite.T()
	ctx := t.Context()

	p := suite.seedProduct(1)
	userA, userB := randomUserID(), randomUserID()
	cartA := suite.openCart(userA, orders.ItemQty{ProductID: p.ID, Qty: 1})
	cartB := suite.openCart(userB, orders.ItemQty{ProductID: p.ID, Qty: 1})

	svc := suite.service(queue.NewMemory())

	type attempt struct {
		userID int64
		cartID int64
	}
	attempts := []attempt{{userA, cartA.ID}, {userB, cartB.ID}}
	errs := make([]error, len(attempts))

	var wg sync.WaitGroup
	for i, a := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Checkout(ctx, a.userID, a.cartID, gofakeit.UUID(), gofakeit.UUID())
		}()
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		var stockErr orders.InsufficientStockError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &stockErr):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)

	rec, err := suite.inv.Get(ctx, suite.pool, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.AvailableQty)
}

func (suite *checkoutSuite) TestCheckoutPriceSnapshot() {
	t := suite.T()
	ctx := t.Context()

	p := suite.seedProduct(10)
	uid := randomUserID()
	cart := suite.openCart(uid, orders.ItemQty{ProductID: p.ID, Qty: 1})

	svc := suite.service(queue.NewMemory())

	res, err := svc.Checkout(ctx, uid, cart.ID, gofakeit.UUID(), gofakeit.UUID())
	require.NoError(t, err)

	// A later catalog price change must not leak into the frozen order.
	newPrice := p.PriceCents + 500
	_, err = suite.repo.UpdateProductPrice(ctx, suite.pool, p.ID, newPrice)
	require.NoError(t, err)

	order, items, err := suite.repo.GetOrderWithItems(ctx, suite.pool, res.Order.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, p.PriceCents, items[0].PriceCents)
	assert.Equal(t, p.PriceCents, order.TotalCents)

	// A fresh checkout sees the new price.
	cart2 := suite.openCart(uid, orders.ItemQty{ProductID: p.ID, Qty: 1})
	res2, err := svc.Checkout(ctx, uid, cart2.ID, gofakeit.UUID(), gofakeit.UUID())
	require.NoError(t, err)
	assert.Equal(t, newPrice, res2.Order.TotalCents)
}
