package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-order-settlement/internal/orders"
)

// IdempotencyHeader carries the client-supplied checkout token.
const IdempotencyHeader = "Idempotency-Key"

// userHeader is set by the upstream gateway after authentication.
const userHeader = "X-User-Id"

type Handler struct {
	DB        *pgxpool.Pool
	Repo      orders.Repo
	Inventory orders.InventoryRepo
	Checkout  *orders.CheckoutService
}

func (h *Handler) Register(r *chi.Mux) {
	r.Post("/checkout", h.checkout)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/products", h.listProducts)

	r.Get("/cart", h.getCart)
	r.Post("/cart/items", h.addCartItem)
	r.Delete("/cart/items/{productID}", h.removeCartItem)

	r.Post("/admin/products", h.createProduct)
	r.Post("/admin/inventory/restock", h.restock)
	r.Get("/admin/inventory/{productID}", h.getInventory)
}

func userID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(userHeader)), 10, 64)
	return id, err == nil && id > 0
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user identity"})
		return
	}
	idemKey := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if idemKey == "" {
		// Distinct from all other validation failures so clients learn to
		// send the header before anything else is looked at.
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing Idempotency-Key header"})
		return
	}

	var req struct {
		CartID int64 `json:"cart_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result, err := h.Checkout.Checkout(ctx, uid, req.CartID, idemKey, middleware.GetReqID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	// The cached payload verbatim: replays are byte-identical.
	writeRaw(w, http.StatusCreated, result.Response)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user identity"})
		return
	}
	out, err := h.Repo.ListOrdersByUser(r.Context(), h.DB, uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user identity"})
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	order, items, err := h.Repo.GetOrderWithItems(r.Context(), h.DB, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if order.UserID != uid {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": orders.ErrOrderNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order, "order_items": items})
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	out, err := h.Repo.ListProducts(r.Context(), h.DB)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user identity"})
		return
	}
	cart, err := h.Repo.FindOpenCart(r.Context(), h.DB, uid)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := h.Repo.GetCartItems(r.Context(), h.DB, cart.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cart": cart, "items": items})
}

func (h *Handler) addCartItem(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user identity"})
		return
	}
	var req struct {
		ProductID int64 `json:"product_id"`
		Qty       int   `json:"qty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Qty < 1 {
		req.Qty = 1
	}

	if _, err := h.Repo.GetProduct(r.Context(), h.DB, req.ProductID); err != nil {
		writeError(w, err)
		return
	}
	cart, err := h.Repo.FindOrCreateOpenCart(r.Context(), h.DB, uid)
	if err != nil {
		writeError(w, err)
		return
	}
	item, err := h.Repo.AddOrUpdateCartItem(r.Context(), h.DB, cart.ID, req.ProductID, req.Qty)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) removeCartItem(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user identity"})
		return
	}
	pid, ok := pathID(r, "productID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid product id"})
		return
	}
	cart, err := h.Repo.FindOpenCart(r.Context(), h.DB, uid)
	if err != nil {
		writeError(w, err)
		return
	}
	removed, err := h.Repo.RemoveCartItem(r.Context(), h.DB, cart.ID, pid)
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted_product": pid})
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SKU        string `json:"sku"`
		Name       string `json:"name"`
		PriceCents int64  `json:"price_cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SKU == "" || req.Name == "" || req.PriceCents < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid product"})
		return
	}
	p, err := h.Repo.CreateProduct(r.Context(), h.DB, req.SKU, req.Name, req.PriceCents)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Inventory.CreateRecord(r.Context(), h.DB, p.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) restock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID int64 `json:"product_id"`
		Qty       int   `json:"qty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID <= 0 || req.Qty <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "qty must be an integer greater than 0"})
		return
	}
	if _, err := h.Repo.GetProduct(r.Context(), h.DB, req.ProductID); err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.Inventory.Restock(r.Context(), h.DB, req.ProductID, req.Qty)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) getInventory(w http.ResponseWriter, r *http.Request) {
	pid, ok := pathID(r, "productID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid product id"})
		return
	}
	rec, err := h.Inventory.Get(r.Context(), h.DB, pid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
