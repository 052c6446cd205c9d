package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-order-settlement/internal/orders"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps the domain error taxonomy onto HTTP status codes; anything
// unrecognized is an internal error.
func statusFor(err error) int {
	var ve orders.ValidationError
	var stock orders.InsufficientStockError
	switch {
	case errors.As(err, &ve),
		errors.As(err, &stock),
		errors.Is(err, orders.ErrCartNotOpen),
		errors.Is(err, orders.ErrCartEmpty):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrCartNotOwned):
		return http.StatusForbidden
	case errors.Is(err, orders.ErrCartNotFound),
		errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, orders.ErrProductNotFound),
		errors.Is(err, orders.ErrInventoryNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrDuplicateKey):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
