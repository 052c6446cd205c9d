package orders

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Caller-visible error taxonomy. Repos translate raw storage errors into
// these at the boundary; the HTTP layer maps them onto status codes.
var (
	ErrCartNotFound      = errors.New("cart not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInventoryNotFound = errors.New("inventory not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrCartNotOwned      = errors.New("cart does not belong to this user")
	ErrCartNotOpen       = errors.New("cart is not open")
	ErrCartEmpty         = errors.New("cart is empty")
	ErrDuplicateKey      = errors.New("duplicate key")
)

// ValidationError marks bad or missing caller input. Never retried.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InsufficientStockError is a business-rule rejection, not a system fault:
// the caller may retry after a restock.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

const pgUniqueViolation = "23505"

// translatePG surfaces unique-constraint violations as ErrDuplicateKey
// instead of leaking raw SQLSTATEs.
func translatePG(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}
