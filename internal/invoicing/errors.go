package invoicing

import (
	"errors"
	"fmt"

	"pondycafe/backend/internal/store"
)

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrInsufficientStock   = store.ErrInsufficientStock
	ErrCustomerWriteFailed = errors.New("customer write failed")
	ErrInvoiceWriteFailed  = errors.New("invoice write failed")
	ErrItemWriteFailed     = errors.New("invoice item write failed")
)

type ProductNotFoundError struct {
	ProductID int64
	Item      string
}

func (e *ProductNotFoundError) Error() string {
	return "Product not found: " + e.Item
}

func (e *ProductNotFoundError) Is(target error) bool {
	return target == ErrProductNotFound
}

type InsufficientStockError struct {
	ProductID int64
	Item      string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return "Insufficient stock for " + e.Item
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type Stage string

const (
	StageCustomer Stage = "customer"
	StageInvoice  Stage = "invoice"
	StageItem     Stage = "item"
)

// WriteError is a storage failure inside the invoice transaction. Err keeps the
// store's own message so it can be shown to the cashier; Item names the cart
// line being written, if any, for logs.
type WriteError struct {
	Stage  Stage
	Action string
	Item   string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("Failed to %s: %v", e.Action, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func (e *WriteError) Is(target error) bool {
	switch e.Stage {
	case StageCustomer:
		return target == ErrCustomerWriteFailed
	case StageInvoice:
		return target == ErrInvoiceWriteFailed
	case StageItem:
		return target == ErrItemWriteFailed
	}
	return false
}
