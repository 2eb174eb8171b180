package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"pondycafe/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid input")
	// ErrConflict marks a failure caused by a concurrent writer (serialization
	// failure, deadlock, unique violation). The whole unit of work may be retried.
	ErrConflict = errors.New("concurrent update conflict")
)

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (*domain.Product, error)
	DeactivateProduct(ctx context.Context, id int64) error
	ListStockHistory(ctx context.Context, productID int64, limit int) ([]domain.StockHistory, error)
	ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error)
	ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error)
	GetInvoiceByNumber(ctx context.Context, number string) (*domain.Invoice, error)

	// WithinInvoiceTx runs fn inside one atomic unit of work. fn's writes are
	// committed only if it returns nil; otherwise all of them are discarded.
	WithinInvoiceTx(ctx context.Context, fn func(tx InvoiceTx) error) error
}

// InvoiceTx is the set of storage primitives the invoice transaction is built
// from. Implementations are bound to a single in-flight transaction.
type InvoiceTx interface {
	FindCustomerByPhone(ctx context.Context, phone string) (int64, bool, error)
	RecordCustomerVisit(ctx context.Context, customerID int64, name string, amount decimal.Decimal, at time.Time) error
	CreateCustomer(ctx context.Context, customer domain.Customer) (int64, error)
	MaxInvoiceSequence(ctx context.Context, year int) (int, error)
	CreateInvoice(ctx context.Context, invoice domain.Invoice) (int64, error)
	// LockProductStock returns the current stock of the product and holds it
	// against concurrent sales until the transaction ends. Unknown ids yield
	// ErrNotFound.
	LockProductStock(ctx context.Context, productID int64) (int, error)
	CreateInvoiceItem(ctx context.Context, item domain.InvoiceItem) error
	// DecrementStock fails with ErrInsufficientStock rather than drive stock
	// below zero.
	DecrementStock(ctx context.Context, productID int64, qty int) error
	AppendStockHistory(ctx context.Context, entry domain.StockHistory) error
}
