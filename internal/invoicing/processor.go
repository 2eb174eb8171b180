// Package invoicing records a sale: it resolves the customer, allocates the
// next invoice number, writes the invoice and its lines, and debits stock, all
// inside one unit of work supplied by the store.
package invoicing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pondycafe/backend/internal/domain"
	"pondycafe/backend/internal/logging"
	"pondycafe/backend/internal/store"
)

const DefaultMaxAttempts = 3

type Processor struct {
	repo        store.Repository
	now         func() time.Time
	maxAttempts int
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMaxAttempts bounds how many times a transaction that lost a race with a
// concurrent sale is re-run.
func WithMaxAttempts(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

func New(repo store.Repository, opts ...Option) *Processor {
	p := &Processor{
		repo:        repo,
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process persists the invoice described by req and updates customer and stock
// state, or persists nothing. The caller is expected to have validated that
// required fields are present and the cart is non-empty.
func (p *Processor) Process(ctx context.Context, req domain.InvoiceRequest) (domain.InvoiceResult, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.InvoiceResult{}, err
		}

		result, err := p.attempt(ctx, req)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return domain.InvoiceResult{}, err
		}

		lastErr = err
		logging.FromContext(ctx).WithFields(logrus.Fields{
			"attempt": attempt,
			"phone":   req.CustomerPhone,
		}).WithError(err).Warn("invoice transaction conflicted with a concurrent sale")
	}
	return domain.InvoiceResult{}, lastErr
}

func (p *Processor) attempt(ctx context.Context, req domain.InvoiceRequest) (domain.InvoiceResult, error) {
	now := p.now()
	var result domain.InvoiceResult

	err := p.repo.WithinInvoiceTx(ctx, func(tx store.InvoiceTx) error {
		customerID, err := resolveCustomer(ctx, tx, req, now)
		if err != nil {
			return err
		}

		number, err := nextInvoiceNumber(ctx, tx, now.Year())
		if err != nil {
			return &WriteError{Stage: StageInvoice, Action: "allocate invoice number", Err: err}
		}

		invoiceID, err := tx.CreateInvoice(ctx, domain.Invoice{
			Number:        number,
			CustomerID:    customerID,
			CustomerName:  req.CustomerName,
			CustomerPhone: req.CustomerPhone,
			PaymentMethod: req.PaymentMethod,
			Subtotal:      req.Subtotal,
			Tax:           req.Tax,
			Total:         req.Total,
			CreatedAt:     now,
		})
		if err != nil {
			return &WriteError{Stage: StageInvoice, Action: "save invoice", Err: err}
		}

		for _, line := range req.Items {
			if err := reconcileLine(ctx, tx, invoiceID, number, line, now); err != nil {
				return err
			}
		}

		result = domain.InvoiceResult{
			InvoiceNumber: number,
			InvoiceID:     invoiceID,
			CustomerID:    customerID,
		}
		return nil
	})
	if err != nil {
		return domain.InvoiceResult{}, err
	}
	return result, nil
}

// resolveCustomer upserts the customer keyed by phone. The name on the latest
// invoice wins.
func resolveCustomer(ctx context.Context, tx store.InvoiceTx, req domain.InvoiceRequest, now time.Time) (int64, error) {
	customerID, found, err := tx.FindCustomerByPhone(ctx, req.CustomerPhone)
	if err != nil {
		return 0, &WriteError{Stage: StageCustomer, Action: "look up customer", Err: err}
	}

	if found {
		if err := tx.RecordCustomerVisit(ctx, customerID, req.CustomerName, req.Total, now); err != nil {
			return 0, &WriteError{Stage: StageCustomer, Action: "update customer", Err: err}
		}
		return customerID, nil
	}

	lastVisit := now
	customerID, err = tx.CreateCustomer(ctx, domain.Customer{
		Name:           req.CustomerName,
		Phone:          req.CustomerPhone,
		Email:          req.Email,
		TotalPurchases: 1,
		TotalSpent:     req.Total,
		LastVisit:      &lastVisit,
		CreatedAt:      now,
	})
	if err != nil {
		return 0, &WriteError{Stage: StageCustomer, Action: "create customer", Err: err}
	}
	return customerID, nil
}

func nextInvoiceNumber(ctx context.Context, tx store.InvoiceTx, year int) (string, error) {
	maxSeq, err := tx.MaxInvoiceSequence(ctx, year)
	if err != nil {
		return "", err
	}
	return domain.FormatInvoiceNumber(year, maxSeq+1), nil
}

func reconcileLine(ctx context.Context, tx store.InvoiceTx, invoiceID int64, number string, line domain.CartLine, now time.Time) error {
	stock, err := tx.LockProductStock(ctx, line.ProductID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &ProductNotFoundError{ProductID: line.ProductID, Item: line.Name}
		}
		return &WriteError{Stage: StageItem, Action: "check stock", Item: line.Name, Err: err}
	}
	if stock < line.Quantity {
		return &InsufficientStockError{ProductID: line.ProductID, Item: line.Name, Available: stock, Requested: line.Quantity}
	}

	err = tx.CreateInvoiceItem(ctx, domain.InvoiceItem{
		InvoiceID:   invoiceID,
		ProductID:   line.ProductID,
		ProductName: line.Name,
		Category:    line.Category,
		Quantity:    line.Quantity,
		UnitPrice:   line.Price,
		LineTotal:   line.LineTotal(),
	})
	if err != nil {
		return &WriteError{Stage: StageItem, Action: "save invoice item", Item: line.Name, Err: err}
	}

	if err := tx.DecrementStock(ctx, line.ProductID, line.Quantity); err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			return &InsufficientStockError{ProductID: line.ProductID, Item: line.Name, Available: stock, Requested: line.Quantity}
		}
		return &WriteError{Stage: StageItem, Action: "update stock", Item: line.Name, Err: err}
	}

	reference := invoiceID
	err = tx.AppendStockHistory(ctx, domain.StockHistory{
		ProductID:      line.ProductID,
		QuantityChange: -line.Quantity,
		ChangeType:     domain.StockChangeSale,
		ReferenceID:    &reference,
		Notes:          fmt.Sprintf("Sold via invoice %s", number),
		CreatedAt:      now,
	})
	if err != nil {
		return &WriteError{Stage: StageItem, Action: "record stock history", Item: line.Name, Err: err}
	}
	return nil
}
