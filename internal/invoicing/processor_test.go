package invoicing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pondycafe/backend/internal/domain"
	"pondycafe/backend/internal/store"
	"pondycafe/backend/internal/store/memory"
)

func fixedClock(year int) func() time.Time {
	return func() time.Time {
		return time.Date(year, time.June, 1, 10, 30, 0, 0, time.UTC)
	}
}

func newCafe(t *testing.T) *memory.Store {
	t.Helper()
	repo := memory.New()
	ctx := context.Background()
	for _, p := range []domain.Product{
		{Name: "Coffee", Category: "Beverage", Price: decimal.NewFromInt(50), Stock: 20, MinStock: 5},
		{Name: "Sandwich", Category: "Food", Price: decimal.NewFromInt(80), Stock: 10, MinStock: 2},
		{Name: "Cookie", Category: "Snacks", Price: decimal.NewFromInt(25), Stock: 1, MinStock: 2},
	} {
		_, err := repo.CreateProduct(ctx, p)
		require.NoError(t, err)
	}
	return repo
}

func line(id int64, name string, price int64, qty int) domain.CartLine {
	return domain.CartLine{
		ProductID: id,
		Name:      name,
		Category:  "Beverage",
		Price:     decimal.NewFromInt(price),
		Quantity:  qty,
	}
}

func sale(name string, phone string, total int64, items ...domain.CartLine) domain.InvoiceRequest {
	return domain.InvoiceRequest{
		CustomerName:  name,
		CustomerPhone: phone,
		PaymentMethod: "Cash",
		Items:         items,
		Subtotal:      decimal.NewFromInt(total),
		Tax:           decimal.Zero,
		Total:         decimal.NewFromInt(total),
	}
}

func TestProcessRecordsSaleEndToEnd(t *testing.T) {
	repo := newCafe(t)
	ctx := context.Background()
	p := New(repo, WithClock(fixedClock(2024)))

	req := sale("Asha", "1234567890", 108, line(1, "Coffee", 50, 2))
	req.Subtotal = decimal.NewFromInt(100)
	req.Tax = decimal.NewFromInt(8)

	result, err := p.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "INV-2024-0001", result.InvoiceNumber)

	customers, err := repo.ListCustomers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, result.CustomerID, customers[0].ID)
	assert.Equal(t, 1, customers[0].TotalPurchases)
	assert.True(t, decimal.NewFromInt(108).Equal(customers[0].TotalSpent))

	invoice, err := repo.GetInvoiceByNumber(ctx, result.InvoiceNumber)
	require.NoError(t, err)
	assert.Equal(t, "108.00", invoice.Total.StringFixed(2))
	require.Len(t, invoice.Items, 1)

	product, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 18, product.Stock)

	history, err := repo.ListStockHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.StockChangeSale, history[0].ChangeType)
	assert.Equal(t, -2, history[0].QuantityChange)
	require.NotNil(t, history[0].ReferenceID)
	assert.Equal(t, result.InvoiceID, *history[0].ReferenceID)
	assert.Equal(t, "Sold via invoice INV-2024-0001", history[0].Notes)
}

func TestProcessComputesLineTotalFromPriceAndQuantity(t *testing.T) {
	repo := newCafe(t)
	ctx := context.Background()

	result, err := New(repo, WithClock(fixedClock(2024))).Process(ctx, sale("Ravi", "5550001", 150, line(1, "Coffee", 50, 3)))
	require.NoError(t, err)

	invoice, err := repo.GetInvoiceByNumber(ctx, result.InvoiceNumber)
	require.NoError(t, err)
	require.Len(t, invoice.Items, 1)
	assert.True(t, decimal.NewFromInt(150).Equal(invoice.Items[0].LineTotal))
	assert.True(t, decimal.NewFromInt(50).Equal(invoice.Items[0].UnitPrice))
}

func TestProcessUpsertsCustomerByPhone(t *testing.T) {
	repo := newCafe(t)
	ctx := context.Background()
	p := New(repo, WithClock(fixedClock(2024)))

	first, err := p.Process(ctx, sale("Meena", "9999999999", 50, line(1, "Coffee", 50, 1)))
	require.NoError(t, err)
	second, err := p.Process(ctx, sale("Meena K", "9999999999", 100, line(1, "Coffee", 50, 2)))
	require.NoError(t, err)

	assert.Equal(t, first.CustomerID, second.CustomerID)
	assert.Equal(t, "INV-2024-0002", second.InvoiceNumber)

	customers, err := repo.ListCustomers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "Meena K", customers[0].Name)
	assert.Equal(t, 2, customers[0].TotalPurchases)
	assert.True(t, decimal.NewFromInt(150).Equal(customers[0].TotalSpent))
}

func TestProcessStartsFreshSequenceEachYear(t *testing.T) {
	repo := newCafe(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := New(repo, WithClock(fixedClock(2024))).Process(ctx, sale("Asha", "1234567890", 50, line(1, "Coffee", 50, 1)))
		require.NoError(t, err)
	}

	result, err := New(repo, WithClock(fixedClock(2025))).Process(ctx, sale("Asha", "1234567890", 50, line(1, "Coffee", 50, 1)))
	require.NoError(t, err)
	assert.Equal(t, "INV-2025-0001", result.InvoiceNumber)
}

func TestProcessIsAllOrNothing(t *testing.T) {
	repo := newCafe(t)
	ctx := context.Background()

	_, err := New(repo).Process(ctx, sale("Asha", "1234567890", 205,
		line(1, "Coffee", 50, 2),
		line(2, "Sandwich", 80, 1),
		line(3, "Cookie", 25, 5),
	))

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, "Insufficient stock for Cookie", err.Error())
	assert.Equal(t, 1, stockErr.Available)

	customers, _ := repo.ListCustomers(ctx, 10)
	assert.Empty(t, customers)
	invoices, _ := repo.ListInvoices(ctx, 10)
	assert.Empty(t, invoices)

	coffee, _ := repo.GetProduct(ctx, 1)
	assert.Equal(t, 20, coffee.Stock)
	sandwich, _ := repo.GetProduct(ctx, 2)
	assert.Equal(t, 10, sandwich.Stock)

	history, _ := repo.ListStockHistory(ctx, 1, 10)
	assert.Len(t, history, 1, "only the initial stock row should remain")
}

func TestProcessUnknownProduct(t *testing.T) {
	repo := newCafe(t)

	_, err := New(repo).Process(context.Background(), sale("Asha", "1234567890", 50, line(42, "Ghost Latte", 50, 1)))
	require.ErrorIs(t, err, ErrProductNotFound)
	assert.Equal(t, "Product not found: Ghost Latte", err.Error())
}

func TestProcessNeverOversellsUnderConcurrency(t *testing.T) {
	repo := newCafe(t)
	ctx := context.Background()
	p := New(repo)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(ctx, sale("Walk-in", "000", 160, line(2, "Sandwich", 80, 2)))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientStock)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	sandwich, _ := repo.GetProduct(ctx, 2)
	assert.Equal(t, 0, sandwich.Stock)

	invoices, _ := repo.ListInvoices(ctx, 50)
	seen := make(map[string]bool, len(invoices))
	for _, inv := range invoices {
		assert.False(t, seen[inv.Number], "duplicate invoice number %s", inv.Number)
		seen[inv.Number] = true
	}
}

type conflictingRepo struct {
	store.Repository
	calls    int
	failures int
}

func (r *conflictingRepo) WithinInvoiceTx(ctx context.Context, fn func(tx store.InvoiceTx) error) error {
	r.calls++
	if r.calls <= r.failures {
		return store.ErrConflict
	}
	return r.Repository.WithinInvoiceTx(ctx, fn)
}

func TestProcessRetriesConflicts(t *testing.T) {
	repo := &conflictingRepo{Repository: newCafe(t), failures: 2}

	result, err := New(repo, WithMaxAttempts(3)).Process(context.Background(), sale("Asha", "1234567890", 50, line(1, "Coffee", 50, 1)))
	require.NoError(t, err)
	assert.Equal(t, 3, repo.calls)
	assert.NotEmpty(t, result.InvoiceNumber)
}

func TestProcessGivesUpAfterMaxAttempts(t *testing.T) {
	repo := &conflictingRepo{Repository: newCafe(t), failures: 10}

	_, err := New(repo, WithMaxAttempts(2)).Process(context.Background(), sale("Asha", "1234567890", 50, line(1, "Coffee", 50, 1)))
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 2, repo.calls)
}

type failingTx struct {
	store.InvoiceTx
	err error
}

func (f failingTx) CreateInvoice(context.Context, domain.Invoice) (int64, error) {
	return 0, f.err
}

type failingRepo struct {
	store.Repository
	err error
}

func (r failingRepo) WithinInvoiceTx(ctx context.Context, fn func(tx store.InvoiceTx) error) error {
	return r.Repository.WithinInvoiceTx(ctx, func(tx store.InvoiceTx) error {
		return fn(failingTx{InvoiceTx: tx, err: r.err})
	})
}

func TestProcessWrapsStorageFailures(t *testing.T) {
	repo := failingRepo{Repository: newCafe(t), err: errors.New("disk full")}

	_, err := New(repo).Process(context.Background(), sale("Asha", "1234567890", 50, line(1, "Coffee", 50, 1)))
	require.ErrorIs(t, err, ErrInvoiceWriteFailed)
	assert.Equal(t, "Failed to save invoice: disk full", err.Error())
	assert.NotErrorIs(t, err, ErrCustomerWriteFailed)
}

func TestProcessHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(newCafe(t)).Process(ctx, sale("Asha", "1234567890", 50, line(1, "Coffee", 50, 1)))
	assert.ErrorIs(t, err, context.Canceled)
}

type failingItemTx struct {
	store.InvoiceTx
	err error
}

func (f failingItemTx) CreateInvoiceItem(context.Context, domain.InvoiceItem) error {
	return f.err
}

type failingItemRepo struct {
	store.Repository
	err error
}

func (r failingItemRepo) WithinInvoiceTx(ctx context.Context, fn func(tx store.InvoiceTx) error) error {
	return r.Repository.WithinInvoiceTx(ctx, func(tx store.InvoiceTx) error {
		return fn(failingItemTx{InvoiceTx: tx, err: r.err})
	})
}

func TestProcessItemFailureKeepsStoreMessage(t *testing.T) {
	cafe := newCafe(t)
	repo := failingItemRepo{Repository: cafe, err: errors.New("Data too long for column 'product_name'")}

	_, err := New(repo).Process(context.Background(), sale("Asha", "1234567890", 50, line(1, "Coffee", 50, 1)))
	require.ErrorIs(t, err, ErrItemWriteFailed)
	assert.Equal(t, "Failed to save invoice item: Data too long for column 'product_name'", err.Error())

	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "Coffee", writeErr.Item)

	invoices, _ := cafe.ListInvoices(context.Background(), 10)
	assert.Empty(t, invoices)
}
