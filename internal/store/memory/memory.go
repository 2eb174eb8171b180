package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pondycafe/backend/internal/domain"
	"pondycafe/backend/internal/store"
)

type Store struct {
	mu sync.RWMutex
	st *state
}

// state is everything the store holds. Invoice transactions run against a
// clone and swap it in on success, so a failed sale leaves no trace.
type state struct {
	products        map[int64]domain.Product
	customers       map[int64]domain.Customer
	customerByPhone map[string]int64
	invoices        map[int64]domain.Invoice
	invoiceByNumber map[string]int64
	stockHistory    []domain.StockHistory

	lastProductID  int64
	lastCustomerID int64
	lastInvoiceID  int64
	lastItemID     int64
	lastHistoryID  int64
}

func newState() *state {
	return &state{
		products:        make(map[int64]domain.Product),
		customers:       make(map[int64]domain.Customer),
		customerByPhone: make(map[string]int64),
		invoices:        make(map[int64]domain.Invoice),
		invoiceByNumber: make(map[string]int64),
		stockHistory:    make([]domain.StockHistory, 0, 64),
	}
}

func (st *state) clone() *state {
	dup := *st
	dup.products = maps.Clone(st.products)
	dup.customers = maps.Clone(st.customers)
	dup.customerByPhone = maps.Clone(st.customerByPhone)
	dup.invoices = make(map[int64]domain.Invoice, len(st.invoices))
	for id, inv := range st.invoices {
		dup.invoices[id] = cloneInvoice(inv)
	}
	dup.invoiceByNumber = maps.Clone(st.invoiceByNumber)
	dup.stockHistory = slices.Clone(st.stockHistory)
	return &dup
}

func New() *Store {
	return &Store{st: newState()}
}

// NewSeeded returns a store stocked with the café's default menu, used when no
// database is configured.
func NewSeeded() *Store {
	s := New()
	seed := []domain.Product{
		{Name: "Filter Coffee", Category: "Beverage", Price: decimal.NewFromInt(50), Stock: 120, MinStock: 20},
		{Name: "Masala Chai", Category: "Beverage", Price: decimal.NewFromInt(30), Stock: 150, MinStock: 20},
		{Name: "Cold Coffee", Category: "Beverage", Price: decimal.NewFromInt(90), Stock: 60, MinStock: 10},
		{Name: "Veg Sandwich", Category: "Food", Price: decimal.NewFromInt(80), Stock: 40, MinStock: 10},
		{Name: "Paneer Puff", Category: "Food", Price: decimal.NewFromInt(35), Stock: 50, MinStock: 10},
		{Name: "Butter Cookies", Category: "Snacks", Price: decimal.NewFromInt(25), Stock: 80, MinStock: 15},
		{Name: "Chocolate Brownie", Category: "Dessert", Price: decimal.NewFromInt(70), Stock: 30, MinStock: 8},
	}
	for _, p := range seed {
		p.Icon = domain.CategoryIcon(p.Category)
		_, _ = s.CreateProduct(context.Background(), p)
	}
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.st.products))
	for _, p := range s.st.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.st.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if !validProduct(product) {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.lastProductID++
	product.ID = s.st.lastProductID
	product.Active = true
	s.st.products[product.ID] = product
	s.st.appendHistory(domain.StockHistory{
		ProductID:      product.ID,
		QuantityChange: product.Stock,
		ChangeType:     domain.StockChangeInitial,
		Notes:          "Initial stock",
		CreatedAt:      time.Now().UTC(),
	})

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, id int64, req domain.ProductUpdateRequest) (*domain.Product, error) {
	if req.Empty() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.st.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	updated := req.Apply(existing)
	if !validProduct(updated) {
		return nil, store.ErrInvalidInput
	}

	s.st.products[id] = updated
	if delta := updated.Stock - existing.Stock; delta != 0 {
		s.st.appendHistory(domain.StockHistory{
			ProductID:      id,
			QuantityChange: delta,
			ChangeType:     domain.StockChangeAdjustment,
			Notes:          adjustmentNote(delta),
			CreatedAt:      time.Now().UTC(),
		})
	}
	return &updated, nil
}

func (s *Store) DeactivateProduct(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.st.products[id]
	if !exists {
		return store.ErrNotFound
	}
	product.Active = false
	s.st.products[id] = product
	return nil
}

func (s *Store) ListStockHistory(_ context.Context, productID int64, limit int) ([]domain.StockHistory, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]domain.StockHistory, 0, limit)
	for i := len(s.st.stockHistory) - 1; i >= 0 && len(history) < limit; i-- {
		if s.st.stockHistory[i].ProductID == productID {
			history = append(history, s.st.stockHistory[i])
		}
	}
	return history, nil
}

func (s *Store) ListCustomers(_ context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.st.customers))
	for _, c := range s.st.customers {
		customers = append(customers, c)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		if c := compareVisit(b.LastVisit, a.LastVisit); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if len(customers) > limit {
		customers = customers[:limit]
	}
	return customers, nil
}

func (s *Store) ListInvoices(_ context.Context, limit int) ([]domain.Invoice, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	invoices := make([]domain.Invoice, 0, len(s.st.invoices))
	for _, inv := range s.st.invoices {
		inv.Items = nil
		invoices = append(invoices, inv)
	}
	slices.SortFunc(invoices, func(a, b domain.Invoice) int {
		return cmp.Compare(b.ID, a.ID)
	})
	if len(invoices) > limit {
		invoices = invoices[:limit]
	}
	return invoices, nil
}

func (s *Store) GetInvoiceByNumber(_ context.Context, number string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.st.invoiceByNumber[number]
	if !exists {
		return nil, store.ErrNotFound
	}
	inv := cloneInvoice(s.st.invoices[id])
	return &inv, nil
}

// WithinInvoiceTx holds the write lock for the whole unit of work, which gives
// the same guarantees as a serializable database transaction.
func (s *Store) WithinInvoiceTx(ctx context.Context, fn func(tx store.InvoiceTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.st.clone()
	if err := fn(&invoiceTx{st: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = staged
	return nil
}

type invoiceTx struct {
	st *state
}

func (tx *invoiceTx) FindCustomerByPhone(_ context.Context, phone string) (int64, bool, error) {
	id, ok := tx.st.customerByPhone[phone]
	return id, ok, nil
}

func (tx *invoiceTx) RecordCustomerVisit(_ context.Context, customerID int64, name string, amount decimal.Decimal, at time.Time) error {
	customer, ok := tx.st.customers[customerID]
	if !ok {
		return store.ErrNotFound
	}
	visit := at
	customer.Name = name
	customer.TotalPurchases++
	customer.TotalSpent = customer.TotalSpent.Add(amount)
	customer.LastVisit = &visit
	tx.st.customers[customerID] = customer
	return nil
}

func (tx *invoiceTx) CreateCustomer(_ context.Context, customer domain.Customer) (int64, error) {
	if _, exists := tx.st.customerByPhone[customer.Phone]; exists {
		return 0, store.ErrConflict
	}
	tx.st.lastCustomerID++
	customer.ID = tx.st.lastCustomerID
	tx.st.customers[customer.ID] = customer
	tx.st.customerByPhone[customer.Phone] = customer.ID
	return customer.ID, nil
}

func (tx *invoiceTx) MaxInvoiceSequence(_ context.Context, year int) (int, error) {
	maxSeq := 0
	for number := range tx.st.invoiceByNumber {
		if seq, ok := domain.ParseInvoiceSequence(number, year); ok && seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq, nil
}

func (tx *invoiceTx) CreateInvoice(_ context.Context, invoice domain.Invoice) (int64, error) {
	if _, exists := tx.st.invoiceByNumber[invoice.Number]; exists {
		return 0, store.ErrConflict
	}
	tx.st.lastInvoiceID++
	invoice.ID = tx.st.lastInvoiceID
	invoice.Items = nil
	tx.st.invoices[invoice.ID] = invoice
	tx.st.invoiceByNumber[invoice.Number] = invoice.ID
	return invoice.ID, nil
}

func (tx *invoiceTx) LockProductStock(_ context.Context, productID int64) (int, error) {
	product, ok := tx.st.products[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return product.Stock, nil
}

func (tx *invoiceTx) CreateInvoiceItem(_ context.Context, item domain.InvoiceItem) error {
	invoice, ok := tx.st.invoices[item.InvoiceID]
	if !ok {
		return store.ErrNotFound
	}
	tx.st.lastItemID++
	item.ID = tx.st.lastItemID
	invoice.Items = append(invoice.Items, item)
	tx.st.invoices[item.InvoiceID] = invoice
	return nil
}

func (tx *invoiceTx) DecrementStock(_ context.Context, productID int64, qty int) error {
	product, ok := tx.st.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	if product.Stock < qty {
		return store.ErrInsufficientStock
	}
	product.Stock -= qty
	tx.st.products[productID] = product
	return nil
}

func (tx *invoiceTx) AppendStockHistory(_ context.Context, entry domain.StockHistory) error {
	if _, ok := tx.st.products[entry.ProductID]; !ok {
		return store.ErrNotFound
	}
	tx.st.appendHistory(entry)
	return nil
}

func (st *state) appendHistory(entry domain.StockHistory) {
	st.lastHistoryID++
	entry.ID = st.lastHistoryID
	st.stockHistory = append(st.stockHistory, entry)
}

func validProduct(p domain.Product) bool {
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Category) == "" {
		return false
	}
	return !p.Price.IsNegative() && p.Stock >= 0 && p.MinStock >= 0
}

func adjustmentNote(delta int) string {
	if delta > 0 {
		return "Stock added"
	}
	return "Stock removed"
}

func compareVisit(a *time.Time, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}

func cloneInvoice(src domain.Invoice) domain.Invoice {
	dup := src
	dup.Items = slices.Clone(src.Items)
	return dup
}
