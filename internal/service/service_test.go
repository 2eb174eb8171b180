package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pondycafe/backend/internal/domain"
	"pondycafe/backend/internal/invoicing"
	"pondycafe/backend/internal/store"
	"pondycafe/backend/internal/store/memory"
)

type recordingCache struct {
	products    []domain.Product
	hit         bool
	gets        int
	sets        int
	invalidated int
}

func (c *recordingCache) Get(_ context.Context) ([]domain.Product, bool, error) {
	c.gets++
	return c.products, c.hit, nil
}

func (c *recordingCache) Set(_ context.Context, products []domain.Product, _ time.Duration) error {
	c.sets++
	c.products = products
	c.hit = true
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context) error {
	c.invalidated++
	c.products = nil
	c.hit = false
	return nil
}

func newTestService() (*Service, *memory.Store, *recordingCache) {
	repo := memory.NewSeeded()
	catalog := &recordingCache{}
	clock := func() time.Time { return time.Date(2024, time.August, 15, 12, 0, 0, 0, time.UTC) }
	svc := New(repo, invoicing.New(repo, invoicing.WithClock(clock)), WithCatalogCache(catalog, time.Minute))
	return svc, repo, catalog
}

func validInvoice() InvoiceInput {
	return InvoiceInput{
		CustomerName:  "Asha",
		CustomerPhone: "1234567890",
		PaymentMethod: "Cash",
		Items: []domain.CartLine{
			{ProductID: 1, Name: "Filter Coffee", Category: "Beverage", Price: decimal.NewFromInt(50), Quantity: 2},
		},
		Subtotal: decimal.NewNullDecimal(decimal.NewFromInt(100)),
		Tax:      decimal.NewNullDecimal(decimal.NewFromInt(8)),
		Total:    decimal.NewNullDecimal(decimal.NewFromInt(108)),
	}
}

func TestCreateInvoiceRejectsIncompleteSubmissions(t *testing.T) {
	svc, _, _ := newTestService()

	cases := []struct {
		name    string
		mutate  func(*InvoiceInput)
		message string
	}{
		{"missing name", func(in *InvoiceInput) { in.CustomerName = "  " }, "Missing required fields"},
		{"missing phone", func(in *InvoiceInput) { in.CustomerPhone = "" }, "Missing required fields"},
		{"missing payment method", func(in *InvoiceInput) { in.PaymentMethod = "" }, "Missing required fields"},
		{"missing items", func(in *InvoiceInput) { in.Items = nil }, "Missing required fields"},
		{"missing total", func(in *InvoiceInput) { in.Total = decimal.NullDecimal{} }, "Missing required fields"},
		{"empty cart", func(in *InvoiceInput) { in.Items = []domain.CartLine{} }, "Cart is empty"},
		{"zero quantity", func(in *InvoiceInput) { in.Items[0].Quantity = 0 }, "Invalid quantity for Filter Coffee"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInvoice()
			tc.mutate(&in)

			_, err := svc.CreateInvoice(context.Background(), in)
			if !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if err.Error() != tc.message {
				t.Fatalf("expected %q, got %q", tc.message, err.Error())
			}
			if !errors.Is(err, store.ErrInvalidInput) {
				t.Fatalf("expected validation error to match ErrInvalidInput")
			}
		})
	}
}

func TestCreateInvoiceRecordsSaleAndInvalidatesCatalog(t *testing.T) {
	svc, repo, catalog := newTestService()
	ctx := context.Background()

	if _, err := svc.ListProducts(ctx); err != nil {
		t.Fatalf("list products failed: %v", err)
	}

	result, err := svc.CreateInvoice(ctx, validInvoice())
	if err != nil {
		t.Fatalf("create invoice failed: %v", err)
	}
	if result.InvoiceNumber != "INV-2024-0001" {
		t.Fatalf("expected INV-2024-0001, got %s", result.InvoiceNumber)
	}
	if catalog.invalidated != 1 {
		t.Fatalf("expected catalog invalidated once, got %d", catalog.invalidated)
	}

	product, _ := repo.GetProduct(ctx, 1)
	if product.Stock != 118 {
		t.Fatalf("expected stock 118, got %d", product.Stock)
	}
}

func TestCreateInvoiceKeepsCatalogOnFailure(t *testing.T) {
	svc, _, catalog := newTestService()

	in := validInvoice()
	in.Items[0].Quantity = 1000
	_, err := svc.CreateInvoice(context.Background(), in)
	if !errors.Is(err, invoicing.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if catalog.invalidated != 0 {
		t.Fatalf("catalog must not be invalidated by a failed sale")
	}
}

func TestListProductsServedFromCache(t *testing.T) {
	svc, _, catalog := newTestService()
	ctx := context.Background()

	first, err := svc.ListProducts(ctx)
	if err != nil {
		t.Fatalf("list products failed: %v", err)
	}
	second, _ := svc.ListProducts(ctx)

	if catalog.sets != 1 {
		t.Fatalf("expected one cache fill, got %d", catalog.sets)
	}
	if len(first) != len(second) {
		t.Fatalf("cached catalog differs: %d vs %d", len(first), len(second))
	}
}

func TestCreateProductAppliesDefaults(t *testing.T) {
	svc, _, catalog := newTestService()
	price := decimal.RequireFromString("45.00")
	stock := 12

	product, err := svc.CreateProduct(context.Background(), domain.ProductCreateRequest{
		Name:     " Lemon Tea ",
		Category: "Tea",
		Price:    &price,
		Stock:    &stock,
	})
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	if product.Name != "Lemon Tea" || product.MinStock != domain.DefaultMinStock || product.Icon != "🍵" {
		t.Fatalf("unexpected defaults: %+v", product)
	}
	if catalog.invalidated != 1 {
		t.Fatalf("expected catalog invalidation after create")
	}
}

func TestCreateProductRequiresPriceAndStock(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.CreateProduct(context.Background(), domain.ProductCreateRequest{Name: "Lemon Tea", Category: "Tea"})
	if err == nil || err.Error() != "Missing required fields" {
		t.Fatalf("expected missing required fields, got %v", err)
	}
}

func TestUpdateProductWithoutFields(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.UpdateProduct(context.Background(), 1, domain.ProductUpdateRequest{})
	if err == nil || err.Error() != "No fields to update" {
		t.Fatalf("expected no fields to update, got %v", err)
	}
}

func TestStockHistoryReconcilesWithStock(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	stock := 150
	if _, err := svc.UpdateProduct(ctx, 1, domain.ProductUpdateRequest{Stock: &stock}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := svc.CreateInvoice(ctx, validInvoice()); err != nil {
		t.Fatalf("invoice failed: %v", err)
	}

	product, _ := svc.GetProduct(ctx, 1)
	history, err := svc.ListStockHistory(ctx, 1, 0)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	sum := 0
	for _, h := range history {
		sum += h.QuantityChange
	}
	if sum != product.Stock {
		t.Fatalf("history sum %d does not match stock %d", sum, product.Stock)
	}
	if history[0].ChangeType != domain.StockChangeSale {
		t.Fatalf("expected newest row to be the sale, got %s", history[0].ChangeType)
	}
}

func TestStockHistoryForUnknownProduct(t *testing.T) {
	svc, _, _ := newTestService()

	if _, err := svc.ListStockHistory(context.Background(), 999, 10); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetInvoiceNormalisesNumber(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	result, err := svc.CreateInvoice(ctx, validInvoice())
	if err != nil {
		t.Fatalf("invoice failed: %v", err)
	}
	invoice, err := svc.GetInvoice(ctx, " inv-2024-0001 ")
	if err != nil {
		t.Fatalf("get invoice failed: %v", err)
	}
	if invoice.ID != result.InvoiceID || len(invoice.Items) != 1 {
		t.Fatalf("unexpected invoice: %+v", invoice)
	}
}

// racingRepo lets a sale commit after the catalog has been read but before
// the read is cached.
type racingRepo struct {
	*memory.Store
	afterList func()
}

func (r *racingRepo) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := r.Store.ListProducts(ctx)
	if r.afterList != nil {
		hook := r.afterList
		r.afterList = nil
		hook()
	}
	return products, err
}

func TestListProductsDoesNotCacheCatalogOverlappingASale(t *testing.T) {
	repo := &racingRepo{Store: memory.NewSeeded()}
	catalog := &recordingCache{}
	clock := func() time.Time { return time.Date(2024, time.August, 15, 12, 0, 0, 0, time.UTC) }
	svc := New(repo, invoicing.New(repo, invoicing.WithClock(clock)), WithCatalogCache(catalog, time.Minute))
	ctx := context.Background()

	repo.afterList = func() {
		if _, err := svc.CreateInvoice(ctx, validInvoice()); err != nil {
			t.Fatalf("invoice failed: %v", err)
		}
	}

	stale, err := svc.ListProducts(ctx)
	if err != nil {
		t.Fatalf("list products failed: %v", err)
	}
	if catalog.sets != 0 || catalog.hit {
		t.Fatalf("catalog read during a sale must not be cached (sets=%d)", catalog.sets)
	}
	for _, p := range stale {
		if p.ID == 1 && p.Stock != 120 {
			t.Fatalf("expected the overlapping read to see pre-sale stock, got %d", p.Stock)
		}
	}

	fresh, _ := svc.ListProducts(ctx)
	for _, p := range fresh {
		if p.ID == 1 && p.Stock != 118 {
			t.Fatalf("expected stock 118 after sale, got %d", p.Stock)
		}
	}
	if catalog.sets != 1 {
		t.Fatalf("expected the next read to fill the cache, got %d sets", catalog.sets)
	}
}
