package service

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"pondycafe/backend/internal/cache"
	"pondycafe/backend/internal/domain"
	"pondycafe/backend/internal/invoicing"
	"pondycafe/backend/internal/logging"
	"pondycafe/backend/internal/store"
)

const (
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 200
	maxCustomerLimit     = 100
	defaultInvoiceLimit  = 50
	maxInvoiceLimit      = 200
	defaultCatalogMaxAge = 30 * time.Second
)

// ValidationError is a request the till must fix before resubmitting. Message
// is shown to the cashier as-is.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == store.ErrInvalidInput
}

func invalid(message string) error {
	return &ValidationError{Message: message}
}

// InvoiceInput is the sale as posted by the till. Totals are nullable so a
// missing field can be told apart from zero.
type InvoiceInput struct {
	CustomerName  string              `json:"customer_name"`
	CustomerPhone string              `json:"customer_phone"`
	Email         *string             `json:"email,omitempty"`
	PaymentMethod string              `json:"payment_method"`
	Items         []domain.CartLine   `json:"items"`
	Subtotal      decimal.NullDecimal `json:"subtotal"`
	Tax           decimal.NullDecimal `json:"tax"`
	Total         decimal.NullDecimal `json:"total"`
}

type Service struct {
	repo       store.Repository
	processor  *invoicing.Processor
	catalog    cache.CatalogCache
	catalogTTL time.Duration
	// catalogGen counts invalidations; a catalog read from the repo is only
	// cached if no write landed while it was in flight.
	catalogGen atomic.Uint64
}

type Option func(*Service)

func WithCatalogCache(c cache.CatalogCache, ttl time.Duration) Option {
	return func(s *Service) {
		if c != nil {
			s.catalog = c
		}
		if ttl > 0 {
			s.catalogTTL = ttl
		}
	}
}

func New(repo store.Repository, processor *invoicing.Processor, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		processor:  processor,
		catalog:    cache.NoopCatalogCache{},
		catalogTTL: defaultCatalogMaxAge,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	log := logging.FromContext(ctx)

	cached, ok, err := s.catalog.Get(ctx)
	if err != nil {
		log.WithError(err).Warn("catalog cache read failed")
	}
	if ok {
		return cached, nil
	}

	gen := s.catalogGen.Load()
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	if s.catalogGen.Load() != gen {
		return products, nil
	}
	if err := s.catalog.Set(ctx, products, s.catalogTTL); err != nil {
		log.WithError(err).Warn("catalog cache write failed")
	}
	if s.catalogGen.Load() != gen {
		s.invalidateCatalog(ctx)
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	name := strings.TrimSpace(req.Name)
	category := strings.TrimSpace(req.Category)
	if name == "" || category == "" || req.Price == nil || req.Stock == nil {
		return domain.Product{}, invalid("Missing required fields")
	}
	if req.Price.IsNegative() || *req.Stock < 0 || (req.MinStock != nil && *req.MinStock < 0) {
		return domain.Product{}, invalid("Price and stock cannot be negative")
	}

	product := domain.Product{
		Name:     name,
		Category: category,
		Price:    *req.Price,
		Stock:    *req.Stock,
		MinStock: domain.DefaultMinStock,
		Icon:     domain.CategoryIcon(category),
	}
	if req.MinStock != nil {
		product.MinStock = *req.MinStock
	}
	if req.Icon != nil && strings.TrimSpace(*req.Icon) != "" {
		product.Icon = strings.TrimSpace(*req.Icon)
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	s.invalidateCatalog(ctx)

	logging.FromContext(ctx).WithFields(logrus.Fields{
		"product_id": created.ID,
		"name":       created.Name,
		"stock":      created.Stock,
	}).Info("product created")
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (domain.Product, error) {
	if req.Empty() {
		return domain.Product{}, invalid("No fields to update")
	}
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			return domain.Product{}, invalid("Product name cannot be empty")
		}
		req.Name = &trimmed
	}
	if req.Category != nil {
		trimmed := strings.TrimSpace(*req.Category)
		if trimmed == "" {
			return domain.Product{}, invalid("Category cannot be empty")
		}
		req.Category = &trimmed
	}
	if (req.Price != nil && req.Price.IsNegative()) || (req.Stock != nil && *req.Stock < 0) || (req.MinStock != nil && *req.MinStock < 0) {
		return domain.Product{}, invalid("Price and stock cannot be negative")
	}

	updated, err := s.repo.UpdateProduct(ctx, id, req)
	if err != nil {
		return domain.Product{}, err
	}
	s.invalidateCatalog(ctx)
	return *updated, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	if err := s.repo.DeactivateProduct(ctx, id); err != nil {
		return err
	}
	s.invalidateCatalog(ctx)
	logging.FromContext(ctx).WithField("product_id", id).Info("product deactivated")
	return nil
}

func (s *Service) ListStockHistory(ctx context.Context, productID int64, limit int) ([]domain.StockHistory, error) {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return s.repo.ListStockHistory(ctx, productID, clampLimit(limit, defaultHistoryLimit, maxHistoryLimit))
}

func (s *Service) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx, clampLimit(limit, maxCustomerLimit, maxCustomerLimit))
}

func (s *Service) ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	return s.repo.ListInvoices(ctx, clampLimit(limit, defaultInvoiceLimit, maxInvoiceLimit))
}

func (s *Service) GetInvoice(ctx context.Context, number string) (domain.Invoice, error) {
	number = strings.ToUpper(strings.TrimSpace(number))
	if number == "" {
		return domain.Invoice{}, invalid("Invoice number is required")
	}
	invoice, err := s.repo.GetInvoiceByNumber(ctx, number)
	if err != nil {
		return domain.Invoice{}, err
	}
	return *invoice, nil
}

// CreateInvoice validates the till's submission and records the sale.
func (s *Service) CreateInvoice(ctx context.Context, in InvoiceInput) (domain.InvoiceResult, error) {
	req, err := in.validate()
	if err != nil {
		return domain.InvoiceResult{}, err
	}

	log := logging.FromContext(ctx).WithFields(logrus.Fields{
		"phone": req.CustomerPhone,
		"items": len(req.Items),
		"total": req.Total.StringFixed(2),
	})

	result, err := s.processor.Process(ctx, req)
	if err != nil {
		log.WithError(err).Warn("invoice rejected")
		return domain.InvoiceResult{}, err
	}
	s.invalidateCatalog(ctx)

	log.WithFields(logrus.Fields{
		"invoice_number": result.InvoiceNumber,
		"invoice_id":     result.InvoiceID,
		"customer_id":    result.CustomerID,
	}).Info("invoice saved")
	return result, nil
}

func (in InvoiceInput) validate() (domain.InvoiceRequest, error) {
	name := strings.TrimSpace(in.CustomerName)
	phone := strings.TrimSpace(in.CustomerPhone)
	method := strings.TrimSpace(in.PaymentMethod)
	if name == "" || phone == "" || method == "" || in.Items == nil ||
		!in.Subtotal.Valid || !in.Tax.Valid || !in.Total.Valid {
		return domain.InvoiceRequest{}, invalid("Missing required fields")
	}
	if len(in.Items) == 0 {
		return domain.InvoiceRequest{}, invalid("Cart is empty")
	}
	for _, item := range in.Items {
		if item.Quantity < 1 {
			return domain.InvoiceRequest{}, invalid("Invalid quantity for " + item.Name)
		}
		if item.Price.IsNegative() {
			return domain.InvoiceRequest{}, invalid("Invalid price for " + item.Name)
		}
	}

	var email *string
	if in.Email != nil {
		if trimmed := strings.TrimSpace(*in.Email); trimmed != "" {
			email = &trimmed
		}
	}

	return domain.InvoiceRequest{
		CustomerName:  name,
		CustomerPhone: phone,
		Email:         email,
		PaymentMethod: method,
		Items:         in.Items,
		Subtotal:      in.Subtotal.Decimal,
		Tax:           in.Tax.Decimal,
		Total:         in.Total.Decimal,
	}, nil
}

func (s *Service) invalidateCatalog(ctx context.Context) {
	s.catalogGen.Add(1)
	if err := s.catalog.Invalidate(ctx); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("catalog cache invalidation failed")
	}
}

func clampLimit(limit int, fallback int, ceiling int) int {
	if limit < 1 {
		return fallback
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

// IsValidation reports whether err should be answered with the message it
// carries.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
