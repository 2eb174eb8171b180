package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type StockChangeType string

const (
	StockChangeInitial    StockChangeType = "INITIAL"
	StockChangeSale       StockChangeType = "SALE"
	StockChangeAdjustment StockChangeType = "ADJUSTMENT"
)

const DefaultMinStock = 10

// Money goes over the wire as JSON numbers; the till formats it with toFixed.
func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

type Product struct {
	ID       int64           `json:"id" db:"product_id"`
	Name     string          `json:"name" db:"product_name"`
	Category string          `json:"category" db:"category"`
	Price    decimal.Decimal `json:"price" db:"price"`
	Stock    int             `json:"stock" db:"stock_quantity"`
	MinStock int             `json:"minStock" db:"min_stock_level"`
	Icon     string          `json:"icon" db:"icon"`
	Active   bool            `json:"isActive" db:"is_active"`
}

type ProductCreateRequest struct {
	Name     string           `json:"name"`
	Category string           `json:"category"`
	Price    *decimal.Decimal `json:"price"`
	Stock    *int             `json:"stock"`
	MinStock *int             `json:"minStock,omitempty"`
	Icon     *string          `json:"icon,omitempty"`
}

// ProductUpdateRequest carries only the fields the caller wants changed; nil
// fields keep their stored value.
type ProductUpdateRequest struct {
	Name     *string          `json:"name,omitempty"`
	Category *string          `json:"category,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Stock    *int             `json:"stock,omitempty"`
	MinStock *int             `json:"minStock,omitempty"`
	Icon     *string          `json:"icon,omitempty"`
}

func (r ProductUpdateRequest) Empty() bool {
	return r.Name == nil && r.Category == nil && r.Price == nil &&
		r.Stock == nil && r.MinStock == nil && r.Icon == nil
}

// Apply returns p with the requested fields overwritten.
func (r ProductUpdateRequest) Apply(p Product) Product {
	if r.Name != nil {
		p.Name = *r.Name
	}
	if r.Category != nil {
		p.Category = *r.Category
	}
	if r.Price != nil {
		p.Price = *r.Price
	}
	if r.Stock != nil {
		p.Stock = *r.Stock
	}
	if r.MinStock != nil {
		p.MinStock = *r.MinStock
	}
	if r.Icon != nil {
		p.Icon = *r.Icon
	}
	return p
}

type Customer struct {
	ID             int64           `json:"id" db:"customer_id"`
	Name           string          `json:"name" db:"customer_name"`
	Phone          string          `json:"phone" db:"customer_phone"`
	Email          *string         `json:"email" db:"email"`
	TotalPurchases int             `json:"totalPurchases" db:"total_purchases"`
	TotalSpent     decimal.Decimal `json:"totalSpent" db:"total_spent"`
	LastVisit      *time.Time      `json:"lastVisit" db:"last_visit"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}

type Invoice struct {
	ID            int64           `json:"invoice_id" db:"invoice_id"`
	Number        string          `json:"invoice_number" db:"invoice_number"`
	CustomerID    int64           `json:"customer_id" db:"customer_id"`
	CustomerName  string          `json:"customer_name" db:"customer_name"`
	CustomerPhone string          `json:"customer_phone" db:"customer_phone"`
	PaymentMethod string          `json:"payment_method" db:"payment_method"`
	Subtotal      decimal.Decimal `json:"subtotal" db:"subtotal"`
	Tax           decimal.Decimal `json:"tax_amount" db:"tax_amount"`
	Total         decimal.Decimal `json:"total_amount" db:"total_amount"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	Items         []InvoiceItem   `json:"items,omitempty" db:"-"`
}

type InvoiceItem struct {
	ID          int64           `json:"id" db:"item_id"`
	InvoiceID   int64           `json:"invoice_id" db:"invoice_id"`
	ProductID   int64           `json:"product_id" db:"product_id"`
	ProductName string          `json:"product_name" db:"product_name"`
	Category    string          `json:"category" db:"category"`
	Quantity    int             `json:"quantity" db:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price" db:"unit_price"`
	LineTotal   decimal.Decimal `json:"total_price" db:"total_price"`
}

type StockHistory struct {
	ID             int64           `json:"id" db:"history_id"`
	ProductID      int64           `json:"product_id" db:"product_id"`
	QuantityChange int             `json:"quantity_change" db:"quantity_change"`
	ChangeType     StockChangeType `json:"change_type" db:"change_type"`
	ReferenceID    *int64          `json:"reference_id,omitempty" db:"reference_id"`
	Notes          string          `json:"notes" db:"notes"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// CartLine is one line of a sale as sent by the till. Price is the unit price
// shown to the customer.
type CartLine struct {
	ProductID int64           `json:"id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

func (l CartLine) LineTotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type InvoiceRequest struct {
	CustomerName  string
	CustomerPhone string
	Email         *string
	PaymentMethod string
	Items         []CartLine
	Subtotal      decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
}

type InvoiceResult struct {
	InvoiceNumber string `json:"invoice_number"`
	InvoiceID     int64  `json:"invoice_id"`
	CustomerID    int64  `json:"customer_id"`
}
