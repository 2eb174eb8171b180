// Package mysql stores the café on MySQL using the pondy_cafe table layout, so
// an existing database from the PHP till can be served without conversion.
package mysql

import (
	"context"
	"database/sql"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"pondycafe/backend/internal/domain"
	"pondycafe/backend/internal/store"
)

// MySQL server error numbers.
const (
	erDupEntry            = 1062
	erLockWaitTimeout     = 1205
	erLockDeadlock        = 1213
	erCheckConstraintFail = 3819
)

const productColumns = `product_id, product_name, category, price, stock_quantity, min_stock_level, icon, is_active`

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, dsn string) (*Store, error) {
	normalized, err := NormalizeDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open("mysql", normalized)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// NormalizeDSN forces UTC DATETIME parsing on a go-sql-driver DSN.
func NormalizeDSN(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse mysql dsn")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 64)
	err := s.db.SelectContext(ctx, &products, `
		SELECT `+productColumns+`
		FROM products
		WHERE is_active = 1
		ORDER BY category, product_name
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `
		SELECT `+productColumns+`
		FROM products
		WHERE product_id = ?
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "get product")
	}
	return &product, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if !validProduct(product) {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin create product")
	}
	defer func() { _ = tx.Rollback() }()

	product.Active = true
	res, err := tx.ExecContext(ctx, `
		INSERT INTO products (product_name, category, price, stock_quantity, min_stock_level, icon, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 1)
	`, product.Name, product.Category, product.Price, product.Stock, product.MinStock, product.Icon)
	if err != nil {
		return nil, errors.Wrap(err, "insert product")
	}
	if product.ID, err = res.LastInsertId(); err != nil {
		return nil, errors.Wrap(err, "read product id")
	}

	if err := insertHistory(ctx, tx, domain.StockHistory{
		ProductID:      product.ID,
		QuantityChange: product.Stock,
		ChangeType:     domain.StockChangeInitial,
		Notes:          "Initial stock",
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return nil, errors.Wrap(err, "insert initial stock history")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit create product")
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (*domain.Product, error) {
	if req.Empty() {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin update product")
	}
	defer func() { _ = tx.Rollback() }()

	var existing domain.Product
	err = tx.GetContext(ctx, &existing, `
		SELECT `+productColumns+`
		FROM products
		WHERE product_id = ?
		FOR UPDATE
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "lock product")
	}

	updated := req.Apply(existing)
	if !validProduct(updated) {
		return nil, store.ErrInvalidInput
	}

	_, err = tx.NamedExecContext(ctx, `
		UPDATE products
		SET product_name = :product_name, category = :category, price = :price,
			stock_quantity = :stock_quantity, min_stock_level = :min_stock_level, icon = :icon
		WHERE product_id = :product_id
	`, updated)
	if err != nil {
		return nil, errors.Wrap(err, "update product")
	}

	if delta := updated.Stock - existing.Stock; delta != 0 {
		if err := insertHistory(ctx, tx, domain.StockHistory{
			ProductID:      id,
			QuantityChange: delta,
			ChangeType:     domain.StockChangeAdjustment,
			Notes:          adjustmentNote(delta),
			CreatedAt:      time.Now().UTC(),
		}); err != nil {
			return nil, errors.Wrap(err, "insert adjustment history")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit update product")
	}
	return &updated, nil
}

func (s *Store) DeactivateProduct(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE products SET is_active = 0 WHERE product_id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "deactivate product")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// MySQL reports 0 for rows that already match; tell those apart from unknown ids.
		if _, err := s.GetProduct(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListStockHistory(ctx context.Context, productID int64, limit int) ([]domain.StockHistory, error) {
	if limit < 1 {
		limit = 50
	}

	history := make([]domain.StockHistory, 0, limit)
	err := s.db.SelectContext(ctx, &history, `
		SELECT history_id, product_id, quantity_change, change_type, reference_id, COALESCE(notes, '') AS notes, created_at
		FROM stock_history
		WHERE product_id = ?
		ORDER BY created_at DESC, history_id DESC
		LIMIT ?
	`, productID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list stock history")
	}
	return history, nil
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 100
	}

	customers := make([]domain.Customer, 0, limit)
	err := s.db.SelectContext(ctx, &customers, `
		SELECT customer_id, customer_name, customer_phone, email, total_purchases, total_spent, last_visit, created_at
		FROM customers
		ORDER BY last_visit DESC, customer_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list customers")
	}
	return customers, nil
}

const invoiceColumns = `invoice_id, invoice_number, customer_id, customer_name, customer_phone, payment_method, subtotal, tax_amount, total_amount, created_at`

func (s *Store) ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	if limit < 1 {
		limit = 50
	}

	invoices := make([]domain.Invoice, 0, limit)
	err := s.db.SelectContext(ctx, &invoices, `
		SELECT `+invoiceColumns+`
		FROM invoices
		ORDER BY created_at DESC, invoice_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list invoices")
	}
	return invoices, nil
}

func (s *Store) GetInvoiceByNumber(ctx context.Context, number string) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := s.db.GetContext(ctx, &inv, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE invoice_number = ?
	`, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "get invoice")
	}

	inv.Items = make([]domain.InvoiceItem, 0, 8)
	err = s.db.SelectContext(ctx, &inv.Items, `
		SELECT item_id, invoice_id, product_id, product_name, category, quantity, unit_price, total_price
		FROM invoice_items
		WHERE invoice_id = ?
		ORDER BY item_id
	`, inv.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list invoice items")
	}
	return &inv, nil
}

// WithinInvoiceTx runs fn at REPEATABLE READ. Stock and customer reads inside
// fn are locking reads; deadlocks and duplicate keys surface as
// store.ErrConflict.
func (s *Store) WithinInvoiceTx(ctx context.Context, fn func(tx store.InvoiceTx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return errors.Wrap(translate(err), "begin invoice transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&invoiceTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(translate(err), "commit invoice transaction")
	}
	return nil
}

type invoiceTx struct {
	tx *sqlx.Tx
}

func (t *invoiceTx) FindCustomerByPhone(ctx context.Context, phone string) (int64, bool, error) {
	var id int64
	err := t.tx.GetContext(ctx, &id, `SELECT customer_id FROM customers WHERE customer_phone = ? FOR UPDATE`, phone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, translate(err)
	}
	return id, true, nil
}

func (t *invoiceTx) RecordCustomerVisit(ctx context.Context, customerID int64, name string, amount decimal.Decimal, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE customers
		SET customer_name = ?, total_purchases = total_purchases + 1, total_spent = total_spent + ?, last_visit = ?
		WHERE customer_id = ?
	`, name, amount, at, customerID)
	return translate(err)
}

func (t *invoiceTx) CreateCustomer(ctx context.Context, customer domain.Customer) (int64, error) {
	res, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO customers (customer_name, customer_phone, email, total_purchases, total_spent, last_visit, created_at)
		VALUES (:customer_name, :customer_phone, :email, :total_purchases, :total_spent, :last_visit, :created_at)
	`, customer)
	if err != nil {
		return 0, translate(err)
	}
	return res.LastInsertId()
}

func (t *invoiceTx) MaxInvoiceSequence(ctx context.Context, year int) (int, error) {
	prefix := domain.InvoiceNumberPrefix(year)
	pos := len(prefix) + 1

	var maxSeq int
	err := t.tx.GetContext(ctx, &maxSeq, `
		SELECT COALESCE(MAX(CAST(SUBSTRING(invoice_number, ?) AS UNSIGNED)), 0)
		FROM invoices
		WHERE invoice_number LIKE ? AND SUBSTRING(invoice_number, ?) REGEXP '^[0-9]+$'
	`, pos, prefix+"%", pos)
	if err != nil {
		return 0, translate(err)
	}
	return maxSeq, nil
}

func (t *invoiceTx) CreateInvoice(ctx context.Context, invoice domain.Invoice) (int64, error) {
	res, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO invoices (invoice_number, customer_id, customer_name, customer_phone, payment_method, subtotal, tax_amount, total_amount, created_at)
		VALUES (:invoice_number, :customer_id, :customer_name, :customer_phone, :payment_method, :subtotal, :tax_amount, :total_amount, :created_at)
	`, invoice)
	if err != nil {
		return 0, translate(err)
	}
	return res.LastInsertId()
}

func (t *invoiceTx) LockProductStock(ctx context.Context, productID int64) (int, error) {
	var stock int
	err := t.tx.GetContext(ctx, &stock, `SELECT stock_quantity FROM products WHERE product_id = ? FOR UPDATE`, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, translate(err)
	}
	return stock, nil
}

func (t *invoiceTx) CreateInvoiceItem(ctx context.Context, item domain.InvoiceItem) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO invoice_items (invoice_id, product_id, product_name, category, quantity, unit_price, total_price)
		VALUES (:invoice_id, :product_id, :product_name, :category, :quantity, :unit_price, :total_price)
	`, item)
	return translate(err)
}

func (t *invoiceTx) DecrementStock(ctx context.Context, productID int64, qty int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - ?
		WHERE product_id = ? AND stock_quantity >= ?
	`, qty, productID, qty)
	if err != nil {
		return translate(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrInsufficientStock
	}
	return nil
}

func (t *invoiceTx) AppendStockHistory(ctx context.Context, entry domain.StockHistory) error {
	return translate(insertHistory(ctx, t.tx, entry))
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, entry domain.StockHistory) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO stock_history (product_id, quantity_change, change_type, reference_id, notes, created_at)
		VALUES (:product_id, :quantity_change, :change_type, :reference_id, :notes, :created_at)
	`, entry)
	return err
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case erDupEntry, erLockWaitTimeout, erLockDeadlock:
			return errors.WithMessage(store.ErrConflict, myErr.Message)
		case erCheckConstraintFail:
			return errors.WithMessage(store.ErrInsufficientStock, myErr.Message)
		}
	}
	return err
}

func validProduct(p domain.Product) bool {
	if p.Name == "" || p.Category == "" {
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
