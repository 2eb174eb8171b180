package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"pondycafe/backend/internal/domain"
	"pondycafe/backend/internal/store"
)

const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

const productColumns = `product_id, product_name, category, price, stock_quantity, min_stock_level, icon, is_active`

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
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

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE is_active = true
		ORDER BY category, product_name
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan product")
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	product, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE product_id = $1
	`, id))
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, errors.Wrap(err, "begin create product")
	}
	defer func() { _ = tx.Rollback() }()

	product.Active = true
	err = tx.QueryRowContext(ctx, `
		INSERT INTO products (product_name, category, price, stock_quantity, min_stock_level, icon, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,true,now(),now())
		RETURNING product_id
	`, product.Name, product.Category, product.Price, product.Stock, product.MinStock, product.Icon).Scan(&product.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert product")
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, errors.Wrap(err, "begin update product")
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanProduct(tx.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE product_id = $1
		FOR UPDATE
	`, id))
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

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET product_name = $2, category = $3, price = $4, stock_quantity = $5,
			min_stock_level = $6, icon = $7, updated_at = now()
		WHERE product_id = $1
	`, id, updated.Name, updated.Category, updated.Price, updated.Stock, updated.MinStock, updated.Icon)
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET is_active = false, updated_at = now()
		WHERE product_id = $1
	`, id)
	if err != nil {
		return errors.Wrap(err, "deactivate product")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListStockHistory(ctx context.Context, productID int64, limit int) ([]domain.StockHistory, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT history_id, product_id, quantity_change, change_type, reference_id, COALESCE(notes, ''), created_at
		FROM stock_history
		WHERE product_id = $1
		ORDER BY created_at DESC, history_id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list stock history")
	}
	defer rows.Close()

	history := make([]domain.StockHistory, 0, limit)
	for rows.Next() {
		var entry domain.StockHistory
		var reference sql.NullInt64
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entry.QuantityChange, &entry.ChangeType, &reference, &entry.Notes, &entry.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan stock history")
		}
		if reference.Valid {
			ref := reference.Int64
			entry.ReferenceID = &ref
		}
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list stock history")
	}
	return history, nil
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT customer_id, customer_name, customer_phone, email, total_purchases, total_spent, last_visit, created_at
		FROM customers
		ORDER BY last_visit DESC NULLS LAST, customer_id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list customers")
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, limit)
	for rows.Next() {
		var c domain.Customer
		var email sql.NullString
		var lastVisit sql.NullTime
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &email, &c.TotalPurchases, &c.TotalSpent, &lastVisit, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan customer")
		}
		if email.Valid {
			c.Email = &email.String
		}
		if lastVisit.Valid {
			visit := lastVisit.Time
			c.LastVisit = &visit
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list customers")
	}
	return customers, nil
}

const invoiceColumns = `invoice_id, invoice_number, customer_id, customer_name, customer_phone, payment_method, subtotal, tax_amount, total_amount, created_at`

func (s *Store) ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		ORDER BY created_at DESC, invoice_id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list invoices")
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, limit)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan invoice")
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list invoices")
	}
	return invoices, nil
}

func (s *Store) GetInvoiceByNumber(ctx context.Context, number string) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE invoice_number = $1
	`, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "get invoice")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, invoice_id, product_id, product_name, category, quantity, unit_price, total_price
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY item_id
	`, inv.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list invoice items")
	}
	defer rows.Close()

	inv.Items = make([]domain.InvoiceItem, 0, 8)
	for rows.Next() {
		var item domain.InvoiceItem
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.ProductID, &item.ProductName, &item.Category, &item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return nil, errors.Wrap(err, "scan invoice item")
		}
		inv.Items = append(inv.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list invoice items")
	}
	return &inv, nil
}

// WithinInvoiceTx runs fn in a SERIALIZABLE transaction. Serialization
// failures, deadlocks and unique violations surface as store.ErrConflict.
func (s *Store) WithinInvoiceTx(ctx context.Context, fn func(tx store.InvoiceTx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(translate(err), "begin invoice transaction")
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&invoiceTx{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(); err != nil {
		return errors.Wrap(translate(err), "commit invoice transaction")
	}
	return nil
}

type invoiceTx struct {
	tx *sql.Tx
}

func (t *invoiceTx) FindCustomerByPhone(ctx context.Context, phone string) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT customer_id
		FROM customers
		WHERE customer_phone = $1
		FOR UPDATE
	`, phone).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, translate(err)
	}
	return id, true, nil
}

func (t *invoiceTx) RecordCustomerVisit(ctx context.Context, customerID int64, name string, amount decimal.Decimal, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customers
		SET customer_name = $2,
			total_purchases = total_purchases + 1,
			total_spent = total_spent + $3,
			last_visit = $4
		WHERE customer_id = $1
	`, customerID, name, amount, at)
	if err != nil {
		return translate(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *invoiceTx) CreateCustomer(ctx context.Context, customer domain.Customer) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO customers (customer_name, customer_phone, email, total_purchases, total_spent, last_visit, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING customer_id
	`, customer.Name, customer.Phone, nullString(customer.Email), customer.TotalPurchases,
		customer.TotalSpent, nullTime(customer.LastVisit), customer.CreatedAt).Scan(&id)
	if err != nil {
		return 0, translate(err)
	}
	return id, nil
}

func (t *invoiceTx) MaxInvoiceSequence(ctx context.Context, year int) (int, error) {
	prefix := domain.InvoiceNumberPrefix(year)
	var maxSeq int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(CAST(SUBSTRING(invoice_number FROM $2::int) AS INTEGER)), 0)
		FROM invoices
		WHERE invoice_number LIKE $1
			AND SUBSTRING(invoice_number FROM $2::int) ~ '^[0-9]+$'
	`, prefix+"%", len(prefix)+1).Scan(&maxSeq)
	if err != nil {
		return 0, translate(err)
	}
	return maxSeq, nil
}

func (t *invoiceTx) CreateInvoice(ctx context.Context, invoice domain.Invoice) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO invoices (invoice_number, customer_id, customer_name, customer_phone, payment_method, subtotal, tax_amount, total_amount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING invoice_id
	`, invoice.Number, invoice.CustomerID, invoice.CustomerName, invoice.CustomerPhone, invoice.PaymentMethod,
		invoice.Subtotal, invoice.Tax, invoice.Total, invoice.CreatedAt).Scan(&id)
	if err != nil {
		return 0, translate(err)
	}
	return id, nil
}

func (t *invoiceTx) LockProductStock(ctx context.Context, productID int64) (int, error) {
	var stock int
	err := t.tx.QueryRowContext(ctx, `
		SELECT stock_quantity
		FROM products
		WHERE product_id = $1
		FOR UPDATE
	`, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, translate(err)
	}
	return stock, nil
}

func (t *invoiceTx) CreateInvoiceItem(ctx context.Context, item domain.InvoiceItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoice_items (invoice_id, product_id, product_name, category, quantity, unit_price, total_price)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, item.InvoiceID, item.ProductID, item.ProductName, item.Category, item.Quantity, item.UnitPrice, item.LineTotal)
	return translate(err)
}

func (t *invoiceTx) DecrementStock(ctx context.Context, productID int64, qty int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $1, updated_at = now()
		WHERE product_id = $2 AND stock_quantity >= $1
	`, qty, productID)
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

func insertHistory(ctx context.Context, tx *sql.Tx, entry domain.StockHistory) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_history (product_id, quantity_change, change_type, reference_id, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ProductID, entry.QuantityChange, string(entry.ChangeType), nullInt64(entry.ReferenceID), entry.Notes, entry.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Stock, &p.MinStock, &p.Icon, &p.Active)
	return p, err
}

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var inv domain.Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.CustomerID, &inv.CustomerName, &inv.CustomerPhone,
		&inv.PaymentMethod, &inv.Subtotal, &inv.Tax, &inv.Total, &inv.CreatedAt)
	return inv, err
}

// translate maps PostgreSQL errors that a retry can resolve onto
// store.ErrConflict and check violations on stock onto ErrInsufficientStock.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return errors.WithMessage(store.ErrConflict, pgErr.Message)
		case pgCheckViolation:
			return errors.WithMessage(store.ErrInsufficientStock, pgErr.Message)
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

func nullString(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
