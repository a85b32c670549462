// Package postgres implements core.Store on PostgreSQL through pgx. The schema lives
// in internal/db/migrations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"purchasing-core/internal/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// Store implements core.Store over a connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ core.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Begin opens a READ COMMITTED transaction. Row locks taken through
// LockInventoryRecord and GetPurchase(forUpdate) serialize competing writers.
func (s *Store) Begin(ctx context.Context) (core.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

// Rollback ignores pgx.ErrTxClosed so it can always be deferred.
func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// notFound maps pgx.ErrNoRows onto core.ErrRecordNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrRecordNotFound
	}
	return fmt.Errorf("query %s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ── directory ────────────────────────────────────────────────────────────────

func (t *pgTx) GetBranch(ctx context.Context, id int64) (*core.Branch, error) {
	var b core.Branch
	err := t.tx.QueryRow(ctx, "SELECT id, name, is_active FROM branches WHERE id = $1", id).
		Scan(&b.ID, &b.Name, &b.Active)
	if err != nil {
		return nil, notFound(err, "branch")
	}
	return &b, nil
}

const supplierColumns = "id, tax_id, name, address, is_active, created_at"

func scanSupplier(row pgx.Row) (*core.Supplier, error) {
	var s core.Supplier
	if err := row.Scan(&s.ID, &s.TaxID, &s.Name, &s.Address, &s.Active, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) GetSupplier(ctx context.Context, id int64) (*core.Supplier, error) {
	s, err := scanSupplier(t.tx.QueryRow(ctx, "SELECT "+supplierColumns+" FROM suppliers WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "supplier")
	}
	return s, nil
}

func (t *pgTx) FindSupplierByTaxID(ctx context.Context, taxID string) (*core.Supplier, error) {
	s, err := scanSupplier(t.tx.QueryRow(ctx, "SELECT "+supplierColumns+" FROM suppliers WHERE tax_id = $1", taxID))
	if err != nil {
		return nil, notFound(err, "supplier")
	}
	return s, nil
}

// CreateSupplier races safely with concurrent uploads from the same supplier: the
// loser waits for the winner's row and reads it back.
func (t *pgTx) CreateSupplier(ctx context.Context, s *core.Supplier) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO suppliers (tax_id, name, address, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tax_id) DO NOTHING
	`, s.TaxID, s.Name, s.Address, s.Active)
	if err != nil {
		return fmt.Errorf("create supplier: %w", err)
	}
	existing, err := t.FindSupplierByTaxID(ctx, s.TaxID)
	if err != nil {
		return err
	}
	*s = *existing
	return nil
}

const productColumns = "id, code, description, sale_price, is_active"

func scanProduct(row pgx.Row) (*core.Product, error) {
	var p core.Product
	if err := row.Scan(&p.ID, &p.Code, &p.Description, &p.SalePrice, &p.Active); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) GetProduct(ctx context.Context, id int64) (*core.Product, error) {
	p, err := scanProduct(t.tx.QueryRow(ctx, "SELECT "+productColumns+" FROM products WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "product")
	}
	return p, nil
}

func (t *pgTx) FindProductByCode(ctx context.Context, code string) (*core.Product, error) {
	p, err := scanProduct(t.tx.QueryRow(ctx, "SELECT "+productColumns+" FROM products WHERE code = $1", code))
	if err != nil {
		return nil, notFound(err, "product")
	}
	return p, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (t *pgTx) SearchProducts(ctx context.Context, fragment string, limit int) ([]core.Product, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE is_active AND description ILIKE '%' || $1 || '%'
		ORDER BY id
		LIMIT $2
	`, likeEscaper.Replace(fragment), limit)
	if err != nil {
		return nil, fmt.Errorf("search products: %w", err)
	}
	defer rows.Close()

	var out []core.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertProduct(ctx context.Context, p *core.Product) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO products (code, description, sale_price, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, p.Code, p.Description, p.SalePrice, p.Active).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("product with code %s already exists", p.Code)
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

// ── purchases ────────────────────────────────────────────────────────────────

const purchaseColumns = `id, supplier_id, branch_id, user_id, invoice_type, series, number,
	issue_date, due_date, currency, exchange_rate, subtotal, tax, total, status, note,
	source_xml, authority_status, authority_receipt, authority_message, receipt_hash,
	authority_observations, submission_key, submission_attempts, document_path,
	created_at, updated_at`

func scanPurchase(row pgx.Row) (*core.Purchase, error) {
	var p core.Purchase
	err := row.Scan(
		&p.ID, &p.SupplierID, &p.BranchID, &p.UserID, &p.InvoiceType, &p.Series, &p.Number,
		&p.IssueDate, &p.DueDate, &p.Currency, &p.ExchangeRate, &p.Subtotal, &p.Tax, &p.Total, &p.Status, &p.Note,
		&p.SourceXML, &p.AuthorityStatus, &p.AuthorityReceipt, &p.AuthorityMessage, &p.ReceiptHash,
		&p.AuthorityObservations, &p.SubmissionKey, &p.SubmissionAttempts, &p.DocumentPath,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// observations keeps the NOT NULL column satisfied for purchases without a verdict.
func observations(p *core.Purchase) []string {
	if p.AuthorityObservations == nil {
		return []string{}
	}
	return p.AuthorityObservations
}

func (t *pgTx) PurchaseExists(ctx context.Context, key core.ComprobanteKey, excludeID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM purchases
			WHERE supplier_id = $1 AND invoice_type = $2 AND series = $3 AND number = $4 AND id <> $5
		)
	`, key.SupplierID, key.InvoiceType, key.Series, key.Number, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check duplicate purchase: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertPurchase(ctx context.Context, p *core.Purchase) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO purchases (
			supplier_id, branch_id, user_id, invoice_type, series, number,
			issue_date, due_date, currency, exchange_rate, subtotal, tax, total, status, note,
			source_xml, authority_status, authority_receipt, authority_message, receipt_hash,
			authority_observations, submission_key, submission_attempts, document_path
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		RETURNING id, created_at, updated_at
	`,
		p.SupplierID, p.BranchID, p.UserID, p.InvoiceType, p.Series, p.Number,
		p.IssueDate, p.DueDate, p.Currency, p.ExchangeRate, p.Subtotal, p.Tax, p.Total, p.Status, p.Note,
		p.SourceXML, p.AuthorityStatus, p.AuthorityReceipt, p.AuthorityMessage, p.ReceiptHash,
		observations(p), p.SubmissionKey, p.SubmissionAttempts, p.DocumentPath,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("purchase %s %s-%s already exists", p.InvoiceType, p.Series, p.Number)
		}
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

func (t *pgTx) GetPurchase(ctx context.Context, id int64, forUpdate bool) (*core.Purchase, error) {
	query := "SELECT " + purchaseColumns + " FROM purchases WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	p, err := scanPurchase(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "purchase")
	}
	return p, nil
}

func (t *pgTx) UpdatePurchase(ctx context.Context, p *core.Purchase) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE purchases SET
			supplier_id = $2, branch_id = $3, invoice_type = $4, series = $5, number = $6,
			issue_date = $7, due_date = $8, currency = $9, exchange_rate = $10,
			subtotal = $11, tax = $12, total = $13, status = $14, note = $15,
			source_xml = $16, authority_status = $17, authority_receipt = $18,
			authority_message = $19, receipt_hash = $20, authority_observations = $21,
			submission_key = $22, submission_attempts = $23, document_path = $24,
			updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at
	`,
		p.ID, p.SupplierID, p.BranchID, p.InvoiceType, p.Series, p.Number,
		p.IssueDate, p.DueDate, p.Currency, p.ExchangeRate,
		p.Subtotal, p.Tax, p.Total, p.Status, p.Note,
		p.SourceXML, p.AuthorityStatus, p.AuthorityReceipt,
		p.AuthorityMessage, p.ReceiptHash, observations(p),
		p.SubmissionKey, p.SubmissionAttempts, p.DocumentPath,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("purchase %s %s-%s already exists", p.InvoiceType, p.Series, p.Number)
		}
		return notFound(err, "purchase")
	}
	return nil
}

func (t *pgTx) DeletePurchase(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, "DELETE FROM purchases WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete purchase %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrRecordNotFound
	}
	return nil
}

func (t *pgTx) ListPurchases(ctx context.Context, filter core.PurchaseFilter) ([]core.Purchase, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.BranchID != 0 {
		add("branch_id = $%d", filter.BranchID)
	}
	if filter.SupplierID != 0 {
		add("supplier_id = $%d", filter.SupplierID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}

	query := "SELECT " + purchaseColumns + " FROM purchases"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var out []core.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertPurchaseLine(ctx context.Context, l *core.PurchaseLine) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO purchase_lines (purchase_id, line_no, product_id, description, quantity, unit_price, subtotal)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, l.PurchaseID, l.LineNo, l.ProductID, l.Description, l.Quantity, l.UnitPrice, l.Subtotal).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("insert purchase line %d: %w", l.LineNo, err)
	}
	return nil
}

func (t *pgTx) ListPurchaseLines(ctx context.Context, purchaseID int64) ([]core.PurchaseLine, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, purchase_id, line_no, product_id, description, quantity, unit_price, subtotal
		FROM purchase_lines
		WHERE purchase_id = $1
		ORDER BY line_no
	`, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("list purchase lines: %w", err)
	}
	defer rows.Close()

	var out []core.PurchaseLine
	for rows.Next() {
		var l core.PurchaseLine
		if err := rows.Scan(&l.ID, &l.PurchaseID, &l.LineNo, &l.ProductID, &l.Description,
			&l.Quantity, &l.UnitPrice, &l.Subtotal); err != nil {
			return nil, fmt.Errorf("scan purchase line: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) DeletePurchaseLines(ctx context.Context, purchaseID int64) error {
	if _, err := t.tx.Exec(ctx, "DELETE FROM purchase_lines WHERE purchase_id = $1", purchaseID); err != nil {
		return fmt.Errorf("delete purchase lines: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *core.Payment) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO purchase_payments (purchase_id, method, account, reference, memo, amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, p.PurchaseID, p.Method, p.Account, p.Reference, p.Memo, p.Amount).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (t *pgTx) ListPayments(ctx context.Context, purchaseID int64) ([]core.Payment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, purchase_id, method, account, reference, memo, amount
		FROM purchase_payments
		WHERE purchase_id = $1
		ORDER BY id
	`, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []core.Payment
	for rows.Next() {
		var p core.Payment
		if err := rows.Scan(&p.ID, &p.PurchaseID, &p.Method, &p.Account, &p.Reference, &p.Memo, &p.Amount); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) DeletePayments(ctx context.Context, purchaseID int64) error {
	if _, err := t.tx.Exec(ctx, "DELETE FROM purchase_payments WHERE purchase_id = $1", purchaseID); err != nil {
		return fmt.Errorf("delete payments: %w", err)
	}
	return nil
}

// ── inventory ────────────────────────────────────────────────────────────────

const recordColumns = "id, product_id, location_id, stock, min_stock, sale_price, updated_at"

func scanRecord(row pgx.Row) (*core.InventoryRecord, error) {
	var r core.InventoryRecord
	if err := row.Scan(&r.ID, &r.ProductID, &r.LocationID, &r.Stock, &r.MinStock, &r.SalePrice, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) GetInventoryRecord(ctx context.Context, productID, locationID int64) (*core.InventoryRecord, error) {
	r, err := scanRecord(t.tx.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM inventory_records WHERE product_id = $1 AND location_id = $2",
		productID, locationID))
	if err != nil {
		return nil, notFound(err, "inventory record")
	}
	return r, nil
}

func (t *pgTx) LockInventoryRecord(ctx context.Context, productID, locationID int64) (*core.InventoryRecord, error) {
	r, err := scanRecord(t.tx.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM inventory_records WHERE product_id = $1 AND location_id = $2 FOR UPDATE",
		productID, locationID))
	if err != nil {
		return nil, notFound(err, "inventory record")
	}
	return r, nil
}

// CreateInventoryRecord races safely with concurrent creators: the loser reads the
// winner's row.
func (t *pgTx) CreateInventoryRecord(ctx context.Context, rec *core.InventoryRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO inventory_records (product_id, location_id, stock, min_stock, sale_price)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id, location_id) DO NOTHING
	`, rec.ProductID, rec.LocationID, rec.Stock, rec.MinStock, rec.SalePrice)
	if err != nil {
		return fmt.Errorf("create inventory record: %w", err)
	}
	existing, err := t.GetInventoryRecord(ctx, rec.ProductID, rec.LocationID)
	if err != nil {
		return err
	}
	*rec = *existing
	return nil
}

func (t *pgTx) SetInventoryStock(ctx context.Context, recordID int64, stock decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE inventory_records SET stock = $2, updated_at = now() WHERE id = $1", recordID, stock)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrRecordNotFound
	}
	return nil
}

func (t *pgTx) ListInventoryRecords(ctx context.Context, filter core.InventoryFilter) ([]core.InventoryRecord, error) {
	query := "SELECT " + recordColumns + " FROM inventory_records WHERE ($1::bigint = 0 OR location_id = $1)"
	if filter.LowStockOnly {
		query += " AND stock <= min_stock"
	}
	query += " ORDER BY product_id, location_id"

	rows, err := t.tx.Query(ctx, query, filter.LocationID)
	if err != nil {
		return nil, fmt.Errorf("list inventory records: %w", err)
	}
	defer rows.Close()

	var out []core.InventoryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inventory record: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertMovement(ctx context.Context, m *core.Movement) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO inventory_movements (
			product_id, origin_location_id, destination_location_id, direction, quantity, unit_price,
			related_doc_type, related_doc_id, user_id, authorized, authorized_by, note
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`,
		m.ProductID, m.OriginLocationID, m.DestinationLocationID, m.Direction, m.Quantity, m.UnitPrice,
		m.RelatedDocType, m.RelatedDocID, m.UserID, m.Authorized, m.AuthorizedBy, m.Note,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

func (t *pgTx) ListMovements(ctx context.Context, filter core.MovementFilter) ([]core.Movement, error) {
	query := `
		SELECT id, product_id, origin_location_id, destination_location_id, direction, quantity, unit_price,
			related_doc_type, related_doc_id, user_id, authorized, authorized_by, note, created_at
		FROM inventory_movements
		WHERE ($1::bigint = 0 OR product_id = $1)
		  AND ($2::bigint = 0 OR origin_location_id = $2)
		  AND ($3::text = '' OR related_doc_type = $3)
		  AND ($4::bigint = 0 OR related_doc_id = $4)
		ORDER BY id DESC`
	args := []any{filter.ProductID, filter.LocationID, filter.RelatedDocType, filter.RelatedDocID}
	if filter.Limit > 0 {
		query += " LIMIT $5"
		args = append(args, filter.Limit)
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	var out []core.Movement
	for rows.Next() {
		var m core.Movement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.OriginLocationID, &m.DestinationLocationID, &m.Direction,
			&m.Quantity, &m.UnitPrice, &m.RelatedDocType, &m.RelatedDocID, &m.UserID, &m.Authorized,
			&m.AuthorizedBy, &m.Note, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *pgTx) MovementTotals(ctx context.Context, productID, locationID int64) (entries, exits decimal.Decimal, err error) {
	err = t.tx.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(quantity) FILTER (WHERE direction = 'ENTRY'), 0),
			COALESCE(SUM(quantity) FILTER (WHERE direction = 'EXIT'), 0)
		FROM inventory_movements
		WHERE product_id = $1 AND origin_location_id = $2
	`, productID, locationID).Scan(&entries, &exits)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sum movements: %w", err)
	}
	return entries, exits, nil
}
