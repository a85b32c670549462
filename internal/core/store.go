package core

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrRecordNotFound is returned by repository lookups that match no row.
var ErrRecordNotFound = errors.New("record not found")

// Store opens transactions. All service writes run inside exactly one Tx which is
// passed explicitly to every repository and Ledger call.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a unit of work. Rollback after Commit is a no-op, so callers always
// `defer tx.Rollback(ctx)`.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	DirectoryRepository
	PurchaseRepository
	InventoryRepository
}

// DirectoryRepository reads branches, suppliers and products, and creates
// suppliers and products on demand.
type DirectoryRepository interface {
	GetBranch(ctx context.Context, id int64) (*Branch, error)
	GetSupplier(ctx context.Context, id int64) (*Supplier, error)
	FindSupplierByTaxID(ctx context.Context, taxID string) (*Supplier, error)
	// CreateSupplier inserts s unless a supplier with the same tax id exists. Either
	// way s ends up holding the stored row.
	CreateSupplier(ctx context.Context, s *Supplier) error
	GetProduct(ctx context.Context, id int64) (*Product, error)
	FindProductByCode(ctx context.Context, code string) (*Product, error)
	// SearchProducts returns active products whose description contains fragment,
	// case-insensitively, in ascending id order.
	SearchProducts(ctx context.Context, fragment string, limit int) ([]Product, error)
	InsertProduct(ctx context.Context, p *Product) error
}

// PurchaseRepository persists purchase headers, lines and payments.
type PurchaseRepository interface {
	// PurchaseExists reports whether another purchase (id != excludeID) carries key.
	PurchaseExists(ctx context.Context, key ComprobanteKey, excludeID int64) (bool, error)
	InsertPurchase(ctx context.Context, p *Purchase) error
	// GetPurchase loads the header only. forUpdate locks the row until the Tx ends.
	GetPurchase(ctx context.Context, id int64, forUpdate bool) (*Purchase, error)
	UpdatePurchase(ctx context.Context, p *Purchase) error
	DeletePurchase(ctx context.Context, id int64) error
	ListPurchases(ctx context.Context, filter PurchaseFilter) ([]Purchase, error)

	InsertPurchaseLine(ctx context.Context, l *PurchaseLine) error
	ListPurchaseLines(ctx context.Context, purchaseID int64) ([]PurchaseLine, error)
	DeletePurchaseLines(ctx context.Context, purchaseID int64) error

	InsertPayment(ctx context.Context, p *Payment) error
	ListPayments(ctx context.Context, purchaseID int64) ([]Payment, error)
	DeletePayments(ctx context.Context, purchaseID int64) error
}

// InventoryRepository stores inventory records and the movement log.
type InventoryRepository interface {
	GetInventoryRecord(ctx context.Context, productID, locationID int64) (*InventoryRecord, error)
	// LockInventoryRecord loads the record and holds a row lock until the Tx ends.
	LockInventoryRecord(ctx context.Context, productID, locationID int64) (*InventoryRecord, error)
	// CreateInventoryRecord inserts rec unless a record for the same key exists.
	CreateInventoryRecord(ctx context.Context, rec *InventoryRecord) error
	SetInventoryStock(ctx context.Context, recordID int64, stock decimal.Decimal) error
	ListInventoryRecords(ctx context.Context, filter InventoryFilter) ([]InventoryRecord, error)

	InsertMovement(ctx context.Context, m *Movement) error
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	// MovementTotals sums ENTRY and EXIT quantities for one key.
	MovementTotals(ctx context.Context, productID, locationID int64) (entries, exits decimal.Decimal, err error)
}
