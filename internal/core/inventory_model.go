package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionEntry Direction = "ENTRY"
	DirectionExit  Direction = "EXIT"
)

// Related document types stamped on movements written by the purchase flows.
const (
	DocPurchase       = "PURCHASE"
	DocPurchaseVoid   = "PURCHASE_VOID"
	DocPurchaseUpdate = "PURCHASE_UPDATE"
	DocPurchaseDelete = "PURCHASE_DELETE"
)

// InventoryRecord is the derived stock for one (product, location) pair.
// Stock always equals the sum of its ENTRY movements minus its EXIT movements.
type InventoryRecord struct {
	ID         int64           `json:"id"`
	ProductID  int64           `json:"product_id"`
	LocationID int64           `json:"location_id"`
	Stock      decimal.Decimal `json:"stock"`
	MinStock   decimal.Decimal `json:"min_stock"`
	SalePrice  decimal.Decimal `json:"sale_price"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Movement is one append-only ledger row.
type Movement struct {
	ID                    int64           `json:"id"`
	ProductID             int64           `json:"product_id"`
	OriginLocationID      int64           `json:"origin_location_id"`
	DestinationLocationID *int64          `json:"destination_location_id,omitempty"`
	Direction             Direction       `json:"direction"`
	Quantity              decimal.Decimal `json:"quantity"`
	UnitPrice             decimal.Decimal `json:"unit_price"`
	RelatedDocType        string          `json:"related_doc_type"`
	RelatedDocID          int64           `json:"related_doc_id"`
	UserID                int64           `json:"user_id"`
	Authorized            bool            `json:"authorized"`
	AuthorizedBy          *int64          `json:"authorized_by,omitempty"`
	Note                  string          `json:"note,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}

// MovementInput describes one stock change requested from the Ledger.
type MovementInput struct {
	ProductID      int64
	LocationID     int64
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	RelatedDocType string
	RelatedDocID   int64
	UserID         int64
	Authorized     bool
	AuthorizedBy   *int64
	Note           string
}

type MovementFilter struct {
	ProductID      int64
	LocationID     int64
	RelatedDocType string
	RelatedDocID   int64
	Limit          int
}

type InventoryFilter struct {
	LocationID   int64
	LowStockOnly bool
}

// Reconciliation compares a record's stock with the sum of its movements.
type Reconciliation struct {
	ProductID  int64           `json:"product_id"`
	LocationID int64           `json:"location_id"`
	Stock      decimal.Decimal `json:"stock"`
	Entries    decimal.Decimal `json:"entries"`
	Exits      decimal.Decimal `json:"exits"`
	Drift      decimal.Decimal `json:"drift"`
}

// Consistent reports whether stock matches entries minus exits.
func (r Reconciliation) Consistent() bool {
	return r.Drift.IsZero()
}
