package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger owns every stock change. Writes happen only through RecordEntryTx and
// RecordExitTx, each pairing one stock update with exactly one Movement inside the
// caller's transaction.
type Ledger struct {
	store  Store
	logger *zap.Logger
}

func NewLedger(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, logger: logger}
}

// ── TX-scoped writes ─────────────────────────────────────────────────────────

// RecordEntryTx increases stock at (product, location), creating the inventory
// record on first use with the product's sale price, and appends an ENTRY movement.
func (l *Ledger) RecordEntryTx(ctx context.Context, tx Tx, in MovementInput) (*Movement, error) {
	if err := validateMovement(in); err != nil {
		return nil, err
	}

	product, err := tx.GetProduct(ctx, in.ProductID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, notFoundf("product %d not found", in.ProductID)
		}
		return nil, fmt.Errorf("resolve product %d: %w", in.ProductID, err)
	}

	rec, err := tx.LockInventoryRecord(ctx, in.ProductID, in.LocationID)
	if errors.Is(err, ErrRecordNotFound) {
		if err := tx.CreateInventoryRecord(ctx, &InventoryRecord{
			ProductID:  in.ProductID,
			LocationID: in.LocationID,
			Stock:      decimal.Zero,
			MinStock:   decimal.Zero,
			SalePrice:  product.SalePrice,
		}); err != nil {
			return nil, fmt.Errorf("create inventory record: %w", err)
		}
		rec, err = tx.LockInventoryRecord(ctx, in.ProductID, in.LocationID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock inventory record: %w", err)
	}

	if err := tx.SetInventoryStock(ctx, rec.ID, rec.Stock.Add(in.Quantity)); err != nil {
		return nil, fmt.Errorf("update stock: %w", err)
	}

	dest := in.LocationID
	m := movementFrom(in, DirectionEntry, &dest)
	if err := tx.InsertMovement(ctx, m); err != nil {
		return nil, fmt.Errorf("insert entry movement: %w", err)
	}
	return m, nil
}

// RecordExitTx decreases stock at (product, location) and appends an EXIT movement.
// It fails with an insufficient-stock Conflict rather than drive stock negative.
func (l *Ledger) RecordExitTx(ctx context.Context, tx Tx, in MovementInput) (*Movement, error) {
	if err := validateMovement(in); err != nil {
		return nil, err
	}

	rec, err := tx.LockInventoryRecord(ctx, in.ProductID, in.LocationID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, insufficientStock("product %d has no stock at location %d (requested %s)",
			in.ProductID, in.LocationID, in.Quantity)
	}
	if err != nil {
		return nil, fmt.Errorf("lock inventory record: %w", err)
	}
	if rec.Stock.LessThan(in.Quantity) {
		return nil, insufficientStock("product %d at location %d has stock %s, cannot remove %s",
			in.ProductID, in.LocationID, rec.Stock, in.Quantity)
	}

	if err := tx.SetInventoryStock(ctx, rec.ID, rec.Stock.Sub(in.Quantity)); err != nil {
		return nil, fmt.Errorf("update stock: %w", err)
	}

	m := movementFrom(in, DirectionExit, nil)
	if err := tx.InsertMovement(ctx, m); err != nil {
		return nil, fmt.Errorf("insert exit movement: %w", err)
	}
	return m, nil
}

func validateMovement(in MovementInput) error {
	var details []string
	if in.ProductID <= 0 {
		details = append(details, "product is required")
	}
	if in.LocationID <= 0 {
		details = append(details, "location is required")
	}
	if !in.Quantity.IsPositive() {
		details = append(details, fmt.Sprintf("quantity must be positive, got %s", in.Quantity))
	}
	if in.UnitPrice.IsNegative() {
		details = append(details, fmt.Sprintf("unit price cannot be negative, got %s", in.UnitPrice))
	}
	if len(details) > 0 {
		return &Error{Kind: ErrValidation, Message: "invalid movement", Details: details}
	}
	return nil
}

func movementFrom(in MovementInput, dir Direction, dest *int64) *Movement {
	return &Movement{
		ProductID:             in.ProductID,
		OriginLocationID:      in.LocationID,
		DestinationLocationID: dest,
		Direction:             dir,
		Quantity:              in.Quantity,
		UnitPrice:             in.UnitPrice,
		RelatedDocType:        in.RelatedDocType,
		RelatedDocID:          in.RelatedDocID,
		UserID:                in.UserID,
		Authorized:            in.Authorized,
		AuthorizedBy:          in.AuthorizedBy,
		Note:                  in.Note,
	}
}

// ── Standalone reads ─────────────────────────────────────────────────────────

// Stock returns the inventory record for (product, location).
func (l *Ledger) Stock(ctx context.Context, productID, locationID int64) (*InventoryRecord, error) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := tx.GetInventoryRecord(ctx, productID, locationID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, notFoundf("no inventory record for product %d at location %d", productID, locationID)
	}
	if err != nil {
		return nil, fmt.Errorf("get inventory record: %w", err)
	}
	return rec, nil
}

// Movements lists ledger rows, newest first.
func (l *Ledger) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ms, err := tx.ListMovements(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	return ms, nil
}

// LowStock lists records at a location whose stock is at or below their minimum.
// A zero locationID covers every location.
func (l *Ledger) LowStock(ctx context.Context, locationID int64) ([]InventoryRecord, error) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	recs, err := tx.ListInventoryRecords(ctx, InventoryFilter{LocationID: locationID, LowStockOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list low stock: %w", err)
	}
	return recs, nil
}

// Reconcile recomputes entries minus exits for one key and compares it with the record.
func (l *Ledger) Reconcile(ctx context.Context, productID, locationID int64) (*Reconciliation, error) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := tx.GetInventoryRecord(ctx, productID, locationID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, notFoundf("no inventory record for product %d at location %d", productID, locationID)
	}
	if err != nil {
		return nil, fmt.Errorf("get inventory record: %w", err)
	}
	return reconcileTx(ctx, tx, *rec)
}

// ReconcileAll checks every inventory record and returns only the inconsistent ones.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]Reconciliation, error) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	recs, err := tx.ListInventoryRecords(ctx, InventoryFilter{})
	if err != nil {
		return nil, fmt.Errorf("list inventory records: %w", err)
	}

	var drifted []Reconciliation
	for _, rec := range recs {
		r, err := reconcileTx(ctx, tx, rec)
		if err != nil {
			return nil, err
		}
		if !r.Consistent() {
			l.logger.Warn("inventory drift",
				zap.Int64("product_id", r.ProductID),
				zap.Int64("location_id", r.LocationID),
				zap.String("stock", r.Stock.String()),
				zap.String("expected", r.Entries.Sub(r.Exits).String()))
			drifted = append(drifted, *r)
		}
	}
	l.logger.Info("reconciliation finished", zap.Int("records", len(recs)), zap.Int("drifted", len(drifted)))
	return drifted, nil
}

func reconcileTx(ctx context.Context, tx Tx, rec InventoryRecord) (*Reconciliation, error) {
	entries, exits, err := tx.MovementTotals(ctx, rec.ProductID, rec.LocationID)
	if err != nil {
		return nil, fmt.Errorf("sum movements: %w", err)
	}
	return &Reconciliation{
		ProductID:  rec.ProductID,
		LocationID: rec.LocationID,
		Stock:      rec.Stock,
		Entries:    entries,
		Exits:      exits,
		Drift:      rec.Stock.Sub(entries.Sub(exits)),
	}, nil
}
