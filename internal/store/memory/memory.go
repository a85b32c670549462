// Package memory is an in-process core.Store. Transactions are serialized: Begin
// waits for the previous transaction to end, works on a private copy of the data and
// Commit publishes that copy. It backs the test suite and single-node demo deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"purchasing-core/internal/core"

	"github.com/shopspring/decimal"
)

var errTxDone = errors.New("transaction already finished")

type dataset struct {
	nextID    int64
	branches  map[int64]core.Branch
	suppliers map[int64]core.Supplier
	products  map[int64]core.Product
	purchases map[int64]core.Purchase
	lines     map[int64]core.PurchaseLine
	payments  map[int64]core.Payment
	records   map[int64]core.InventoryRecord
	movements []core.Movement
}

func newDataset() *dataset {
	return &dataset{
		branches:  map[int64]core.Branch{},
		suppliers: map[int64]core.Supplier{},
		products:  map[int64]core.Product{},
		purchases: map[int64]core.Purchase{},
		lines:     map[int64]core.PurchaseLine{},
		payments:  map[int64]core.Payment{},
		records:   map[int64]core.InventoryRecord{},
	}
}

func (d *dataset) clone() *dataset {
	return &dataset{
		nextID:    d.nextID,
		branches:  maps.Clone(d.branches),
		suppliers: maps.Clone(d.suppliers),
		products:  maps.Clone(d.products),
		purchases: maps.Clone(d.purchases),
		lines:     maps.Clone(d.lines),
		payments:  maps.Clone(d.payments),
		records:   maps.Clone(d.records),
		movements: slices.Clone(d.movements),
	}
}

func (d *dataset) id() int64 {
	d.nextID++
	return d.nextID
}

// Store implements core.Store.
type Store struct {
	sem  chan struct{}
	mu   sync.Mutex
	data *dataset
	now  func() time.Time
}

var _ core.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{sem: make(chan struct{}, 1), data: newDataset(), now: time.Now}
}

// Begin waits until no other transaction is open or ctx is done.
func (s *Store) Begin(ctx context.Context) (core.Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()
	return &tx{store: s, data: snapshot}, nil
}

// ── seeding ──────────────────────────────────────────────────────────────────

// AddBranch stores b and returns it with its assigned id.
func (s *Store) AddBranch(b core.Branch) core.Branch {
	s.seed(func(d *dataset) {
		if b.ID == 0 {
			b.ID = d.id()
		}
		d.branches[b.ID] = b
	})
	return b
}

// AddSupplier stores sup and returns it with its assigned id.
func (s *Store) AddSupplier(sup core.Supplier) core.Supplier {
	s.seed(func(d *dataset) {
		if sup.ID == 0 {
			sup.ID = d.id()
		}
		if sup.CreatedAt.IsZero() {
			sup.CreatedAt = s.now()
		}
		d.suppliers[sup.ID] = sup
	})
	return sup
}

// AddProduct stores p and returns it with its assigned id.
func (s *Store) AddProduct(p core.Product) core.Product {
	s.seed(func(d *dataset) {
		if p.ID == 0 {
			p.ID = d.id()
		}
		d.products[p.ID] = p
	})
	return p
}

// ForceStock overwrites stock without writing a movement. It exists to exercise
// reconciliation and must not be used by application code.
func (s *Store) ForceStock(productID, locationID int64, stock decimal.Decimal) {
	s.seed(func(d *dataset) {
		for id, r := range d.records {
			if r.ProductID == productID && r.LocationID == locationID {
				r.Stock = stock
				d.records[id] = r
				return
			}
		}
	})
}

func (s *Store) seed(fn func(d *dataset)) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
}

// ── transaction ──────────────────────────────────────────────────────────────

type tx struct {
	store *Store
	data  *dataset
	done  bool
}

var _ core.Tx = (*tx)(nil)

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	defer func() { <-t.store.sem }()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	t.store.mu.Lock()
	t.store.data = t.data
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	<-t.store.sem
	return nil
}

func (t *tx) live() error {
	if t.done {
		return errTxDone
	}
	return nil
}

func (t *tx) now() time.Time { return t.store.now() }

// ── directory ────────────────────────────────────────────────────────────────

func (t *tx) GetBranch(ctx context.Context, id int64) (*core.Branch, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	b, ok := t.data.branches[id]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	return &b, nil
}

func (t *tx) GetSupplier(ctx context.Context, id int64) (*core.Supplier, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	s, ok := t.data.suppliers[id]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	return &s, nil
}

func (t *tx) FindSupplierByTaxID(ctx context.Context, taxID string) (*core.Supplier, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	for _, s := range t.data.suppliers {
		if s.TaxID == taxID {
			return &s, nil
		}
	}
	return nil, core.ErrRecordNotFound
}

func (t *tx) CreateSupplier(ctx context.Context, s *core.Supplier) error {
	if err := t.live(); err != nil {
		return err
	}
	for _, existing := range t.data.suppliers {
		if existing.TaxID == s.TaxID {
			*s = existing
			return nil
		}
	}
	s.ID = t.data.id()
	s.CreatedAt = t.now()
	t.data.suppliers[s.ID] = *s
	return nil
}

func (t *tx) GetProduct(ctx context.Context, id int64) (*core.Product, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	p, ok := t.data.products[id]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	return &p, nil
}

func (t *tx) FindProductByCode(ctx context.Context, code string) (*core.Product, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	for _, p := range t.data.products {
		if p.Code == code {
			return &p, nil
		}
	}
	return nil, core.ErrRecordNotFound
}

func (t *tx) SearchProducts(ctx context.Context, fragment string, limit int) ([]core.Product, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	needle := strings.ToLower(fragment)
	var out []core.Product
	for _, p := range t.data.products {
		if p.Active && strings.Contains(strings.ToLower(p.Description), needle) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) InsertProduct(ctx context.Context, p *core.Product) error {
	if err := t.live(); err != nil {
		return err
	}
	for _, existing := range t.data.products {
		if existing.Code == p.Code {
			return fmt.Errorf("product with code %s already exists", p.Code)
		}
	}
	p.ID = t.data.id()
	t.data.products[p.ID] = *p
	return nil
}

// ── purchases ────────────────────────────────────────────────────────────────

// stored strips the collections and copies slices so callers never alias store state.
func stored(p core.Purchase) core.Purchase {
	p.Lines = nil
	p.Payments = nil
	p.DocumentURL = ""
	p.AuthorityObservations = slices.Clone(p.AuthorityObservations)
	return p
}

func (t *tx) PurchaseExists(ctx context.Context, key core.ComprobanteKey, excludeID int64) (bool, error) {
	if err := t.live(); err != nil {
		return false, err
	}
	for id, p := range t.data.purchases {
		if id != excludeID && p.Key() == key {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) InsertPurchase(ctx context.Context, p *core.Purchase) error {
	if err := t.live(); err != nil {
		return err
	}
	if exists, _ := t.PurchaseExists(ctx, p.Key(), 0); exists {
		return fmt.Errorf("purchase %s %s-%s already exists", p.InvoiceType, p.Series, p.Number)
	}
	p.ID = t.data.id()
	p.CreatedAt = t.now()
	p.UpdatedAt = p.CreatedAt
	t.data.purchases[p.ID] = stored(*p)
	return nil
}

func (t *tx) GetPurchase(ctx context.Context, id int64, forUpdate bool) (*core.Purchase, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	p, ok := t.data.purchases[id]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	p = stored(p)
	return &p, nil
}

func (t *tx) UpdatePurchase(ctx context.Context, p *core.Purchase) error {
	if err := t.live(); err != nil {
		return err
	}
	cur, ok := t.data.purchases[p.ID]
	if !ok {
		return core.ErrRecordNotFound
	}
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = t.now()
	t.data.purchases[p.ID] = stored(*p)
	return nil
}

func (t *tx) DeletePurchase(ctx context.Context, id int64) error {
	if err := t.live(); err != nil {
		return err
	}
	if _, ok := t.data.purchases[id]; !ok {
		return core.ErrRecordNotFound
	}
	for _, l := range t.data.lines {
		if l.PurchaseID == id {
			return fmt.Errorf("purchase %d still has lines", id)
		}
	}
	delete(t.data.purchases, id)
	return nil
}

func (t *tx) ListPurchases(ctx context.Context, filter core.PurchaseFilter) ([]core.Purchase, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	var out []core.Purchase
	for _, p := range t.data.purchases {
		if filter.BranchID != 0 && p.BranchID != filter.BranchID {
			continue
		}
		if filter.SupplierID != 0 && p.SupplierID != filter.SupplierID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, stored(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (t *tx) InsertPurchaseLine(ctx context.Context, l *core.PurchaseLine) error {
	if err := t.live(); err != nil {
		return err
	}
	if _, ok := t.data.purchases[l.PurchaseID]; !ok {
		return fmt.Errorf("purchase %d: %w", l.PurchaseID, core.ErrRecordNotFound)
	}
	l.ID = t.data.id()
	t.data.lines[l.ID] = *l
	return nil
}

func (t *tx) ListPurchaseLines(ctx context.Context, purchaseID int64) ([]core.PurchaseLine, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	var out []core.PurchaseLine
	for _, l := range t.data.lines {
		if l.PurchaseID == purchaseID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNo < out[j].LineNo })
	return out, nil
}

func (t *tx) DeletePurchaseLines(ctx context.Context, purchaseID int64) error {
	if err := t.live(); err != nil {
		return err
	}
	for id, l := range t.data.lines {
		if l.PurchaseID == purchaseID {
			delete(t.data.lines, id)
		}
	}
	return nil
}

func (t *tx) InsertPayment(ctx context.Context, p *core.Payment) error {
	if err := t.live(); err != nil {
		return err
	}
	if _, ok := t.data.purchases[p.PurchaseID]; !ok {
		return fmt.Errorf("purchase %d: %w", p.PurchaseID, core.ErrRecordNotFound)
	}
	p.ID = t.data.id()
	t.data.payments[p.ID] = *p
	return nil
}

func (t *tx) ListPayments(ctx context.Context, purchaseID int64) ([]core.Payment, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	var out []core.Payment
	for _, p := range t.data.payments {
		if p.PurchaseID == purchaseID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) DeletePayments(ctx context.Context, purchaseID int64) error {
	if err := t.live(); err != nil {
		return err
	}
	for id, p := range t.data.payments {
		if p.PurchaseID == purchaseID {
			delete(t.data.payments, id)
		}
	}
	return nil
}

// ── inventory ────────────────────────────────────────────────────────────────

func (t *tx) findRecord(productID, locationID int64) (core.InventoryRecord, bool) {
	for _, r := range t.data.records {
		if r.ProductID == productID && r.LocationID == locationID {
			return r, true
		}
	}
	return core.InventoryRecord{}, false
}

func (t *tx) GetInventoryRecord(ctx context.Context, productID, locationID int64) (*core.InventoryRecord, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	r, ok := t.findRecord(productID, locationID)
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	return &r, nil
}

// LockInventoryRecord is a plain read: the whole transaction already holds the store.
func (t *tx) LockInventoryRecord(ctx context.Context, productID, locationID int64) (*core.InventoryRecord, error) {
	return t.GetInventoryRecord(ctx, productID, locationID)
}

func (t *tx) CreateInventoryRecord(ctx context.Context, rec *core.InventoryRecord) error {
	if err := t.live(); err != nil {
		return err
	}
	if existing, ok := t.findRecord(rec.ProductID, rec.LocationID); ok {
		*rec = existing
		return nil
	}
	rec.ID = t.data.id()
	rec.UpdatedAt = t.now()
	t.data.records[rec.ID] = *rec
	return nil
}

func (t *tx) SetInventoryStock(ctx context.Context, recordID int64, stock decimal.Decimal) error {
	if err := t.live(); err != nil {
		return err
	}
	r, ok := t.data.records[recordID]
	if !ok {
		return core.ErrRecordNotFound
	}
	r.Stock = stock
	r.UpdatedAt = t.now()
	t.data.records[recordID] = r
	return nil
}

func (t *tx) ListInventoryRecords(ctx context.Context, filter core.InventoryFilter) ([]core.InventoryRecord, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	var out []core.InventoryRecord
	for _, r := range t.data.records {
		if filter.LocationID != 0 && r.LocationID != filter.LocationID {
			continue
		}
		if filter.LowStockOnly && r.Stock.GreaterThan(r.MinStock) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].LocationID < out[j].LocationID
	})
	return out, nil
}

func (t *tx) InsertMovement(ctx context.Context, m *core.Movement) error {
	if err := t.live(); err != nil {
		return err
	}
	m.ID = t.data.id()
	m.CreatedAt = t.now()
	t.data.movements = append(t.data.movements, *m)
	return nil
}

func (t *tx) ListMovements(ctx context.Context, filter core.MovementFilter) ([]core.Movement, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	var out []core.Movement
	for i := len(t.data.movements) - 1; i >= 0; i-- {
		m := t.data.movements[i]
		if filter.ProductID != 0 && m.ProductID != filter.ProductID {
			continue
		}
		if filter.LocationID != 0 && m.OriginLocationID != filter.LocationID {
			continue
		}
		if filter.RelatedDocType != "" && m.RelatedDocType != filter.RelatedDocType {
			continue
		}
		if filter.RelatedDocID != 0 && m.RelatedDocID != filter.RelatedDocID {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (t *tx) MovementTotals(ctx context.Context, productID, locationID int64) (entries, exits decimal.Decimal, err error) {
	if err := t.live(); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	for _, m := range t.data.movements {
		if m.ProductID != productID || m.OriginLocationID != locationID {
			continue
		}
		switch m.Direction {
		case core.DirectionEntry:
			entries = entries.Add(m.Quantity)
		case core.DirectionExit:
			exits = exits.Add(m.Quantity)
		}
	}
	return entries, exits, nil
}
