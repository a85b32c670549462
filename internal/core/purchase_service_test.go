package core_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"purchasing-core/internal/authority"
	"purchasing-core/internal/core"
	"purchasing-core/internal/invoice"
	"purchasing-core/internal/render"
	"purchasing-core/internal/storage"
	"purchasing-core/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const publicBase = "https://files.example.test"

var documentPath = regexp.MustCompile(`^documents/purchase-\d+-\d+\.pdf$`)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// gatewayFunc adapts a function to authority.Gateway and records every idempotency key.
type gatewayFunc struct {
	mu       sync.Mutex
	keys     []string
	docTypes []string
	respond func(ctx context.Context, inv *invoice.Invoice) (*authority.Receipt, error)
}

func (g *gatewayFunc) Submit(ctx context.Context, inv *invoice.Invoice, docType, key string) (*authority.Receipt, error) {
	g.mu.Lock()
	g.keys = append(g.keys, key)
	g.docTypes = append(g.docTypes, docType)
	g.mu.Unlock()
	return g.respond(ctx, inv)
}

func accepted() (*authority.Receipt, error) {
	return &authority.Receipt{Accepted: true, Status: authority.StatusAccepted, Document: "<cdr/>", Hash: "abc123def4567890"}, nil
}

// commitFailStore hands out transactions whose Commit rolls back and fails.
type commitFailStore struct{ core.Store }

func (s commitFailStore) Begin(ctx context.Context) (core.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return commitFailTx{tx}, nil
}

type commitFailTx struct{ core.Tx }

func (t commitFailTx) Commit(ctx context.Context) error {
	_ = t.Tx.Rollback(ctx)
	return errors.New("connection lost")
}

// switchRenderer fails while broken is set and delegates otherwise.
type switchRenderer struct {
	broken bool
	next   render.Renderer
}

func (r *switchRenderer) Render(ctx context.Context, inv *invoice.Invoice, rcpt *authority.Receipt, id int64) (string, error) {
	if r.broken {
		return "", errors.New("pdf engine unavailable")
	}
	return r.next.Render(ctx, inv, rcpt, id)
}

type harness struct {
	ctx        context.Context
	store      *memory.Store
	ledger     *core.Ledger
	content    *storage.LocalStore
	contentDir string
	gateway    *gatewayFunc
	renderer   *switchRenderer
	svc        core.PurchaseService

	branch   core.Branch
	other    core.Branch
	supplier core.Supplier
	product  core.Product

	admin core.Actor
	clerk core.Actor
	super core.Actor
	seq   int
}

func newHarness(t *testing.T, configure ...func(*core.PurchaseServiceConfig)) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{ctx: context.Background(), store: memory.New()}
	h.contentDir = t.TempDir()
	h.content = storage.NewLocalStore(h.contentDir, logger)
	h.ledger = core.NewLedger(h.store, logger)
	h.gateway = &gatewayFunc{respond: func(ctx context.Context, inv *invoice.Invoice) (*authority.Receipt, error) {
		return authority.NewSimulated(0, logger).Submit(ctx, inv, inv.DocumentType, "")
	}}

	var mu sync.Mutex
	tick := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	pdf := render.NewPDFRenderer(h.content, d("0.18"), logger).WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	})
	h.renderer = &switchRenderer{next: pdf}

	h.branch = h.store.AddBranch(core.Branch{Name: "PRINCIPAL", Active: true})
	h.other = h.store.AddBranch(core.Branch{Name: "AREQUIPA", Active: true})
	h.supplier = h.store.AddSupplier(core.Supplier{TaxID: "10467812349", Name: "COMERCIAL SUR", Active: true})
	h.product = h.store.AddProduct(core.Product{Code: "CLAV-2", Description: "CLAVO DE 2 PULGADAS", SalePrice: d("0.50"), Active: true})

	h.admin = core.Actor{UserID: 10, Role: core.RoleAdmin, BranchID: h.branch.ID}
	h.clerk = core.Actor{UserID: 20, Role: core.RoleWarehouse, BranchID: h.branch.ID}
	h.super = core.Actor{UserID: 1, Role: core.RoleSuperAdmin}

	cfg := core.PurchaseServiceConfig{
		Store:            h.store,
		Ledger:           h.ledger,
		Gateway:          h.gateway,
		Renderer:         h.renderer,
		Content:          h.content,
		Logger:           logger,
		TaxRate:          d("0.18"),
		AuthorityTimeout: time.Second,
		PublicBaseURL:    publicBase,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	h.svc = core.NewPurchaseService(cfg)
	return h
}

func (h *harness) input(lines ...core.LineInput) core.CreatePurchaseInput {
	h.seq++
	return core.CreatePurchaseInput{
		SupplierID:  h.supplier.ID,
		BranchID:    h.branch.ID,
		InvoiceType: core.InvoiceTypeFactura,
		Series:      "F001",
		Number:      fmt.Sprintf("%08d", h.seq),
		Lines:       lines,
	}
}

func (h *harness) line(qty, price string) core.LineInput {
	return core.LineInput{ProductID: h.product.ID, Quantity: d(qty), UnitPrice: d(price)}
}

func (h *harness) stock(t *testing.T, productID, locationID int64) decimal.Decimal {
	t.Helper()
	rec, err := h.ledger.Stock(h.ctx, productID, locationID)
	if errors.Is(err, core.ErrNotFound) {
		return decimal.Zero
	}
	require.NoError(t, err)
	return rec.Stock
}

func (h *harness) movements(t *testing.T, filter core.MovementFilter) []core.Movement {
	t.Helper()
	ms, err := h.ledger.Movements(h.ctx, filter)
	require.NoError(t, err)
	return ms
}

func (h *harness) assertConsistent(t *testing.T) {
	t.Helper()
	drifted, err := h.ledger.ReconcileAll(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, drifted, "stock must equal entries minus exits")
}

func (h *harness) removeStock(t *testing.T, productID int64, qty string) {
	t.Helper()
	tx, err := h.store.Begin(h.ctx)
	require.NoError(t, err)
	defer tx.Rollback(h.ctx)
	_, err = h.ledger.RecordExitTx(h.ctx, tx, core.MovementInput{
		ProductID: productID, LocationID: h.branch.ID, Quantity: d(qty), UnitPrice: d("10"),
		RelatedDocType: "SALE", RelatedDocID: 1, UserID: h.clerk.UserID,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(h.ctx))
}

func loadInvoice(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "invoice", "testdata", "F001-00000123.xml"))
	require.NoError(t, err)
	return data
}

func (h *harness) upload(t *testing.T, data []byte) (*core.UploadResult, error) {
	t.Helper()
	return h.svc.CreateFromInvoice(h.ctx, h.admin, core.UploadInput{
		Filename: "F001-00000123.xml",
		Data:     data,
		BranchID: h.branch.ID,
	})
}

func (h *harness) purchaseCount(t *testing.T) int {
	t.Helper()
	ps, err := h.svc.ListPurchases(h.ctx, h.super, core.PurchaseFilter{})
	require.NoError(t, err)
	return len(ps)
}

// ── create ───────────────────────────────────────────────────────────────────

func TestCreatePurchase_ComputesTotalsAndRecordsEntry(t *testing.T) {
	h := newHarness(t)

	p, err := h.svc.CreatePurchase(h.ctx, h.clerk, h.input(h.line("10", "10.00")))
	require.NoError(t, err)

	assert.Equal(t, core.PurchaseStatusPending, p.Status)
	assert.True(t, p.Subtotal.Equal(d("100.00")), p.Subtotal.String())
	assert.True(t, p.Tax.Equal(d("18.00")), p.Tax.String())
	assert.True(t, p.Total.Equal(d("118.00")), p.Total.String())
	assert.Equal(t, "PEN", p.Currency)
	assert.True(t, p.ExchangeRate.Equal(d("1")))
	require.Len(t, p.Lines, 1)
	assert.True(t, p.Lines[0].Subtotal.Equal(d("100")))

	assert.True(t, h.stock(t, h.product.ID, h.branch.ID).Equal(d("10")))
	ms := h.movements(t, core.MovementFilter{RelatedDocType: core.DocPurchase, RelatedDocID: p.ID})
	require.Len(t, ms, 1)
	assert.Equal(t, core.DirectionEntry, ms[0].Direction)
	assert.True(t, ms[0].Quantity.Equal(d("10")))
	assert.True(t, ms[0].Authorized)
	assert.Equal(t, h.clerk.UserID, ms[0].UserID)
	require.NotNil(t, ms[0].DestinationLocationID)
	assert.Equal(t, h.branch.ID, *ms[0].DestinationLocationID)

	rec, err := h.ledger.Stock(h.ctx, h.product.ID, h.branch.ID)
	require.NoError(t, err)
	assert.True(t, rec.SalePrice.Equal(d("0.50")), "new records take the product sale price")
	assert.True(t, rec.MinStock.IsZero())
	h.assertConsistent(t)
}

func TestCreatePurchase_TotalsInvariantAcrossLines(t *testing.T) {
	h := newHarness(t)
	in := h.input(h.line("3", "1.333"), h.line("0.5", "19.99"), h.line("7", "0.10"))
	in.Payments = []core.PaymentInput{{Method: "TRANSFER", Account: "BCP-001", Amount: d("25")}}

	p, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
	require.NoError(t, err)

	var sum decimal.Decimal
	for _, l := range p.Lines {
		sum = sum.Add(l.Quantity.Mul(l.UnitPrice))
	}
	assert.True(t, p.Subtotal.Sub(sum).Abs().LessThanOrEqual(d("0.01")))
	assert.True(t, p.Total.Sub(p.Subtotal.Add(p.Tax)).Abs().LessThanOrEqual(d("0.01")))
	require.Len(t, p.Payments, 1)
	assert.Equal(t, "TRANSFER", p.Payments[0].Method)
	assert.True(t, h.stock(t, h.product.ID, h.branch.ID).Equal(d("10.5")))
}

func TestCreatePurchase_AcceptsConsistentTotalsOverride(t *testing.T) {
	h := newHarness(t)
	in := h.input(h.line("10", "10"))
	in.Totals = &core.TotalsInput{Subtotal: d("100"), Tax: d("0"), Total: d("100")}
	in.Status = core.PurchaseStatusCompleted

	p, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
	require.NoError(t, err)
	assert.True(t, p.Tax.IsZero())
	assert.True(t, p.Total.Equal(d("100")))
	assert.Equal(t, core.PurchaseStatusCompleted, p.Status)
}

func TestCreatePurchase_EmptyLinesWritesNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreatePurchase(h.ctx, h.admin, h.input())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Contains(t, core.DetailsOf(err), "purchase must have at least one line")

	assert.Zero(t, h.purchaseCount(t))
	assert.Empty(t, h.movements(t, core.MovementFilter{}))
}

func TestCreatePurchase_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	cases := map[string]func(in *core.CreatePurchaseInput){
		"unknown invoice type": func(in *core.CreatePurchaseInput) { in.InvoiceType = "TICKET" },
		"voided on create":     func(in *core.CreatePurchaseInput) { in.Status = core.PurchaseStatusVoided },
		"zero quantity":        func(in *core.CreatePurchaseInput) { in.Lines[0].Quantity = decimal.Zero },
		"negative price":       func(in *core.CreatePurchaseInput) { in.Lines[0].UnitPrice = d("-1") },
		"negative line override": func(in *core.CreatePurchaseInput) {
			neg := d("-5")
			in.Lines[0].Subtotal = &neg
		},
		"currency not accepted": func(in *core.CreatePurchaseInput) { in.Currency = "JPY" },
		"negative exchange":     func(in *core.CreatePurchaseInput) { in.ExchangeRate = d("-3.7") },
		"inconsistent totals": func(in *core.CreatePurchaseInput) {
			in.Totals = &core.TotalsInput{Subtotal: d("100"), Tax: d("18"), Total: d("120")}
		},
		"totals not matching lines": func(in *core.CreatePurchaseInput) {
			in.Totals = &core.TotalsInput{Subtotal: d("90"), Tax: d("10"), Total: d("100")}
		},
		"malformed source document": func(in *core.CreatePurchaseInput) { in.SourceXML = []byte("<Invoice>") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := h.input(h.line("10", "10"))
			mutate(&in)
			_, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
			assert.ErrorIs(t, err, core.ErrValidation)
			assert.NotEmpty(t, core.DetailsOf(err))
		})
	}
	assert.Zero(t, h.purchaseCount(t))
	assert.True(t, h.stock(t, h.product.ID, h.branch.ID).IsZero())
}

func TestCreatePurchase_DirectoryChecks(t *testing.T) {
	h := newHarness(t)
	inactiveSupplier := h.store.AddSupplier(core.Supplier{TaxID: "20551122337", Name: "CERRADO", Active: false})
	inactiveProduct := h.store.AddProduct(core.Product{Code: "OLD", Description: "DESCONTINUADO", Active: false})
	closed := h.store.AddBranch(core.Branch{Name: "CERRADA", Active: false})

	t.Run("missing supplier", func(t *testing.T) {
		in := h.input(h.line("1", "1"))
		in.SupplierID = 9999
		_, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
	t.Run("inactive supplier", func(t *testing.T) {
		in := h.input(h.line("1", "1"))
		in.SupplierID = inactiveSupplier.ID
		_, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
		assert.ErrorIs(t, err, core.ErrValidation)
	})
	t.Run("inactive branch", func(t *testing.T) {
		in := h.input(h.line("1", "1"))
		in.BranchID = closed.ID
		_, err := h.svc.CreatePurchase(h.ctx, h.super, in)
		assert.ErrorIs(t, err, core.ErrValidation)
	})
	t.Run("inactive product", func(t *testing.T) {
		in := h.input(core.LineInput{ProductID: inactiveProduct.ID, Quantity: d("1"), UnitPrice: d("1")})
		_, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
		assert.ErrorIs(t, err, core.ErrValidation)
	})
	t.Run("one missing product rolls back every line", func(t *testing.T) {
		in := h.input(h.line("3", "2"), core.LineInput{ProductID: 9999, Quantity: d("1"), UnitPrice: d("1")})
		_, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
		assert.ErrorIs(t, err, core.ErrNotFound)
		assert.True(t, h.stock(t, h.product.ID, h.branch.ID).IsZero())
		assert.Empty(t, h.movements(t, core.MovementFilter{}))
	})
	assert.Zero(t, h.purchaseCount(t))
}

func TestCreatePurchase_DuplicateComprobante(t *testing.T) {
	h := newHarness(t)
	in := h.input(h.line("1", "5"))
	_, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
	require.NoError(t, err)

	_, err = h.svc.CreatePurchase(h.ctx, h.admin, in)
	assert.ErrorIs(t, err, core.ErrConflict)
	assert.True(t, h.stock(t, h.product.ID, h.branch.ID).Equal(d("1")))
}

func TestCreatePurchase_BranchConfinement(t *testing.T) {
	h := newHarness(t)
	in := h.input(h.line("1", "5"))
	in.BranchID = h.other.ID

	_, err := h.svc.CreatePurchase(h.ctx, h.clerk, in)
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = h.svc.CreatePurchase(h.ctx, h.super, in)
	require.NoError(t, err)
	assert.True(t, h.stock(t, h.product.ID, h.other.ID).Equal(d("1")))
}

func TestCreatePurchase_ConcurrentEntriesOnSameKey(t *testing.T) {
	h := newHarness(t)
	inputs := []core.CreatePurchaseInput{h.input(h.line("3", "2")), h.input(h.line("4", "2"))}

	var wg sync.WaitGroup
	errs := make([]error, len(inputs))
	for i := range inputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.CreatePurchase(h.ctx, h.clerk, inputs[i])
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, h.stock(t, h.product.ID, h.branch.ID).Equal(d("7")))
	h.assertConsistent(t)
}

func TestCreatePurchase_CancelledContextLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(h.ctx)
	cancel()

	_, err := h.svc.CreatePurchase(ctx, h.admin, h.input(h.line("1", "1")))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.purchaseCount(t))
}

// ── void ─────────────────────────────────────────────────────────────────────

func TestVoidPurchase_ReversesEveryLine(t *testing.T) {
	h := newHarness(t)
	in := h.input(h.line("10", "10"))
	in.Status = core.PurchaseStatusCompleted
	p, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
	require.NoError(t, err)

	voided, err := h.svc.VoidPurchase(h.ctx, h.admin, p.ID, "wrong supplier")
	require.NoError(t, err)

	assert.Equal(t, core.PurchaseStatusVoided, voided.Status)
	assert.Contains(t, voided.Note, "wrong supplier")
	assert.True(t, h.stock(t, h.product.ID, h.branch.ID).IsZero())
	exits := h.movements(t, core.MovementFilter{RelatedDocType: core.DocPurchaseVoid, RelatedDocID: p.ID})
	require.Len(t, exits, 1)
	assert.Equal(t, core.DirectionExit, exits[0].Direction)
	assert.Nil(t, exits[0].DestinationLocationID)
	h.assertConsistent(t)
}

func TestVoidPurchase_InsufficientStockLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	in := h.input(h.line("10", "10"))
	in.Status = core.PurchaseStatusCompleted
	p, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
	require.NoError(t, err)
	h.removeStock(t, h.product.ID, "5")
	before := len(h.movements(t, core.MovementFilter{}))

	_, err = h.svc.VoidPurchase(h.ctx, h.admin, p.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConflict)
	assert.ErrorIs(t, err, core.ErrInsufficientStock)

	got, err := h.svc.GetPurchase(h.ctx, h.admin, p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PurchaseStatusCompleted, got.Status)
	assert.True(t, h.stock(t, h.product.ID, h.branch.ID).Equal(d("5")))
	assert.Len(t, h.movements(t, core.MovementFilter{}), before)
}

func TestVoidPurchase_TwiceFailsWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	p, err := h.svc.CreatePurchase(h.ctx, h.admin, h.input(h.line("2", "10")))
	require.NoError(t, err)
	_, err = h.svc.VoidPurchase(h.ctx, h.admin, p.ID, "first")
	require.NoError(t, err)
	before := len(h.movements(t, core.MovementFilter{}))

	_, err = h.svc.VoidPurchase(h.ctx, h.admin, p.ID, "second")
	assert.ErrorIs(t, err, core.ErrConflict)
	assert.Len(t, h.movements(t, core.MovementFilter{}), before)

	got, err := h.svc.GetPurchase(h.ctx, h.admin, p.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.Note, "second")
}

func TestVoidPurchase_Permissions(t *testing.T) {
	h := newHarness(t)
	p, err := h.svc.CreatePurchase(h.ctx, h.clerk, h.input(h.line("2", "10")))
	require.NoError(t, err)

	_, err = h.svc.VoidPurchase(h.ctx, h.clerk, p.ID, "")
	assert.ErrorIs(t, err, core.ErrForbidden)

	foreignAdmin := core.Actor{UserID: 11, Role: core.RoleAdmin, BranchID: h.other.ID}
	_, err = h.svc.VoidPurchase(h.ctx, foreignAdmin, p.ID, "")
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = h.svc.VoidPurchase(h.ctx, h.admin, 9999, "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// ── delete ───────────────────────────────────────────────────────────────────

func TestDeletePurchase_CompensatesAndCascades(t *testing.T) {
	h := newHarness(t)
	in := h.input(h.line("4", "10"))
	in.Payments = []core.PaymentInput{{Method: "CASH", Amount: d("47.20")}}
	p, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
	require.NoError(t, err)

	require.NoError(t, h.svc.DeletePurchase(h.ctx, h.admin, p.ID))

	_, err = h.svc.GetPurchase(h.ctx, h.admin, p.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.True(t, h.stock(t, h.product.ID, h.branch.ID).IsZero())
	exits := h.movements(t, core.MovementFilter{RelatedDocType: core.DocPurchaseDelete, RelatedDocID: p.ID})
	require.Len(t, exits, 1)
	assert.True(t, exits[0].Quantity.Equal(d("4")))
	assert.Len(t, h.movements(t, core.MovementFilter{}), 2, "the original entry is never removed")
	h.assertConsistent(t)
}

func TestDeletePurchase_RefusesCompleted(t *testing.T) {
	h := newHarness(t)
	in := h.input(h.line("4", "10"))
	in.Status = core.PurchaseStatusCompleted
	p, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
	require.NoError(t, err)

	err = h.svc.DeletePurchase(h.ctx, h.admin, p.ID)
	assert.ErrorIs(t, err, core.ErrConflict)
	assert.True(t, h.stock(t, h.product.ID, h.branch.ID).Equal(d("4")))
}

func TestDeletePurchase_RefusesAcceptedPurchases(t *testing.T) {
	t.Run("resubmitted completed purchase stays completed", func(t *testing.T) {
		h := newHarness(t)
		in := h.input(h.line("4", "10"))
		in.Status = core.PurchaseStatusCompleted
		in.SourceXML = loadInvoice(t)
		p, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
		require.NoError(t, err)

		res, err := h.svc.SubmitToAuthority(h.ctx, h.admin, p.ID)
		require.NoError(t, err)
		assert.Equal(t, core.PurchaseStatusCompleted, res.Purchase.Status)
		assert.True(t, res.Purchase.Accepted())

		err = h.svc.DeletePurchase(h.ctx, h.admin, p.ID)
		assert.ErrorIs(t, err, core.ErrConflict)
		_, err = h.svc.GetPurchase(h.ctx, h.admin, p.ID)
		require.NoError(t, err)
		assert.True(t, h.stock(t, h.product.ID, h.branch.ID).Equal(d("4")))
	})

	t.Run("uploaded purchase is processed", func(t *testing.T) {
		h := newHarness(t)
		res, err := h.upload(t, loadInvoice(t))
		require.NoError(t, err)
		require.Equal(t, core.PurchaseStatusProcessed, res.Purchase.Status)
		path := filepath.Join(h.contentDir, *res.Purchase.DocumentPath)

		err = h.svc.DeletePurchase(h.ctx, h.admin, res.Purchase.ID)
		assert.ErrorIs(t, err, core.ErrConflict)
		assert.FileExists(t, path)
		assert.True(t, h.stock(t, h.mustProduct(t, "MART-16").ID, h.branch.ID).Equal(d("10")))
	})
}

func TestDeletePurchase_VoidedIsNotCompensatedTwice(t *testing.T) {
	h := newHarness(t)
	p, err := h.svc.CreatePurchase(h.ctx, h.admin, h.input(h.line("4", "10")))
	require.NoError(t, err)
	_, err = h.svc.VoidPurchase(h.ctx, h.admin, p.ID, "")
	require.NoError(t, err)

	require.NoError(t, h.svc.DeletePurchase(h.ctx, h.admin, p.ID))
	assert.Empty(t, h.movements(t, core.MovementFilter{RelatedDocType: core.DocPurchaseDelete}))
	assert.True(t, h.stock(t, h.product.ID, h.branch.ID).IsZero())
}

func TestDeletePurchase_WarehouseForbidden(t *testing.T) {
	h := newHarness(t)
	p, err := h.svc.CreatePurchase(h.ctx, h.clerk, h.input(h.line("1", "1")))
	require.NoError(t, err)
	assert.ErrorIs(t, h.svc.DeletePurchase(h.ctx, h.clerk, p.ID), core.ErrForbidden)
}

// ── update ───────────────────────────────────────────────────────────────────

func TestUpdatePurchase_ReplacesLinesAndKeepsLedgerInStep(t *testing.T) {
	h := newHarness(t)
	p, err := h.svc.CreatePurchase(h.ctx, h.admin, h.input(h.line("10", "10")))
	require.NoError(t, err)

	lines := []core.LineInput{h.line("4", "5")}
	note := "corrected quantities"
	updated, err := h.svc.UpdatePurchase(h.ctx, h.admin, p.ID, core.UpdatePurchaseInput{Lines: &lines, Note: &note})
	require.NoError(t, err)

	assert.True(t, updated.Subtotal.Equal(d("20")), updated.Subtotal.String())
	assert.True(t, updated.Tax.Equal(d("3.60")), updated.Tax.String())
	assert.True(t, updated.Total.Equal(d("23.60")), updated.Total.String())
	assert.Equal(t, note, updated.Note)
	require.Len(t, updated.Lines, 1)
	assert.True(t, updated.Lines[0].Quantity.Equal(d("4")))

	assert.True(t, h.stock(t, h.product.ID, h.branch.ID).Equal(d("4")))
	assert.Len(t, h.movements(t, core.MovementFilter{RelatedDocType: core.DocPurchaseUpdate}), 2)
	h.assertConsistent(t)
}

func TestUpdatePurchase_LinesOnlyWhilePending(t *testing.T) {
	h := newHarness(t)
	in := h.input(h.line("10", "10"))
	in.Status = core.PurchaseStatusCompleted
	p, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
	require.NoError(t, err)

	lines := []core.LineInput{h.line("1", "1")}
	_, err = h.svc.UpdatePurchase(h.ctx, h.admin, p.ID, core.UpdatePurchaseInput{Lines: &lines})
	assert.ErrorIs(t, err, core.ErrConflict)

	payments := []core.PaymentInput{{Method: "TRANSFER", Amount: d("118")}}
	updated, err := h.svc.UpdatePurchase(h.ctx, h.admin, p.ID, core.UpdatePurchaseInput{Payments: &payments})
	require.NoError(t, err)
	require.Len(t, updated.Payments, 1)
	assert.True(t, updated.Total.Equal(d("118")))
	assert.True(t, h.stock(t, h.product.ID, h.branch.ID).Equal(d("10")))
}

func TestUpdatePurchase_StatusTransitions(t *testing.T) {
	h := newHarness(t)
	p, err := h.svc.CreatePurchase(h.ctx, h.admin, h.input(h.line("1", "1")))
	require.NoError(t, err)

	completed := core.PurchaseStatusCompleted
	got, err := h.svc.UpdatePurchase(h.ctx, h.admin, p.ID, core.UpdatePurchaseInput{Status: &completed})
	require.NoError(t, err)
	assert.Equal(t, core.PurchaseStatusCompleted, got.Status)

	pending := core.PurchaseStatusPending
	_, err = h.svc.UpdatePurchase(h.ctx, h.admin, p.ID, core.UpdatePurchaseInput{Status: &pending})
	assert.ErrorIs(t, err, core.ErrConflict)

	processed := core.PurchaseStatusProcessed
	_, err = h.svc.UpdatePurchase(h.ctx, h.admin, p.ID, core.UpdatePurchaseInput{Status: &processed})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestUpdatePurchase_RejectsVoidedAndDuplicates(t *testing.T) {
	h := newHarness(t)
	first, err := h.svc.CreatePurchase(h.ctx, h.admin, h.input(h.line("1", "1")))
	require.NoError(t, err)
	second, err := h.svc.CreatePurchase(h.ctx, h.admin, h.input(h.line("1", "1")))
	require.NoError(t, err)

	number := first.Number
	_, err = h.svc.UpdatePurchase(h.ctx, h.admin, second.ID, core.UpdatePurchaseInput{Number: &number})
	assert.ErrorIs(t, err, core.ErrConflict)

	_, err = h.svc.VoidPurchase(h.ctx, h.admin, first.ID, "")
	require.NoError(t, err)
	note := "late edit"
	_, err = h.svc.UpdatePurchase(h.ctx, h.admin, first.ID, core.UpdatePurchaseInput{Note: &note})
	assert.ErrorIs(t, err, core.ErrConflict)
}

// ── document pipeline ────────────────────────────────────────────────────────

func TestCreateFromInvoice_RoundTrip(t *testing.T) {
	h := newHarness(t)

	res, err := h.upload(t, loadInvoice(t))
	require.NoError(t, err)
	require.False(t, res.DocumentPending, res.DocumentError)

	p := res.Purchase
	assert.Equal(t, core.PurchaseStatusProcessed, p.Status)
	assert.Equal(t, core.InvoiceTypeFactura, p.InvoiceType)
	assert.Equal(t, "F001", p.Series)
	assert.Equal(t, "00000123", p.Number)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), p.IssueDate)
	assert.True(t, p.Total.Equal(d("118")))
	require.NotNil(t, p.AuthorityStatus)
	assert.Equal(t, authority.StatusAccepted, *p.AuthorityStatus)
	require.NotNil(t, p.SubmissionKey)
	assert.Equal(t, fmt.Sprintf("purchase-%d-attempt-1", p.ID), *p.SubmissionKey)
	assert.Equal(t, []string{*p.SubmissionKey}, h.gateway.keys)

	require.NotNil(t, p.DocumentPath)
	assert.Regexp(t, documentPath, *p.DocumentPath)
	assert.Equal(t, publicBase+"/"+*p.DocumentPath, p.DocumentURL)
	assert.FileExists(t, filepath.Join(h.contentDir, *p.DocumentPath))

	require.Len(t, p.Lines, 1)
	ms := h.movements(t, core.MovementFilter{RelatedDocID: p.ID})
	require.Len(t, ms, 1)
	assert.Equal(t, core.DirectionEntry, ms[0].Direction)
	assert.True(t, ms[0].Quantity.Equal(d("10")))
	assert.Equal(t, h.branch.ID, ms[0].OriginLocationID)
	assert.Equal(t, p.Lines[0].ProductID, ms[0].ProductID)

	tx, err := h.store.Begin(h.ctx)
	require.NoError(t, err)
	defer tx.Rollback(h.ctx)
	sup, err := tx.FindSupplierByTaxID(h.ctx, "20600535022")
	require.NoError(t, err)
	assert.Equal(t, "DISTRIBUIDORA ANDINA S.A.C.", sup.Name)
	assert.Equal(t, sup.ID, p.SupplierID)
	prod, err := tx.FindProductByCode(h.ctx, "MART-16")
	require.NoError(t, err)
	assert.True(t, prod.SalePrice.Equal(d("10")))
}

func TestCreateFromInvoice_ReusesKnownProduct(t *testing.T) {
	h := newHarness(t)
	known := h.store.AddProduct(core.Product{Code: "MART-16", Description: "Martillo", SalePrice: d("15"), Active: true})

	res, err := h.upload(t, loadInvoice(t))
	require.NoError(t, err)
	require.Len(t, res.Purchase.Lines, 1)
	assert.Equal(t, known.ID, res.Purchase.Lines[0].ProductID)
	assert.True(t, h.stock(t, known.ID, h.branch.ID).Equal(d("10")))
}

func TestCreateFromInvoice_RejectsNonXMLBeforeParsing(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateFromInvoice(h.ctx, h.admin, core.UploadInput{
		Filename: "invoice.txt",
		Data:     []byte("definitely not xml"),
		BranchID: h.branch.ID,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.ErrorIs(t, err, invoice.ErrInvalidDocument)
	assert.Contains(t, strings.Join(core.DetailsOf(err), " "), ".xml")
	assert.Empty(t, h.gateway.keys)
}

func TestCreateFromInvoice_RejectionPersistsNothing(t *testing.T) {
	h := newHarness(t)
	h.gateway.respond = func(ctx context.Context, inv *invoice.Invoice) (*authority.Receipt, error) {
		return &authority.Receipt{Status: authority.StatusRejected, ErrorCode: "2800", ErrorMessage: "tipo de documento no permitido"}, nil
	}

	_, err := h.upload(t, loadInvoice(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrExternal)
	assert.Contains(t, err.Error(), "2800")
	assert.Contains(t, core.DetailsOf(err), "tipo de documento no permitido")

	assert.Zero(t, h.purchaseCount(t))
	assert.Empty(t, h.movements(t, core.MovementFilter{}))
	tx, err := h.store.Begin(h.ctx)
	require.NoError(t, err)
	defer tx.Rollback(h.ctx)
	_, err = tx.FindSupplierByTaxID(h.ctx, "20600535022")
	assert.ErrorIs(t, err, core.ErrRecordNotFound)
	_, err = tx.FindProductByCode(h.ctx, "MART-16")
	assert.ErrorIs(t, err, core.ErrRecordNotFound)
}

func TestCreateFromInvoice_TimeoutRollsBack(t *testing.T) {
	h := newHarness(t, func(cfg *core.PurchaseServiceConfig) { cfg.AuthorityTimeout = 20 * time.Millisecond })
	h.gateway.respond = func(ctx context.Context, inv *invoice.Invoice) (*authority.Receipt, error) {
		<-ctx.Done()
		return &authority.Receipt{Status: authority.StatusError, ErrorMessage: ctx.Err().Error()}, ctx.Err()
	}

	_, err := h.upload(t, loadInvoice(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrExternal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.purchaseCount(t))
	assert.Empty(t, h.movements(t, core.MovementFilter{}))
}

func TestCreateFromInvoice_DuplicateDocument(t *testing.T) {
	h := newHarness(t)
	_, err := h.upload(t, loadInvoice(t))
	require.NoError(t, err)

	_, err = h.upload(t, loadInvoice(t))
	assert.ErrorIs(t, err, core.ErrConflict)
	assert.Len(t, h.gateway.keys, 1, "a duplicate never reaches the authority")
	assert.True(t, h.stock(t, h.mustProduct(t, "MART-16").ID, h.branch.ID).Equal(d("10")))
}

func TestCreateFromInvoice_RenderFailureKeepsPurchase(t *testing.T) {
	h := newHarness(t)
	h.renderer.broken = true

	res, err := h.upload(t, loadInvoice(t))
	require.NoError(t, err)
	assert.True(t, res.DocumentPending)
	assert.Contains(t, res.DocumentError, "pdf engine unavailable")
	assert.Nil(t, res.Purchase.DocumentPath)

	got, err := h.svc.GetPurchase(h.ctx, h.admin, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PurchaseStatusProcessed, got.Status)

	h.renderer.broken = false
	rendered, err := h.svc.RenderDocument(h.ctx, h.admin, res.Purchase.ID)
	require.NoError(t, err)
	require.NotNil(t, rendered.DocumentPath)
	assert.Regexp(t, documentPath, *rendered.DocumentPath)
	assert.NotEmpty(t, rendered.DocumentURL)
}

func TestRenderDocument_ReplacesPreviousFile(t *testing.T) {
	h := newHarness(t)
	res, err := h.upload(t, loadInvoice(t))
	require.NoError(t, err)
	first := *res.Purchase.DocumentPath

	p, err := h.svc.RenderDocument(h.ctx, h.admin, res.Purchase.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first, *p.DocumentPath)
	assert.NoFileExists(t, filepath.Join(h.contentDir, first))
	assert.FileExists(t, filepath.Join(h.contentDir, *p.DocumentPath))

	h.renderer.broken = true
	_, err = h.svc.RenderDocument(h.ctx, h.admin, res.Purchase.ID)
	assert.ErrorIs(t, err, core.ErrRendering)
}

func TestRenderDocument_RequiresAcceptedReceipt(t *testing.T) {
	h := newHarness(t)
	p, err := h.svc.CreatePurchase(h.ctx, h.admin, h.input(h.line("1", "1")))
	require.NoError(t, err)

	_, err = h.svc.RenderDocument(h.ctx, h.admin, p.ID)
	assert.ErrorIs(t, err, core.ErrValidation)

	in := h.input(h.line("1", "1"))
	in.SourceXML = loadInvoice(t)
	withSource, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
	require.NoError(t, err)
	_, err = h.svc.RenderDocument(h.ctx, h.admin, withSource.ID)
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestDeletePurchase_RemovesRenderedDocument(t *testing.T) {
	h := newHarness(t)
	res, err := h.upload(t, loadInvoice(t))
	require.NoError(t, err)
	path := filepath.Join(h.contentDir, *res.Purchase.DocumentPath)
	require.FileExists(t, path)
	_, err = h.svc.VoidPurchase(h.ctx, h.admin, res.Purchase.ID, "wrong supplier")
	require.NoError(t, err)

	require.NoError(t, h.svc.DeletePurchase(h.ctx, h.admin, res.Purchase.ID))
	assert.NoFileExists(t, path)
	h.assertConsistent(t)
}

func TestDeletePurchase_KeepsDocumentWhenCommitFails(t *testing.T) {
	h := newHarness(t)
	res, err := h.upload(t, loadInvoice(t))
	require.NoError(t, err)
	path := filepath.Join(h.contentDir, *res.Purchase.DocumentPath)
	_, err = h.svc.VoidPurchase(h.ctx, h.admin, res.Purchase.ID, "")
	require.NoError(t, err)

	failing := core.NewPurchaseService(core.PurchaseServiceConfig{
		Store:    commitFailStore{h.store},
		Ledger:   h.ledger,
		Gateway:  h.gateway,
		Renderer: h.renderer,
		Content:  h.content,
		Logger:   zap.NewNop(),
	})
	err = failing.DeletePurchase(h.ctx, h.admin, res.Purchase.ID)
	require.Error(t, err)

	assert.FileExists(t, path)
	got, err := h.svc.GetPurchase(h.ctx, h.admin, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, *res.Purchase.DocumentPath, *got.DocumentPath)
}

func TestDocument_ReturnsRenderedPDF(t *testing.T) {
	h := newHarness(t)
	res, err := h.upload(t, loadInvoice(t))
	require.NoError(t, err)

	data, err := h.svc.Document(h.ctx, h.admin, res.Purchase.ID)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))

	_, err = h.svc.Document(h.ctx, core.Actor{UserID: 30, Role: core.RoleAdmin, BranchID: h.other.ID}, res.Purchase.ID)
	assert.ErrorIs(t, err, core.ErrForbidden)

	manual, err := h.svc.CreatePurchase(h.ctx, h.admin, h.input(h.line("1", "1")))
	require.NoError(t, err)
	_, err = h.svc.Document(h.ctx, h.admin, manual.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, h.content.Delete(h.ctx, *res.Purchase.DocumentPath))
	_, err = h.svc.Document(h.ctx, h.admin, res.Purchase.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// ── standalone submission ────────────────────────────────────────────────────

func TestSubmitToAuthority_RetriesWithNewKeyAndNeverTouchesStock(t *testing.T) {
	h := newHarness(t)
	in := h.input(h.line("10", "10"))
	in.SourceXML = loadInvoice(t)
	p, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
	require.NoError(t, err)
	movementsBefore := len(h.movements(t, core.MovementFilter{}))

	h.gateway.respond = func(ctx context.Context, inv *invoice.Invoice) (*authority.Receipt, error) {
		err := errors.New("connection reset by peer")
		return &authority.Receipt{Status: authority.StatusError, ErrorMessage: err.Error()}, err
	}
	res, err := h.svc.SubmitToAuthority(h.ctx, h.clerk, p.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrExternal)
	require.NotNil(t, res)
	assert.Equal(t, authority.StatusError, *res.Purchase.AuthorityStatus)
	assert.Equal(t, core.PurchaseStatusPending, res.Purchase.Status)
	assert.Equal(t, 1, res.Purchase.SubmissionAttempts)

	h.gateway.respond = func(ctx context.Context, inv *invoice.Invoice) (*authority.Receipt, error) { return accepted() }
	res, err = h.svc.SubmitToAuthority(h.ctx, h.clerk, p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PurchaseStatusProcessed, res.Purchase.Status)
	assert.Equal(t, 2, res.Purchase.SubmissionAttempts)
	require.NotNil(t, res.Purchase.ReceiptHash)
	assert.Equal(t, "abc123def4567890", *res.Purchase.ReceiptHash)
	assert.Equal(t, []string{
		fmt.Sprintf("purchase-%d-attempt-1", p.ID),
		fmt.Sprintf("purchase-%d-attempt-2", p.ID),
	}, h.gateway.keys)

	_, err = h.svc.SubmitToAuthority(h.ctx, h.clerk, p.ID)
	assert.ErrorIs(t, err, core.ErrConflict)

	assert.Len(t, h.movements(t, core.MovementFilter{}), movementsBefore)
	assert.True(t, h.stock(t, h.product.ID, h.branch.ID).Equal(d("10")))
}

func TestSubmitToAuthority_Preconditions(t *testing.T) {
	h := newHarness(t)
	p, err := h.svc.CreatePurchase(h.ctx, h.admin, h.input(h.line("1", "1")))
	require.NoError(t, err)

	_, err = h.svc.SubmitToAuthority(h.ctx, h.admin, p.ID)
	assert.ErrorIs(t, err, core.ErrValidation)

	in := h.input(h.line("1", "1"))
	in.SourceXML = loadInvoice(t)
	withSource, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
	require.NoError(t, err)
	_, err = h.svc.VoidPurchase(h.ctx, h.admin, withSource.ID, "")
	require.NoError(t, err)
	_, err = h.svc.SubmitToAuthority(h.ctx, h.admin, withSource.ID)
	assert.ErrorIs(t, err, core.ErrConflict)
	assert.Empty(t, h.gateway.keys)
}

// ── reads ────────────────────────────────────────────────────────────────────

func TestSubmitToAuthority_FilesUnderStoredInvoiceType(t *testing.T) {
	h := newHarness(t)
	in := h.input(h.line("1", "1"))
	in.InvoiceType = core.InvoiceTypeBoleta
	in.SourceXML = loadInvoice(t)
	boleta, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
	require.NoError(t, err)

	_, err = h.svc.SubmitToAuthority(h.ctx, h.admin, boleta.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"03"}, h.gateway.docTypes)

	in = h.input(h.line("1", "1"))
	in.InvoiceType = core.InvoiceTypeNotaVenta
	in.SourceXML = loadInvoice(t)
	paper, err := h.svc.CreatePurchase(h.ctx, h.admin, in)
	require.NoError(t, err)

	_, err = h.svc.SubmitToAuthority(h.ctx, h.admin, paper.ID)
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Len(t, h.gateway.keys, 1)
	got, err := h.svc.GetPurchase(h.ctx, h.admin, paper.ID)
	require.NoError(t, err)
	assert.Zero(t, got.SubmissionAttempts)
}

func TestListPurchases_ConfinedToBranch(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreatePurchase(h.ctx, h.admin, h.input(h.line("1", "1")))
	require.NoError(t, err)
	foreign := h.input(h.line("1", "1"))
	foreign.BranchID = h.other.ID
	_, err = h.svc.CreatePurchase(h.ctx, h.super, foreign)
	require.NoError(t, err)

	mine, err := h.svc.ListPurchases(h.ctx, h.clerk, core.PurchaseFilter{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, h.branch.ID, mine[0].BranchID)

	_, err = h.svc.ListPurchases(h.ctx, h.clerk, core.PurchaseFilter{BranchID: h.other.ID})
	assert.ErrorIs(t, err, core.ErrForbidden)

	all, err := h.svc.ListPurchases(h.ctx, h.super, core.PurchaseFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Greater(t, all[0].ID, all[1].ID, "newest first")

	byStatus, err := h.svc.ListPurchases(h.ctx, h.super, core.PurchaseFilter{Status: core.PurchaseStatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, byStatus)
}

func (h *harness) mustProduct(t *testing.T, code string) *core.Product {
	t.Helper()
	tx, err := h.store.Begin(h.ctx)
	require.NoError(t, err)
	defer tx.Rollback(h.ctx)
	p, err := tx.FindProductByCode(h.ctx, code)
	require.NoError(t, err)
	return p
}
