package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"purchasing-core/internal/core"
	"purchasing-core/internal/db"
	"purchasing-core/internal/store/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store    *postgres.Store
	branch   int64
	supplier int64
	product  int64
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, fixture) {
	_ = godotenv.Load("../../../.env")

	// A dedicated database: every run truncates the purchasing tables.
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = db.Migrate(ctx, pool, zap.NewNop())
	require.NoError(t, err)

	var fx fixture
	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE inventory_movements, inventory_records, purchase_payments, purchase_lines,
			purchases, products, suppliers RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	require.NoError(t, pool.QueryRow(ctx, "SELECT id FROM branches ORDER BY id LIMIT 1").Scan(&fx.branch))
	require.NoError(t, pool.QueryRow(ctx,
		"INSERT INTO suppliers (tax_id, name) VALUES ('10467812349', 'FERRETERIA SAN JUAN') RETURNING id").Scan(&fx.supplier))
	require.NoError(t, pool.QueryRow(ctx,
		"INSERT INTO products (code, description, sale_price) VALUES ('CLAV-2', 'CLAVO 2 PULGADAS', 0.50) RETURNING id").Scan(&fx.product))

	fx.store = postgres.New(pool)
	return pool, fx
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPostgres_LedgerRoundTrip(t *testing.T) {
	_, fx := setupTestDB(t)
	ctx := context.Background()
	ledger := core.NewLedger(fx.store, zap.NewNop())

	tx, err := fx.store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = ledger.RecordEntryTx(ctx, tx, core.MovementInput{
		ProductID: fx.product, LocationID: fx.branch, Quantity: d("10"), UnitPrice: d("0.40"),
		RelatedDocType: core.DocPurchase, RelatedDocID: 1, UserID: 7,
	})
	require.NoError(t, err)
	_, err = ledger.RecordExitTx(ctx, tx, core.MovementInput{
		ProductID: fx.product, LocationID: fx.branch, Quantity: d("3"),
		RelatedDocType: core.DocPurchaseVoid, RelatedDocID: 1, UserID: 7,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	rec, err := ledger.Stock(ctx, fx.product, fx.branch)
	require.NoError(t, err)
	assert.True(t, rec.Stock.Equal(d("7")), "stock %s", rec.Stock)
	assert.True(t, rec.SalePrice.Equal(d("0.50")))

	r, err := ledger.Reconcile(ctx, fx.product, fx.branch)
	require.NoError(t, err)
	assert.True(t, r.Consistent())

	moves, err := ledger.Movements(ctx, core.MovementFilter{ProductID: fx.product})
	require.NoError(t, err)
	require.Len(t, moves, 2)
	assert.Equal(t, core.DirectionExit, moves[0].Direction)
	assert.Nil(t, moves[0].DestinationLocationID)
	require.NotNil(t, moves[1].DestinationLocationID)
	assert.Equal(t, fx.branch, *moves[1].DestinationLocationID)
}

func TestPostgres_MovementsAreAppendOnly(t *testing.T) {
	pool, fx := setupTestDB(t)
	ctx := context.Background()
	ledger := core.NewLedger(fx.store, zap.NewNop())

	tx, err := fx.store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	m, err := ledger.RecordEntryTx(ctx, tx, core.MovementInput{
		ProductID: fx.product, LocationID: fx.branch, Quantity: d("1"), UserID: 7,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	_, err = pool.Exec(ctx, "UPDATE inventory_movements SET quantity = 5 WHERE id = $1", m.ID)
	assert.ErrorContains(t, err, "append-only")
}

func TestPostgres_ConcurrentEntriesSerialize(t *testing.T) {
	_, fx := setupTestDB(t)
	ctx := context.Background()
	ledger := core.NewLedger(fx.store, zap.NewNop())

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := fx.store.Begin(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer tx.Rollback(ctx)
			if _, err := ledger.RecordEntryTx(ctx, tx, core.MovementInput{
				ProductID: fx.product, LocationID: fx.branch, Quantity: d("1"), UserID: 7,
			}); err != nil {
				errs <- err
				return
			}
			errs <- tx.Commit(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := ledger.Stock(ctx, fx.product, fx.branch)
	require.NoError(t, err)
	assert.True(t, rec.Stock.Equal(d("8")), "stock %s", rec.Stock)
}

func TestPostgres_ConcurrentSupplierCreationSharesRow(t *testing.T) {
	pool, fx := setupTestDB(t)
	ctx := context.Background()

	const workers = 4
	var wg sync.WaitGroup
	ids := make(chan int64, workers)
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := fx.store.Begin(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer tx.Rollback(ctx)
			sup := &core.Supplier{TaxID: "20600535022", Name: "DISTRIBUIDORA ANDINA S.A.C.", Active: true}
			if err := tx.CreateSupplier(ctx, sup); err != nil {
				errs <- err
				return
			}
			if err := tx.Commit(ctx); err != nil {
				errs <- err
				return
			}
			ids <- sup.ID
		}()
	}
	wg.Wait()
	close(errs)
	close(ids)
	for err := range errs {
		require.NoError(t, err)
	}

	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		assert.Equal(t, first, id)
	}
	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM suppliers WHERE tax_id = '20600535022'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestPostgres_PurchaseLifecycle(t *testing.T) {
	_, fx := setupTestDB(t)
	ctx := context.Background()
	svc := core.NewPurchaseService(core.PurchaseServiceConfig{Store: fx.store, Logger: zap.NewNop()})
	actor := core.Actor{UserID: 10, Role: core.RoleAdmin, BranchID: fx.branch}

	created, err := svc.CreatePurchase(ctx, actor, core.CreatePurchaseInput{
		SupplierID:  fx.supplier,
		BranchID:    fx.branch,
		InvoiceType: core.InvoiceTypeFactura,
		Series:      "F001",
		Number:      "00000077",
		IssueDate:   time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Status:      core.PurchaseStatusPending,
		Lines: []core.LineInput{
			{ProductID: fx.product, Quantity: d("200"), UnitPrice: d("0.50")},
		},
		Payments: []core.PaymentInput{{Method: "TRANSFER", Amount: d("118")}},
	})
	require.NoError(t, err)
	assert.True(t, created.Total.Equal(d("118")), "total %s", created.Total)

	got, err := svc.GetPurchase(ctx, actor, created.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	require.Len(t, got.Payments, 1)
	assert.Equal(t, "2024-03-15", got.IssueDate.Format("2006-01-02"))

	_, err = svc.CreatePurchase(ctx, actor, core.CreatePurchaseInput{
		SupplierID: fx.supplier, BranchID: fx.branch, InvoiceType: core.InvoiceTypeFactura,
		Series: "F001", Number: "00000077", IssueDate: time.Now(), Status: core.PurchaseStatusPending,
		Lines: []core.LineInput{{ProductID: fx.product, Quantity: d("1"), UnitPrice: d("1")}},
	})
	assert.Equal(t, core.ErrConflict, core.KindOf(err))

	voided, err := svc.VoidPurchase(ctx, actor, created.ID, "wrong supplier")
	require.NoError(t, err)
	assert.Equal(t, core.PurchaseStatusVoided, voided.Status)

	require.NoError(t, svc.DeletePurchase(ctx, actor, created.ID))
	_, err = svc.GetPurchase(ctx, actor, created.ID)
	assert.Equal(t, core.ErrNotFound, core.KindOf(err))

	ledger := core.NewLedger(fx.store, zap.NewNop())
	rec, err := ledger.Stock(ctx, fx.product, fx.branch)
	require.NoError(t, err)
	assert.True(t, rec.Stock.IsZero())
	drift, err := ledger.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}
