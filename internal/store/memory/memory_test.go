package memory

import (
	"context"
	"testing"
	"time"

	"purchasing-core/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RollbackDiscardsWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	sup := &core.Supplier{TaxID: "20600535022", Name: "DISTRIBUIDORA ANDINA S.A.C.", Active: true}
	require.NoError(t, tx.CreateSupplier(ctx, sup))
	require.NoError(t, tx.Rollback(ctx))

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	_, err = tx.FindSupplierByTaxID(ctx, "20600535022")
	assert.ErrorIs(t, err, core.ErrRecordNotFound)
}

func TestStore_CommitPublishesWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := s.AddProduct(core.Product{Code: "MART-16", Description: "MARTILLO DE UNA 16OZ", Active: true})

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	rec := &core.InventoryRecord{ProductID: p.ID, LocationID: 1}
	require.NoError(t, tx.CreateInventoryRecord(ctx, rec))
	require.NoError(t, tx.SetInventoryStock(ctx, rec.ID, decimal.NewFromInt(4)))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx), "rollback after commit is a no-op")

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	got, err := tx.GetInventoryRecord(ctx, p.ID, 1)
	require.NoError(t, err)
	assert.True(t, got.Stock.Equal(decimal.NewFromInt(4)))
}

func TestStore_CreateInventoryRecordIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	first := &core.InventoryRecord{ProductID: 7, LocationID: 1}
	require.NoError(t, tx.CreateInventoryRecord(ctx, first))
	second := &core.InventoryRecord{ProductID: 7, LocationID: 1, Stock: decimal.NewFromInt(99)}
	require.NoError(t, tx.CreateInventoryRecord(ctx, second))

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Stock.IsZero())
}

func TestStore_CreateSupplierIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	first := &core.Supplier{TaxID: "20600535022", Name: "DISTRIBUIDORA ANDINA S.A.C.", Active: true}
	require.NoError(t, tx.CreateSupplier(ctx, first))
	second := &core.Supplier{TaxID: "20600535022", Name: "PROVEEDOR 20600535022", Active: true}
	require.NoError(t, tx.CreateSupplier(ctx, second))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "DISTRIBUIDORA ANDINA S.A.C.", second.Name)
}

func TestStore_CancelledCommitRollsBack(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertProduct(ctx, &core.Product{Code: "X", Description: "X", Active: true}))
	cancel()
	assert.ErrorIs(t, tx.Commit(ctx), context.Canceled)

	tx, err = s.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback(context.Background())
	_, err = tx.FindProductByCode(context.Background(), "X")
	assert.ErrorIs(t, err, core.ErrRecordNotFound)
}

func TestStore_BeginWaitsForOpenTransaction(t *testing.T) {
	s := New()
	held, err := s.Begin(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Begin(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held.Rollback(context.Background()))
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(context.Background()))
}

func TestStore_FinishedTxRejectsWork(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	_, err = tx.GetBranch(ctx, 1)
	assert.ErrorIs(t, err, errTxDone)
	assert.ErrorIs(t, tx.Commit(ctx), errTxDone)
}

func TestStore_SearchProducts(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := s.AddProduct(core.Product{Code: "A", Description: "Martillo de una 16oz", Active: true})
	s.AddProduct(core.Product{Code: "B", Description: "MARTILLO DE UNA 16OZ", Active: false})
	c := s.AddProduct(core.Product{Code: "C", Description: "martillo de una 16oz mango fibra", Active: true})

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	got, err := tx.SearchProducts(ctx, "MARTILLO DE UNA", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, c.ID, got[1].ID)
}
