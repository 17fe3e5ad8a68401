package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"waresync/internal/connectivity"
	"waresync/internal/gateway"
	"waresync/internal/localstore"
	"waresync/internal/models"
	"waresync/internal/queue"
)

func newTestEnv(t *testing.T, online bool) (*Hub, *fakeGateway, *connectivity.Monitor) {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "cache.db"),
		localstore.SchemaVersion, localstore.Collections(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw := newFakeGateway()
	gw.setOffline(!online)
	monitor := connectivity.NewMonitor(online)
	hub := NewHub(store, gw, queue.New(store, zap.NewNop()), monitor, zap.NewNop(), Options{})
	t.Cleanup(hub.Close)
	return hub, gw, monitor
}

func mustInbound(t *testing.T, hub *Hub, req InboundRequest) *models.StockTransaction {
	t.Helper()
	txn, err := hub.Transactions.InboundStock(context.Background(), req)
	require.NoError(t, err)
	return txn
}

func TestInboundThenOutbound(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	mustInbound(t, hub, InboundRequest{ProductCode: "P1", WarehouseID: "W1", BatchNo: "B1", Quantity: 100})

	txn, err := hub.Transactions.OutboundStock(ctx, OutboundStockRequest{
		ProductCode: "P1", WarehouseID: "W1", BatchNo: "B1", Quantity: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionOutbound, txn.Type)
	assert.Equal(t, 30, txn.Quantity)

	agg, err := hub.Inventory.GetAggregate(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 70, agg.TotalQuantity)
	assert.Equal(t, 70, agg.ByWarehouse["W1"])

	batch := gw.findRow(gateway.TableInventory, gateway.Eq("batch_no", "B1"))
	require.NotNil(t, batch)
	assert.Equal(t, 70, gateway.Int(batch, "quantity"))

	assert.Equal(t, 1, gw.rowCount(gateway.TableTxns, gateway.Eq("type", "inbound")))
	assert.Equal(t, 1, gw.rowCount(gateway.TableTxns, gateway.Eq("type", "outbound")))
}

func TestOutboundInsufficientStockRejected(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	mustInbound(t, hub, InboundRequest{ProductCode: "P1", WarehouseID: "W1", BatchNo: "B1", Quantity: 10})

	_, err := hub.Transactions.OutboundStock(ctx, OutboundStockRequest{
		ProductCode: "P1", WarehouseID: "W1", BatchNo: "B1", Quantity: 15,
	})
	assert.ErrorIs(t, err, models.ErrInsufficientStock)

	batch := gw.findRow(gateway.TableInventory, gateway.Eq("batch_no", "B1"))
	require.NotNil(t, batch)
	assert.Equal(t, 10, gateway.Int(batch, "quantity"))
	assert.Equal(t, 0, gw.rowCount(gateway.TableTxns, gateway.Eq("type", "outbound")))

	// Rejection is fatal; nothing may be queued for retry.
	pending, err := hub.PendingWrites(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestZeroCartonPalletSafeguard(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	mustInbound(t, hub, InboundRequest{
		ProductCode: "P1", WarehouseID: "W3PL", BatchNo: "B1", Quantity: 40,
		ThreePL: &models.ThreePLDetails{PalletType: "EUR", Pallets: 5},
	})

	// Drain the batch to zero cartons while requesting only a partial
	// pallet decrement; pallets must still land on zero.
	_, err := hub.Transactions.OutboundStock(ctx, OutboundStockRequest{
		ProductCode: "P1", WarehouseID: "W3PL", BatchNo: "B1", Quantity: 40, Pallets: 2,
	})
	require.NoError(t, err)

	batch := gw.findRow(gateway.TableInventory, gateway.Eq("batch_no", "B1"))
	require.NotNil(t, batch)
	assert.Equal(t, 0, gateway.Int(batch, "quantity"))
	tpl, ok := batch["_3pl_details"].(models.ThreePLDetails)
	require.True(t, ok)
	assert.Equal(t, 0, tpl.Pallets)
}

func TestInboundIntoExistingBatchAddsPallets(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	mustInbound(t, hub, InboundRequest{
		ProductCode: "P1", WarehouseID: "W3PL", BatchNo: "B1", Quantity: 40,
		ThreePL: &models.ThreePLDetails{PalletType: "EUR", Pallets: 5},
	})
	mustInbound(t, hub, InboundRequest{
		ProductCode: "P1", WarehouseID: "W3PL", BatchNo: "B1", Quantity: 24,
		ThreePL: &models.ThreePLDetails{PalletType: "EUR", Pallets: 3},
	})

	batch := gw.findRow(gateway.TableInventory, gateway.Eq("batch_no", "B1"))
	require.NotNil(t, batch)
	assert.Equal(t, 64, gateway.Int(batch, "quantity"))
	tpl, ok := batch["_3pl_details"].(models.ThreePLDetails)
	require.True(t, ok)
	assert.Equal(t, 8, tpl.Pallets)
	assert.Equal(t, "EUR", tpl.PalletType)

	agg, err := hub.Inventory.GetAggregate(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 64, agg.TotalQuantity)
}

func TestPalletDecrementExceedingStockRejected(t *testing.T) {
	hub, _, _ := newTestEnv(t, true)
	ctx := context.Background()

	mustInbound(t, hub, InboundRequest{
		ProductCode: "P1", WarehouseID: "W3PL", BatchNo: "B1", Quantity: 40,
		ThreePL: &models.ThreePLDetails{Pallets: 2},
	})

	_, err := hub.Transactions.OutboundStock(ctx, OutboundStockRequest{
		ProductCode: "P1", WarehouseID: "W3PL", BatchNo: "B1", Quantity: 10, Pallets: 3,
	})
	assert.ErrorIs(t, err, models.ErrInsufficientStock)
}

func TestInternalTransfer(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	mustInbound(t, hub, InboundRequest{ProductCode: "P1", WarehouseID: "W1", BatchNo: "B1", Quantity: 70})

	res, err := hub.Transactions.PerformInternalTransfer(ctx, InternalTransferRequest{
		ProductCode: "P1", SourceWHID: "W1", DestWHID: "W2", BatchNo: "B1", Quantity: 20,
	})
	require.NoError(t, err)
	require.NotNil(t, res.OutboundTx)
	require.NotNil(t, res.InboundTx)

	ref := TransferReferenceBatchNo("W1", "W2")
	assert.Equal(t, ref, res.OutboundTx.BatchNo)
	assert.Equal(t, ref, res.InboundTx.BatchNo)
	assert.Equal(t, models.TransactionTransferLeg, res.OutboundTx.Type)
	assert.Equal(t, models.TransactionTransferLeg, res.InboundTx.Type)

	source := gw.findRow(gateway.TableInventory, gateway.Eq("batch_no", "B1"))
	require.NotNil(t, source)
	assert.Equal(t, 50, gateway.Int(source, "quantity"))

	dest := gw.findRow(gateway.TableInventory, gateway.Eq("warehouse_id", "W2"))
	require.NotNil(t, dest)
	assert.Equal(t, 20, gateway.Int(dest, "quantity"))
	assert.Equal(t, ref, gateway.Str(dest, "batch_no"))

	assert.Equal(t, 2, gw.rowCount(gateway.TableTxns, gateway.Eq("batch_no", ref)))

	agg, err := hub.Inventory.GetAggregate(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 70, agg.TotalQuantity)
	assert.Equal(t, 50, agg.ByWarehouse["W1"])
	assert.Equal(t, 20, agg.ByWarehouse["W2"])
}

func TestTransferToSameWarehouseRejected(t *testing.T) {
	hub, _, _ := newTestEnv(t, true)

	_, err := hub.Transactions.PerformInternalTransfer(context.Background(), InternalTransferRequest{
		ProductCode: "P1", SourceWHID: "W1", DestWHID: "W1", Quantity: 5,
	})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestTransferPartialFailureSurfaced(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	mustInbound(t, hub, InboundRequest{ProductCode: "P1", WarehouseID: "W1", BatchNo: "B1", Quantity: 50})

	// The destination has no batch yet; failing the inventory insert kills
	// the inbound leg after the source was already decremented.
	gw.mu.Lock()
	gw.failInsertInto = gateway.TableInventory
	gw.mu.Unlock()

	_, err := hub.Transactions.PerformInternalTransfer(ctx, InternalTransferRequest{
		ProductCode: "P1", SourceWHID: "W1", DestWHID: "W2", BatchNo: "B1", Quantity: 20,
	})
	assert.ErrorIs(t, err, models.ErrPartialTransfer)

	// The partial outcome is reported, not rolled back or hidden.
	source := gw.findRow(gateway.TableInventory, gateway.Eq("batch_no", "B1"))
	require.NotNil(t, source)
	assert.Equal(t, 30, gateway.Int(source, "quantity"))
}

func TestOfflineTransferReturnsPlaceholders(t *testing.T) {
	hub, gw, monitor := newTestEnv(t, true)
	ctx := context.Background()

	mustInbound(t, hub, InboundRequest{ProductCode: "P1", WarehouseID: "W1", BatchNo: "B1", Quantity: 50})

	gw.setOffline(true)
	monitor.SetOnline(false)

	res, err := hub.Transactions.PerformInternalTransfer(ctx, InternalTransferRequest{
		ProductCode: "P1", SourceWHID: "W1", DestWHID: "W2", BatchNo: "B1", Quantity: 20,
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	// The optimistic result carries the cached placeholder legs.
	require.NotNil(t, res.OutboundTx)
	require.NotNil(t, res.InboundTx)
	assert.True(t, res.OutboundTx.PendingSync)
	assert.True(t, res.InboundTx.PendingSync)
	assert.True(t, isLocalID(res.OutboundTx.ID))
	assert.True(t, isLocalID(res.InboundTx.ID))
	ref := TransferReferenceBatchNo("W1", "W2")
	assert.Equal(t, ref, res.OutboundTx.BatchNo)
	assert.Equal(t, ref, res.InboundTx.BatchNo)
	assert.Equal(t, models.TransactionTransferLeg, res.OutboundTx.Type)
	assert.Equal(t, models.TransactionTransferLeg, res.InboundTx.Type)
	assert.Equal(t, 30, res.SourceQty)
	assert.Equal(t, 20, res.DestQty)

	gw.setOffline(false)
	monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		n, err := hub.PendingWrites(ctx)
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, gw.rowCount(gateway.TableTxns, gateway.Eq("batch_no", ref)))
	agg, err := hub.Inventory.GetAggregate(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 30, agg.ByWarehouse["W1"])
	assert.Equal(t, 20, agg.ByWarehouse["W2"])
}

func TestAggregateMatchesLedger(t *testing.T) {
	hub, _, _ := newTestEnv(t, true)
	ctx := context.Background()

	moves := []struct {
		warehouse string
		in, out   int
	}{
		{"W1", 100, 0},
		{"W2", 40, 0},
		{"W1", 0, 25},
		{"W2", 10, 0},
		{"W2", 0, 30},
	}
	wantTotal := 0
	for _, m := range moves {
		if m.in > 0 {
			mustInbound(t, hub, InboundRequest{ProductCode: "P1", WarehouseID: m.warehouse, BatchNo: "B-" + m.warehouse, Quantity: m.in})
			wantTotal += m.in
		}
		if m.out > 0 {
			_, err := hub.Transactions.OutboundStock(ctx, OutboundStockRequest{
				ProductCode: "P1", WarehouseID: m.warehouse, BatchNo: "B-" + m.warehouse, Quantity: m.out,
			})
			require.NoError(t, err)
			wantTotal -= m.out
		}
	}

	agg, err := hub.Inventory.GetAggregate(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, wantTotal, agg.TotalQuantity)

	bucketSum := 0
	for _, q := range agg.ByWarehouse {
		bucketSum += q
	}
	assert.Equal(t, wantTotal, bucketSum)
}

func TestOfflineInboundRoundTrip(t *testing.T) {
	hub, gw, monitor := newTestEnv(t, false)
	ctx := context.Background()

	txn, err := hub.Transactions.InboundStock(ctx, InboundRequest{
		ProductCode: "P1", WarehouseID: "W1", BatchNo: "B1", Quantity: 50,
	})
	require.NoError(t, err)
	assert.True(t, txn.PendingSync)
	assert.True(t, isLocalID(txn.ID))

	agg, err := hub.Inventory.GetAggregate(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 50, agg.TotalQuantity)
	assert.True(t, agg.PendingSync)

	pending, err := hub.PendingWrites(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	gw.setOffline(false)
	monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		n, err := hub.PendingWrites(ctx)
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)

	// Exactly one remote row per write, no duplicates.
	assert.Equal(t, 1, gw.rowCount(gateway.TableTxns))
	assert.Equal(t, 1, gw.rowCount(gateway.TableInventory))

	agg, err = hub.Inventory.GetAggregate(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 50, agg.TotalQuantity)
	assert.False(t, agg.PendingSync)

	// The local placeholder row was replaced by the remote one.
	page, err := hub.Transactions.List(ctx, models.TransactionListFilter{ProductCode: "P1"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.False(t, page.Items[0].PendingSync)
	assert.False(t, isLocalID(page.Items[0].ID))
}

func TestOfflineOutboundRejectedBeyondCachedStock(t *testing.T) {
	hub, _, _ := newTestEnv(t, false)
	ctx := context.Background()

	_, err := hub.Transactions.InboundStock(ctx, InboundRequest{
		ProductCode: "P1", WarehouseID: "W1", Quantity: 10,
	})
	require.NoError(t, err)

	_, err = hub.Transactions.OutboundStock(ctx, OutboundStockRequest{
		ProductCode: "P1", WarehouseID: "W1", Quantity: 15,
	})
	assert.ErrorIs(t, err, models.ErrInsufficientStock)
}

func TestOutboundByInventoryIDNeedsConnectivity(t *testing.T) {
	hub, _, _ := newTestEnv(t, false)

	_, err := hub.Transactions.OutboundStockByInventoryID(context.Background(), gateway.OutboundRequest{
		InventoryID: "r1", Quantity: 5,
	})
	assert.ErrorIs(t, err, models.ErrUnavailable)
}

func TestTransactionListNewestFirst(t *testing.T) {
	hub, _, _ := newTestEnv(t, true)
	ctx := context.Background()

	mustInbound(t, hub, InboundRequest{ProductCode: "P1", WarehouseID: "W1", BatchNo: "B1", Quantity: 10})
	mustInbound(t, hub, InboundRequest{ProductCode: "P2", WarehouseID: "W1", BatchNo: "B2", Quantity: 20})

	page, err := hub.Transactions.List(ctx, models.TransactionListFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.False(t, page.Items[0].TransactionDate.Before(page.Items[1].TransactionDate))

	filtered, err := hub.Transactions.List(ctx, models.TransactionListFilter{ProductCode: "P2"})
	require.NoError(t, err)
	require.Len(t, filtered.Items, 1)
	assert.Equal(t, "P2", filtered.Items[0].ProductCode)
}
