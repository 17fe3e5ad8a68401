package sync

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"waresync/internal/connectivity"
	"waresync/internal/gateway"
	"waresync/internal/localstore"
	"waresync/internal/models"
	"waresync/internal/queue"
)

func TestAggregateRebuiltFromRemoteBatches(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	for _, row := range []gateway.Row{
		{"product_code": "P1", "warehouse_id": "W1", "batch_no": "B1", "quantity": 30},
		{"product_code": "P1", "warehouse_id": "W1", "batch_no": "B2", "quantity": 20},
		{"product_code": "P1", "warehouse_id": "W2", "batch_no": "B3", "quantity": 5},
		{"product_code": "P2", "warehouse_id": "W1", "batch_no": "B4", "quantity": 99},
	} {
		_, err := gw.Insert(ctx, gateway.TableInventory, row)
		require.NoError(t, err)
	}

	agg, err := hub.Inventory.GetAggregate(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 55, agg.TotalQuantity)
	assert.Equal(t, 50, agg.ByWarehouse["W1"])
	assert.Equal(t, 5, agg.ByWarehouse["W2"])

	// The rebuild is cached; a second read does not need the remote store.
	gw.setOffline(true)
	again, err := hub.Inventory.GetAggregate(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 55, again.TotalQuantity)
}

func TestAggregateMissingOfflineUnavailable(t *testing.T) {
	hub, _, _ := newTestEnv(t, false)

	_, err := hub.Inventory.GetAggregate(context.Background(), "P1")
	assert.ErrorIs(t, err, models.ErrUnavailable)
}

func TestListBatchesFiltersByWarehouse(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	for _, row := range []gateway.Row{
		{"product_code": "P1", "warehouse_id": "W1", "batch_no": "B1", "quantity": 30},
		{"product_code": "P1", "warehouse_id": "W2", "batch_no": "B2", "quantity": 20},
	} {
		_, err := gw.Insert(ctx, gateway.TableInventory, row)
		require.NoError(t, err)
	}

	batches, err := hub.Inventory.ListBatches(ctx, "P1", "W2")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "B2", batches[0].BatchNo)
}

func TestListWarehousesMapsDirectory(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	for _, row := range []gateway.Row{
		{"name": "Central", "address": "12 Dock Rd", "is_3pl": false},
		{"name": "Partner 3PL", "address": "8 Pallet Way", "is_3pl": true},
	} {
		_, err := gw.Insert(ctx, gateway.TableWarehouses, row)
		require.NoError(t, err)
	}

	warehouses, err := hub.Inventory.ListWarehouses(ctx)
	require.NoError(t, err)
	require.Len(t, warehouses, 2)

	byName := map[string]bool{}
	for _, w := range warehouses {
		byName[w.Name] = w.Is3PL
	}
	assert.False(t, byName["Central"])
	assert.True(t, byName["Partner 3PL"])

	gw.setOffline(true)
	_, err = hub.Inventory.ListWarehouses(ctx)
	assert.ErrorIs(t, err, models.ErrUnavailable)
}

func TestNegativeStockAllowFlagged(t *testing.T) {
	store, err := localstore.Open(filepath.Join(t.TempDir(), "cache.db"),
		localstore.SchemaVersion, localstore.Collections(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw := newFakeGateway()
	gw.setOffline(true)
	monitor := connectivity.NewMonitor(false)
	hub := NewHub(store, gw, queue.New(store, zap.NewNop()), monitor, zap.NewNop(),
		Options{NegativeStock: models.NegativeStockAllowFlagged})
	t.Cleanup(hub.Close)
	ctx := context.Background()

	// No cached stock at all; the offline outbound still applies, but the
	// aggregate is flagged for reconciliation.
	txn, err := hub.Transactions.OutboundStock(ctx, OutboundStockRequest{
		ProductCode: "P1", WarehouseID: "W1", Quantity: 5,
	})
	require.NoError(t, err)
	assert.True(t, txn.PendingSync)

	agg, err := hub.Inventory.GetAggregate(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, -5, agg.TotalQuantity)
	assert.True(t, agg.Flagged)
}

func TestAggregateListPages(t *testing.T) {
	hub, _, _ := newTestEnv(t, true)
	ctx := context.Background()

	for _, code := range []string{"P2", "P1", "P3"} {
		mustInbound(t, hub, InboundRequest{ProductCode: code, WarehouseID: "W1", BatchNo: "B-" + code, Quantity: 10})
	}

	page, err := hub.Inventory.ListAggregates(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "P1", page.Items[0].ProductCode)
	assert.Equal(t, "P2", page.Items[1].ProductCode)
}
