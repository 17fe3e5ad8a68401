package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waresync/internal/gateway"
	"waresync/internal/models"
)

func TestProductCreateOnlineMirrorsCache(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	created, err := hub.Products.Create(ctx, &models.Product{ProductCode: "P1", Name: "Widget"})
	require.NoError(t, err)
	assert.False(t, created.PendingSync)
	assert.False(t, isLocalID(created.ID))
	assert.Equal(t, 1, gw.rowCount(gateway.TableProducts))

	got, err := hub.Products.GetByCode(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "Widget", got.Name)
}

func TestProductOfflineCreateRoundTrip(t *testing.T) {
	hub, gw, monitor := newTestEnv(t, false)
	ctx := context.Background()

	created, err := hub.Products.Create(ctx, &models.Product{ProductCode: "P1", Name: "Widget"})
	require.NoError(t, err)
	assert.True(t, created.PendingSync)
	assert.True(t, isLocalID(created.ID))
	assert.Equal(t, 0, gw.rowCount(gateway.TableProducts))

	// The optimistic copy serves reads while offline.
	got, err := hub.Products.GetByCode(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	gw.setOffline(false)
	monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		n, err := hub.PendingWrites(ctx)
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, gw.rowCount(gateway.TableProducts))

	got, err = hub.Products.GetByCode(ctx, "P1")
	require.NoError(t, err)
	assert.False(t, got.PendingSync)
	assert.False(t, isLocalID(got.ID))
}

func TestProductUpdatePreservesRemoteCreatedAt(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	created, err := hub.Products.Create(ctx, &models.Product{ProductCode: "P1", Name: "Widget"})
	require.NoError(t, err)
	require.False(t, created.CreatedAt.IsZero())

	// Callers routinely rebuild the product from scratch and never carry
	// the original timestamp.
	_, err = hub.Products.Update(ctx, &models.Product{
		ID:          created.ID,
		ProductCode: "P1",
		Name:        "Widget v2",
	})
	require.NoError(t, err)

	row := gw.findRow(gateway.TableProducts, gateway.Eq("product_code", "P1"))
	require.NotNil(t, row)
	assert.Equal(t, "Widget v2", gateway.Str(row, "name"))
	assert.Equal(t, created.CreatedAt, gateway.Time(row, "created_at"))
}

func TestProductOfflineUpdateReplayPreservesCreatedAt(t *testing.T) {
	hub, gw, monitor := newTestEnv(t, true)
	ctx := context.Background()

	created, err := hub.Products.Create(ctx, &models.Product{ProductCode: "P1", Name: "Widget"})
	require.NoError(t, err)

	gw.setOffline(true)
	monitor.SetOnline(false)
	_, err = hub.Products.Update(ctx, &models.Product{
		ID:          created.ID,
		ProductCode: "P1",
		Name:        "Widget v2",
	})
	require.NoError(t, err)

	gw.setOffline(false)
	monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		n, err := hub.PendingWrites(ctx)
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)

	row := gw.findRow(gateway.TableProducts, gateway.Eq("product_code", "P1"))
	require.NotNil(t, row)
	assert.Equal(t, "Widget v2", gateway.Str(row, "name"))
	assert.Equal(t, created.CreatedAt, gateway.Time(row, "created_at"))
}

func TestProductOfflineCreateThenUpdateReplaysInOrder(t *testing.T) {
	hub, gw, monitor := newTestEnv(t, false)
	ctx := context.Background()

	created, err := hub.Products.Create(ctx, &models.Product{ProductCode: "P1", Name: "Widget"})
	require.NoError(t, err)

	created.Name = "Widget v2"
	_, err = hub.Products.Update(ctx, created)
	require.NoError(t, err)

	gw.setOffline(false)
	monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		n, err := hub.PendingWrites(ctx)
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)

	// One remote row carrying the later edit.
	assert.Equal(t, 1, gw.rowCount(gateway.TableProducts))
	row := gw.findRow(gateway.TableProducts, gateway.Eq("product_code", "P1"))
	require.NotNil(t, row)
	assert.Equal(t, "Widget v2", gateway.Str(row, "name"))
}

func TestProductDeleteOfflineLocalOnly(t *testing.T) {
	hub, _, _ := newTestEnv(t, false)
	ctx := context.Background()

	created, err := hub.Products.Create(ctx, &models.Product{ProductCode: "P1", Name: "Widget"})
	require.NoError(t, err)

	// Deleting a never-synced record leaves nothing to replay but the
	// orphaned create entry, which the delete cannot retract.
	require.NoError(t, hub.Products.Delete(ctx, created.ID))

	_, err = hub.Products.GetByCode(ctx, "P1")
	assert.ErrorIs(t, err, models.ErrUnavailable)
}

func TestProductListHydratesFromRemote(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	for _, code := range []string{"P3", "P1", "P2"} {
		_, err := gw.Insert(ctx, gateway.TableProducts, gateway.Row{"product_code": code, "name": "N-" + code})
		require.NoError(t, err)
	}

	page, err := hub.Products.List(ctx, models.ProductListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "P1", page.Items[0].ProductCode)
	assert.Equal(t, "P2", page.Items[1].ProductCode)

	rest, err := hub.Products.List(ctx, models.ProductListFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	assert.False(t, rest.HasMore)
	assert.Equal(t, "P3", rest.Items[0].ProductCode)
}

func TestProductListSearchFilter(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	_, err := gw.Insert(ctx, gateway.TableProducts, gateway.Row{"product_code": "AB-1", "name": "Bolt"})
	require.NoError(t, err)
	_, err = gw.Insert(ctx, gateway.TableProducts, gateway.Row{"product_code": "CD-2", "name": "Nut"})
	require.NoError(t, err)

	page, err := hub.Products.List(ctx, models.ProductListFilter{Query: "bolt"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "AB-1", page.Items[0].ProductCode)
}

func TestProductResubscribeDetachesPrevious(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	noop := func(models.SyncEvent) {}
	require.NoError(t, hub.Products.ListenToChanges(ctx, noop))
	require.NoError(t, hub.Products.ListenToChanges(ctx, noop))
	assert.Equal(t, 1, gw.activeSubs(gateway.TableProducts))

	hub.Products.Unlisten()
	assert.Equal(t, 0, gw.activeSubs(gateway.TableProducts))
}

func TestProductChangeFeedSuppressesEchoes(t *testing.T) {
	hub, gw, _ := newTestEnv(t, true)
	ctx := context.Background()

	created, err := hub.Products.Create(ctx, &models.Product{ProductCode: "P1", Name: "Widget"})
	require.NoError(t, err)

	events := make(chan models.SyncEvent, 8)
	require.NoError(t, hub.Products.ListenToChanges(ctx, func(ev models.SyncEvent) {
		events <- ev
	}))

	// Same record, only the volatile timestamp differs: our own write
	// echoed back. No callback, no cache churn.
	gw.emit(gateway.TableProducts, gateway.EventUpdate, gateway.Row{
		"id": created.ID, "product_code": "P1", "name": "Widget",
		"created_at": created.CreatedAt, "updated_at": time.Now().UTC(),
	}, nil)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event for echoed change: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	// A material change lands in the cache and fires the callback.
	gw.emit(gateway.TableProducts, gateway.EventUpdate, gateway.Row{
		"id": created.ID, "product_code": "P1", "name": "Widget v2",
		"created_at": created.CreatedAt, "updated_at": time.Now().UTC(),
	}, nil)
	select {
	case ev := <-events:
		assert.Equal(t, models.SyncEventUpdated, ev.Kind)
		assert.Equal(t, 1, ev.Count)
	case <-time.After(time.Second):
		t.Fatal("no event for material change")
	}

	got, err := hub.Products.GetByCode(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "Widget v2", got.Name)
}

func TestProductChangeFeedKeepsPendingLocalEdit(t *testing.T) {
	hub, gw, monitor := newTestEnv(t, true)
	ctx := context.Background()

	created, err := hub.Products.Create(ctx, &models.Product{ProductCode: "P1", Name: "Widget"})
	require.NoError(t, err)

	require.NoError(t, hub.Products.ListenToChanges(ctx, func(models.SyncEvent) {}))

	// Go offline and edit; the cached copy is now pendingSync.
	gw.setOffline(true)
	monitor.SetOnline(false)
	created.Name = "Local edit"
	_, err = hub.Products.Update(ctx, created)
	require.NoError(t, err)

	// A remote change for the same record must not stomp the unsynced edit.
	gw.emit(gateway.TableProducts, gateway.EventUpdate, gateway.Row{
		"id": created.ID, "product_code": "P1", "name": "Remote edit",
		"updated_at": time.Now().UTC(),
	}, nil)

	got, err := hub.Products.GetByCode(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "Local edit", got.Name)
}

func TestProductFallsBackWhenRemoteUnreachable(t *testing.T) {
	hub, gw, monitor := newTestEnv(t, true)
	ctx := context.Background()

	// The monitor still believes we are online, but the backend is gone.
	gw.setOffline(true)

	created, err := hub.Products.Create(ctx, &models.Product{ProductCode: "P1", Name: "Widget"})
	require.NoError(t, err)
	assert.True(t, created.PendingSync)
	assert.False(t, monitor.Online())
}
