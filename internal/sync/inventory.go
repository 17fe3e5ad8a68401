package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"waresync/internal/gateway"
	"waresync/internal/localstore"
	"waresync/internal/models"
	"waresync/internal/reconcile"
)

// InventorySync serves aggregate and per-batch stock reads. The per-product
// aggregate lives in the local cache and is maintained as a side effect of
// stock movements; batch rows are remote-authoritative and never cached.
type InventorySync struct {
	deps
	policy models.NegativeStockPolicy
	sub    subscription
}

func NewInventorySync(d deps, policy models.NegativeStockPolicy) *InventorySync {
	return &InventorySync{deps: d, policy: policy}
}

func batchToRow(b *models.InventoryBatch) gateway.Row {
	row := gateway.Row{
		"product_code": b.ProductCode,
		"warehouse_id": b.WarehouseID,
		"batch_no":     b.BatchNo,
		"quantity":     b.Quantity,
		"container":    b.Container,
		"date_stored":  b.DateStored,
	}
	if b.ThreePL != nil {
		row["_3pl_details"] = map[string]any{
			"palletType":    b.ThreePL.PalletType,
			"location":      b.ThreePL.Location,
			"lotNumber":     b.ThreePL.LotNumber,
			"pallet":        b.ThreePL.Pallets,
			"status":        b.ThreePL.Status,
			"llm_item_code": b.ThreePL.LLMItemCode,
		}
	}
	return row
}

func batchFromRow(row gateway.Row) (*models.InventoryBatch, error) {
	id := gateway.Str(row, "id")
	if id == "" {
		return nil, fmt.Errorf("%w: inventory row missing id", models.ErrValidation)
	}
	b := &models.InventoryBatch{
		ID:          id,
		ProductCode: gateway.Str(row, "product_code"),
		WarehouseID: gateway.Str(row, "warehouse_id"),
		BatchNo:     gateway.Str(row, "batch_no"),
		Quantity:    gateway.Int(row, "quantity"),
		Container:   gateway.Str(row, "container"),
		DateStored:  gateway.Time(row, "date_stored"),
	}
	if details := row["_3pl_details"]; details != nil {
		raw, err := json.Marshal(details)
		if err == nil {
			var tpl models.ThreePLDetails
			if json.Unmarshal(raw, &tpl) == nil {
				b.ThreePL = &tpl
			}
		}
	}
	return b, nil
}

// GetAggregate returns the cached per-product rollup. On a cache miss it
// rebuilds the aggregate from the remote batch rows.
func (s *InventorySync) GetAggregate(ctx context.Context, productCode string) (*models.InventoryAggregate, error) {
	var agg models.InventoryAggregate
	err := s.store.GetInto(ctx, localstore.CollectionAggregates, productCode, &agg)
	if err == nil {
		return &agg, nil
	}

	if !s.online() {
		return nil, fmt.Errorf("%w: aggregate for %s not cached", models.ErrUnavailable, productCode)
	}
	rebuilt, err := s.rebuildAggregate(ctx, productCode)
	if err != nil {
		return nil, err
	}
	return rebuilt, nil
}

// rebuildAggregate recomputes one product's rollup from its remote batch rows
// and caches the result.
func (s *InventorySync) rebuildAggregate(ctx context.Context, productCode string) (*models.InventoryAggregate, error) {
	batches, err := s.ListBatches(ctx, productCode, "")
	if err != nil {
		return nil, err
	}
	agg := &models.InventoryAggregate{
		ProductCode: productCode,
		ByWarehouse: map[string]int{},
		LastUpdated: time.Now().UTC(),
	}
	for _, b := range batches {
		agg.TotalQuantity += b.Quantity
		agg.ByWarehouse[b.WarehouseID] += b.Quantity
	}
	if err := s.store.Put(ctx, localstore.CollectionAggregates, productCode, agg); err != nil {
		s.log.Warn("aggregate cache write failed", zap.String("productCode", productCode), zap.Error(err))
	}
	return agg, nil
}

// ListAggregates pages over the cached rollups, ordered by product code.
func (s *InventorySync) ListAggregates(ctx context.Context, offset, limit int) (Page[models.InventoryAggregate], error) {
	docs, err := s.store.GetAll(ctx, localstore.CollectionAggregates)
	if err != nil {
		return Page[models.InventoryAggregate]{}, err
	}
	aggs := decodeAll[models.InventoryAggregate](docs, s.log, localstore.CollectionAggregates)
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].ProductCode < aggs[j].ProductCode })
	return paginate(aggs, offset, limit), nil
}

// ListBatches returns the remote batch rows for a product, optionally
// narrowed to one warehouse. Batch rows are never cached.
func (s *InventorySync) ListBatches(ctx context.Context, productCode, warehouseID string) ([]*models.InventoryBatch, error) {
	if !s.online() {
		return nil, fmt.Errorf("%w: batch reads need the remote store", models.ErrUnavailable)
	}
	filters := []gateway.Filter{gateway.Eq("product_code", productCode)}
	if warehouseID != "" {
		filters = append(filters, gateway.Eq("warehouse_id", warehouseID))
	}
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	rows, err := s.gw.Query(rctx, gateway.TableInventory, filters, gateway.QueryOptions{OrderBy: "date_stored"})
	if err != nil {
		s.wentOffline(err)
		return nil, err
	}
	batches := make([]*models.InventoryBatch, 0, len(rows))
	for _, row := range rows {
		b, err := batchFromRow(row)
		if err != nil {
			s.log.Warn("skipping bad inventory row", zap.Error(err))
			continue
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// ListWarehouses reads the warehouse directory from the remote store. The
// directory is reference data and changes rarely, so it is not cached.
func (s *InventorySync) ListWarehouses(ctx context.Context) ([]*models.Warehouse, error) {
	if !s.online() {
		return nil, fmt.Errorf("%w: warehouse directory needs the remote store", models.ErrUnavailable)
	}
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	rows, err := s.gw.Query(rctx, gateway.TableWarehouses, nil, gateway.QueryOptions{OrderBy: "name"})
	if err != nil {
		s.wentOffline(err)
		return nil, err
	}
	out := make([]*models.Warehouse, 0, len(rows))
	for _, row := range rows {
		out = append(out, warehouseFromRow(row))
	}
	return out, nil
}

func warehouseFromRow(row gateway.Row) *models.Warehouse {
	return &models.Warehouse{
		ID:        gateway.Str(row, "id"),
		Name:      gateway.Str(row, "name"),
		Address:   gateway.Str(row, "address"),
		Is3PL:     gateway.Bool(row, "is_3pl"),
		CreatedAt: gateway.Time(row, "created_at"),
		UpdatedAt: gateway.Time(row, "updated_at"),
	}
}

// findBatch resolves the one batch row matching the natural key, or nil when
// no such row exists.
func (s *InventorySync) findBatch(ctx context.Context, productCode, warehouseID, batchNo string) (*models.InventoryBatch, error) {
	filters := []gateway.Filter{
		gateway.Eq("product_code", productCode),
		gateway.Eq("warehouse_id", warehouseID),
	}
	if batchNo != "" {
		filters = append(filters, gateway.Eq("batch_no", batchNo))
	}
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	rows, err := s.gw.Query(rctx, gateway.TableInventory, filters, gateway.QueryOptions{Limit: 1})
	if err != nil {
		s.wentOffline(err)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return batchFromRow(rows[0])
}

// applyDelta mutates the cached aggregate for one product and warehouse
// bucket. Negative results are handled per the configured policy: rejected,
// or applied with the aggregate flagged for reconciliation.
func (s *InventorySync) applyDelta(ctx context.Context, productCode, warehouseID string, delta int, pending bool) error {
	var agg models.InventoryAggregate
	if err := s.store.GetInto(ctx, localstore.CollectionAggregates, productCode, &agg); err != nil {
		agg = models.InventoryAggregate{ProductCode: productCode, ByWarehouse: map[string]int{}}
	}
	if agg.ByWarehouse == nil {
		agg.ByWarehouse = map[string]int{}
	}

	next := agg.ByWarehouse[warehouseID] + delta
	if next < 0 {
		if s.policy == models.NegativeStockReject {
			return fmt.Errorf("%w: warehouse %s holds %d of %s, requested %d",
				models.ErrInsufficientStock, warehouseID, agg.ByWarehouse[warehouseID], productCode, -delta)
		}
		agg.Flagged = true
	}
	agg.ByWarehouse[warehouseID] = next

	// The total is always re-derived from the buckets so the two views
	// cannot drift apart.
	total := 0
	for _, q := range agg.ByWarehouse {
		total += q
	}
	agg.TotalQuantity = total
	agg.LastUpdated = time.Now().UTC()
	agg.PendingSync = pending
	return s.store.Put(ctx, localstore.CollectionAggregates, productCode, &agg)
}

// refreshAggregate replaces the cached rollup with an authoritative rebuild
// from the remote batch rows, clearing pendingSync and any negative flag.
func (s *InventorySync) refreshAggregate(ctx context.Context, productCode string) error {
	_, err := s.rebuildAggregate(ctx, productCode)
	return err
}

// ListenToChanges attaches the single aggregate change-feed subscription.
func (s *InventorySync) ListenToChanges(ctx context.Context, fn Callback) error {
	cancel, err := s.gw.Subscribe(ctx, gateway.TableAggregated, func(event gateway.EventType, newRow, oldRow gateway.Row) {
		s.mergeChange(context.Background(), event, newRow, oldRow, fn)
	})
	if err != nil {
		return err
	}
	s.sub.replace(cancel)
	return nil
}

func (s *InventorySync) Unlisten() {
	s.sub.stop()
}

func (s *InventorySync) mergeChange(ctx context.Context, event gateway.EventType, newRow, oldRow gateway.Row, fn Callback) {
	if event == gateway.EventDelete {
		code := gateway.Str(oldRow, "product_code")
		if code == "" {
			code = gateway.Str(newRow, "product_code")
		}
		if err := s.store.Delete(ctx, localstore.CollectionAggregates, code); err != nil {
			fn(models.SyncFailed(err.Error()))
			return
		}
		fn(models.SyncUpdated(1))
		return
	}

	code := gateway.Str(newRow, "product_code")
	if code == "" {
		fn(models.SyncFailed("aggregate change without product_code"))
		return
	}
	incoming := &models.InventoryAggregate{
		ProductCode:   code,
		TotalQuantity: gateway.Int(newRow, "total_quantity"),
		ByWarehouse:   map[string]int{},
		LastUpdated:   gateway.Time(newRow, "last_updated"),
	}
	if buckets := newRow["quantities_by_warehouse"]; buckets != nil {
		raw, err := json.Marshal(buckets)
		if err == nil {
			_ = json.Unmarshal(raw, &incoming.ByWarehouse)
		}
	}

	var cached models.InventoryAggregate
	if err := s.store.GetInto(ctx, localstore.CollectionAggregates, code, &cached); err == nil {
		if cached.PendingSync {
			return
		}
		if reconcile.ShallowEqual(asMap(incoming), asMap(&cached), []string{"lastUpdated"}) {
			return
		}
	}
	if err := s.store.Put(ctx, localstore.CollectionAggregates, code, incoming); err != nil {
		fn(models.SyncFailed(err.Error()))
		return
	}
	fn(models.SyncUpdated(1))
}
