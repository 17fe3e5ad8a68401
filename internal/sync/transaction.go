package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"waresync/internal/gateway"
	"waresync/internal/localstore"
	"waresync/internal/models"
	"waresync/internal/queue"
	"waresync/internal/reconcile"
)

// InboundRequest describes a stock arrival. BatchNo is optional; arrivals
// without one are merged into the batch keyed by an empty batch number.
type InboundRequest struct {
	ProductCode string                 `json:"productCode"`
	ProductName string                 `json:"productName,omitempty"`
	WarehouseID string                 `json:"warehouseId"`
	BatchNo     string                 `json:"batchNo,omitempty"`
	Quantity    int                    `json:"quantity"`
	Container   string                 `json:"container,omitempty"`
	DateStored  time.Time              `json:"dateStored,omitempty"`
	OperatorID  string                 `json:"operatorId,omitempty"`
	Description string                 `json:"description,omitempty"`
	ThreePL     *models.ThreePLDetails `json:"_3pl_details,omitempty"`

	// Set when this inbound is the destination leg of an internal transfer;
	// the log row is then typed transfer-leg instead of inbound.
	transferLeg bool
}

// OutboundStockRequest describes a stock release keyed by the batch's natural
// key. Pallets is honored only for pallet-tracked batches.
type OutboundStockRequest struct {
	ProductCode string `json:"productCode"`
	WarehouseID string `json:"warehouseId"`
	BatchNo     string `json:"batchNo,omitempty"`
	Quantity    int    `json:"quantity"`
	Pallets     int    `json:"pallets,omitempty"`
	OperatorID  string `json:"operatorId,omitempty"`
	Description string `json:"description,omitempty"`
}

// InternalTransferRequest moves stock between two warehouses as an outbound
// leg plus an inbound leg sharing one synthesized reference batch number.
type InternalTransferRequest struct {
	ProductCode string `json:"productCode"`
	SourceWHID  string `json:"sourceWarehouseId"`
	DestWHID    string `json:"destWarehouseId"`
	BatchNo     string `json:"batchNo,omitempty"`
	Quantity    int    `json:"quantity"`
	OperatorID  string `json:"operatorId,omitempty"`
}

// TransactionSync owns every stock movement and the transaction audit log.
// It is the only writer of the cached inventory aggregates.
type TransactionSync struct {
	deps
	inv *InventorySync
	sub subscription
}

func NewTransactionSync(d deps, inv *InventorySync) *TransactionSync {
	return &TransactionSync{deps: d, inv: inv}
}

func txnToRow(t *models.StockTransaction) gateway.Row {
	return gateway.Row{
		"type":                 string(t.Type),
		"product_id":           t.ProductID,
		"product_code":         t.ProductCode,
		"product_name":         t.ProductName,
		"warehouse_id":         t.WarehouseID,
		"batch_no":             t.BatchNo,
		"quantity":             t.Quantity,
		"operator_id":          t.OperatorID,
		"transaction_date":     t.TransactionDate,
		"description":          t.Description,
		"related_inventory_id": t.RelatedInventoryID,
		"pallets_decremented":  t.PalletsDecremented,
	}
}

func txnFromRow(row gateway.Row) (*models.StockTransaction, error) {
	id := gateway.Str(row, "id")
	if id == "" {
		return nil, fmt.Errorf("%w: transaction row missing id", models.ErrValidation)
	}
	return &models.StockTransaction{
		ID:                 id,
		Type:               models.TransactionType(gateway.Str(row, "type")),
		ProductID:          gateway.Str(row, "product_id"),
		ProductCode:        gateway.Str(row, "product_code"),
		ProductName:        gateway.Str(row, "product_name"),
		WarehouseID:        gateway.Str(row, "warehouse_id"),
		BatchNo:            gateway.Str(row, "batch_no"),
		Quantity:           gateway.Int(row, "quantity"),
		OperatorID:         gateway.Str(row, "operator_id"),
		TransactionDate:    gateway.Time(row, "transaction_date"),
		Description:        gateway.Str(row, "description"),
		RelatedInventoryID: gateway.Str(row, "related_inventory_id"),
		PalletsDecremented: gateway.Int(row, "pallets_decremented"),
	}, nil
}

// TransferReferenceBatchNo synthesizes the shared batch number stamped on
// both legs of an internal transfer.
func TransferReferenceBatchNo(sourceWHID, destWHID string) string {
	return fmt.Sprintf("TRANSFER-%s-TO-%s", sourceWHID, destWHID)
}

// List pages over the cached transaction log, newest first, hydrating the
// cache from the remote store on first use.
func (s *TransactionSync) List(ctx context.Context, filter models.TransactionListFilter) (Page[models.StockTransaction], error) {
	if err := s.hydrate(ctx); err != nil {
		return Page[models.StockTransaction]{}, err
	}
	docs, err := s.store.GetAll(ctx, localstore.CollectionTransactions)
	if err != nil {
		return Page[models.StockTransaction]{}, err
	}
	txns := decodeAll[models.StockTransaction](docs, s.log, localstore.CollectionTransactions)

	filtered := txns[:0]
	for _, t := range txns {
		if filter.ProductCode != "" && t.ProductCode != filter.ProductCode {
			continue
		}
		if filter.WarehouseID != "" && t.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.Type != "" && string(t.Type) != filter.Type {
			continue
		}
		if filter.DateFrom != nil && t.TransactionDate.Before(*filter.DateFrom) {
			continue
		}
		if filter.DateTo != nil && t.TransactionDate.After(*filter.DateTo) {
			continue
		}
		filtered = append(filtered, t)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].TransactionDate.After(filtered[j].TransactionDate)
	})
	return paginate(filtered, filter.Offset, filter.Limit), nil
}

func (s *TransactionSync) hydrate(ctx context.Context) error {
	n, err := s.store.Count(ctx, localstore.CollectionTransactions)
	if err != nil {
		return err
	}
	if n > 0 || !s.online() {
		return nil
	}
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	rows, err := s.gw.Query(rctx, gateway.TableTxns, nil, gateway.QueryOptions{OrderBy: "transaction_date", Desc: true})
	if err != nil {
		if s.wentOffline(err) {
			return nil
		}
		return err
	}
	items := make([]localstore.Item, 0, len(rows))
	for _, row := range rows {
		t, err := txnFromRow(row)
		if err != nil {
			s.log.Warn("hydrate: skipping bad transaction row", zap.Error(err))
			continue
		}
		items = append(items, localstore.Item{Key: t.ID, Doc: t})
	}
	return s.store.BulkPut(ctx, localstore.CollectionTransactions, items)
}

// InboundStock records a stock arrival: one inbound transaction row, plus an
// increment of the matching batch (creating it when absent). Online the two
// writes run as one remote unit of work when the adapter supports it; offline
// the aggregate is optimistically incremented and the request queued.
func (s *TransactionSync) InboundStock(ctx context.Context, req InboundRequest) (*models.StockTransaction, error) {
	if err := validateInbound(req); err != nil {
		return nil, err
	}

	if s.online() {
		txn, err := s.inboundRemote(ctx, req)
		if err == nil {
			s.cacheTxn(ctx, txn)
			if err := s.inv.refreshAggregate(ctx, req.ProductCode); err != nil {
				s.log.Warn("aggregate refresh failed after inbound", zap.String("productCode", req.ProductCode), zap.Error(err))
			}
			s.wroteOnline()
			return txn, nil
		}
		if !s.wentOffline(err) {
			return nil, err
		}
	}
	return s.inboundOffline(ctx, req)
}

func validateInbound(req InboundRequest) error {
	if req.ProductCode == "" || req.WarehouseID == "" {
		return fmt.Errorf("%w: productCode and warehouseId are required", models.ErrValidation)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: inbound quantity must be positive, got %d", models.ErrValidation, req.Quantity)
	}
	return nil
}

func inboundTxn(req InboundRequest) *models.StockTransaction {
	typ := models.TransactionInbound
	if req.transferLeg {
		typ = models.TransactionTransferLeg
	}
	return &models.StockTransaction{
		Type:            typ,
		ProductCode:     req.ProductCode,
		ProductName:     req.ProductName,
		WarehouseID:     req.WarehouseID,
		BatchNo:         req.BatchNo,
		Quantity:        req.Quantity,
		OperatorID:      req.OperatorID,
		TransactionDate: time.Now().UTC(),
		Description:     req.Description,
	}
}

func (s *TransactionSync) inboundRemote(ctx context.Context, req InboundRequest) (*models.StockTransaction, error) {
	batch, err := s.inv.findBatch(ctx, req.ProductCode, req.WarehouseID, req.BatchNo)
	if err != nil {
		return nil, err
	}
	txn := inboundTxn(req)

	if ops, ok := s.gw.(gateway.AtomicStockOps); ok {
		if batch == nil {
			batch = &models.InventoryBatch{
				ProductCode: req.ProductCode,
				WarehouseID: req.WarehouseID,
				BatchNo:     req.BatchNo,
				Container:   req.Container,
				DateStored:  storedOrNow(req.DateStored),
				ThreePL:     req.ThreePL,
			}
		}
		rctx, cancel := s.remoteCtx(ctx)
		defer cancel()
		written, _, err := ops.InboundAtomic(rctx, txn, batch)
		return written, err
	}

	// Sequential fallback: batch write first, then the log row. A log
	// failure after the batch write is a partial outcome and is reported,
	// never swallowed.
	var batchID string
	if batch != nil {
		partial := gateway.Row{"quantity": batch.Quantity + req.Quantity}
		// Pallet-tracked batches take the pallet increment with the cartons,
		// matching the atomic procedure.
		if batch.ThreePL != nil && req.ThreePL != nil {
			merged := *batch.ThreePL
			merged.Pallets += req.ThreePL.Pallets
			partial["_3pl_details"] = merged
		}
		rctx, cancel := s.remoteCtx(ctx)
		_, err = s.gw.Update(rctx, gateway.TableInventory, batch.ID, partial)
		cancel()
		batchID = batch.ID
	} else {
		fresh := &models.InventoryBatch{
			ProductCode: req.ProductCode,
			WarehouseID: req.WarehouseID,
			BatchNo:     req.BatchNo,
			Quantity:    req.Quantity,
			Container:   req.Container,
			DateStored:  storedOrNow(req.DateStored),
			ThreePL:     req.ThreePL,
		}
		var row gateway.Row
		rctx, cancel := s.remoteCtx(ctx)
		row, err = s.gw.Insert(rctx, gateway.TableInventory, batchToRow(fresh))
		cancel()
		if err == nil {
			batchID = gateway.Str(row, "id")
		}
	}
	if err != nil {
		return nil, err
	}

	txn.RelatedInventoryID = batchID
	rctx, cancel := s.remoteCtx(ctx)
	row, err := s.gw.Insert(rctx, gateway.TableTxns, txnToRow(txn))
	cancel()
	if err != nil {
		s.log.Error("inbound log write failed after batch was incremented",
			zap.String("productCode", req.ProductCode),
			zap.String("inventoryId", batchID),
			zap.Int("quantity", req.Quantity),
			zap.Error(err))
		return nil, fmt.Errorf("%w: inbound batch %s updated but log row failed: %v", models.ErrPartialTransfer, batchID, err)
	}
	return txnFromRow(row)
}

func (s *TransactionSync) inboundOffline(ctx context.Context, req InboundRequest) (*models.StockTransaction, error) {
	if err := s.inv.applyDelta(ctx, req.ProductCode, req.WarehouseID, req.Quantity, true); err != nil {
		return nil, err
	}
	txn := inboundTxn(req)
	txn.ID = newLocalID()
	txn.PendingSync = true
	if err := s.cacheTxn(ctx, txn); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(req)
	if err := s.queue.Enqueue(ctx, models.QueueEntry{
		Store:   localstore.CollectionTransactions,
		Op:      models.OpInbound,
		Payload: payload,
		LocalID: txn.ID,
	}); err != nil {
		return nil, err
	}
	return txn, nil
}

// OutboundStock releases stock from the batch matching the request's natural
// key. Insufficient stock is fatal and never queued.
func (s *TransactionSync) OutboundStock(ctx context.Context, req OutboundStockRequest) (*models.StockTransaction, error) {
	if req.ProductCode == "" || req.WarehouseID == "" {
		return nil, fmt.Errorf("%w: productCode and warehouseId are required", models.ErrValidation)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: outbound quantity must be positive, got %d", models.ErrValidation, req.Quantity)
	}

	if s.online() {
		batch, err := s.inv.findBatch(ctx, req.ProductCode, req.WarehouseID, req.BatchNo)
		if err == nil && batch == nil {
			err = fmt.Errorf("%w: no batch for %s in warehouse %s", models.ErrNotFound, req.ProductCode, req.WarehouseID)
		}
		if err == nil {
			txn, outErr := s.outboundRemote(ctx, batch, gateway.OutboundRequest{
				InventoryID: batch.ID,
				Quantity:    req.Quantity,
				Pallets:     req.Pallets,
				OperatorID:  req.OperatorID,
				Description: req.Description,
			})
			if outErr == nil {
				s.cacheTxn(ctx, txn)
				if err := s.inv.refreshAggregate(ctx, req.ProductCode); err != nil {
					s.log.Warn("aggregate refresh failed after outbound", zap.String("productCode", req.ProductCode), zap.Error(err))
				}
				s.wroteOnline()
				return txn, nil
			}
			if !s.wentOffline(outErr) {
				return nil, outErr
			}
		} else if !s.wentOffline(err) {
			return nil, err
		}
	}
	return s.outboundOffline(ctx, req)
}

// OutboundStockByInventoryID releases stock from a batch addressed by its
// remote row id. Remote ids are meaningless offline, so this path requires
// connectivity.
func (s *TransactionSync) OutboundStockByInventoryID(ctx context.Context, req gateway.OutboundRequest) (*models.StockTransaction, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: outbound quantity must be positive, got %d", models.ErrValidation, req.Quantity)
	}
	if !s.online() {
		return nil, fmt.Errorf("%w: outbound by inventory id needs the remote store", models.ErrUnavailable)
	}

	rctx, cancel := s.remoteCtx(ctx)
	rows, err := s.gw.Query(rctx, gateway.TableInventory, []gateway.Filter{gateway.Eq("id", req.InventoryID)}, gateway.QueryOptions{Limit: 1})
	cancel()
	if err != nil {
		s.wentOffline(err)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: inventory %s", models.ErrNotFound, req.InventoryID)
	}
	batch, err := batchFromRow(rows[0])
	if err != nil {
		return nil, err
	}

	txn, err := s.outboundRemote(ctx, batch, req)
	if err != nil {
		return nil, err
	}
	s.cacheTxn(ctx, txn)
	if err := s.inv.refreshAggregate(ctx, batch.ProductCode); err != nil {
		s.log.Warn("aggregate refresh failed after outbound", zap.String("productCode", batch.ProductCode), zap.Error(err))
	}
	s.wroteOnline()
	return txn, nil
}

// outboundRemote performs the validated decrement plus log row, atomically
// when the adapter can, otherwise as an explicit sequential routine.
func (s *TransactionSync) outboundRemote(ctx context.Context, batch *models.InventoryBatch, req gateway.OutboundRequest) (*models.StockTransaction, error) {
	if ops, ok := s.gw.(gateway.AtomicStockOps); ok {
		rctx, cancel := s.remoteCtx(ctx)
		defer cancel()
		txn, _, err := ops.OutboundAtomic(rctx, req)
		return txn, err
	}

	newQty, newPallets, err := models.ApplyOutboundDecrement(batch, req.Quantity, req.Pallets)
	if err != nil {
		return nil, err
	}

	partial := gateway.Row{"quantity": newQty}
	if batch.ThreePL != nil {
		tpl := *batch.ThreePL
		tpl.Pallets = newPallets
		partial["_3pl_details"] = tpl
	}
	rctx, cancel := s.remoteCtx(ctx)
	_, err = s.gw.Update(rctx, gateway.TableInventory, batch.ID, partial)
	cancel()
	if err != nil {
		return nil, err
	}

	// A reference batch number marks this as the outbound leg of a transfer.
	typ := models.TransactionOutbound
	batchNo := batch.BatchNo
	if req.BatchNoRef != "" {
		typ = models.TransactionTransferLeg
		batchNo = req.BatchNoRef
	}
	txn := &models.StockTransaction{
		Type:               typ,
		ProductCode:        batch.ProductCode,
		WarehouseID:        batch.WarehouseID,
		BatchNo:            batchNo,
		Quantity:           req.Quantity,
		OperatorID:         req.OperatorID,
		TransactionDate:    time.Now().UTC(),
		Description:        req.Description,
		RelatedInventoryID: batch.ID,
		PalletsDecremented: req.Pallets,
	}
	rctx, cancel = s.remoteCtx(ctx)
	row, err := s.gw.Insert(rctx, gateway.TableTxns, txnToRow(txn))
	cancel()
	if err != nil {
		s.log.Error("outbound log write failed after batch was decremented",
			zap.String("inventoryId", batch.ID),
			zap.Int("quantity", req.Quantity),
			zap.Error(err))
		return nil, fmt.Errorf("%w: outbound batch %s decremented but log row failed: %v", models.ErrPartialTransfer, batch.ID, err)
	}
	return txnFromRow(row)
}

func (s *TransactionSync) outboundOffline(ctx context.Context, req OutboundStockRequest) (*models.StockTransaction, error) {
	if err := s.inv.applyDelta(ctx, req.ProductCode, req.WarehouseID, -req.Quantity, true); err != nil {
		return nil, err
	}
	txn := &models.StockTransaction{
		ID:              newLocalID(),
		Type:            models.TransactionOutbound,
		ProductCode:     req.ProductCode,
		WarehouseID:     req.WarehouseID,
		BatchNo:         req.BatchNo,
		Quantity:        req.Quantity,
		OperatorID:      req.OperatorID,
		TransactionDate: time.Now().UTC(),
		Description:     req.Description,
		PendingSync:     true,
	}
	if err := s.cacheTxn(ctx, txn); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(req)
	if err := s.queue.Enqueue(ctx, models.QueueEntry{
		Store:   localstore.CollectionTransactions,
		Op:      models.OpOutbound,
		Payload: payload,
		LocalID: txn.ID,
	}); err != nil {
		return nil, err
	}
	return txn, nil
}

// PerformInternalTransfer moves stock between warehouses: an outbound leg
// from the source batch and an inbound leg into the destination, both stamped
// with the synthesized reference batch number. With an atomic-capable adapter
// both legs commit together; the fallback runs them sequentially and reports
// a failed inbound leg explicitly so the operator can reconcile.
func (s *TransactionSync) PerformInternalTransfer(ctx context.Context, req InternalTransferRequest) (*gateway.TransferResult, error) {
	if req.ProductCode == "" || req.SourceWHID == "" || req.DestWHID == "" {
		return nil, fmt.Errorf("%w: productCode, source and destination warehouses are required", models.ErrValidation)
	}
	if req.SourceWHID == req.DestWHID {
		return nil, fmt.Errorf("%w: source and destination warehouses must differ", models.ErrValidation)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: transfer quantity must be positive, got %d", models.ErrValidation, req.Quantity)
	}

	if s.online() {
		res, err := s.transferRemote(ctx, req)
		if err == nil {
			s.cacheTxn(ctx, res.OutboundTx)
			s.cacheTxn(ctx, res.InboundTx)
			if err := s.inv.refreshAggregate(ctx, req.ProductCode); err != nil {
				s.log.Warn("aggregate refresh failed after transfer", zap.String("productCode", req.ProductCode), zap.Error(err))
			}
			s.wroteOnline()
			return res, nil
		}
		if !s.wentOffline(err) {
			return nil, err
		}
	}
	return s.transferOffline(ctx, req)
}

func (s *TransactionSync) transferRemote(ctx context.Context, req InternalTransferRequest) (*gateway.TransferResult, error) {
	source, err := s.inv.findBatch(ctx, req.ProductCode, req.SourceWHID, req.BatchNo)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("%w: no batch for %s in warehouse %s", models.ErrNotFound, req.ProductCode, req.SourceWHID)
	}
	refBatchNo := TransferReferenceBatchNo(req.SourceWHID, req.DestWHID)

	if ops, ok := s.gw.(gateway.AtomicStockOps); ok {
		rctx, cancel := s.remoteCtx(ctx)
		defer cancel()
		return ops.TransferAtomic(rctx, gateway.TransferRequest{
			SourceInventoryID: source.ID,
			DestWarehouseID:   req.DestWHID,
			Quantity:          req.Quantity,
			OperatorID:        req.OperatorID,
			ReferenceBatchNo:  refBatchNo,
		})
	}

	// Sequential fallback. The outbound leg must succeed before the inbound
	// leg is attempted; an inbound failure after that is surfaced as a
	// partial transfer with both ids, never retried silently.
	outTx, err := s.outboundRemote(ctx, source, gateway.OutboundRequest{
		InventoryID: source.ID,
		Quantity:    req.Quantity,
		OperatorID:  req.OperatorID,
		BatchNoRef:  refBatchNo,
		Description: fmt.Sprintf("transfer to %s", req.DestWHID),
	})
	if err != nil {
		return nil, err
	}

	inTx, err := s.inboundRemote(ctx, InboundRequest{
		ProductCode: req.ProductCode,
		WarehouseID: req.DestWHID,
		BatchNo:     refBatchNo,
		Quantity:    req.Quantity,
		OperatorID:  req.OperatorID,
		Description: fmt.Sprintf("transfer from %s", req.SourceWHID),
		transferLeg: true,
	})
	if err != nil {
		s.log.Error("transfer inbound leg failed after source was decremented",
			zap.String("productCode", req.ProductCode),
			zap.String("sourceInventoryId", source.ID),
			zap.String("outboundTxId", outTx.ID),
			zap.String("destWarehouseId", req.DestWHID),
			zap.Int("quantity", req.Quantity),
			zap.Error(err))
		return nil, fmt.Errorf("%w: outbound leg %s committed, inbound into %s failed: %v",
			models.ErrPartialTransfer, outTx.ID, req.DestWHID, err)
	}

	return &gateway.TransferResult{
		OutboundTx: outTx,
		InboundTx:  inTx,
		SourceQty:  source.Quantity - req.Quantity,
		DestQty:    inTx.Quantity,
	}, nil
}

func (s *TransactionSync) transferOffline(ctx context.Context, req InternalTransferRequest) (*gateway.TransferResult, error) {
	// The source decrement is validated against the cached aggregate; the
	// destination increment cannot fail.
	if err := s.inv.applyDelta(ctx, req.ProductCode, req.SourceWHID, -req.Quantity, true); err != nil {
		return nil, err
	}
	if err := s.inv.applyDelta(ctx, req.ProductCode, req.DestWHID, req.Quantity, true); err != nil {
		return nil, err
	}
	refBatchNo := TransferReferenceBatchNo(req.SourceWHID, req.DestWHID)
	outTxn := &models.StockTransaction{
		ID:              newLocalID(),
		Type:            models.TransactionTransferLeg,
		ProductCode:     req.ProductCode,
		WarehouseID:     req.SourceWHID,
		BatchNo:         refBatchNo,
		Quantity:        req.Quantity,
		OperatorID:      req.OperatorID,
		TransactionDate: time.Now().UTC(),
		PendingSync:     true,
	}
	inTxn := &models.StockTransaction{
		ID:              newLocalID(),
		Type:            models.TransactionTransferLeg,
		ProductCode:     req.ProductCode,
		WarehouseID:     req.DestWHID,
		BatchNo:         refBatchNo,
		Quantity:        req.Quantity,
		OperatorID:      req.OperatorID,
		TransactionDate: time.Now().UTC(),
		PendingSync:     true,
	}
	for _, txn := range []*models.StockTransaction{outTxn, inTxn} {
		if err := s.cacheTxn(ctx, txn); err != nil {
			return nil, err
		}
	}
	payload, _ := json.Marshal(req)
	if err := s.queue.Enqueue(ctx, models.QueueEntry{
		Store:   localstore.CollectionTransactions,
		Op:      models.OpTransfer,
		Payload: payload,
		LocalID: uuid.NewString(),
	}); err != nil {
		return nil, err
	}

	// The optimistic view: placeholder legs plus the post-delta buckets.
	res := &gateway.TransferResult{OutboundTx: outTxn, InboundTx: inTxn}
	if agg, err := s.inv.GetAggregate(ctx, req.ProductCode); err == nil {
		res.SourceQty = agg.ByWarehouse[req.SourceWHID]
		res.DestQty = agg.ByWarehouse[req.DestWHID]
	}
	return res, nil
}

func (s *TransactionSync) cacheTxn(ctx context.Context, txn *models.StockTransaction) error {
	if txn == nil {
		return nil
	}
	if err := s.store.Put(ctx, localstore.CollectionTransactions, txn.ID, txn); err != nil {
		s.log.Warn("transaction cache write failed", zap.String("id", txn.ID), zap.Error(err))
		return err
	}
	return nil
}

// ListenToChanges attaches the single transaction change-feed subscription.
// Transaction rows are append-only, so updates and deletes are ignored.
func (s *TransactionSync) ListenToChanges(ctx context.Context, fn Callback) error {
	cancel, err := s.gw.Subscribe(ctx, gateway.TableTxns, func(event gateway.EventType, newRow, oldRow gateway.Row) {
		s.mergeChange(context.Background(), event, newRow, fn)
	})
	if err != nil {
		return err
	}
	s.sub.replace(cancel)
	return nil
}

func (s *TransactionSync) Unlisten() {
	s.sub.stop()
}

func (s *TransactionSync) mergeChange(ctx context.Context, event gateway.EventType, newRow gateway.Row, fn Callback) {
	if event != gateway.EventInsert {
		return
	}
	incoming, err := txnFromRow(newRow)
	if err != nil {
		fn(models.SyncFailed(err.Error()))
		return
	}
	var cached models.StockTransaction
	if err := s.store.GetInto(ctx, localstore.CollectionTransactions, incoming.ID, &cached); err == nil {
		if reconcile.ShallowEqual(asMap(incoming), asMap(&cached), nil) {
			return
		}
	}
	if err := s.store.Put(ctx, localstore.CollectionTransactions, incoming.ID, incoming); err != nil {
		fn(models.SyncFailed(err.Error()))
		return
	}
	fn(models.SyncUpdated(1))
}

// queueHandlers replays offline stock movements through the online paths.
// Each replay re-resolves the batch by natural key, rewrites the cached
// placeholder rows, and refreshes the aggregate from the remote store.
func (s *TransactionSync) queueHandlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		models.OpInbound: func(ctx context.Context, e models.QueueEntry) error {
			var req InboundRequest
			if err := json.Unmarshal(e.Payload, &req); err != nil {
				return err
			}
			txn, err := s.inboundRemote(ctx, req)
			if err != nil {
				return err
			}
			return s.settleReplayed(ctx, e.LocalID, txn, req.ProductCode)
		},
		models.OpOutbound: func(ctx context.Context, e models.QueueEntry) error {
			var req OutboundStockRequest
			if err := json.Unmarshal(e.Payload, &req); err != nil {
				return err
			}
			batch, err := s.inv.findBatch(ctx, req.ProductCode, req.WarehouseID, req.BatchNo)
			if err != nil {
				return err
			}
			if batch == nil {
				return fmt.Errorf("%w: no batch for %s in warehouse %s", models.ErrNotFound, req.ProductCode, req.WarehouseID)
			}
			txn, err := s.outboundRemote(ctx, batch, gateway.OutboundRequest{
				InventoryID: batch.ID,
				Quantity:    req.Quantity,
				Pallets:     req.Pallets,
				OperatorID:  req.OperatorID,
				Description: req.Description,
			})
			if err != nil {
				return err
			}
			return s.settleReplayed(ctx, e.LocalID, txn, req.ProductCode)
		},
		models.OpTransfer: func(ctx context.Context, e models.QueueEntry) error {
			var req InternalTransferRequest
			if err := json.Unmarshal(e.Payload, &req); err != nil {
				return err
			}
			res, err := s.transferRemote(ctx, req)
			if err != nil {
				return err
			}
			// The offline path cached two placeholder rows under the shared
			// reference batch number; drop them in favor of the remote rows.
			if err := s.dropLocalTxns(ctx, TransferReferenceBatchNo(req.SourceWHID, req.DestWHID)); err != nil {
				return err
			}
			if err := s.cacheTxn(ctx, res.OutboundTx); err != nil {
				return err
			}
			if err := s.cacheTxn(ctx, res.InboundTx); err != nil {
				return err
			}
			return s.inv.refreshAggregate(ctx, req.ProductCode)
		},
	}
}

func (s *TransactionSync) settleReplayed(ctx context.Context, localID string, txn *models.StockTransaction, productCode string) error {
	if localID != "" {
		if err := s.store.Delete(ctx, localstore.CollectionTransactions, localID); err != nil {
			return err
		}
	}
	if err := s.cacheTxn(ctx, txn); err != nil {
		return err
	}
	return s.inv.refreshAggregate(ctx, productCode)
}

func (s *TransactionSync) dropLocalTxns(ctx context.Context, batchNo string) error {
	docs, err := s.store.GetAll(ctx, localstore.CollectionTransactions)
	if err != nil {
		return err
	}
	for _, t := range decodeAll[models.StockTransaction](docs, s.log, localstore.CollectionTransactions) {
		if t.PendingSync && t.BatchNo == batchNo && isLocalID(t.ID) {
			if err := s.store.Delete(ctx, localstore.CollectionTransactions, t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func storedOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
