// Package gateway abstracts the hosted backend. Two interchangeable adapters
// (relational Postgres, document-store Mongo) satisfy the same contract; the
// sync services depend only on the interface.
package gateway

import (
	"context"

	"waresync/internal/models"
)

// Row is the wire-shape currency between adapters and sync services. Field
// names follow the remote snake_case convention.
type Row map[string]any

// Filter is one equality/range predicate. Op is "eq", "gte" or "lte".
type Filter struct {
	Field string
	Op    string
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: "eq", Value: value}
}

// QueryOptions carries ordering and pagination for Query.
type QueryOptions struct {
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// EventType labels change-feed deliveries.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeHandler receives one change-feed event. OldRow may be nil when the
// backend does not deliver prior images.
type ChangeHandler func(event EventType, newRow, oldRow Row)

// Unsubscribe detaches a subscription. Safe to call more than once.
type Unsubscribe func()

// RemoteGateway is the contract every backend flavor implements.
//
// Error mapping is part of the contract: unreachable backend wraps
// models.ErrUnavailable, missing row on Update/Delete wraps models.ErrNotFound,
// unique-key violation wraps models.ErrConflict.
type RemoteGateway interface {
	Query(ctx context.Context, table string, filters []Filter, opts QueryOptions) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	InsertMany(ctx context.Context, table string, rows []Row) ([]Row, error)
	Update(ctx context.Context, table string, key string, partial Row) (Row, error)
	Delete(ctx context.Context, table string, key string) error
	Subscribe(ctx context.Context, table string, fn ChangeHandler) (Unsubscribe, error)
	Ping(ctx context.Context) error
}

// OutboundRequest asks for an atomic validate-and-decrement against one
// inventory batch, writing the transaction log row in the same unit of work.
type OutboundRequest struct {
	InventoryID string
	Quantity    int
	Pallets     int
	OperatorID  string
	BatchNoRef  string // overrides the batch's own number on the log row (transfer legs)
	Description string
}

// TransferRequest covers both legs of an internal transfer in one unit of
// work: outbound from the source batch, inbound into the destination
// warehouse under the synthesized reference batch number.
type TransferRequest struct {
	SourceInventoryID string
	DestWarehouseID   string
	Quantity          int
	OperatorID        string
	ReferenceBatchNo  string
}

// TransferResult reports both written legs.
type TransferResult struct {
	OutboundTx *models.StockTransaction
	InboundTx  *models.StockTransaction
	SourceQty  int
	DestQty    int
}

// AtomicStockOps is an optional upgrade interface. Adapters that can execute
// a stock movement as one server-side transaction implement it; the
// transaction sync service type-asserts and otherwise falls back to an
// explicit sequential path with compensating-failure reporting.
type AtomicStockOps interface {
	InboundAtomic(ctx context.Context, tx *models.StockTransaction, batch *models.InventoryBatch) (*models.StockTransaction, *models.InventoryBatch, error)
	OutboundAtomic(ctx context.Context, req OutboundRequest) (*models.StockTransaction, *models.InventoryBatch, error)
	TransferAtomic(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// Table names shared by both backend flavors.
const (
	TableProducts   = "products"
	TableInventory  = "inventory"
	TableAggregated = "inventory_aggregated"
	TableTxns       = "transactions"
	TableShipments  = "shipments"
	TableWarehouses = "warehouses"
)
