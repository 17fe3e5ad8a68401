package models

import "time"

type TransactionType string

const (
	TransactionInbound     TransactionType = "inbound"
	TransactionOutbound    TransactionType = "outbound"
	TransactionTransferLeg TransactionType = "transfer-leg"
)

// StockTransaction is an immutable, append-only audit row. One row is written
// per stock movement; an internal transfer writes two (outbound + inbound)
// sharing a synthesized reference batch number.
type StockTransaction struct {
	ID                 string          `json:"id"`
	Type               TransactionType `json:"type"`
	ProductID          string          `json:"productId,omitempty"`
	ProductCode        string          `json:"productCode"`
	ProductName        string          `json:"productName,omitempty"`
	WarehouseID        string          `json:"warehouseId"`
	BatchNo            string          `json:"batchNo,omitempty"`
	Quantity           int             `json:"quantity"`
	OperatorID         string          `json:"operatorId,omitempty"`
	TransactionDate    time.Time       `json:"transactionDate"`
	Description        string          `json:"description,omitempty"`
	RelatedInventoryID string          `json:"relatedInventoryId,omitempty"`
	PalletsDecremented int             `json:"palletsDecremented,omitempty"`
	PendingSync        bool            `json:"pendingSync,omitempty"`
}

// TransactionListFilter narrows cached transaction list reads.
type TransactionListFilter struct {
	ProductCode string     `json:"product_code,omitempty"`
	WarehouseID string     `json:"warehouse_id,omitempty"`
	Type        string     `json:"type,omitempty"`
	DateFrom    *time.Time `json:"date_from,omitempty"`
	DateTo      *time.Time `json:"date_to,omitempty"`
	Limit       int        `json:"limit,omitempty"`
	Offset      int        `json:"offset,omitempty"`
}
