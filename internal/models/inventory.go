package models

import (
	"fmt"
	"time"
)

// NegativeStockPolicy controls what happens when an optimistic offline
// mutation would drive an aggregate's quantity below zero. The remote store
// is authoritative either way; this only governs the local cache.
type NegativeStockPolicy int

const (
	// NegativeStockReject fails the mutation outright.
	NegativeStockReject NegativeStockPolicy = iota
	// NegativeStockAllowFlagged applies the mutation and marks the aggregate
	// for reconciliation once the queue drains.
	NegativeStockAllowFlagged
)

// InventoryAggregate is the per-product rollup across all warehouses and
// batches. It is maintained exclusively by the transaction sync service as a
// side effect of inbound/outbound/transfer operations.
type InventoryAggregate struct {
	ProductCode   string         `json:"productCode"`
	TotalQuantity int            `json:"totalQuantity"`
	ByWarehouse   map[string]int `json:"quantitiesByWarehouseId"`
	LastUpdated   time.Time      `json:"lastUpdated"`
	PendingSync   bool           `json:"pendingSync"`
	Flagged       bool           `json:"flagged,omitempty"` // went negative under AllowFlagged
}

// ThreePLDetails carries pallet metadata for batches stored at third-party
// logistics warehouses.
type ThreePLDetails struct {
	PalletType  string `json:"palletType,omitempty"`
	Location    string `json:"location,omitempty"`
	LotNumber   string `json:"lotNumber,omitempty"`
	Pallets     int    `json:"pallet"`
	Status      string `json:"status,omitempty"`
	LLMItemCode string `json:"llm_item_code,omitempty"`
}

// InventoryBatch is a remote row for one product+warehouse+batch combination.
// It is the unit of outbound decrement and must never go negative.
type InventoryBatch struct {
	ID          string          `json:"id"`
	ProductCode string          `json:"productCode"`
	WarehouseID string          `json:"warehouseId"`
	BatchNo     string          `json:"batchNo"`
	Quantity    int             `json:"quantity"`
	Container   string          `json:"container,omitempty"`
	DateStored  time.Time       `json:"dateStored"`
	ThreePL     *ThreePLDetails `json:"_3pl_details,omitempty"`
}

// ApplyOutboundDecrement validates an outbound request against a batch and
// returns the new carton and pallet quantities. It is the single home of the
// zero-carton safeguard: when cartons reach exactly zero the pallet count is
// forced to zero, whatever pallet decrement was requested. Used by both the
// server-side atomic path and the client-side fallback so the rule cannot
// drift between them.
func ApplyOutboundDecrement(batch *InventoryBatch, quantity, pallets int) (newQty, newPallets int, err error) {
	if quantity <= 0 {
		return 0, 0, fmt.Errorf("%w: outbound quantity must be positive, got %d", ErrValidation, quantity)
	}
	if batch.Quantity < quantity {
		return 0, 0, fmt.Errorf("%w: batch %s has %d, requested %d", ErrInsufficientStock, batch.ID, batch.Quantity, quantity)
	}
	newQty = batch.Quantity - quantity

	newPallets = 0
	if batch.ThreePL != nil {
		if pallets < 0 {
			return 0, 0, fmt.Errorf("%w: pallet decrement must not be negative", ErrValidation)
		}
		if batch.ThreePL.Pallets < pallets {
			return 0, 0, fmt.Errorf("%w: batch %s has %d pallets, requested %d", ErrInsufficientStock, batch.ID, batch.ThreePL.Pallets, pallets)
		}
		newPallets = batch.ThreePL.Pallets - pallets
	}
	if newQty == 0 {
		newPallets = 0
	}
	return newQty, newPallets, nil
}
