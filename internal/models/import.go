package models

import "time"

// ImportRow is one pre-parsed shipment-document row. File parsing happens
// upstream; the importer only sees plain rows in this shape.
type ImportRow struct {
	ProductCode     string     `json:"product_code"`
	WarehouseID     string     `json:"warehouse_id"`
	Quantity        int        `json:"quantity"`
	ProductName     string     `json:"product_name,omitempty"`
	PackagingSize   string     `json:"packaging_size,omitempty"`
	BatchNo         string     `json:"batch_no,omitempty"`
	ContainerNumber string     `json:"container_number,omitempty"`
	DateStored      *time.Time `json:"date_stored,omitempty"`
	ChineseName     string     `json:"chinese_name,omitempty"`
	Group           string     `json:"group,omitempty"`
	Brand           string     `json:"brand,omitempty"`

	PalletType  string `json:"3pl_pallet_type,omitempty"`
	Location    string `json:"3pl_location,omitempty"`
	LotNumber   string `json:"3pl_lot_number,omitempty"`
	Pallets     int    `json:"3pl_pallets,omitempty"`
	LLMItemCode string `json:"3pl_llm_item_code,omitempty"`
}

// ImportRowError records why a single row was rejected without aborting the
// rest of the import.
type ImportRowError struct {
	RowIndex int    `json:"row_index"`
	ItemID   string `json:"item_id"`
	Error    string `json:"error"`
}

// ImportResult summarizes a bulk import run.
type ImportResult struct {
	TotalRows      int              `json:"total_rows"`
	ProcessedRows  int              `json:"processed_rows"`
	FailedRows     int              `json:"failed_rows"`
	Errors         []ImportRowError `json:"errors"`
	StartTime      time.Time        `json:"start_time"`
	CompletionTime time.Time        `json:"completion_time"`
}
