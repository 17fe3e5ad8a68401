package models

import "time"

// ProductListFilter holds search and pagination criteria for product list reads.
// Lists are always served from the local cache, so every field is applied by a
// linear scan over the cached collection.
type ProductListFilter struct {
	Query     string `json:"query,omitempty"`      // Substring match across code, name, chinese name
	SortBy    string `json:"sort_by,omitempty"`    // Sort field: product_code, name, created_at
	SortOrder string `json:"sort_order,omitempty"` // Sort order: asc, desc
	Limit     int    `json:"limit,omitempty"`      // Page size (default: 50)
	Offset    int    `json:"offset,omitempty"`     // Page offset
}

type Product struct {
	ID          string    `json:"id"`
	ProductCode string    `json:"productCode"`
	Name        string    `json:"name"`
	ChineseName string    `json:"chineseName"`
	Packaging   string    `json:"packaging"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	PendingSync bool      `json:"pendingSync"`
}
