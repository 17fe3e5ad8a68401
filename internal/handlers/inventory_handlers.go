package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"waresync/internal/common"
	syncsvc "waresync/internal/sync"
)

// InventoryHandlers serves the per-product stock aggregates and the
// underlying warehouse batches.
type InventoryHandlers struct {
	inventory *syncsvc.InventorySync
}

// NewInventoryHandlers creates a new inventory handlers instance
func NewInventoryHandlers(inventory *syncsvc.InventorySync) *InventoryHandlers {
	return &InventoryHandlers{inventory: inventory}
}

// GetAggregate handles GET /inventory/:code
func (h *InventoryHandlers) GetAggregate(c echo.Context) error {
	code := c.Param("code")
	if err := common.ValidateRequiredString(code, "code"); err != nil {
		return common.SendValidationError(c, "code", err.Error())
	}

	agg, err := h.inventory.GetAggregate(c.Request().Context(), code)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, agg)
}

// ListAggregates handles GET /inventory
func (h *InventoryHandlers) ListAggregates(c echo.Context) error {
	page, err := h.inventory.ListAggregates(c.Request().Context(),
		queryInt(c, "offset", 0), queryInt(c, "limit", 0))
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, page)
}

// ListWarehouses handles GET /warehouses
func (h *InventoryHandlers) ListWarehouses(c echo.Context) error {
	warehouses, err := h.inventory.ListWarehouses(c.Request().Context())
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, warehouses)
}

// ListBatches handles GET /inventory/:code/batches
func (h *InventoryHandlers) ListBatches(c echo.Context) error {
	code := c.Param("code")
	if err := common.ValidateRequiredString(code, "code"); err != nil {
		return common.SendValidationError(c, "code", err.Error())
	}

	batches, err := h.inventory.ListBatches(c.Request().Context(), code, c.QueryParam("warehouse_id"))
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, batches)
}
