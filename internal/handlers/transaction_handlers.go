package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"waresync/internal/common"
	"waresync/internal/gateway"
	"waresync/internal/models"
	syncsvc "waresync/internal/sync"
)

const maxMovementQuantity = 1_000_000

// TransactionHandlers handles stock movements and the transaction log.
type TransactionHandlers struct {
	txns *syncsvc.TransactionSync
}

// NewTransactionHandlers creates a new transaction handlers instance
func NewTransactionHandlers(txns *syncsvc.TransactionSync) *TransactionHandlers {
	return &TransactionHandlers{txns: txns}
}

// InboundStock handles POST /transactions/inbound
func (h *TransactionHandlers) InboundStock(c echo.Context) error {
	ctx := c.Request().Context()

	var req syncsvc.InboundRequest
	if err := c.Bind(&req); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	if err := common.ValidateRequiredString(req.ProductCode, "productCode"); err != nil {
		return common.SendValidationError(c, "productCode", err.Error())
	}
	if err := common.ValidateRequiredString(req.WarehouseID, "warehouseId"); err != nil {
		return common.SendValidationError(c, "warehouseId", err.Error())
	}
	if err := common.ValidatePositiveInteger(req.Quantity, "quantity", maxMovementQuantity); err != nil {
		return common.SendValidationError(c, "quantity", err.Error())
	}
	req.OperatorID = operatorID(ctx, req.OperatorID)

	txn, err := h.txns.InboundStock(ctx, req)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusCreated, txn)
}

// OutboundStock handles POST /transactions/outbound
func (h *TransactionHandlers) OutboundStock(c echo.Context) error {
	ctx := c.Request().Context()

	var req syncsvc.OutboundStockRequest
	if err := c.Bind(&req); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	if err := common.ValidateRequiredString(req.ProductCode, "productCode"); err != nil {
		return common.SendValidationError(c, "productCode", err.Error())
	}
	if err := common.ValidateRequiredString(req.WarehouseID, "warehouseId"); err != nil {
		return common.SendValidationError(c, "warehouseId", err.Error())
	}
	if err := common.ValidatePositiveInteger(req.Quantity, "quantity", maxMovementQuantity); err != nil {
		return common.SendValidationError(c, "quantity", err.Error())
	}
	req.OperatorID = operatorID(ctx, req.OperatorID)

	txn, err := h.txns.OutboundStock(ctx, req)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusCreated, txn)
}

// OutboundByInventoryID handles POST /transactions/outbound/:inventoryId
func (h *TransactionHandlers) OutboundByInventoryID(c echo.Context) error {
	ctx := c.Request().Context()

	inventoryID := c.Param("inventoryId")
	if err := common.ValidateRequiredString(inventoryID, "inventoryId"); err != nil {
		return common.SendValidationError(c, "inventoryId", err.Error())
	}

	var req struct {
		Quantity    int    `json:"quantity"`
		Pallets     int    `json:"pallets,omitempty"`
		Description string `json:"description,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	if err := common.ValidatePositiveInteger(req.Quantity, "quantity", maxMovementQuantity); err != nil {
		return common.SendValidationError(c, "quantity", err.Error())
	}

	txn, err := h.txns.OutboundStockByInventoryID(ctx, gateway.OutboundRequest{
		InventoryID: inventoryID,
		Quantity:    req.Quantity,
		Pallets:     req.Pallets,
		OperatorID:  operatorID(ctx, ""),
		Description: req.Description,
	})
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusCreated, txn)
}

// Transfer handles POST /transactions/transfer
func (h *TransactionHandlers) Transfer(c echo.Context) error {
	ctx := c.Request().Context()

	var req syncsvc.InternalTransferRequest
	if err := c.Bind(&req); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	if err := common.ValidateRequiredString(req.ProductCode, "productCode"); err != nil {
		return common.SendValidationError(c, "productCode", err.Error())
	}
	if err := common.ValidateRequiredString(req.SourceWHID, "sourceWarehouseId"); err != nil {
		return common.SendValidationError(c, "sourceWarehouseId", err.Error())
	}
	if err := common.ValidateRequiredString(req.DestWHID, "destWarehouseId"); err != nil {
		return common.SendValidationError(c, "destWarehouseId", err.Error())
	}
	if err := common.ValidatePositiveInteger(req.Quantity, "quantity", maxMovementQuantity); err != nil {
		return common.SendValidationError(c, "quantity", err.Error())
	}
	req.OperatorID = operatorID(ctx, req.OperatorID)

	result, err := h.txns.PerformInternalTransfer(ctx, req)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// ListTransactions handles GET /transactions
func (h *TransactionHandlers) ListTransactions(c echo.Context) error {
	filter := models.TransactionListFilter{
		ProductCode: c.QueryParam("product_code"),
		WarehouseID: c.QueryParam("warehouse_id"),
		Type:        c.QueryParam("type"),
		Limit:       queryInt(c, "limit", 0),
		Offset:      queryInt(c, "offset", 0),
	}

	if from := c.QueryParam("date_from"); from != "" {
		if err := common.ValidateDateFormat(from, "date_from"); err != nil {
			return common.SendValidationError(c, "date_from", err.Error())
		}
		t, _ := time.Parse("2006-01-02", from)
		filter.DateFrom = &t
	}
	if to := c.QueryParam("date_to"); to != "" {
		if err := common.ValidateDateFormat(to, "date_to"); err != nil {
			return common.SendValidationError(c, "date_to", err.Error())
		}
		t, _ := time.Parse("2006-01-02", to)
		filter.DateTo = &t
	}

	page, err := h.txns.List(c.Request().Context(), filter)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, page)
}
