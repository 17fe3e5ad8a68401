package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"waresync/internal/archive"
	"waresync/internal/common"
	"waresync/internal/models"
	syncsvc "waresync/internal/sync"
)

// ShipmentHandlers handles shipment records and their archived documents.
type ShipmentHandlers struct {
	shipments *syncsvc.ShipmentSync
	documents *archive.Archive
}

// NewShipmentHandlers creates a new shipment handlers instance
func NewShipmentHandlers(shipments *syncsvc.ShipmentSync, documents *archive.Archive) *ShipmentHandlers {
	return &ShipmentHandlers{shipments: shipments, documents: documents}
}

// CreateShipment handles POST /shipments
func (h *ShipmentHandlers) CreateShipment(c echo.Context) error {
	var req struct {
		Status       string     `json:"status"`
		ShipmentDate *time.Time `json:"shipmentDate,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}

	sh := &models.Shipment{Status: req.Status}
	if req.ShipmentDate != nil {
		sh.ShipmentDate = *req.ShipmentDate
	}

	created, err := h.shipments.Create(c.Request().Context(), sh)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusCreated, created)
}

// GetShipment handles GET /shipments/:id
func (h *ShipmentHandlers) GetShipment(c echo.Context) error {
	id := c.Param("id")
	if err := common.ValidateRequiredString(id, "id"); err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}

	sh, err := h.shipments.Get(c.Request().Context(), id)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, sh)
}

// ListShipments handles GET /shipments
func (h *ShipmentHandlers) ListShipments(c echo.Context) error {
	page, err := h.shipments.List(c.Request().Context(),
		queryInt(c, "offset", 0), queryInt(c, "limit", 0))
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, page)
}

// UpdateShipmentStatus handles PATCH /shipments/:id/status
func (h *ShipmentHandlers) UpdateShipmentStatus(c echo.Context) error {
	id := c.Param("id")
	if err := common.ValidateRequiredString(id, "id"); err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	if err := common.ValidateRequiredString(req.Status, "status"); err != nil {
		return common.SendValidationError(c, "status", err.Error())
	}

	updated, err := h.shipments.UpdateStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, updated)
}

// UploadDocument handles POST /shipments/:id/document. The upload goes to
// object storage and the resulting path is attached to the shipment record;
// both steps need connectivity.
func (h *ShipmentHandlers) UploadDocument(c echo.Context) error {
	id := c.Param("id")
	if err := common.ValidateRequiredString(id, "id"); err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}

	file, err := c.FormFile("document")
	if err != nil {
		return common.SendClientError(c, "document file is required")
	}

	src, err := file.Open()
	if err != nil {
		return common.SendServerError(c, "failed to read uploaded file")
	}
	defer src.Close()

	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	sh, err := h.documents.StoreDocument(c.Request().Context(), id, file.Filename, contentType, src, file.Size)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, sh)
}

// GetDocumentURL handles GET /shipments/:id/document
func (h *ShipmentHandlers) GetDocumentURL(c echo.Context) error {
	ctx := c.Request().Context()

	id := c.Param("id")
	if err := common.ValidateRequiredString(id, "id"); err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}

	sh, err := h.shipments.Get(ctx, id)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	url, err := h.documentURL(ctx, sh)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"url": url})
}

func (h *ShipmentHandlers) documentURL(ctx context.Context, sh *models.Shipment) (string, error) {
	return h.documents.DocumentURL(ctx, sh, 15*time.Minute)
}
