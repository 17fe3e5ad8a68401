package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"waresync/internal/common"
	"waresync/internal/importer"
)

// ImportHandlers handles bulk CSV imports of inbound stock.
type ImportHandlers struct {
	importer *importer.Importer
}

// NewImportHandlers creates a new import handlers instance
func NewImportHandlers(imp *importer.Importer) *ImportHandlers {
	return &ImportHandlers{importer: imp}
}

// ImportCSV handles POST /import. Rows fail independently; the response
// always carries the full per-row error list.
func (h *ImportHandlers) ImportCSV(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return common.SendClientError(c, "file is required")
	}

	src, err := file.Open()
	if err != nil {
		return common.SendServerError(c, "failed to read uploaded file")
	}
	defer src.Close()

	rows, err := importer.ParseCSV(src)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	result := h.importer.Run(c.Request().Context(), rows)

	status := http.StatusOK
	if result.FailedRows > 0 && result.ProcessedRows == 0 {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, result)
}
