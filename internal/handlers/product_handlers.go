package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"waresync/internal/common"
	"waresync/internal/models"
	syncsvc "waresync/internal/sync"
)

// ProductHandlers handles HTTP requests for the product catalog.
type ProductHandlers struct {
	products *syncsvc.ProductSync
}

// NewProductHandlers creates a new product handlers instance
func NewProductHandlers(products *syncsvc.ProductSync) *ProductHandlers {
	return &ProductHandlers{products: products}
}

// CreateProduct handles POST /products
func (h *ProductHandlers) CreateProduct(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		ProductCode string `json:"productCode"`
		Name        string `json:"name"`
		ChineseName string `json:"chineseName"`
		Packaging   string `json:"packaging"`
	}
	if err := c.Bind(&req); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	if err := common.ValidateRequiredString(req.ProductCode, "productCode"); err != nil {
		return common.SendValidationError(c, "productCode", err.Error())
	}
	if err := common.ValidateRequiredString(req.Name, "name"); err != nil {
		return common.SendValidationError(c, "name", err.Error())
	}

	created, err := h.products.Create(ctx, &models.Product{
		ProductCode: strings.TrimSpace(req.ProductCode),
		Name:        strings.TrimSpace(req.Name),
		ChineseName: req.ChineseName,
		Packaging:   req.Packaging,
	})
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusCreated, created)
}

// GetProduct handles GET /products/:code
func (h *ProductHandlers) GetProduct(c echo.Context) error {
	code := c.Param("code")
	if err := common.ValidateRequiredString(code, "code"); err != nil {
		return common.SendValidationError(c, "code", err.Error())
	}

	product, err := h.products.GetByCode(c.Request().Context(), code)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, product)
}

// ListProducts handles GET /products
func (h *ProductHandlers) ListProducts(c echo.Context) error {
	filter := models.ProductListFilter{
		Query:     c.QueryParam("q"),
		SortBy:    c.QueryParam("sort_by"),
		SortOrder: c.QueryParam("sort_order"),
		Limit:     queryInt(c, "limit", 0),
		Offset:    queryInt(c, "offset", 0),
	}

	page, err := h.products.List(c.Request().Context(), filter)
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, page)
}

// UpdateProduct handles PUT /products/:id
func (h *ProductHandlers) UpdateProduct(c echo.Context) error {
	id := c.Param("id")
	if err := common.ValidateRequiredString(id, "id"); err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}

	var req struct {
		ProductCode string `json:"productCode"`
		Name        string `json:"name"`
		ChineseName string `json:"chineseName"`
		Packaging   string `json:"packaging"`
	}
	if err := c.Bind(&req); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	if err := common.ValidateRequiredString(req.ProductCode, "productCode"); err != nil {
		return common.SendValidationError(c, "productCode", err.Error())
	}

	updated, err := h.products.Update(c.Request().Context(), &models.Product{
		ID:          id,
		ProductCode: strings.TrimSpace(req.ProductCode),
		Name:        strings.TrimSpace(req.Name),
		ChineseName: req.ChineseName,
		Packaging:   req.Packaging,
	})
	if err != nil {
		return common.SendDomainError(c, err)
	}

	return c.JSON(http.StatusOK, updated)
}

// DeleteProduct handles DELETE /products/:id
func (h *ProductHandlers) DeleteProduct(c echo.Context) error {
	id := c.Param("id")
	if err := common.ValidateRequiredString(id, "id"); err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}

	if err := h.products.Delete(c.Request().Context(), id); err != nil {
		return common.SendDomainError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

func queryInt(c echo.Context, name string, fallback int) int {
	v := c.QueryParam(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
