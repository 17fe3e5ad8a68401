// Package importer bulk-loads shipment-document rows: product
// lookup-or-create, inventory batch insert, and an inbound transaction per
// row. Rows fail independently; one bad row never aborts the run.
package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"waresync/internal/models"
	syncsvc "waresync/internal/sync"
)

// Importer feeds parsed rows through the sync services, so imports follow
// the same online-or-queued write path as interactive operations.
type Importer struct {
	products *syncsvc.ProductSync
	txns     *syncsvc.TransactionSync
	log      *zap.Logger
}

func New(products *syncsvc.ProductSync, txns *syncsvc.TransactionSync, log *zap.Logger) *Importer {
	return &Importer{products: products, txns: txns, log: log}
}

// Run imports the given rows. Every row attempts three steps: resolve or
// create the product, then record an inbound stock movement (which itself
// creates or increments the batch and writes the audit row).
func (im *Importer) Run(ctx context.Context, rows []models.ImportRow) *models.ImportResult {
	result := &models.ImportResult{
		TotalRows: len(rows),
		StartTime: time.Now().UTC(),
		Errors:    []models.ImportRowError{},
	}

	for i, row := range rows {
		if err := im.importRow(ctx, row); err != nil {
			result.FailedRows++
			result.Errors = append(result.Errors, models.ImportRowError{
				RowIndex: i,
				ItemID:   row.ProductCode,
				Error:    err.Error(),
			})
			im.log.Warn("import row failed",
				zap.Int("row", i), zap.String("productCode", row.ProductCode), zap.Error(err))
			continue
		}
		result.ProcessedRows++
	}

	result.CompletionTime = time.Now().UTC()
	im.log.Info("import finished",
		zap.Int("total", result.TotalRows),
		zap.Int("processed", result.ProcessedRows),
		zap.Int("failed", result.FailedRows))
	return result
}

func (im *Importer) importRow(ctx context.Context, row models.ImportRow) error {
	if row.ProductCode == "" {
		return fmt.Errorf("%w: product_code is required", models.ErrValidation)
	}
	if row.WarehouseID == "" {
		return fmt.Errorf("%w: warehouse_id is required", models.ErrValidation)
	}
	if row.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", models.ErrValidation, row.Quantity)
	}

	if err := im.ensureProduct(ctx, row); err != nil {
		return err
	}

	var tpl *models.ThreePLDetails
	if row.PalletType != "" || row.Location != "" || row.LotNumber != "" || row.Pallets > 0 || row.LLMItemCode != "" {
		tpl = &models.ThreePLDetails{
			PalletType:  row.PalletType,
			Location:    row.Location,
			LotNumber:   row.LotNumber,
			Pallets:     row.Pallets,
			LLMItemCode: row.LLMItemCode,
		}
	}
	var stored time.Time
	if row.DateStored != nil {
		stored = *row.DateStored
	}

	_, err := im.txns.InboundStock(ctx, syncsvc.InboundRequest{
		ProductCode: row.ProductCode,
		ProductName: row.ProductName,
		WarehouseID: row.WarehouseID,
		BatchNo:     row.BatchNo,
		Quantity:    row.Quantity,
		Container:   row.ContainerNumber,
		DateStored:  stored,
		Description: "bulk import",
		ThreePL:     tpl,
	})
	return err
}

func (im *Importer) ensureProduct(ctx context.Context, row models.ImportRow) error {
	_, err := im.products.GetByCode(ctx, row.ProductCode)
	if err == nil {
		return nil
	}

	name := row.ProductName
	if name == "" {
		name = row.ProductCode
	}
	_, err = im.products.Create(ctx, &models.Product{
		ProductCode: row.ProductCode,
		Name:        name,
		ChineseName: row.ChineseName,
		Packaging:   row.PackagingSize,
	})
	return err
}

// ParseCSV reads import rows from CSV data. Columns are matched by header
// name; unknown columns are ignored and missing optional columns are left
// zero-valued.
func ParseCSV(r io.Reader) ([]models.ImportRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: csv needs a header row and at least one data row", models.ErrValidation)
	}

	index := map[string]int{}
	for i, col := range records[0] {
		index[strings.ToLower(strings.TrimSpace(col))] = i
	}
	field := func(rec []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	rows := make([]models.ImportRow, 0, len(records)-1)
	for n, rec := range records[1:] {
		row := models.ImportRow{
			ProductCode:     field(rec, "product_code"),
			WarehouseID:     field(rec, "warehouse_id"),
			ProductName:     field(rec, "product_name"),
			PackagingSize:   field(rec, "packaging_size"),
			BatchNo:         field(rec, "batch_no"),
			ContainerNumber: field(rec, "container_number"),
			PalletType:      field(rec, "3pl_pallet_type"),
			Location:        field(rec, "3pl_location"),
			LotNumber:       field(rec, "3pl_lot_number"),
			LLMItemCode:     field(rec, "3pl_llm_item_code"),
			ChineseName:     field(rec, "chinese_name"),
			Group:           field(rec, "group"),
			Brand:           field(rec, "brand"),
		}
		if q := field(rec, "quantity"); q != "" {
			row.Quantity, err = strconv.Atoi(q)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d: bad quantity %q", models.ErrValidation, n+1, q)
			}
		}
		if p := field(rec, "3pl_pallets"); p != "" {
			row.Pallets, err = strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d: bad 3pl_pallets %q", models.ErrValidation, n+1, p)
			}
		}
		if d := field(rec, "date_stored"); d != "" {
			t, err := time.Parse("2006-01-02", d)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d: bad date_stored %q (expected YYYY-MM-DD)", models.ErrValidation, n+1, d)
			}
			row.DateStored = &t
		}
		rows = append(rows, row)
	}
	return rows, nil
}
