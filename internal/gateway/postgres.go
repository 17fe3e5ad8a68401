package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"waresync/internal/models"
)

// PgxPool is the subset of pgxpool.Pool the adapter needs; pgxmock satisfies
// it in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresGateway is the relational adapter. Change-feed events are fanned
// out over Redis pub/sub, one channel per table, standing in for the hosted
// backend's realtime feed.
type PostgresGateway struct {
	db  PgxPool
	rdb *redis.Client
	log *zap.Logger
}

func NewPostgresGateway(db PgxPool, rdb *redis.Client, log *zap.Logger) *PostgresGateway {
	return &PostgresGateway{db: db, rdb: rdb, log: log}
}

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var knownTables = map[string]bool{
	TableProducts:   true,
	TableInventory:  true,
	TableAggregated: true,
	TableTxns:       true,
	TableShipments:  true,
	TableWarehouses: true,
}

func checkTable(table string) error {
	if !knownTables[table] {
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

// classify maps driver errors onto the shared taxonomy. Unique violations
// become ErrConflict, missing rows ErrNotFound; other pg server errors pass
// through, and everything else (dial failures, timeouts) is ErrUnavailable.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", models.ErrConflict, pgErr.ConstraintName)
		}
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
}

func (g *PostgresGateway) Ping(ctx context.Context) error {
	if err := g.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}
	return nil
}

func (g *PostgresGateway) Query(ctx context.Context, table string, filters []Filter, opts QueryOptions) ([]Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := `SELECT * FROM ` + table
	var args []any
	var conds []string
	for _, f := range filters {
		if !identRe.MatchString(f.Field) {
			return nil, fmt.Errorf("bad filter field %q", f.Field)
		}
		op := "="
		switch f.Op {
		case "", "eq":
		case "gte":
			op = ">="
		case "lte":
			op = "<="
		default:
			return nil, fmt.Errorf("bad filter op %q", f.Op)
		}
		args = append(args, f.Value)
		conds = append(conds, fmt.Sprintf("%s %s $%d", f.Field, op, len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if opts.OrderBy != "" {
		if !identRe.MatchString(opts.OrderBy) {
			return nil, fmt.Errorf("bad order field %q", opts.OrderBy)
		}
		query += " ORDER BY " + opts.OrderBy
		if opts.Desc {
			query += " DESC"
		}
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := g.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return collectRows(rows)
}

func collectRows(rows pgx.Rows) ([]Row, error) {
	var out []Row
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classify(err)
		}
		row := make(Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (g *PostgresGateway) Insert(ctx context.Context, table string, row Row) (Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.NewString()
	}

	cols := make([]string, 0, len(row))
	for k := range row {
		if !identRe.MatchString(k) {
			return nil, fmt.Errorf("bad column %q", k)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols))
	holders := make([]string, 0, len(cols))
	for i, c := range cols {
		args = append(args, row[c])
		holders = append(holders, fmt.Sprintf("$%d", i+1))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table, strings.Join(cols, ", "), strings.Join(holders, ", "))

	rows, err := g.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	inserted, err := collectRows(rows)
	if err != nil {
		return nil, err
	}
	if len(inserted) == 0 {
		return nil, fmt.Errorf("%w: insert into %s returned no row", models.ErrUnavailable, table)
	}
	g.publish(ctx, table, EventInsert, inserted[0], nil)
	return inserted[0], nil
}

func (g *PostgresGateway) InsertMany(ctx context.Context, table string, rows []Row) ([]Row, error) {
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		inserted, err := g.Insert(ctx, table, row)
		if err != nil {
			return out, err
		}
		out = append(out, inserted)
	}
	return out, nil
}

func (g *PostgresGateway) Update(ctx context.Context, table string, key string, partial Row) (Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	cols := make([]string, 0, len(partial))
	for k := range partial {
		if !identRe.MatchString(k) {
			return nil, fmt.Errorf("bad column %q", k)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)

	var sets []string
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		args = append(args, partial[c])
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+1))
	}
	args = append(args, key)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d RETURNING *",
		table, strings.Join(sets, ", "), len(args))

	rows, err := g.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	updated, err := collectRows(rows)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", models.ErrNotFound, table, key)
	}
	g.publish(ctx, table, EventUpdate, updated[0], nil)
	return updated[0], nil
}

func (g *PostgresGateway) Delete(ctx context.Context, table string, key string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	tag, err := g.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", table), key)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", models.ErrNotFound, table, key)
	}
	g.publish(ctx, table, EventDelete, nil, Row{"id": key})
	return nil
}

// changeEnvelope is the pub/sub wire format of one change event.
type changeEnvelope struct {
	Event EventType `json:"event"`
	New   Row       `json:"new,omitempty"`
	Old   Row       `json:"old,omitempty"`
}

func changeChannel(table string) string {
	return "waresync:changes:" + table
}

func (g *PostgresGateway) publish(ctx context.Context, table string, event EventType, newRow, oldRow Row) {
	if g.rdb == nil {
		return
	}
	payload, err := json.Marshal(changeEnvelope{Event: event, New: newRow, Old: oldRow})
	if err != nil {
		g.log.Warn("change publish: marshal failed", zap.String("table", table), zap.Error(err))
		return
	}
	if err := g.rdb.Publish(ctx, changeChannel(table), payload).Err(); err != nil {
		g.log.Warn("change publish failed", zap.String("table", table), zap.Error(err))
	}
}

func (g *PostgresGateway) Subscribe(ctx context.Context, table string, fn ChangeHandler) (Unsubscribe, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if g.rdb == nil {
		return nil, fmt.Errorf("%w: no change feed configured", models.ErrUnavailable)
	}
	pubsub := g.rdb.Subscribe(ctx, changeChannel(table))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", models.ErrUnavailable, table, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var env changeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				g.log.Warn("change feed: bad payload", zap.String("table", table), zap.Error(err))
				continue
			}
			fn(env.Event, env.New, env.Old)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				g.log.Warn("change feed: close failed", zap.String("table", table), zap.Error(err))
			}
		})
	}, nil
}

// --- atomic stock procedures ---

const batchSelectForUpdate = `
	SELECT id, product_code, warehouse_id, batch_no, quantity, container, date_stored, _3pl_details
	FROM inventory
	WHERE %s
	FOR UPDATE
`

func scanBatch(row pgx.Row) (*models.InventoryBatch, error) {
	b := &models.InventoryBatch{}
	var container *string
	var dateStored *time.Time
	var threePL *models.ThreePLDetails
	if err := row.Scan(&b.ID, &b.ProductCode, &b.WarehouseID, &b.BatchNo, &b.Quantity, &container, &dateStored, &threePL); err != nil {
		return nil, err
	}
	if container != nil {
		b.Container = *container
	}
	if dateStored != nil {
		b.DateStored = *dateStored
	}
	b.ThreePL = threePL
	return b, nil
}

func insertTxnRow(ctx context.Context, tx pgx.Tx, t *models.StockTransaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.TransactionDate.IsZero() {
		t.TransactionDate = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (id, type, product_id, product_code, product_name, warehouse_id, batch_no, quantity, operator_id, transaction_date, description, pallets_decremented)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, t.ID, t.Type, nilIfEmpty(t.ProductID), t.ProductCode, t.ProductName, t.WarehouseID, t.BatchNo,
		t.Quantity, t.OperatorID, t.TransactionDate, t.Description, t.PalletsDecremented)
	return err
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InboundAtomic writes the transaction log row and increments (or creates)
// the matching inventory batch in one database transaction.
func (g *PostgresGateway) InboundAtomic(ctx context.Context, t *models.StockTransaction, batch *models.InventoryBatch) (*models.StockTransaction, *models.InventoryBatch, error) {
	dbtx, err := g.db.Begin(ctx)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer dbtx.Rollback(ctx)

	existing, err := scanBatch(dbtx.QueryRow(ctx,
		fmt.Sprintf(batchSelectForUpdate, "product_code = $1 AND warehouse_id = $2 AND batch_no = $3"),
		batch.ProductCode, batch.WarehouseID, batch.BatchNo))
	switch {
	case err == nil:
		existing.Quantity += batch.Quantity
		if existing.ThreePL != nil && batch.ThreePL != nil {
			existing.ThreePL.Pallets += batch.ThreePL.Pallets
		}
		if _, err := dbtx.Exec(ctx, `UPDATE inventory SET quantity = $1, _3pl_details = $2 WHERE id = $3`,
			existing.Quantity, existing.ThreePL, existing.ID); err != nil {
			return nil, nil, classify(err)
		}
		batch = existing
	case errors.Is(err, pgx.ErrNoRows):
		if batch.ID == "" {
			batch.ID = uuid.NewString()
		}
		if batch.DateStored.IsZero() {
			batch.DateStored = time.Now().UTC()
		}
		if _, err := dbtx.Exec(ctx, `
			INSERT INTO inventory (id, product_code, warehouse_id, batch_no, quantity, container, date_stored, _3pl_details)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, batch.ID, batch.ProductCode, batch.WarehouseID, batch.BatchNo, batch.Quantity, batch.Container, batch.DateStored, batch.ThreePL); err != nil {
			return nil, nil, classify(err)
		}
	default:
		return nil, nil, classify(err)
	}

	t.RelatedInventoryID = batch.ID
	if err := insertTxnRow(ctx, dbtx, t); err != nil {
		return nil, nil, classify(err)
	}
	if err := dbtx.Commit(ctx); err != nil {
		return nil, nil, classify(err)
	}

	g.publish(ctx, TableInventory, EventUpdate, batchToRow(batch), nil)
	g.publish(ctx, TableTxns, EventInsert, txnToRow(t), nil)
	return t, batch, nil
}

// OutboundAtomic validates and decrements one batch and writes the audit row
// under a row lock, closing the lost-update race between concurrent outbound
// calls against the same batch.
func (g *PostgresGateway) OutboundAtomic(ctx context.Context, req OutboundRequest) (*models.StockTransaction, *models.InventoryBatch, error) {
	dbtx, err := g.db.Begin(ctx)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer dbtx.Rollback(ctx)

	batch, err := scanBatch(dbtx.QueryRow(ctx, fmt.Sprintf(batchSelectForUpdate, "id = $1"), req.InventoryID))
	if err != nil {
		return nil, nil, classify(err)
	}

	newQty, newPallets, err := models.ApplyOutboundDecrement(batch, req.Quantity, req.Pallets)
	if err != nil {
		return nil, nil, err
	}
	palletsDecremented := 0
	if batch.ThreePL != nil {
		palletsDecremented = batch.ThreePL.Pallets - newPallets
		batch.ThreePL.Pallets = newPallets
	}
	batch.Quantity = newQty

	if _, err := dbtx.Exec(ctx, `UPDATE inventory SET quantity = $1, _3pl_details = $2 WHERE id = $3`,
		batch.Quantity, batch.ThreePL, batch.ID); err != nil {
		return nil, nil, classify(err)
	}

	// A reference batch number marks this as the outbound leg of a transfer.
	typ := models.TransactionOutbound
	batchNo := batch.BatchNo
	if req.BatchNoRef != "" {
		typ = models.TransactionTransferLeg
		batchNo = req.BatchNoRef
	}
	t := &models.StockTransaction{
		Type:               typ,
		ProductCode:        batch.ProductCode,
		WarehouseID:        batch.WarehouseID,
		BatchNo:            batchNo,
		Quantity:           req.Quantity,
		OperatorID:         req.OperatorID,
		Description:        req.Description,
		RelatedInventoryID: batch.ID,
		PalletsDecremented: palletsDecremented,
	}
	if err := insertTxnRow(ctx, dbtx, t); err != nil {
		return nil, nil, classify(err)
	}
	if err := dbtx.Commit(ctx); err != nil {
		return nil, nil, classify(err)
	}

	g.publish(ctx, TableInventory, EventUpdate, batchToRow(batch), nil)
	g.publish(ctx, TableTxns, EventInsert, txnToRow(t), nil)
	return t, batch, nil
}

// TransferAtomic executes both legs of an internal transfer in one database
// transaction; either both legs commit or neither does.
func (g *PostgresGateway) TransferAtomic(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	dbtx, err := g.db.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer dbtx.Rollback(ctx)

	src, err := scanBatch(dbtx.QueryRow(ctx, fmt.Sprintf(batchSelectForUpdate, "id = $1"), req.SourceInventoryID))
	if err != nil {
		return nil, classify(err)
	}
	newQty, newPallets, err := models.ApplyOutboundDecrement(src, req.Quantity, 0)
	if err != nil {
		return nil, err
	}
	src.Quantity = newQty
	if src.ThreePL != nil {
		src.ThreePL.Pallets = newPallets
	}
	if _, err := dbtx.Exec(ctx, `UPDATE inventory SET quantity = $1, _3pl_details = $2 WHERE id = $3`,
		src.Quantity, src.ThreePL, src.ID); err != nil {
		return nil, classify(err)
	}

	destQty := req.Quantity
	dest, err := scanBatch(dbtx.QueryRow(ctx,
		fmt.Sprintf(batchSelectForUpdate, "product_code = $1 AND warehouse_id = $2 AND batch_no = $3"),
		src.ProductCode, req.DestWarehouseID, req.ReferenceBatchNo))
	switch {
	case err == nil:
		dest.Quantity += req.Quantity
		destQty = dest.Quantity
		if _, err := dbtx.Exec(ctx, `UPDATE inventory SET quantity = $1 WHERE id = $2`, dest.Quantity, dest.ID); err != nil {
			return nil, classify(err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := dbtx.Exec(ctx, `
			INSERT INTO inventory (id, product_code, warehouse_id, batch_no, quantity, date_stored)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.NewString(), src.ProductCode, req.DestWarehouseID, req.ReferenceBatchNo, req.Quantity, time.Now().UTC()); err != nil {
			return nil, classify(err)
		}
	default:
		return nil, classify(err)
	}

	outTx := &models.StockTransaction{
		Type:               models.TransactionTransferLeg,
		ProductCode:        src.ProductCode,
		WarehouseID:        src.WarehouseID,
		BatchNo:            req.ReferenceBatchNo,
		Quantity:           req.Quantity,
		OperatorID:         req.OperatorID,
		RelatedInventoryID: src.ID,
		Description:        fmt.Sprintf("transfer to %s", req.DestWarehouseID),
	}
	inTx := &models.StockTransaction{
		Type:        models.TransactionTransferLeg,
		ProductCode: src.ProductCode,
		WarehouseID: req.DestWarehouseID,
		BatchNo:     req.ReferenceBatchNo,
		Quantity:    req.Quantity,
		OperatorID:  req.OperatorID,
		Description: fmt.Sprintf("transfer from %s", src.WarehouseID),
	}
	if err := insertTxnRow(ctx, dbtx, outTx); err != nil {
		return nil, classify(err)
	}
	if err := insertTxnRow(ctx, dbtx, inTx); err != nil {
		return nil, classify(err)
	}
	if err := dbtx.Commit(ctx); err != nil {
		return nil, classify(err)
	}

	g.publish(ctx, TableInventory, EventUpdate, batchToRow(src), nil)
	g.publish(ctx, TableTxns, EventInsert, txnToRow(outTx), nil)
	g.publish(ctx, TableTxns, EventInsert, txnToRow(inTx), nil)
	return &TransferResult{OutboundTx: outTx, InboundTx: inTx, SourceQty: src.Quantity, DestQty: destQty}, nil
}

func batchToRow(b *models.InventoryBatch) Row {
	row := Row{
		"id":           b.ID,
		"product_code": b.ProductCode,
		"warehouse_id": b.WarehouseID,
		"batch_no":     b.BatchNo,
		"quantity":     b.Quantity,
		"container":    b.Container,
		"date_stored":  b.DateStored,
	}
	if b.ThreePL != nil {
		row["_3pl_details"] = map[string]any{
			"palletType":    b.ThreePL.PalletType,
			"location":      b.ThreePL.Location,
			"lotNumber":     b.ThreePL.LotNumber,
			"pallet":        b.ThreePL.Pallets,
			"status":        b.ThreePL.Status,
			"llm_item_code": b.ThreePL.LLMItemCode,
		}
	}
	return row
}

func txnToRow(t *models.StockTransaction) Row {
	return Row{
		"id":                  t.ID,
		"type":                string(t.Type),
		"product_id":          t.ProductID,
		"product_code":        t.ProductCode,
		"product_name":        t.ProductName,
		"warehouse_id":        t.WarehouseID,
		"batch_no":            t.BatchNo,
		"quantity":            t.Quantity,
		"operator_id":         t.OperatorID,
		"transaction_date":    t.TransactionDate,
		"description":         t.Description,
		"pallets_decremented": t.PalletsDecremented,
	}
}
