package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"waresync/internal/gateway"
	"waresync/internal/localstore"
	"waresync/internal/models"
	"waresync/internal/queue"
	"waresync/internal/reconcile"
)

// ProductSync keeps the product catalog consistent between the remote store
// and the local cache. Reads are cache-first; writes go remote when online
// and into the offline queue otherwise.
type ProductSync struct {
	deps
	sub subscription
}

func NewProductSync(d deps) *ProductSync {
	return &ProductSync{deps: d}
}

func productToRow(p *models.Product) gateway.Row {
	return gateway.Row{
		"product_code": p.ProductCode,
		"name":         p.Name,
		"chinese_name": p.ChineseName,
		"packaging":    p.Packaging,
		"created_at":   p.CreatedAt,
		"updated_at":   p.UpdatedAt,
	}
}

// productUpdateRow is the partial sent on updates. created_at belongs to the
// remote store and callers rarely carry it, so it is never part of the
// partial; sending a zero value would stomp the stored timestamp.
func productUpdateRow(p *models.Product) gateway.Row {
	return gateway.Row{
		"product_code": p.ProductCode,
		"name":         p.Name,
		"chinese_name": p.ChineseName,
		"packaging":    p.Packaging,
		"updated_at":   p.UpdatedAt,
	}
}

func productFromRow(row gateway.Row) (*models.Product, error) {
	id := gateway.Str(row, "id")
	code := gateway.Str(row, "product_code")
	if id == "" || code == "" {
		return nil, fmt.Errorf("%w: product row missing id or product_code", models.ErrValidation)
	}
	return &models.Product{
		ID:          id,
		ProductCode: code,
		Name:        gateway.Str(row, "name"),
		ChineseName: gateway.Str(row, "chinese_name"),
		Packaging:   gateway.Str(row, "packaging"),
		CreatedAt:   gateway.Time(row, "created_at"),
		UpdatedAt:   gateway.Time(row, "updated_at"),
	}, nil
}

// GetByCode returns the product with the given natural key, serving the
// cached copy when present and falling back to the remote store.
func (s *ProductSync) GetByCode(ctx context.Context, productCode string) (*models.Product, error) {
	docs, err := s.store.GetByIndex(ctx, localstore.CollectionProducts, "productCode", productCode)
	if err == nil && len(docs) > 0 {
		var p models.Product
		if err := json.Unmarshal(docs[0], &p); err == nil {
			// A pendingSync copy is still the freshest view we have.
			return &p, nil
		}
	}

	if !s.online() {
		return nil, fmt.Errorf("%w: product %s not cached", models.ErrUnavailable, productCode)
	}
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	rows, err := s.gw.Query(rctx, gateway.TableProducts, []gateway.Filter{gateway.Eq("product_code", productCode)}, gateway.QueryOptions{Limit: 1})
	if err != nil {
		s.wentOffline(err)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: product %s", models.ErrNotFound, productCode)
	}
	p, err := productFromRow(rows[0])
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, localstore.CollectionProducts, p.ID, p); err != nil {
		s.log.Warn("product cache merge failed", zap.String("id", p.ID), zap.Error(err))
	}
	return p, nil
}

// List serves the paginated catalog from the cache, hydrating it from the
// remote store on first use. The cache is the only list query engine.
func (s *ProductSync) List(ctx context.Context, filter models.ProductListFilter) (Page[models.Product], error) {
	if err := s.hydrate(ctx); err != nil {
		return Page[models.Product]{}, err
	}
	docs, err := s.store.GetAll(ctx, localstore.CollectionProducts)
	if err != nil {
		return Page[models.Product]{}, err
	}
	products := decodeAll[models.Product](docs, s.log, localstore.CollectionProducts)

	if q := strings.ToLower(filter.Query); q != "" {
		filtered := products[:0]
		for _, p := range products {
			if strings.Contains(strings.ToLower(p.ProductCode), q) ||
				strings.Contains(strings.ToLower(p.Name), q) ||
				strings.Contains(p.ChineseName, filter.Query) {
				filtered = append(filtered, p)
			}
		}
		products = filtered
	}

	asc := strings.ToLower(filter.SortOrder) != "desc"
	sort.SliceStable(products, func(i, j int) bool {
		var less bool
		switch filter.SortBy {
		case "name":
			less = products[i].Name < products[j].Name
		case "created_at":
			less = products[i].CreatedAt.Before(products[j].CreatedAt)
		default:
			less = products[i].ProductCode < products[j].ProductCode
		}
		if asc {
			return less
		}
		return !less
	})

	return paginate(products, filter.Offset, filter.Limit), nil
}

func (s *ProductSync) hydrate(ctx context.Context) error {
	n, err := s.store.Count(ctx, localstore.CollectionProducts)
	if err != nil {
		return err
	}
	if n > 0 || !s.online() {
		return nil
	}
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	rows, err := s.gw.Query(rctx, gateway.TableProducts, nil, gateway.QueryOptions{})
	if err != nil {
		if s.wentOffline(err) {
			return nil // empty cache, offline: lists are just empty
		}
		return err
	}
	items := make([]localstore.Item, 0, len(rows))
	for _, row := range rows {
		p, err := productFromRow(row)
		if err != nil {
			s.log.Warn("hydrate: skipping bad product row", zap.Error(err))
			continue
		}
		items = append(items, localstore.Item{Key: p.ID, Doc: p})
	}
	return s.store.BulkPut(ctx, localstore.CollectionProducts, items)
}

// Create writes a new product. Offline creates get a temporary local id and
// pendingSync until the queue replays them.
func (s *ProductSync) Create(ctx context.Context, p *models.Product) (*models.Product, error) {
	if p.ProductCode == "" || p.Name == "" {
		return nil, fmt.Errorf("%w: product_code and name are required", models.ErrValidation)
	}

	if s.online() {
		now := time.Now().UTC()
		p.CreatedAt, p.UpdatedAt = now, now
		rctx, cancel := s.remoteCtx(ctx)
		row, err := s.gw.Insert(rctx, gateway.TableProducts, productToRow(p))
		cancel()
		if err == nil {
			created, mapErr := productFromRow(row)
			if mapErr != nil {
				return nil, mapErr
			}
			if err := s.store.Put(ctx, localstore.CollectionProducts, created.ID, created); err != nil {
				s.log.Warn("product cache mirror failed", zap.String("id", created.ID), zap.Error(err))
			}
			s.wroteOnline()
			return created, nil
		}
		if !s.wentOffline(err) {
			return nil, err // validation/conflict: surfaced, never queued
		}
	}

	local := *p
	local.ID = newLocalID()
	local.PendingSync = true
	now := time.Now().UTC()
	local.CreatedAt, local.UpdatedAt = now, now
	if err := s.store.Put(ctx, localstore.CollectionProducts, local.ID, &local); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(&local)
	if err := s.queue.Enqueue(ctx, models.QueueEntry{
		Store:   localstore.CollectionProducts,
		Op:      models.OpAdd,
		Payload: payload,
		LocalID: local.ID,
	}); err != nil {
		return nil, err
	}
	return &local, nil
}

// Update modifies an existing product by id.
func (s *ProductSync) Update(ctx context.Context, p *models.Product) (*models.Product, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("%w: product id required", models.ErrValidation)
	}

	if s.online() && !isLocalID(p.ID) {
		p.UpdatedAt = time.Now().UTC()
		rctx, cancel := s.remoteCtx(ctx)
		row, err := s.gw.Update(rctx, gateway.TableProducts, p.ID, productUpdateRow(p))
		cancel()
		if err == nil {
			updated, mapErr := productFromRow(row)
			if mapErr != nil {
				return nil, mapErr
			}
			if err := s.store.Put(ctx, localstore.CollectionProducts, updated.ID, updated); err != nil {
				s.log.Warn("product cache mirror failed", zap.String("id", updated.ID), zap.Error(err))
			}
			s.wroteOnline()
			return updated, nil
		}
		if !s.wentOffline(err) {
			return nil, err
		}
	}

	local := *p
	local.PendingSync = true
	local.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, localstore.CollectionProducts, local.ID, &local); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(&local)
	if err := s.queue.Enqueue(ctx, models.QueueEntry{
		Store:   localstore.CollectionProducts,
		Op:      models.OpUpdate,
		Payload: payload,
		ItemID:  local.ID,
	}); err != nil {
		return nil, err
	}
	return &local, nil
}

// Delete removes a product by id.
func (s *ProductSync) Delete(ctx context.Context, id string) error {
	if s.online() && !isLocalID(id) {
		rctx, cancel := s.remoteCtx(ctx)
		err := s.gw.Delete(rctx, gateway.TableProducts, id)
		cancel()
		if err == nil {
			s.wroteOnline()
			return s.store.Delete(ctx, localstore.CollectionProducts, id)
		}
		if !s.wentOffline(err) {
			return err
		}
	}

	if err := s.store.Delete(ctx, localstore.CollectionProducts, id); err != nil {
		return err
	}
	if isLocalID(id) {
		// Never reached the remote; nothing to replay.
		return nil
	}
	return s.queue.Enqueue(ctx, models.QueueEntry{
		Store:  localstore.CollectionProducts,
		Op:     models.OpDelete,
		ItemID: id,
	})
}

// ListenToChanges attaches the single product change-feed subscription.
// Calling it again first detaches the previous listener.
func (s *ProductSync) ListenToChanges(ctx context.Context, fn Callback) error {
	cancel, err := s.gw.Subscribe(ctx, gateway.TableProducts, func(event gateway.EventType, newRow, oldRow gateway.Row) {
		s.mergeChange(context.Background(), event, newRow, oldRow, fn)
	})
	if err != nil {
		return err
	}
	s.sub.replace(cancel)
	return nil
}

// Unlisten detaches the active subscription, if any.
func (s *ProductSync) Unlisten() {
	s.sub.stop()
}

func (s *ProductSync) mergeChange(ctx context.Context, event gateway.EventType, newRow, oldRow gateway.Row, fn Callback) {
	if event == gateway.EventDelete {
		id := gateway.Str(oldRow, "id")
		if id == "" {
			id = gateway.Str(newRow, "id")
		}
		if err := s.store.Delete(ctx, localstore.CollectionProducts, id); err != nil {
			fn(models.SyncFailed(err.Error()))
			return
		}
		fn(models.SyncUpdated(1))
		return
	}

	incoming, err := productFromRow(newRow)
	if err != nil {
		fn(models.SyncFailed(err.Error()))
		return
	}

	var cached models.Product
	if err := s.store.GetInto(ctx, localstore.CollectionProducts, incoming.ID, &cached); err == nil {
		if cached.PendingSync {
			// Never stomp an unsynced local edit; the queue replay wins.
			return
		}
		if reconcile.ShallowEqual(asMap(incoming), asMap(&cached), []string{"updatedAt"}) {
			return // our own write echoed back
		}
	}
	if err := s.store.Put(ctx, localstore.CollectionProducts, incoming.ID, incoming); err != nil {
		fn(models.SyncFailed(err.Error()))
		return
	}
	fn(models.SyncUpdated(1))
}

// queueHandlers replays offline product writes.
func (s *ProductSync) queueHandlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		models.OpAdd: func(ctx context.Context, e models.QueueEntry) error {
			var p models.Product
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return err
			}
			p.PendingSync = false
			rctx, cancel := s.remoteCtx(ctx)
			row, err := s.gw.Insert(rctx, gateway.TableProducts, productToRow(&p))
			cancel()
			if err != nil {
				return err
			}
			created, err := productFromRow(row)
			if err != nil {
				return err
			}
			// Swap the temporary id for the remote one.
			if err := s.store.Delete(ctx, localstore.CollectionProducts, e.LocalID); err != nil {
				return err
			}
			return s.store.Put(ctx, localstore.CollectionProducts, created.ID, created)
		},
		models.OpUpdate: func(ctx context.Context, e models.QueueEntry) error {
			var p models.Product
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return err
			}
			id := e.ItemID
			if isLocalID(id) {
				// Created and edited within the same offline window; the add
				// replay already swapped ids, so resolve by natural key.
				resolved, err := s.resolveRemoteID(ctx, p.ProductCode)
				if err != nil {
					return err
				}
				id = resolved
				if err := s.store.Delete(ctx, localstore.CollectionProducts, e.ItemID); err != nil {
					return err
				}
			}
			p.PendingSync = false
			rctx, cancel := s.remoteCtx(ctx)
			row, err := s.gw.Update(rctx, gateway.TableProducts, id, productUpdateRow(&p))
			cancel()
			if err != nil {
				return err
			}
			updated, err := productFromRow(row)
			if err != nil {
				return err
			}
			return s.store.Put(ctx, localstore.CollectionProducts, updated.ID, updated)
		},
		models.OpDelete: func(ctx context.Context, e models.QueueEntry) error {
			rctx, cancel := s.remoteCtx(ctx)
			err := s.gw.Delete(rctx, gateway.TableProducts, e.ItemID)
			cancel()
			if errors.Is(err, models.ErrNotFound) {
				return nil // already gone remotely
			}
			return err
		},
	}
}

func (s *ProductSync) resolveRemoteID(ctx context.Context, productCode string) (string, error) {
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	rows, err := s.gw.Query(rctx, gateway.TableProducts, []gateway.Filter{gateway.Eq("product_code", productCode)}, gateway.QueryOptions{Limit: 1})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%w: product %s", models.ErrNotFound, productCode)
	}
	return gateway.Str(rows[0], "id"), nil
}
