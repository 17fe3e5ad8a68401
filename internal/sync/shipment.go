package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"waresync/internal/gateway"
	"waresync/internal/localstore"
	"waresync/internal/models"
	"waresync/internal/queue"
	"waresync/internal/reconcile"
)

// ShipmentSync tracks shipment records and their archived source documents.
type ShipmentSync struct {
	deps
	sub subscription
}

func NewShipmentSync(d deps) *ShipmentSync {
	return &ShipmentSync{deps: d}
}

func shipmentToRow(sh *models.Shipment) gateway.Row {
	return gateway.Row{
		"status":        sh.Status,
		"shipment_date": sh.ShipmentDate,
		"created_at":    sh.CreatedAt,
		"document_path": sh.DocumentPath,
	}
}

func shipmentFromRow(row gateway.Row) (*models.Shipment, error) {
	id := gateway.Str(row, "id")
	if id == "" {
		return nil, fmt.Errorf("%w: shipment row missing id", models.ErrValidation)
	}
	return &models.Shipment{
		ID:           id,
		Status:       gateway.Str(row, "status"),
		ShipmentDate: gateway.Time(row, "shipment_date"),
		CreatedAt:    gateway.Time(row, "created_at"),
		DocumentPath: gateway.Str(row, "document_path"),
	}, nil
}

// Get returns one shipment, cache-first.
func (s *ShipmentSync) Get(ctx context.Context, id string) (*models.Shipment, error) {
	var sh models.Shipment
	if err := s.store.GetInto(ctx, localstore.CollectionShipments, id, &sh); err == nil {
		return &sh, nil
	}
	if !s.online() {
		return nil, fmt.Errorf("%w: shipment %s not cached", models.ErrUnavailable, id)
	}
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	rows, err := s.gw.Query(rctx, gateway.TableShipments, []gateway.Filter{gateway.Eq("id", id)}, gateway.QueryOptions{Limit: 1})
	if err != nil {
		s.wentOffline(err)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: shipment %s", models.ErrNotFound, id)
	}
	fetched, err := shipmentFromRow(rows[0])
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, localstore.CollectionShipments, fetched.ID, fetched); err != nil {
		s.log.Warn("shipment cache merge failed", zap.String("id", fetched.ID), zap.Error(err))
	}
	return fetched, nil
}

// List pages over cached shipments, newest first, hydrating on first use.
func (s *ShipmentSync) List(ctx context.Context, offset, limit int) (Page[models.Shipment], error) {
	if err := s.hydrate(ctx); err != nil {
		return Page[models.Shipment]{}, err
	}
	docs, err := s.store.GetAll(ctx, localstore.CollectionShipments)
	if err != nil {
		return Page[models.Shipment]{}, err
	}
	shipments := decodeAll[models.Shipment](docs, s.log, localstore.CollectionShipments)
	sort.SliceStable(shipments, func(i, j int) bool {
		return shipments[i].ShipmentDate.After(shipments[j].ShipmentDate)
	})
	return paginate(shipments, offset, limit), nil
}

func (s *ShipmentSync) hydrate(ctx context.Context) error {
	n, err := s.store.Count(ctx, localstore.CollectionShipments)
	if err != nil {
		return err
	}
	if n > 0 || !s.online() {
		return nil
	}
	rctx, cancel := s.remoteCtx(ctx)
	defer cancel()
	rows, err := s.gw.Query(rctx, gateway.TableShipments, nil, gateway.QueryOptions{OrderBy: "shipment_date", Desc: true})
	if err != nil {
		if s.wentOffline(err) {
			return nil
		}
		return err
	}
	items := make([]localstore.Item, 0, len(rows))
	for _, row := range rows {
		sh, err := shipmentFromRow(row)
		if err != nil {
			s.log.Warn("hydrate: skipping bad shipment row", zap.Error(err))
			continue
		}
		items = append(items, localstore.Item{Key: sh.ID, Doc: sh})
	}
	return s.store.BulkPut(ctx, localstore.CollectionShipments, items)
}

// Create records a new shipment, online or queued.
func (s *ShipmentSync) Create(ctx context.Context, sh *models.Shipment) (*models.Shipment, error) {
	if sh.Status == "" {
		return nil, fmt.Errorf("%w: shipment status is required", models.ErrValidation)
	}
	if sh.ShipmentDate.IsZero() {
		sh.ShipmentDate = time.Now().UTC()
	}

	if s.online() {
		sh.CreatedAt = time.Now().UTC()
		rctx, cancel := s.remoteCtx(ctx)
		row, err := s.gw.Insert(rctx, gateway.TableShipments, shipmentToRow(sh))
		cancel()
		if err == nil {
			created, mapErr := shipmentFromRow(row)
			if mapErr != nil {
				return nil, mapErr
			}
			if err := s.store.Put(ctx, localstore.CollectionShipments, created.ID, created); err != nil {
				s.log.Warn("shipment cache mirror failed", zap.String("id", created.ID), zap.Error(err))
			}
			s.wroteOnline()
			return created, nil
		}
		if !s.wentOffline(err) {
			return nil, err
		}
	}

	local := *sh
	local.ID = newLocalID()
	local.PendingSync = true
	local.CreatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, localstore.CollectionShipments, local.ID, &local); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(&local)
	if err := s.queue.Enqueue(ctx, models.QueueEntry{
		Store:   localstore.CollectionShipments,
		Op:      models.OpAdd,
		Payload: payload,
		LocalID: local.ID,
	}); err != nil {
		return nil, err
	}
	return &local, nil
}

// UpdateStatus moves a shipment to a new status.
func (s *ShipmentSync) UpdateStatus(ctx context.Context, id, status string) (*models.Shipment, error) {
	if status == "" {
		return nil, fmt.Errorf("%w: shipment status is required", models.ErrValidation)
	}

	if s.online() && !isLocalID(id) {
		rctx, cancel := s.remoteCtx(ctx)
		row, err := s.gw.Update(rctx, gateway.TableShipments, id, gateway.Row{"status": status})
		cancel()
		if err == nil {
			updated, mapErr := shipmentFromRow(row)
			if mapErr != nil {
				return nil, mapErr
			}
			if err := s.store.Put(ctx, localstore.CollectionShipments, updated.ID, updated); err != nil {
				s.log.Warn("shipment cache mirror failed", zap.String("id", updated.ID), zap.Error(err))
			}
			s.wroteOnline()
			return updated, nil
		}
		if !s.wentOffline(err) {
			return nil, err
		}
	}

	var local models.Shipment
	if err := s.store.GetInto(ctx, localstore.CollectionShipments, id, &local); err != nil {
		return nil, fmt.Errorf("%w: shipment %s not cached", models.ErrNotFound, id)
	}
	local.Status = status
	local.PendingSync = true
	if err := s.store.Put(ctx, localstore.CollectionShipments, id, &local); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(&local)
	if err := s.queue.Enqueue(ctx, models.QueueEntry{
		Store:   localstore.CollectionShipments,
		Op:      models.OpUpdate,
		Payload: payload,
		ItemID:  id,
	}); err != nil {
		return nil, err
	}
	return &local, nil
}

// AttachDocument records the object path of an archived source document.
// Document archival itself is online-only, so this never queues.
func (s *ShipmentSync) AttachDocument(ctx context.Context, id, documentPath string) (*models.Shipment, error) {
	if !s.online() || isLocalID(id) {
		return nil, fmt.Errorf("%w: document attachment needs the remote store", models.ErrUnavailable)
	}
	rctx, cancel := s.remoteCtx(ctx)
	row, err := s.gw.Update(rctx, gateway.TableShipments, id, gateway.Row{"document_path": documentPath})
	cancel()
	if err != nil {
		s.wentOffline(err)
		return nil, err
	}
	updated, err := shipmentFromRow(row)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, localstore.CollectionShipments, updated.ID, updated); err != nil {
		s.log.Warn("shipment cache mirror failed", zap.String("id", updated.ID), zap.Error(err))
	}
	s.wroteOnline()
	return updated, nil
}

// ListenToChanges attaches the single shipment change-feed subscription.
func (s *ShipmentSync) ListenToChanges(ctx context.Context, fn Callback) error {
	cancel, err := s.gw.Subscribe(ctx, gateway.TableShipments, func(event gateway.EventType, newRow, oldRow gateway.Row) {
		s.mergeChange(context.Background(), event, newRow, oldRow, fn)
	})
	if err != nil {
		return err
	}
	s.sub.replace(cancel)
	return nil
}

func (s *ShipmentSync) Unlisten() {
	s.sub.stop()
}

func (s *ShipmentSync) mergeChange(ctx context.Context, event gateway.EventType, newRow, oldRow gateway.Row, fn Callback) {
	if event == gateway.EventDelete {
		id := gateway.Str(oldRow, "id")
		if id == "" {
			id = gateway.Str(newRow, "id")
		}
		if err := s.store.Delete(ctx, localstore.CollectionShipments, id); err != nil {
			fn(models.SyncFailed(err.Error()))
			return
		}
		fn(models.SyncUpdated(1))
		return
	}

	incoming, err := shipmentFromRow(newRow)
	if err != nil {
		fn(models.SyncFailed(err.Error()))
		return
	}
	var cached models.Shipment
	if err := s.store.GetInto(ctx, localstore.CollectionShipments, incoming.ID, &cached); err == nil {
		if cached.PendingSync {
			return
		}
		if reconcile.ShallowEqual(asMap(incoming), asMap(&cached), []string{"createdAt"}) {
			return
		}
	}
	if err := s.store.Put(ctx, localstore.CollectionShipments, incoming.ID, incoming); err != nil {
		fn(models.SyncFailed(err.Error()))
		return
	}
	fn(models.SyncUpdated(1))
}

// queueHandlers replays offline shipment writes.
func (s *ShipmentSync) queueHandlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		models.OpAdd: func(ctx context.Context, e models.QueueEntry) error {
			var sh models.Shipment
			if err := json.Unmarshal(e.Payload, &sh); err != nil {
				return err
			}
			// The cached copy may carry status edits made after the create
			// was queued; it wins over the queued snapshot.
			var cached models.Shipment
			if err := s.store.GetInto(ctx, localstore.CollectionShipments, e.LocalID, &cached); err == nil {
				sh = cached
			}
			sh.PendingSync = false
			rctx, cancel := s.remoteCtx(ctx)
			row, err := s.gw.Insert(rctx, gateway.TableShipments, shipmentToRow(&sh))
			cancel()
			if err != nil {
				return err
			}
			created, err := shipmentFromRow(row)
			if err != nil {
				return err
			}
			if err := s.store.Delete(ctx, localstore.CollectionShipments, e.LocalID); err != nil {
				return err
			}
			return s.store.Put(ctx, localstore.CollectionShipments, created.ID, created)
		},
		models.OpUpdate: func(ctx context.Context, e models.QueueEntry) error {
			var sh models.Shipment
			if err := json.Unmarshal(e.Payload, &sh); err != nil {
				return err
			}
			if isLocalID(e.ItemID) {
				// The add replay already carried the latest status remote.
				return nil
			}
			rctx, cancel := s.remoteCtx(ctx)
			row, err := s.gw.Update(rctx, gateway.TableShipments, e.ItemID, gateway.Row{"status": sh.Status})
			cancel()
			if errors.Is(err, models.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			updated, err := shipmentFromRow(row)
			if err != nil {
				return err
			}
			return s.store.Put(ctx, localstore.CollectionShipments, updated.ID, updated)
		},
	}
}
