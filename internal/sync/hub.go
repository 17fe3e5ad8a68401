package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"waresync/internal/connectivity"
	"waresync/internal/gateway"
	"waresync/internal/localstore"
	"waresync/internal/models"
	"waresync/internal/queue"
)

// Options tunes a Hub. Zero values pick the defaults.
type Options struct {
	// RemoteTimeout bounds every remote gateway call. Default 10s.
	RemoteTimeout time.Duration
	// NegativeStock governs optimistic offline decrements against the
	// cached aggregates. Default is to reject.
	NegativeStock models.NegativeStockPolicy
}

// Hub owns one instance of every entity sync service plus their shared
// wiring. It replaces module-level sync state: subscriptions, queue handler
// registration, and drain triggering all hang off an explicit Hub owned by
// the application shell.
type Hub struct {
	Products     *ProductSync
	Inventory    *InventorySync
	Transactions *TransactionSync
	Shipments    *ShipmentSync

	store    *localstore.Store
	queue    *queue.Queue
	monitor  *connectivity.Monitor
	handlers queue.Handlers
	log      *zap.Logger
}

func NewHub(store *localstore.Store, gw gateway.RemoteGateway, q *queue.Queue,
	monitor *connectivity.Monitor, log *zap.Logger, opts Options) *Hub {

	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 10 * time.Second
	}

	h := &Hub{
		store:   store,
		queue:   q,
		monitor: monitor,
		log:     log,
	}

	d := deps{
		store:   store,
		gw:      gw,
		queue:   q,
		monitor: monitor,
		log:     log,
		timeout: opts.RemoteTimeout,
	}
	// A successful online write is the cheapest moment to flush whatever is
	// still queued from an earlier offline window.
	d.afterOnlineWrite = func() {
		go h.drainQuietly()
	}

	h.Products = NewProductSync(d)
	h.Inventory = NewInventorySync(d, opts.NegativeStock)
	h.Transactions = NewTransactionSync(d, h.Inventory)
	h.Shipments = NewShipmentSync(d)

	h.handlers = queue.Handlers{
		localstore.CollectionProducts:     h.Products.queueHandlers(),
		localstore.CollectionTransactions: h.Transactions.queueHandlers(),
		localstore.CollectionShipments:    h.Shipments.queueHandlers(),
	}

	monitor.NotifyOnline(func() {
		go h.drainQuietly()
	})
	return h
}

// Drain replays the offline queue through the registered handlers.
func (h *Hub) Drain(ctx context.Context) (queue.DrainResult, error) {
	return h.queue.Drain(ctx, h.handlers)
}

func (h *Hub) drainQuietly() {
	res, err := h.Drain(context.Background())
	if err != nil {
		h.log.Warn("background drain failed", zap.Error(err))
		return
	}
	if res.Applied > 0 || res.Failed > 0 {
		h.log.Info("background drain finished",
			zap.Int("applied", res.Applied),
			zap.Int("failed", res.Failed),
			zap.Int("remaining", res.Remaining))
	}
}

// PendingWrites reports how many offline mutations are still queued.
func (h *Hub) PendingWrites(ctx context.Context) (int, error) {
	return h.queue.Len(ctx)
}

// Online reports current connectivity as seen by the monitor.
func (h *Hub) Online() bool {
	return h.monitor.Online()
}

// Close detaches every subscription. The local store is owned by the caller
// and stays open.
func (h *Hub) Close() {
	h.Products.Unlisten()
	h.Inventory.Unlisten()
	h.Transactions.Unlisten()
	h.Shipments.Unlisten()
}
