// Package sync holds the entity sync services: cache-first reads,
// remote-or-queued writes, and change-feed-to-cache merging for each entity
// family. All cross-call state (subscription handles, cursors, connectivity)
// lives on service instances owned by the Hub, never in package globals.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"waresync/internal/connectivity"
	"waresync/internal/gateway"
	"waresync/internal/localstore"
	"waresync/internal/models"
	"waresync/internal/queue"
)

const localIDPrefix = "local-"

func newLocalID() string {
	return localIDPrefix + uuid.NewString()
}

func isLocalID(id string) bool {
	return len(id) > len(localIDPrefix) && id[:len(localIDPrefix)] == localIDPrefix
}

// deps is the shared wiring every entity service carries.
type deps struct {
	store   *localstore.Store
	gw      gateway.RemoteGateway
	queue   *queue.Queue
	monitor *connectivity.Monitor
	log     *zap.Logger
	timeout time.Duration

	// afterOnlineWrite nudges a queue drain after a successful remote write.
	afterOnlineWrite func()
}

// remoteCtx bounds a remote call; a hung backend must not hang the caller.
func (d *deps) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

func (d *deps) online() bool {
	return d.monitor.Online()
}

// wentOffline inspects a remote error; connectivity failures flip the monitor
// and send the caller down the offline path instead of failing the write.
func (d *deps) wentOffline(err error) bool {
	if errors.Is(err, models.ErrUnavailable) {
		d.monitor.SetOnline(false)
		return true
	}
	return false
}

func (d *deps) wroteOnline() {
	if d.afterOnlineWrite != nil {
		d.afterOnlineWrite()
	}
}

// asMap renders a local record as a flat map for shallow comparison.
func asMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// subscription enforces one active change-feed listener per entity type;
// attaching a new one detaches the previous.
type subscription struct {
	mu     gosync.Mutex
	cancel gateway.Unsubscribe
}

func (s *subscription) replace(cancel gateway.Unsubscribe) {
	s.mu.Lock()
	prev := s.cancel
	s.cancel = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (s *subscription) stop() {
	s.replace(nil)
}

// Callback receives subscription merge results.
type Callback func(models.SyncEvent)

// Page is one cursor-emulated page out of a cached list scan.
type Page[T any] struct {
	Items   []T
	HasMore bool
}

// paginate is the advance-and-collect scan shared by every list read: skip
// offset matches, collect up to limit, and probe one further match to decide
// HasMore.
func paginate[T any](items []T, offset, limit int) Page[T] {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var page Page[T]
	skipped := 0
	for _, item := range items {
		if skipped < offset {
			skipped++
			continue
		}
		if len(page.Items) == limit {
			page.HasMore = true
			break
		}
		page.Items = append(page.Items, item)
	}
	return page
}

func decodeAll[T any](docs []json.RawMessage, log *zap.Logger, what string) []T {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var item T
		if err := json.Unmarshal(doc, &item); err != nil {
			log.Warn("cache: skipping undecodable record", zap.String("collection", what), zap.Error(err))
			continue
		}
		out = append(out, item)
	}
	return out
}
