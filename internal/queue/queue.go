// Package queue is the durable offline mutation log. Writes made while the
// remote store is unreachable land here and are replayed, oldest first, once
// connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"waresync/internal/localstore"
	"waresync/internal/models"
)

// Handler replays one queued entry against the remote store. A nil return
// deletes the entry; an error keeps it for the next drain.
type Handler func(ctx context.Context, entry models.QueueEntry) error

// Handlers maps (store name, operation) pairs to replay handlers.
type Handlers map[string]map[string]Handler

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Applied   int
	Failed    int
	Remaining int
	Skipped   bool // another drain was already running
}

type Queue struct {
	store *localstore.Store
	log   *zap.Logger

	mu       sync.Mutex
	draining bool
}

func New(store *localstore.Store, log *zap.Logger) *Queue {
	return &Queue{store: store, log: log}
}

// Enqueue appends a pending write. The entry id embeds the enqueue timestamp
// so key order matches replay order.
func (q *Queue) Enqueue(ctx context.Context, entry models.QueueEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("%020d-%s", entry.Timestamp.UnixNano(), uuid.NewString()[:8])
	}
	if err := q.store.Add(ctx, localstore.CollectionQueue, entry.ID, entry); err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", entry.Store, entry.Op, err)
	}
	q.log.Debug("queued offline write",
		zap.String("store", entry.Store), zap.String("op", entry.Op), zap.String("id", entry.ID))
	return nil
}

// Len reports the number of pending entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.Count(ctx, localstore.CollectionQueue)
}

// Drain replays all pending entries in timestamp order. Entries whose handler
// succeeds are deleted; failures are logged and retained for the next drain —
// a failing entry does not block the rest. Only one drain runs at a time; a
// concurrent call returns immediately with Skipped set.
func (q *Queue) Drain(ctx context.Context, handlers Handlers) (DrainResult, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainResult{Skipped: true}, nil
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	docs, err := q.store.GetAll(ctx, localstore.CollectionQueue)
	if err != nil {
		return DrainResult{}, fmt.Errorf("load queue: %w", err)
	}

	entries := make([]models.QueueEntry, 0, len(docs))
	for _, doc := range docs {
		var entry models.QueueEntry
		if err := json.Unmarshal(doc, &entry); err != nil {
			q.log.Warn("queue: dropping undecodable entry", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	var result DrainResult
	for _, entry := range entries {
		handler := handlers[entry.Store][entry.Op]
		if handler == nil {
			q.log.Warn("queue: no handler registered",
				zap.String("store", entry.Store), zap.String("op", entry.Op))
			result.Failed++
			continue
		}
		if err := handler(ctx, entry); err != nil {
			q.log.Warn("queue: replay failed, entry retained",
				zap.String("store", entry.Store), zap.String("op", entry.Op),
				zap.String("id", entry.ID), zap.Error(err))
			result.Failed++
			continue
		}
		if err := q.store.Delete(ctx, localstore.CollectionQueue, entry.ID); err != nil {
			q.log.Error("queue: applied entry could not be deleted",
				zap.String("id", entry.ID), zap.Error(err))
			result.Failed++
			continue
		}
		result.Applied++
	}

	result.Remaining, err = q.Len(ctx)
	if err != nil {
		return result, err
	}
	if result.Applied > 0 || result.Failed > 0 {
		q.log.Info("queue drained",
			zap.Int("applied", result.Applied), zap.Int("failed", result.Failed),
			zap.Int("remaining", result.Remaining))
	}
	return result, nil
}
