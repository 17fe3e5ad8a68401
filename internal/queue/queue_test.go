package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"waresync/internal/localstore"
	"waresync/internal/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "cache.db"), localstore.SchemaVersion,
		localstore.Collections(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, zap.NewNop())
}

func entry(store, op string, ts time.Time, payload any) models.QueueEntry {
	raw, _ := json.Marshal(payload)
	return models.QueueEntry{Store: store, Op: op, Payload: raw, Timestamp: ts}
}

func TestDrainAppliesInTimestampOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	base := time.Now().UTC()
	// Enqueue out of order; replay must follow timestamps, not insertion.
	require.NoError(t, q.Enqueue(ctx, entry("products", models.OpUpdate, base.Add(2*time.Second), map[string]string{"name": "second"})))
	require.NoError(t, q.Enqueue(ctx, entry("products", models.OpUpdate, base, map[string]string{"name": "first"})))
	require.NoError(t, q.Enqueue(ctx, entry("products", models.OpUpdate, base.Add(time.Second), map[string]string{"name": "middle"})))

	var applied []string
	handlers := Handlers{
		"products": {
			models.OpUpdate: func(_ context.Context, e models.QueueEntry) error {
				var p map[string]string
				require.NoError(t, json.Unmarshal(e.Payload, &p))
				applied = append(applied, p["name"])
				return nil
			},
		},
	}

	result, err := q.Drain(ctx, handlers)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Applied)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, []string{"first", "middle", "second"}, applied)
}

func TestDrainRetainsFailedEntries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, q.Enqueue(ctx, entry("products", models.OpAdd, base, map[string]string{"k": "bad"})))
	require.NoError(t, q.Enqueue(ctx, entry("shipments", models.OpAdd, base.Add(time.Second), map[string]string{"k": "good"})))

	handlers := Handlers{
		"products":  {models.OpAdd: func(context.Context, models.QueueEntry) error { return errors.New("remote refused") }},
		"shipments": {models.OpAdd: func(context.Context, models.QueueEntry) error { return nil }},
	}

	result, err := q.Drain(ctx, handlers)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Remaining, "failing entry stays for the next drain")

	// Next drain retries the retained entry.
	handlers["products"][models.OpAdd] = func(context.Context, models.QueueEntry) error { return nil }
	result, err = q.Drain(ctx, handlers)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 0, result.Remaining)
}

func TestDrainGuardsReentry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, entry("products", models.OpAdd, time.Now().UTC(), nil)))

	var nested DrainResult
	handlers := Handlers{
		"products": {
			models.OpAdd: func(ctx context.Context, _ models.QueueEntry) error {
				// A drain triggered while one is running must be a no-op.
				var err error
				nested, err = q.Drain(ctx, nil)
				require.NoError(t, err)
				return nil
			},
		},
	}

	result, err := q.Drain(ctx, handlers)
	require.NoError(t, err)
	assert.True(t, nested.Skipped)
	assert.Equal(t, 1, result.Applied)
}

func TestDrainWithoutHandlerKeepsEntry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, entry("transactions", models.OpTransfer, time.Now().UTC(), nil)))

	result, err := q.Drain(ctx, Handlers{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Remaining)
}
