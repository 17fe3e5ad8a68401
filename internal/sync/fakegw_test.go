package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"waresync/internal/gateway"
	"waresync/internal/models"
)

// fakeGateway is an in-memory RemoteGateway. It deliberately does not
// implement gateway.AtomicStockOps, so stock movements exercise the
// sequential fallback path.
type fakeGateway struct {
	mu      gosync.Mutex
	tables  map[string][]gateway.Row
	subs    map[string][]*fakeSub
	nextID  int
	offline bool

	// failInsertInto makes the next Insert into the named table fail once,
	// for partial-failure scenarios.
	failInsertInto string
}

type fakeSub struct {
	fn     gateway.ChangeHandler
	closed bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		tables: map[string][]gateway.Row{},
		subs:   map[string][]*fakeSub{},
	}
}

func (f *fakeGateway) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeGateway) unreachable() error {
	return fmt.Errorf("%w: fake backend down", models.ErrUnavailable)
}

func (f *fakeGateway) Query(ctx context.Context, table string, filters []gateway.Filter, opts gateway.QueryOptions) ([]gateway.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, f.unreachable()
	}
	var out []gateway.Row
	for _, row := range f.tables[table] {
		if matches(row, filters) {
			out = append(out, cloneRow(row))
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			out = nil
		} else {
			out = out[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *fakeGateway) Insert(ctx context.Context, table string, row gateway.Row) (gateway.Row, error) {
	f.mu.Lock()
	if f.offline {
		f.mu.Unlock()
		return nil, f.unreachable()
	}
	if f.failInsertInto == table {
		f.failInsertInto = ""
		f.mu.Unlock()
		return nil, f.unreachable()
	}
	f.nextID++
	stored := cloneRow(row)
	stored["id"] = fmt.Sprintf("r%d", f.nextID)
	f.tables[table] = append(f.tables[table], stored)
	subs := append([]*fakeSub(nil), f.subs[table]...)
	f.mu.Unlock()

	for _, sub := range subs {
		if !sub.closed {
			sub.fn(gateway.EventInsert, cloneRow(stored), nil)
		}
	}
	return cloneRow(stored), nil
}

func (f *fakeGateway) InsertMany(ctx context.Context, table string, rows []gateway.Row) ([]gateway.Row, error) {
	out := make([]gateway.Row, 0, len(rows))
	for _, row := range rows {
		stored, err := f.Insert(ctx, table, row)
		if err != nil {
			return out, err
		}
		out = append(out, stored)
	}
	return out, nil
}

func (f *fakeGateway) Update(ctx context.Context, table string, key string, partial gateway.Row) (gateway.Row, error) {
	f.mu.Lock()
	if f.offline {
		f.mu.Unlock()
		return nil, f.unreachable()
	}
	for _, row := range f.tables[table] {
		if row["id"] == key {
			old := cloneRow(row)
			for k, v := range partial {
				row[k] = v
			}
			updated := cloneRow(row)
			subs := append([]*fakeSub(nil), f.subs[table]...)
			f.mu.Unlock()
			for _, sub := range subs {
				if !sub.closed {
					sub.fn(gateway.EventUpdate, cloneRow(updated), old)
				}
			}
			return updated, nil
		}
	}
	f.mu.Unlock()
	return nil, fmt.Errorf("%w: %s/%s", models.ErrNotFound, table, key)
}

func (f *fakeGateway) Delete(ctx context.Context, table string, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return f.unreachable()
	}
	rows := f.tables[table]
	for i, row := range rows {
		if row["id"] == key {
			f.tables[table] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", models.ErrNotFound, table, key)
}

func (f *fakeGateway) Subscribe(ctx context.Context, table string, fn gateway.ChangeHandler) (gateway.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, f.unreachable()
	}
	sub := &fakeSub{fn: fn}
	f.subs[table] = append(f.subs[table], sub)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		sub.closed = true
	}, nil
}

func (f *fakeGateway) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return f.unreachable()
	}
	return nil
}

// activeSubs counts attached, not-yet-detached subscriptions for a table.
func (f *fakeGateway) activeSubs(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sub := range f.subs[table] {
		if !sub.closed {
			n++
		}
	}
	return n
}

// rowCount reports stored rows, optionally matching filters.
func (f *fakeGateway) rowCount(table string, filters ...gateway.Filter) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, row := range f.tables[table] {
		if matches(row, filters) {
			n++
		}
	}
	return n
}

// findRow returns the first stored row matching the filters, or nil.
func (f *fakeGateway) findRow(table string, filters ...gateway.Filter) gateway.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.tables[table] {
		if matches(row, filters) {
			return cloneRow(row)
		}
	}
	return nil
}

// emit pushes a change event, standing in for another client's write.
func (f *fakeGateway) emit(table string, event gateway.EventType, newRow, oldRow gateway.Row) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs[table]...)
	f.mu.Unlock()
	for _, sub := range subs {
		if !sub.closed {
			sub.fn(event, newRow, oldRow)
		}
	}
}

func matches(row gateway.Row, filters []gateway.Filter) bool {
	for _, f := range filters {
		if fmt.Sprint(row[f.Field]) != fmt.Sprint(f.Value) {
			return false
		}
	}
	return true
}

func cloneRow(row gateway.Row) gateway.Row {
	out := make(gateway.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
