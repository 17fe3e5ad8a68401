package models

// SyncEventKind discriminates SyncEvent variants.
type SyncEventKind int

const (
	SyncEventUpdated SyncEventKind = iota
	SyncEventFailed
)

// SyncEvent is the tagged result delivered to subscription callbacks, in
// place of duck-typed payload shapes.
type SyncEvent struct {
	Kind   SyncEventKind
	Count  int    // records merged into the cache (Updated)
	Reason string // failure detail (Failed)
}

func SyncUpdated(count int) SyncEvent {
	return SyncEvent{Kind: SyncEventUpdated, Count: count}
}

func SyncFailed(reason string) SyncEvent {
	return SyncEvent{Kind: SyncEventFailed, Reason: reason}
}
