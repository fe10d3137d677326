package bus

import (
	"container/list"
	"sync"
)

// seenLRU is a bounded set with LRU eviction, used to drop duplicate command
// ids per partition.
type seenLRU struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

func newSeenLRU(capacity int) *seenLRU {
	return &seenLRU{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

// Contains reports whether the key is present, refreshing its recency.
func (l *seenLRU) Contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.items[key]
	if ok {
		l.order.MoveToFront(el)
	}
	return ok
}

// Add records the key, evicting the oldest beyond capacity. Callers add a key
// only once its handler succeeded, so failed deliveries stay retryable.
func (l *seenLRU) Add(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[key]; ok {
		l.order.MoveToFront(el)
		return
	}
	l.items[key] = l.order.PushFront(key)
	for l.order.Len() > l.cap {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.items, oldest.Value.(string))
	}
}

// EventDeduper drops replayed events. Delivery is at-least-once and in order
// per execution, so remembering the highest index seen per execution is
// enough; the execution set itself is LRU-bounded.
type EventDeduper struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	last  map[string]*dedupeEntry
}

type dedupeEntry struct {
	el    *list.Element
	index int64
}

// NewEventDeduper creates a deduper tracking up to capacity executions.
func NewEventDeduper(capacity int) *EventDeduper {
	return &EventDeduper{
		cap:   capacity,
		order: list.New(),
		last:  make(map[string]*dedupeEntry, capacity),
	}
}

// Seen reports whether (executionID, index) was already delivered.
func (d *EventDeduper) Seen(executionID string, index int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.last[executionID]
	if !ok {
		return false
	}
	d.order.MoveToFront(e.el)
	return index <= e.index
}

// Mark records a delivered (executionID, index) pair. Events arrive in index
// order per execution, so the highest index doubles as the full history.
func (d *EventDeduper) Mark(executionID string, index int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.last[executionID]; ok {
		d.order.MoveToFront(e.el)
		if index > e.index {
			e.index = index
		}
		return
	}
	d.last[executionID] = &dedupeEntry{el: d.order.PushFront(executionID), index: index}
	for d.order.Len() > d.cap {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.last, oldest.Value.(string))
	}
}
