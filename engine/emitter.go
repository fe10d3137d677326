package engine

import (
	"sync"

	"github.com/smallnest/chaingraph/execution"
)

// Handler observes events of one execution.
type Handler func(executionID string, ev *execution.Event)

type envelope struct {
	executionID string
	ev          *execution.Event
}

// Emitter fans execution events out to local observers and bridge handlers
// (bus producers, stream servers). The engine writes to a single sink; one
// dispatcher goroutine copies to every handler, so handlers observe the same
// total order the context assigned. Handlers must not block for long: the
// queue between the sink and the dispatcher is bounded.
type Emitter struct {
	mu     sync.RWMutex
	byType map[execution.EventType][]Handler
	all    []Handler

	sendMu  sync.RWMutex
	closed  bool
	queue   chan envelope
	drained chan struct{}
}

// DefaultEmitterBuffer is the dispatch queue depth.
const DefaultEmitterBuffer = 256

// NewEmitter starts the dispatcher goroutine.
func NewEmitter() *Emitter {
	e := &Emitter{
		byType:  make(map[execution.EventType][]Handler),
		queue:   make(chan envelope, DefaultEmitterBuffer),
		drained: make(chan struct{}),
	}
	go e.dispatch()
	return e
}

func (e *Emitter) dispatch() {
	defer close(e.drained)
	for env := range e.queue {
		e.mu.RLock()
		typed := e.byType[env.ev.Type]
		all := e.all
		e.mu.RUnlock()
		for _, h := range typed {
			h(env.executionID, env.ev)
		}
		for _, h := range all {
			h(env.executionID, env.ev)
		}
	}
}

// On registers a handler for one event type.
func (e *Emitter) On(typ execution.EventType, h Handler) {
	e.mu.Lock()
	e.byType[typ] = append(e.byType[typ], h)
	e.mu.Unlock()
}

// OnAll registers a handler for every event.
func (e *Emitter) OnAll(h Handler) {
	e.mu.Lock()
	e.all = append(e.all, h)
	e.mu.Unlock()
}

// Sink adapts the emitter to the execution context's event sink. Enqueueing
// happens under the context's event mutex, so queue order equals index order.
func (e *Emitter) Sink() execution.EventSink {
	return func(executionID string, ev *execution.Event) {
		e.sendMu.RLock()
		defer e.sendMu.RUnlock()
		if e.closed {
			return
		}
		e.queue <- envelope{executionID: executionID, ev: ev}
	}
}

// Close stops accepting events and blocks until queued events are delivered.
// Idempotent.
func (e *Emitter) Close() {
	e.sendMu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.sendMu.Unlock()
	<-e.drained
}
