package flow

import (
	"context"
	"sync"
)

// DefaultStreamCapacity bounds the number of items buffered past the slowest
// live consumer before Send blocks the producer.
const DefaultStreamCapacity = 1024

// DefaultStreamMaxLag is the number of items a consumer may fall behind the
// head before it is evicted with ErrStreamLagged. It is kept below the
// capacity so the slowest consumer is evicted before the producer blocks.
const DefaultStreamMaxLag = 512

// MultiChannel is an ordered FIFO with multiple consumers, close semantics
// and backpressure. Items from a single producer are delivered in append
// order; items from concurrent producers interleave in arrival order.
//
// Each subscriber owns a cursor that sees the full suffix of items from its
// subscription time. A consumer whose lag exceeds the configured bound is
// evicted and observes ErrStreamLagged; other consumers are unaffected.
type MultiChannel struct {
	mu     sync.Mutex
	send   *sync.Cond // signalled when buffer space frees up
	recv   *sync.Cond // signalled on append and close
	items  []any
	base   int // absolute index of items[0]
	closed bool

	capacity int
	maxLag   int

	cursors map[int]*StreamCursor
	nextSub int
}

// NewMultiChannel creates a stream channel with the default capacity and lag bound.
func NewMultiChannel() *MultiChannel {
	return NewMultiChannelWith(DefaultStreamCapacity, DefaultStreamMaxLag)
}

// NewMultiChannelWith creates a stream channel with explicit capacity and lag
// bound. Non-positive arguments fall back to the defaults.
func NewMultiChannelWith(capacity, maxLag int) *MultiChannel {
	if capacity <= 0 {
		capacity = DefaultStreamCapacity
	}
	if maxLag <= 0 {
		maxLag = DefaultStreamMaxLag
	}
	mc := &MultiChannel{
		capacity: capacity,
		maxLag:   maxLag,
		cursors:  make(map[int]*StreamCursor),
	}
	mc.send = sync.NewCond(&mc.mu)
	mc.recv = sync.NewCond(&mc.mu)
	return mc
}

// StreamCursor delivers items to one subscriber in arrival order.
type StreamCursor struct {
	mc     *MultiChannel
	id     int
	pos    int // absolute index of the next item to deliver
	lagged bool
}

// Send appends an item. It blocks while the buffer past the slowest live
// consumer is full, evicting consumers that exceed the lag bound first.
// Returns ErrStreamClosed after Close.
func (mc *MultiChannel) Send(ctx context.Context, item any) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for {
		if mc.closed {
			return ErrStreamClosed
		}
		mc.evictLaggedLocked()
		if mc.buffered() < mc.capacity {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// Wake up periodically so context cancellation is observed even
		// without another signal.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				mc.mu.Lock()
				mc.send.Broadcast()
				mc.mu.Unlock()
			case <-done:
			}
		}()
		mc.send.Wait()
		close(done)
	}

	mc.items = append(mc.items, item)
	mc.recv.Broadcast()
	return nil
}

// Close marks the channel closed. Idempotent; pending cursors drain the
// remaining items and then observe ErrStreamDone.
func (mc *MultiChannel) Close() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.closed {
		return
	}
	mc.closed = true
	mc.recv.Broadcast()
	mc.send.Broadcast()
}

// Closed reports whether Close has been called.
func (mc *MultiChannel) Closed() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.closed
}

// Len returns the number of items currently buffered.
func (mc *MultiChannel) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.items)
}

// Subscribe registers a consumer starting at the current head.
func (mc *MultiChannel) Subscribe() *StreamCursor {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	c := &StreamCursor{
		mc:  mc,
		id:  mc.nextSub,
		pos: mc.base + len(mc.items),
	}
	mc.nextSub++
	mc.cursors[c.id] = c
	return c
}

// Next blocks until an item is available and returns it. It returns
// ErrStreamDone once the channel is closed and drained, ErrStreamLagged if
// this consumer was evicted, or the context error on cancellation.
func (c *StreamCursor) Next(ctx context.Context) (any, error) {
	mc := c.mc
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for {
		if c.lagged {
			return nil, ErrStreamLagged
		}
		if c.pos < mc.base+len(mc.items) {
			item := mc.items[c.pos-mc.base]
			c.pos++
			mc.trimLocked()
			mc.send.Broadcast()
			return item, nil
		}
		if mc.closed {
			return nil, ErrStreamDone
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				mc.mu.Lock()
				mc.recv.Broadcast()
				mc.mu.Unlock()
			case <-done:
			}
		}()
		mc.recv.Wait()
		close(done)
	}
}

// Cancel removes the consumer so it no longer holds back trimming.
func (c *StreamCursor) Cancel() {
	mc := c.mc
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.cursors, c.id)
	mc.trimLocked()
	mc.send.Broadcast()
}

// buffered returns how many items sit past the slowest live consumer.
// Callers must hold mu.
func (mc *MultiChannel) buffered() int {
	head := mc.base + len(mc.items)
	slowest := head
	for _, c := range mc.cursors {
		if !c.lagged && c.pos < slowest {
			slowest = c.pos
		}
	}
	return head - slowest
}

// evictLaggedLocked marks consumers past the lag bound as lagged so they stop
// holding back the producer. Callers must hold mu.
func (mc *MultiChannel) evictLaggedLocked() {
	head := mc.base + len(mc.items)
	for _, c := range mc.cursors {
		if !c.lagged && head-c.pos > mc.maxLag {
			c.lagged = true
			delete(mc.cursors, c.id)
		}
	}
	mc.trimLocked()
}

// trimLocked drops items every live consumer has passed. Callers must hold mu.
func (mc *MultiChannel) trimLocked() {
	slowest := mc.base + len(mc.items)
	for _, c := range mc.cursors {
		if !c.lagged && c.pos < slowest {
			slowest = c.pos
		}
	}
	if n := slowest - mc.base; n > 0 {
		mc.items = mc.items[n:]
		mc.base = slowest
	}
}
