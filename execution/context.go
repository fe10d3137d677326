package execution

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoSpawner is returned by StartChild when the execution has no child
// spawner wired (a standalone engine run outside a worker).
var ErrNoSpawner = errors.New("execution: child spawner not configured")

// EventSink receives every event of an execution, in index order.
type EventSink func(executionID string, ev *Event)

// ChildSpawner schedules a child execution of the given flow and returns the
// child execution id. Workers wire this to the control plane.
type ChildSpawner func(ctx context.Context, parentID, flowID string) (string, error)

// Options bound an execution's resource usage.
type Options struct {
	// MaxConcurrency caps simultaneously running nodes. Zero means unbounded.
	MaxConcurrency int
	// NodeTimeout bounds a single node execution. Zero disables the bound.
	NodeTimeout time.Duration
	// FlowTimeout bounds the whole execution. Zero disables the bound.
	FlowTimeout time.Duration
}

// Config assembles a Context.
type Config struct {
	ID           string // generated when empty
	FlowID       string
	ParentID     string
	Depth        int
	Options      Options
	Sink         EventSink
	Spawner      ChildSpawner
	Integrations map[string]any
	// SecretKey is an existing PKCS #8 DER private key; generated when nil.
	SecretKey []byte
}

// Context carries the per-execution runtime state shared by the engine, the
// debugger and node environments. All methods are safe for concurrent use.
type Context struct {
	id       string
	flowID   string
	parentID string
	depth    int
	opts     Options
	started  time.Time

	evMu  sync.Mutex
	index int64
	done  bool
	sink  EventSink

	cancelOnce sync.Once
	cancelled  chan struct{}
	cancelErr  error

	integrations map[string]any
	secretKey    []byte
	spawner      ChildSpawner
}

// NewContext builds an execution context. A fresh ephemeral ECDH P-256 key is
// generated unless Config.SecretKey supplies one.
func NewContext(cfg Config) (*Context, error) {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	key := cfg.SecretKey
	if key == nil {
		priv, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate secret key: %w", err)
		}
		key, err = x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("encode secret key: %w", err)
		}
	}
	return &Context{
		id:           id,
		flowID:       cfg.FlowID,
		parentID:     cfg.ParentID,
		depth:        cfg.Depth,
		opts:         cfg.Options,
		started:      time.Now(),
		sink:         cfg.Sink,
		cancelled:    make(chan struct{}),
		integrations: cfg.Integrations,
		secretKey:    key,
		spawner:      cfg.Spawner,
	}, nil
}

// ID returns the execution id.
func (c *Context) ID() string { return c.id }

// FlowID returns the id of the flow being executed.
func (c *Context) FlowID() string { return c.flowID }

// ParentID returns the parent execution id, empty for root executions.
func (c *Context) ParentID() string { return c.parentID }

// Depth returns the nesting depth, 0 for root executions.
func (c *Context) Depth() int { return c.depth }

// Options returns the execution's resource bounds.
func (c *Context) Options() Options { return c.opts }

// StartTime returns when the context was created.
func (c *Context) StartTime() time.Time { return c.started }

// SendEvent stamps the partial event with the next dense index and the current
// time, then hands it to the sink. Index assignment and sink delivery happen
// under one mutex, so subscribers observe a single total order per execution.
// Events after the terminal one are dropped and reported with index -1.
func (c *Context) SendEvent(typ EventType, data map[string]any) int64 {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.done {
		return -1
	}
	ev := &Event{
		Index:     c.index,
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	}
	c.index++
	if typ.Terminal() {
		c.done = true
	}
	if c.sink != nil {
		c.sink(c.id, ev)
	}
	return ev.Index
}

// EventCount returns how many events have been emitted so far.
func (c *Context) EventCount() int64 {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	return c.index
}

// Terminated reports whether the terminal event has been emitted.
func (c *Context) Terminated() bool {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	return c.done
}

// Cancel requests cooperative cancellation. The first call wins; later calls
// are no-ops.
func (c *Context) Cancel(reason error) {
	c.cancelOnce.Do(func() {
		c.cancelErr = reason
		close(c.cancelled)
	})
}

// IsCancelled reports whether cancellation was requested.
func (c *Context) IsCancelled() bool {
	select {
	case <-c.cancelled:
		return true
	default:
		return false
	}
}

// Cancelled returns a channel closed once cancellation is requested.
func (c *Context) Cancelled() <-chan struct{} { return c.cancelled }

// CancelCause returns the reason passed to Cancel, nil before cancellation.
func (c *Context) CancelCause() error {
	if !c.IsCancelled() {
		return nil
	}
	return c.cancelErr
}

// Integration returns a named external collaborator injected at creation.
func (c *Context) Integration(name string) (any, bool) {
	v, ok := c.integrations[name]
	return v, ok
}

// SecretKey returns the ephemeral private key for secret port decryption in
// PKCS #8 DER form.
func (c *Context) SecretKey() []byte { return c.secretKey }

// StartChild schedules a child execution of the given flow.
func (c *Context) StartChild(ctx context.Context, flowID string) (string, error) {
	if c.spawner == nil {
		return "", ErrNoSpawner
	}
	return c.spawner(ctx, c.id, flowID)
}
