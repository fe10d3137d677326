package streamsvc

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/smallnest/chaingraph/execution"
	"github.com/smallnest/chaingraph/log"
)

// Frame types exchanged over the wire.
const (
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
	FramePing         = "ping"
	FrameConnected    = "connected"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameEvent        = "event"
	FramePong         = "pong"
	FrameError        = "error"
)

// Frame is one protocol message, client or server originated.
type Frame struct {
	Type        string           `json:"type"`
	ClientID    string           `json:"clientId,omitempty"`
	ExecutionID string           `json:"executionId,omitempty"`
	Event       *execution.Event `json:"event,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Defaults for connection tuning.
const (
	DefaultSendBuffer  = 64
	DefaultIdleTimeout = 60 * time.Second
)

// ServerOptions configures the stream server.
type ServerOptions struct {
	// SendBuffer is the per-connection outgoing frame queue; a full queue
	// marks the consumer slow and closes the connection.
	SendBuffer int
	// IdleTimeout closes connections with no inbound frames.
	IdleTimeout time.Duration
	Logger      log.Logger
}

// Server fans execution events out to WebSocket subscribers. It implements
// http.Handler for the configured path and consumes the event topic through
// Dispatch, which never blocks on a slow connection.
type Server struct {
	logger   log.Logger
	upgrader websocket.Upgrader
	buffer   int
	idle     time.Duration

	mu          sync.RWMutex
	byExecution map[string]map[*client]struct{}
	byClient    map[*client]map[string]struct{}
	closed      bool
}

// NewServer creates a stream server.
func NewServer(opts ServerOptions) *Server {
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Server{
		logger:      logger,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		buffer:      buffer,
		idle:        idle,
		byExecution: make(map[string]map[*client]struct{}),
		byClient:    make(map[*client]map[string]struct{}),
	}
}

type client struct {
	id   string
	ws   *websocket.Conn
	send chan *Frame
	// final carries at most one closing frame; the writer drains it, writes
	// and tears the connection down.
	final chan *Frame
	once  sync.Once
}

// ServeHTTP upgrades the connection and runs the read loop until the client
// disconnects or idles out.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade: %v", err)
		return
	}
	c := &client{
		id:    uuid.NewString(),
		ws:    ws,
		send:  make(chan *Frame, s.buffer),
		final: make(chan *Frame, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.byClient[c] = make(map[string]struct{})
	s.mu.Unlock()

	go s.writeLoop(c)
	c.send <- &Frame{Type: FrameConnected, ClientID: c.id}
	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer s.drop(c, nil)
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(s.idle))
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case FrameSubscribe:
			s.subscribe(c, f.ExecutionID)
			s.enqueue(c, &Frame{Type: FrameSubscribed, ExecutionID: f.ExecutionID})
			if f.ExecutionID != "" {
				// Delivered to this subscriber only; index -1 keeps it outside
				// the execution's dense worker-emitted log.
				s.enqueue(c, &Frame{Type: FrameEvent, ExecutionID: f.ExecutionID, Event: &execution.Event{
					Index:     -1,
					Type:      execution.FlowSubscribed,
					Timestamp: time.Now(),
					Data:      map[string]any{"executionId": f.ExecutionID},
				}})
			}
		case FrameUnsubscribe:
			s.unsubscribe(c, f.ExecutionID)
			s.enqueue(c, &Frame{Type: FrameUnsubscribed, ExecutionID: f.ExecutionID})
		case FramePing:
			s.enqueue(c, &Frame{Type: FramePong})
		default:
			s.enqueue(c, &Frame{Type: FrameError, Error: "unknown frame type: " + f.Type})
		}
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case f := <-c.send:
			if err := c.ws.WriteJSON(f); err != nil {
				s.drop(c, nil)
				_ = c.ws.Close()
				return
			}
		case f := <-c.final:
			if f != nil {
				_ = c.ws.WriteJSON(f)
			}
			_ = c.ws.Close()
			return
		}
	}
}

// enqueue queues a frame, closing the connection when the consumer cannot
// keep up. It never blocks the caller.
func (s *Server) enqueue(c *client, f *Frame) {
	select {
	case c.send <- f:
	default:
		s.logger.Warn("closing slow consumer %s", c.id)
		s.drop(c, &Frame{Type: FrameError, Error: "slow consumer"})
	}
}

// drop removes the client from both registries and hands the writer its
// closing frame. Safe to call multiple times.
func (s *Server) drop(c *client, final *Frame) {
	s.mu.Lock()
	if subs, ok := s.byClient[c]; ok {
		for execID := range subs {
			delete(s.byExecution[execID], c)
			if len(s.byExecution[execID]) == 0 {
				delete(s.byExecution, execID)
			}
		}
		delete(s.byClient, c)
	}
	s.mu.Unlock()
	c.once.Do(func() { c.final <- final })
}

func (s *Server) subscribe(c *client, executionID string) {
	if executionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byClient[c]; !ok {
		return
	}
	s.byClient[c][executionID] = struct{}{}
	if s.byExecution[executionID] == nil {
		s.byExecution[executionID] = make(map[*client]struct{})
	}
	s.byExecution[executionID][c] = struct{}{}
}

func (s *Server) unsubscribe(c *client, executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byClient[c], executionID)
	if set, ok := s.byExecution[executionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.byExecution, executionID)
		}
	}
}

// Dispatch fans one event out to the execution's subscribers. Slow consumers
// are closed rather than blocking the event topic.
func (s *Server) Dispatch(executionID string, ev *execution.Event) {
	s.mu.RLock()
	set := s.byExecution[executionID]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	frame := &Frame{Type: FrameEvent, ExecutionID: executionID, Event: ev}
	for _, c := range targets {
		s.enqueue(c, frame)
	}
}

// SubscriberCount reports the live subscriber count for an execution.
func (s *Server) SubscriberCount(executionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byExecution[executionID])
}

// Close disconnects every client and rejects newcomers.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.byClient))
	for c := range s.byClient {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.drop(c, nil)
	}
}
