// Package gateway exposes the runtime host and the agency coordinator over
// WebSocket. Each connection may run several chat streams and agency runs at
// once; frames are tagged with the handle id chosen at start. Closing the
// connection cancels everything it started.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hupe1980/agencyhost/agency"
	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/logging"
	"github.com/hupe1980/agencyhost/runtime"
)

// AgencyStarter starts agency runs. *agency.Coordinator implements it.
type AgencyStarter interface {
	StartAgency(req agency.Request, h agency.Handlers) (*agency.Run, error)
}

var _ AgencyStarter = (*agency.Coordinator)(nil)

// Options configures a Handler.
type Options struct {
	// Streamer serves chat messages. Required.
	Streamer agency.Streamer
	// Agencies serves agency messages. Agency messages are rejected when nil.
	Agencies AgencyStarter
	// Observe receives every forwarded chunk with its conversation id, e.g.
	// to feed a session store or telemetry.
	Observe func(conversationID string, c core.Chunk)
	// ObserveError receives stream failures.
	ObserveError func(conversationID, streamID string, err error)
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin  func(r *http.Request) bool
	WriteTimeout time.Duration
	Logger       logging.Logger
}

// Handler is an http.Handler upgrading requests to WebSocket sessions.
type Handler struct {
	opts     Options
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// New creates a Handler.
func New(optFns ...func(o *Options)) (*Handler, error) {
	opts := Options{WriteTimeout: 10 * time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Streamer == nil {
		return nil, errors.New("gateway: streamer is required")
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		opts:     opts,
		logger:   logging.OrNoOp(opts.Logger),
		upgrader: websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	c := &conn{h: h, ws: ws, handles: make(map[string]*handle)}
	h.logger.Debug("Client connected", "remote", r.RemoteAddr)
	c.serve()
	h.logger.Debug("Client disconnected", "remote", r.RemoteAddr)
}

type handle struct {
	mu     sync.Mutex
	cancel func()
}

func (hd *handle) stop() {
	hd.mu.Lock()
	cancel := hd.cancel
	hd.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

type conn struct {
	h  *Handler
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

func (c *conn) serve() {
	defer c.shutdown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", core.CodeStream, fmt.Errorf("decode message: %w", err))
			continue
		}
		switch msg.Type {
		case TypeChat:
			c.startChat(msg)
		case TypeAgency:
			c.startAgency(msg)
		case TypeCancel:
			c.cancel(msg.StreamID)
		default:
			c.sendError(msg.ID, core.CodeStream, fmt.Errorf("unknown message type %q", msg.Type))
		}
	}
}

// shutdown cancels every handle of the connection and closes the socket.
func (c *conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	handles := make([]*handle, 0, len(c.handles))
	for _, hd := range c.handles {
		handles = append(handles, hd)
	}
	c.handles = map[string]*handle{}
	c.mu.Unlock()

	for _, hd := range handles {
		hd.stop()
	}
	_ = c.ws.Close()
}

func (c *conn) register(id string) (*handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("connection closed")
	}
	if _, exists := c.handles[id]; exists {
		return nil, fmt.Errorf("handle %s already active", id)
	}
	hd := &handle{}
	c.handles[id] = hd
	return hd, nil
}

func (c *conn) release(id string, hd *handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handles[id] != hd {
		return false
	}
	delete(c.handles, id)
	return true
}

func (c *conn) startChat(msg ClientMessage) {
	if msg.Input == nil {
		c.sendError(msg.ID, core.CodeStream, errors.New("chat message without input"))
		return
	}
	input := msg.Input.Clone()
	if input.SessionID == "" && input.ConversationID == "" {
		input.ConversationID = uuid.NewString()
	}
	id := msg.ID
	if id == "" {
		id = input.StreamKey()
	}
	hd, err := c.register(id)
	if err != nil {
		c.sendError(id, core.CodeStream, err)
		return
	}

	// Hold the handle until its cancel func is known so a racing cancel
	// message waits for it.
	hd.mu.Lock()
	defer hd.mu.Unlock()
	hd.cancel = c.h.opts.Streamer.OpenStream(input, runtime.Handlers{
		OnChunk: func(ch core.Chunk) {
			c.observe(input.ConversationID, ch)
			c.send(ServerMessage{Type: TypeChunk, ID: id, Chunk: &ch})
		},
		OnDone: func() {
			c.release(id, hd)
			c.send(ServerMessage{Type: TypeDone, ID: id, Status: "completed"})
		},
		OnError: func(err error) {
			c.release(id, hd)
			if c.h.opts.ObserveError != nil {
				c.h.opts.ObserveError(input.ConversationID, input.StreamKey(), err)
			}
			c.sendStreamError(id, err)
		},
	})
}

func (c *conn) startAgency(msg ClientMessage) {
	if c.h.opts.Agencies == nil {
		c.sendError(msg.ID, core.CodeConfiguration, errors.New("agency runs are not enabled"))
		return
	}
	if msg.Agency == nil {
		c.sendError(msg.ID, core.CodeStream, errors.New("agency message without agency"))
		return
	}
	req := msg.Agency.Request()
	if req.AgencyID == "" {
		req.AgencyID = uuid.NewString()
	}
	if req.ConversationID == "" {
		req.ConversationID = req.AgencyID
	}
	id := msg.ID
	if id == "" {
		id = req.AgencyID
	}
	hd, err := c.register(id)
	if err != nil {
		c.sendError(id, core.CodeStream, err)
		return
	}

	hd.mu.Lock()
	run, err := c.h.opts.Agencies.StartAgency(req, agency.Handlers{
		OnChunk: func(ch core.Chunk) {
			c.observe(req.ConversationID, ch)
			c.send(ServerMessage{Type: TypeChunk, ID: id, Chunk: &ch})
		},
		OnRoleUpdate: func(u agency.RoleUpdate) {
			ev := &RoleEvent{RoleID: u.RoleID, TaskID: u.TaskID, Status: string(u.Status)}
			if u.Err != nil {
				ev.Error = u.Err.Error()
				if c.h.opts.ObserveError != nil {
					c.h.opts.ObserveError(req.ConversationID, u.TaskID, u.Err)
				}
			}
			c.send(ServerMessage{Type: TypeRole, ID: id, Role: ev})
		},
		OnError: func(err error) { c.sendStreamError(id, err) },
	})
	if err != nil {
		hd.mu.Unlock()
		c.release(id, hd)
		c.sendError(id, core.CodeConfiguration, err)
		return
	}
	hd.cancel = run.Cancel
	hd.mu.Unlock()

	go func() {
		<-run.Done()
		c.release(id, hd)
		if status := run.Status(); status != agency.RunCancelled {
			c.send(ServerMessage{Type: TypeDone, ID: id, Status: string(status)})
		}
	}()
}

func (c *conn) cancel(id string) {
	c.mu.Lock()
	hd, ok := c.handles[id]
	if ok {
		delete(c.handles, id)
	}
	c.mu.Unlock()
	if !ok {
		// Cancelling a finished handle is a no-op.
		return
	}
	hd.stop()
	c.send(ServerMessage{Type: TypeCancelled, ID: id})
}

func (c *conn) observe(conversationID string, ch core.Chunk) {
	if c.h.opts.Observe != nil {
		c.h.opts.Observe(conversationID, ch)
	}
}

func (c *conn) sendStreamError(id string, err error) {
	code := core.CodeStream
	var se *core.StreamError
	if errors.As(err, &se) {
		code = se.Code
	}
	c.sendError(id, code, err)
}

func (c *conn) sendError(id, code string, err error) {
	c.send(ServerMessage{Type: TypeError, ID: id, Error: &ErrorDetail{Code: code, Message: err.Error()}})
}

// send serializes writes; gorilla connections support one concurrent writer.
func (c *conn) send(msg ServerMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.h.opts.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.h.opts.WriteTimeout))
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		c.h.logger.Debug("WebSocket write failed", "type", msg.Type, "id", msg.ID, "error", err)
	}
}

// Serve runs an HTTP server for h on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler, logger logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logging.OrNoOp(logger).Info("Gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
