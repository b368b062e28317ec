package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parallel-codex/pcodex/internal/errors"
	"github.com/parallel-codex/pcodex/internal/logging"
)

// connState tracks the Client's view of the attached transport.
type connState int

const (
	// stateDetached: no transport attached, or the last one was lost.
	stateDetached connState = iota
	// stateAttached: transport attached, handshake not yet started.
	stateAttached
	// stateInitializing: initialize exchange in flight; session requests queue.
	stateInitializing
	// stateReady: handshake complete, requests flow.
	stateReady
)

// ClientInfo identifies this client in the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is the agent server's self-description from the initialize
// response.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"-"`
}

// protocolVersion is the MCP protocol revision spoken on the wire.
const protocolVersion = "2024-11-05"

// outcome is the single resolution value of a pending request.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest correlates a sent request id to its eventual resolution.
// The session field identifies the owning session but never keeps it
// alive. Exactly one writer wins the resolved flag; the one-shot done
// channel is buffered so the winner never blocks.
type pendingRequest struct {
	id       int64
	session  string
	method   string
	sentAt   time.Time
	deadline time.Time
	resolved atomic.Bool
	done     chan outcome
}

// resolve delivers the outcome if this entry is still unresolved. Later
// resolution attempts are no-ops and return false.
func (p *pendingRequest) resolve(o outcome) bool {
	if !p.resolved.CompareAndSwap(false, true) {
		return false
	}
	p.done <- o
	return true
}

// Client multiplexes JSON-RPC requests from concurrent sessions over one
// Conn. It is the sole owner of the pending-request table; the read loop
// and callers interact with it only through Client methods.
type Client struct {
	logger         *logging.Logger
	defaultTimeout time.Duration
	onNotification func(Notification)
	onLost         func(error)

	nextID atomic.Int64

	// writeMu serializes outbound frames and the handshake-queue flush.
	// Lock order: writeMu before mu. Frames are written holding writeMu
	// only, so a stalled pipe never blocks the pending table.
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    Conn
	state   connState
	queue   [][]byte // frames awaiting handshake completion, submission order
	pending map[int64]*pendingRequest
}

// NewClient creates a Client. Attach a transport before initializing.
func NewClient(opts ...Option) *Client {
	cfg := &clientConfig{
		logger:         logging.Nop(),
		defaultTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.Nop()
	}
	if cfg.defaultTimeout <= 0 {
		cfg.defaultTimeout = defaultRequestTimeout
	}

	return &Client{
		logger:         cfg.logger.WithComponent("mux"),
		defaultTimeout: cfg.defaultTimeout,
		onNotification: cfg.onNotification,
		onLost:         cfg.onLost,
		pending:        make(map[int64]*pendingRequest),
	}
}

// Attach binds a transport and starts its read loop. After a transport
// loss a fresh transport may be attached, followed by a new Initialize.
// Request ids keep increasing across transports and are never reused.
func (c *Client) Attach(conn Conn) error {
	c.mu.Lock()
	if c.state != stateDetached {
		c.mu.Unlock()
		return errors.New("a transport is already attached")
	}
	c.conn = conn
	c.state = stateAttached
	c.mu.Unlock()

	return conn.Start(c.handleFrame, c.transportLost)
}

// Initialize performs the protocol handshake: exactly one initialize
// request/response exchange followed by the initialized notification.
// Requests submitted before the handshake completes are queued in
// submission order and flushed afterwards. A failed handshake is fatal to
// the transport: queued and outstanding requests are swept with
// ErrTransportLost and their frames discarded, never carried over to a
// later transport.
func (c *Client) Initialize(ctx context.Context, info ClientInfo) (*ServerInfo, error) {
	c.mu.Lock()
	switch c.state {
	case stateDetached:
		c.mu.Unlock()
		return nil, errors.Wrap(errors.ErrDisconnected, "cannot initialize")
	case stateInitializing, stateReady:
		c.mu.Unlock()
		return nil, errors.ErrAlreadyInitialized
	}
	c.state = stateInitializing
	conn := c.conn
	c.mu.Unlock()

	params := struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ClientInfo      ClientInfo     `json:"clientInfo"`
	}{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      info,
	}

	result, err := c.exchange(ctx, conn, "initialize", params)
	if err != nil {
		cause := errors.Join(errors.ErrHandshakeFailed, err)
		c.transportLost(cause)
		return nil, errors.NewTransportError("initialize exchange failed", cause)
	}

	var parsed struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		cause := errors.Join(errors.ErrHandshakeFailed, err)
		c.transportLost(cause)
		return nil, errors.NewTransportError("invalid initialize result", cause)
	}

	frame, err := encodeNotification("notifications/initialized", map[string]any{})
	if err != nil {
		cause := errors.Join(errors.ErrHandshakeFailed, err)
		c.transportLost(cause)
		return nil, cause
	}
	if err := conn.WriteFrame(frame); err != nil {
		cause := errors.Join(errors.ErrHandshakeFailed, err)
		c.transportLost(cause)
		return nil, errors.NewTransportError("failed to send initialized notification", cause)
	}

	c.logger.Info("handshake complete",
		"server", parsed.ServerInfo.Name, "version", parsed.ServerInfo.Version)

	c.flushQueue()

	info2 := parsed.ServerInfo
	info2.ProtocolVersion = parsed.ProtocolVersion
	return &info2, nil
}

// exchange sends one request directly on conn (bypassing the handshake
// queue) and waits for its resolution.
func (c *Client) exchange(ctx context.Context, conn Conn, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	frame, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	p := c.register(id, "", method, time.Time{})
	if err := conn.WriteFrame(frame); err != nil {
		c.unregister(id)
		return nil, err
	}

	select {
	case o := <-p.done:
		return o.result, o.err
	case <-ctx.Done():
		if p.resolve(outcome{err: errors.Wrap(errors.ErrCanceled, method)}) {
			c.unregister(id)
			return nil, ctx.Err()
		}
		o := <-p.done
		return o.result, o.err
	}
}

// flushQueue marks the client ready and writes frames queued during the
// handshake, in submission order. The write lock is held across the whole
// flush, so a request arriving after the ready flip waits behind every
// queued frame.
func (c *Client) flushQueue() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.state != stateInitializing {
		c.mu.Unlock()
		return
	}
	c.state = stateReady
	queued := c.queue
	c.queue = nil
	conn := c.conn
	c.mu.Unlock()

	for _, frame := range queued {
		if err := conn.WriteFrame(frame); err != nil {
			c.logger.Error("failed to flush queued frame", "error", err)
			c.transportLost(err)
			return
		}
	}
}

// Request sends method with params on behalf of session and suspends the
// caller until resolution. A zero timeout uses the client default. The
// result is exactly the response whose id matches this request, regardless
// of response arrival order. Failure modes: ErrTimeout, ErrCanceled (via
// ctx or Cancel), ErrTransportLost, ErrDisconnected, or an *RPCError for a
// remote JSON-RPC error.
func (c *Client) Request(ctx context.Context, session, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	id := c.nextID.Add(1)
	frame, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	c.mu.Lock()
	switch c.state {
	case stateDetached:
		c.mu.Unlock()
		c.writeMu.Unlock()
		return nil, errors.NewRPCError("no transport attached", errors.ErrDisconnected).
			WithRequestID(id).WithMethod(method)
	case stateAttached, stateInitializing:
		// Handshake not complete: register and queue in submission order.
		p := c.registerLocked(id, session, method, time.Now().Add(timeout))
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
		c.writeMu.Unlock()
		return c.await(ctx, p, timeout)
	}

	p := c.registerLocked(id, session, method, time.Now().Add(timeout))
	conn := c.conn
	c.mu.Unlock()
	// The frame goes out under writeMu only; the read loop can resolve
	// other requests while this write is in flight.
	writeErr := conn.WriteFrame(frame)
	c.writeMu.Unlock()

	if writeErr != nil {
		c.unregister(id)
		c.transportLost(writeErr)
		return nil, errors.NewRPCError("write failed", errors.Join(errors.ErrTransportLost, writeErr)).
			WithRequestID(id).WithMethod(method)
	}

	return c.await(ctx, p, timeout)
}

// await races the pending entry's resolution against the per-request
// timeout and caller cancellation. Whichever fires first wins the CAS in
// resolve; the losers observe an already-resolved entry and take its
// outcome instead.
func (c *Client) await(ctx context.Context, p *pendingRequest, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-p.done:
		return o.result, o.err

	case <-timer.C:
		timedOut := errors.NewRPCError("no response before deadline", errors.ErrTimeout).
			WithRequestID(p.id).WithMethod(p.method).WithRetryable(true)
		if p.resolve(outcome{err: timedOut}) {
			c.unregister(p.id)
			c.logger.Warn("request timed out", "request_id", p.id, "method", p.method,
				"timeout", timeout.String(), "session", p.session)
			return nil, timedOut
		}
		o := <-p.done
		return o.result, o.err

	case <-ctx.Done():
		canceled := errors.NewRPCError("canceled by caller", errors.ErrCanceled).
			WithRequestID(p.id).WithMethod(p.method)
		if p.resolve(outcome{err: canceled}) {
			c.unregister(p.id)
			return nil, canceled
		}
		o := <-p.done
		return o.result, o.err
	}
}

// Notify sends a fire-and-forget notification. No pending entry is
// created. Notifications submitted during the handshake are queued behind
// it like requests.
func (c *Client) Notify(method string, params any) error {
	frame, err := encodeNotification(method, params)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	c.mu.Lock()
	switch c.state {
	case stateDetached:
		c.mu.Unlock()
		c.writeMu.Unlock()
		return errors.Wrap(errors.ErrDisconnected, "cannot notify")
	case stateAttached, stateInitializing:
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
		c.writeMu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()
	writeErr := conn.WriteFrame(frame)
	c.writeMu.Unlock()

	if writeErr != nil {
		c.transportLost(writeErr)
		return writeErr
	}
	return nil
}

// Cancel resolves the pending request with the given id as canceled, if it
// is still outstanding. The bytes already written cannot be recalled; a
// response arriving later for this id matches no entry and is dropped.
func (c *Client) Cancel(id int64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	canceled := errors.NewRPCError("canceled", errors.ErrCanceled).
		WithRequestID(p.id).WithMethod(p.method)
	if p.resolve(outcome{err: canceled}) {
		c.unregister(id)
		c.logger.Debug("request canceled", "request_id", id, "session", p.session)
	}
}

// CancelSession cancels every outstanding request owned by the named
// session. Other sessions' requests are untouched.
func (c *Client) CancelSession(session string) {
	c.mu.Lock()
	var matched []*pendingRequest
	for _, p := range c.pending {
		if p.session == session {
			matched = append(matched, p)
		}
	}
	c.mu.Unlock()

	for _, p := range matched {
		canceled := errors.NewRPCError("session closing", errors.ErrCanceled).
			WithRequestID(p.id).WithMethod(p.method)
		if p.resolve(outcome{err: canceled}) {
			c.unregister(p.id)
		}
	}
}

// SessionOf returns the owning session of an outstanding request id. Used
// by the coordinator to route server notifications that carry a related
// request id.
func (c *Client) SessionOf(id int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return "", false
	}
	return p.session, true
}

// PendingCount returns the number of outstanding requests.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connected reports whether a transport is attached and not lost.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != stateDetached
}

// handleFrame is invoked by the transport's read loop for every complete
// line. Malformed lines are logged and dropped, never fatal to the stream.
func (c *Client) handleFrame(line []byte) {
	frame, err := DecodeFrame(line)
	if err != nil {
		c.logger.Warn("dropping malformed frame", "error", err, "raw", truncate(string(line), 200))
		return
	}

	switch f := frame.(type) {
	case Response:
		c.resolveByID(f.ID, outcome{result: f.Result})
	case ErrorResponse:
		remote := errors.NewRemoteError(f.ID, f.Err.Code, f.Err.Message)
		c.resolveByID(f.ID, outcome{err: remote})
	case Notification:
		if h := c.onNotification; h != nil {
			h(f)
		} else {
			c.logger.Debug("unhandled notification", "method", f.Method)
		}
	}
}

// resolveByID matches an inbound response to its pending entry. Frames for
// unknown ids (already timed out, canceled, or never ours) are dropped
// with a diagnostic.
func (c *Client) resolveByID(id int64, o outcome) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response for unknown id", "request_id", id)
		return
	}
	if p.resolve(o) {
		c.unregister(id)
		c.logger.Debug("request resolved", "request_id", id, "method", p.method,
			"elapsed", time.Since(p.sentAt).String())
	}
}

// transportLost resolves every outstanding request with ErrTransportLost
// in one sweep and detaches. New requests are refused until a fresh
// transport is attached and initialized.
func (c *Client) transportLost(cause error) {
	c.mu.Lock()
	if c.state == stateDetached {
		c.mu.Unlock()
		return
	}
	c.state = stateDetached
	c.conn = nil
	c.queue = nil
	swept := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		swept = append(swept, p)
	}
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()

	c.logger.Error("transport lost, failing outstanding requests",
		"outstanding", len(swept), "cause", cause)

	for _, p := range swept {
		lost := errors.NewRPCError("transport lost", errors.Join(errors.ErrTransportLost, cause)).
			WithRequestID(p.id).WithMethod(p.method)
		p.resolve(outcome{err: lost})
	}

	if h := c.onLost; h != nil {
		h(cause)
	}
}

// register adds a pending entry outside the lock.
func (c *Client) register(id int64, session, method string, deadline time.Time) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registerLocked(id, session, method, deadline)
}

func (c *Client) registerLocked(id int64, session, method string, deadline time.Time) *pendingRequest {
	p := &pendingRequest{
		id:       id,
		session:  session,
		method:   method,
		sentAt:   time.Now(),
		deadline: deadline,
		done:     make(chan outcome, 1),
	}
	c.pending[id] = p
	return p
}

func (c *Client) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
