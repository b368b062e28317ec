package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/parallel-codex/pcodex/internal/errors"
	"github.com/parallel-codex/pcodex/internal/event"
	"github.com/parallel-codex/pcodex/internal/logging"
	"github.com/parallel-codex/pcodex/internal/rpc"
	"github.com/parallel-codex/pcodex/internal/tmux"
	"github.com/parallel-codex/pcodex/internal/workspace"
)

// streamBuffer bounds the per-request event channel. The notification
// handler runs on the rpc read loop and never blocks; events beyond the
// buffer are dropped from the live stream but kept in the history.
const streamBuffer = 64

// eventTypeSessionConfigured is the agent event announcing the server-side
// session id for a newly started conversation.
const eventTypeSessionConfigured = "session_configured"

// Info is a session snapshot for listing.
type Info struct {
	Name           string
	State          State
	Branch         string
	Path           string
	AgentSessionID string
	Failure        string
	CreatedAt      time.Time
}

// CloseOptions controls session teardown.
type CloseOptions struct {
	// KillTerminal terminates the session's tmux session.
	KillTerminal bool
	// RemoveWorktree detaches the session's worktree directory.
	RemoveWorktree bool
	// DeleteBranch also deletes the session branch; implies RemoveWorktree
	// semantics on the branch side.
	DeleteBranch bool
}

// session is the coordinator-owned record for one agent session. All
// fields are guarded by the coordinator mutex.
type session struct {
	name           string
	state          State
	branch         string
	path           string
	agentSessionID string
	failure        string
	createdAt      time.Time

	// outbox is the append-only event history.
	outbox []Event
	// stream is the live channel for the in-flight request, nil when idle.
	stream chan Event
}

func (s *session) snapshot() Info {
	return Info{
		Name:           s.name,
		State:          s.state,
		Branch:         s.branch,
		Path:           s.path,
		AgentSessionID: s.agentSessionID,
		Failure:        s.failure,
		CreatedAt:      s.createdAt,
	}
}

// WorkspaceProvisioner is the workspace surface the coordinator needs.
// *workspace.Manager implements it.
type WorkspaceProvisioner interface {
	BranchName(session string) string
	PathFor(session string) string
	Ensure(ctx context.Context, session, baseBranch string) (*workspace.Workspace, error)
	Remove(ctx context.Context, session string, opts workspace.RemoveOptions) error
}

// TerminalManager is the terminal surface the coordinator needs.
// *tmux.Manager implements it.
type TerminalManager interface {
	Ensure(ctx context.Context, name, dir, command string) error
	Kill(ctx context.Context, name string) error
}

var (
	_ WorkspaceProvisioner = (*workspace.Manager)(nil)
	_ TerminalManager      = (*tmux.Manager)(nil)
)

// Coordinator drives session lifecycles over the shared agent transport.
type Coordinator struct {
	client     *rpc.Client
	workspaces WorkspaceProvisioner
	terminals  TerminalManager
	bus        *event.Bus
	logger     *logging.Logger

	requestTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	// awaiting is the FIFO of sessions whose first agent call has not yet
	// been announced via session_configured.
	awaiting []*session
	// byAgentID routes notifications that carry only a session id.
	byAgentID map[string]*session
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRequestTimeout sets the per-request timeout for agent calls.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.requestTimeout = d }
}

// NewCoordinator creates a Coordinator. The rpc client is owned by the
// coordinator so its notification and loss handlers are wired here; attach
// a transport with Connect before creating sessions that talk to the agent.
func NewCoordinator(ws WorkspaceProvisioner, term TerminalManager, bus *event.Bus, logger *logging.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = logging.Nop()
	}
	if bus == nil {
		bus = event.NewBus()
	}

	c := &Coordinator{
		workspaces: ws,
		terminals:  term,
		bus:        bus,
		logger:     logger.WithComponent("coordinator"),
		sessions:   make(map[string]*session),
		byAgentID:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.client = rpc.NewClient(
		rpc.WithLogger(logger),
		rpc.WithDefaultTimeout(c.requestTimeout),
		rpc.WithNotificationHandler(c.handleNotification),
		rpc.WithLostHandler(c.handleTransportLost),
	)
	return c
}

// Connect attaches a transport to the shared client and performs the
// protocol handshake.
func (c *Coordinator) Connect(ctx context.Context, conn rpc.Conn, info rpc.ClientInfo) (*rpc.ServerInfo, error) {
	if err := c.client.Attach(conn); err != nil {
		return nil, err
	}
	return c.client.Initialize(ctx, info)
}

// Bus returns the coordinator's event bus.
func (c *Coordinator) Bus() *event.Bus { return c.bus }

// Client returns the shared rpc client.
func (c *Coordinator) Client() *rpc.Client { return c.client }

// Create provisions a new session: workspace first, then the terminal
// binding, since the terminal command needs the resolved workspace path.
// If the terminal binding fails the workspace is rolled back and the
// session lands in Failed.
func (c *Coordinator) Create(ctx context.Context, name, baseBranch string) (Info, error) {
	c.mu.Lock()
	if _, exists := c.sessions[name]; exists {
		c.mu.Unlock()
		return Info{}, errors.NewSessionError("create", errors.ErrSessionExists).WithSession(name)
	}
	s := &session{
		name:      name,
		state:     StateCreated,
		branch:    c.workspaces.BranchName(name),
		path:      c.workspaces.PathFor(name),
		createdAt: time.Now(),
	}
	c.sessions[name] = s
	c.mu.Unlock()

	c.setState(s, StateProvisioning)

	ws, err := c.workspaces.Ensure(ctx, name, baseBranch)
	if err != nil {
		c.fail(s, err)
		return Info{}, err
	}

	if err := c.terminals.Ensure(ctx, name, ws.Path, ""); err != nil {
		// The workspace was created for this session; roll it back so a
		// re-created session starts clean. The branch is kept.
		if rbErr := c.workspaces.Remove(ctx, name, workspace.RemoveOptions{}); rbErr != nil {
			c.logger.Error("workspace rollback failed", "session", name, "error", rbErr)
		}
		c.fail(s, err)
		return Info{}, err
	}

	c.setState(s, StateReady)
	c.bus.Publish(event.NewSessionEvent(event.TypeSessionCreated, name))
	c.logger.Info("session created", "session", name, "branch", ws.Branch, "path", ws.Path)

	c.mu.Lock()
	info := s.snapshot()
	c.mu.Unlock()
	return info, nil
}

// toolCallParams is the tools/call parameter shape for agent calls.
type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Send submits text to the session's agent conversation and returns the
// finite event stream for this request: zero or more PartialOutput and
// ToolInvocation events followed by exactly one Completed or Failed, after
// which the channel closes. A session admits one outstanding request; a
// second Send while Busy fails with ErrSessionBusy.
func (c *Coordinator) Send(name, text string) (<-chan Event, error) {
	c.mu.Lock()
	s, ok := c.sessions[name]
	if !ok {
		c.mu.Unlock()
		return nil, errors.NewSessionError("send", errors.ErrSessionNotFound).WithSession(name)
	}

	switch s.state {
	case StateBusy:
		c.mu.Unlock()
		return nil, errors.NewSessionError("request already outstanding", errors.ErrSessionBusy).
			WithSession(name).WithState(s.state.String())
	case StateClosing, StateClosed, StateFailed:
		c.mu.Unlock()
		return nil, errors.NewSessionError("send", errors.ErrSessionClosed).
			WithSession(name).WithState(s.state.String())
	case StateCreated, StateProvisioning:
		c.mu.Unlock()
		return nil, errors.NewSessionError("session is not ready", nil).
			WithSession(name).WithState(s.state.String())
	}

	params := toolCallParams{Name: "codex", Arguments: map[string]any{"prompt": text}}
	if s.agentSessionID != "" {
		// Follow-up turns address the established agent conversation.
		params = toolCallParams{Name: "codex-reply", Arguments: map[string]any{
			"prompt":    text,
			"sessionId": s.agentSessionID,
		}}
	} else {
		// First call: the agent announces the session id asynchronously
		// via session_configured, correlated back to this call.
		c.awaiting = append(c.awaiting, s)
	}

	from := s.state
	s.state = StateBusy
	ch := make(chan Event, streamBuffer)
	s.stream = ch
	c.mu.Unlock()

	c.bus.Publish(event.NewStateChange(name, from.String(), StateBusy.String()))
	go c.dispatch(s, params, ch)
	return ch, nil
}

// dispatch runs one agent request to completion and finishes the event
// stream.
func (c *Coordinator) dispatch(s *session, params toolCallParams, ch chan Event) {
	result, err := c.client.Request(context.Background(), s.name, "tools/call", params, c.requestTimeout)

	var final Event
	if err != nil {
		final = newEvent(Failed)
		final.Err = err
		final.Text = err.Error()
	} else {
		final = newEvent(Completed)
		final.Text = resultText(result)
		final.Payload = result
	}

	var requestID int64
	var rpcErr *errors.RPCError
	if errors.As(err, &rpcErr) {
		requestID = rpcErr.RequestID
	}

	c.mu.Lock()
	// A failed first call never got its session_configured; drop it from
	// the association FIFO so a later call cannot be mismatched.
	if err != nil {
		c.dropAwaitingLocked(s)
	}
	s.outbox = append(s.outbox, final)
	// The stream send and close stay under the lock so the notification
	// handler can never write to a channel that is being closed.
	if s.stream == ch {
		s.stream = nil
	}
	select {
	case ch <- final:
	default:
		c.logger.Warn("event stream full, final event kept in history only", "session", s.name)
	}
	close(ch)
	from := s.state
	if s.state == StateBusy {
		s.state = StateReady
	}
	to := s.state
	c.mu.Unlock()

	if from != to {
		c.bus.Publish(event.NewStateChange(s.name, from.String(), to.String()))
	}
	completed := event.NewSessionEvent(event.TypeRequestCompleted, s.name)
	completed.Request = requestID
	if err != nil {
		completed.Err = err.Error()
	}
	c.bus.Publish(completed)
}

// handleNotification runs on the rpc read loop. It associates
// session_configured announcements with their sessions and routes agent
// events into the owning session's stream. It must not block.
func (c *Coordinator) handleNotification(n rpc.Notification) {
	eventType := n.EventType()
	agentID, hasAgentID := n.SessionID()
	relID, hasRelID := n.RelatedRequestID()

	if eventType == eventTypeSessionConfigured && hasAgentID {
		c.associate(agentID, relID, hasRelID)
		return
	}

	c.mu.Lock()
	var target *session
	if hasRelID {
		if name, ok := c.client.SessionOf(relID); ok {
			target = c.sessions[name]
		}
	}
	if target == nil && hasAgentID {
		target = c.byAgentID[agentID]
	}
	if target == nil {
		c.mu.Unlock()
		c.logger.Debug("notification without session", "method", n.Method, "type", eventType)
		return
	}

	ev := newEvent(classifyNotification(eventType))
	ev.Text = notificationText(n.RawPayload())
	ev.Payload = append(json.RawMessage(nil), n.RawPayload()...)

	target.outbox = append(target.outbox, ev)
	if target.stream != nil {
		select {
		case target.stream <- ev:
		default:
			c.logger.Warn("event stream full, dropping live event",
				"session", target.name, "type", eventType)
		}
	}
	c.mu.Unlock()
}

// associate binds an agent-side session id to the session whose first call
// produced it: matched by related request id when the notification carries
// one, falling back to FIFO order otherwise.
func (c *Coordinator) associate(agentID string, relID int64, hasRelID bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var target *session
	if hasRelID {
		if name, ok := c.client.SessionOf(relID); ok {
			for _, s := range c.awaiting {
				if s.name == name {
					target = s
					break
				}
			}
		}
	}
	if target == nil && len(c.awaiting) > 0 {
		target = c.awaiting[0]
	}
	if target == nil {
		c.logger.Warn("session_configured with no awaiting session", "agent_session", agentID)
		return
	}

	c.dropAwaitingLocked(target)
	target.agentSessionID = agentID
	c.byAgentID[agentID] = target
	c.logger.Info("associated agent session", "session", target.name, "agent_session", agentID)
}

// dropAwaitingLocked removes a session from the association FIFO. Caller
// holds the coordinator mutex.
func (c *Coordinator) dropAwaitingLocked(target *session) {
	for i, s := range c.awaiting {
		if s == target {
			c.awaiting = append(c.awaiting[:i], c.awaiting[i+1:]...)
			return
		}
	}
}

// handleTransportLost runs after the rpc client's bulk-failure sweep. The
// in-flight dispatches observe ErrTransportLost and finish their streams;
// sessions themselves stay re-usable once a new transport is attached.
func (c *Coordinator) handleTransportLost(cause error) {
	ev := event.New(event.TypeTransportLost)
	ev.Err = cause.Error()
	c.bus.Publish(ev)
	c.logger.Error("agent transport lost", "cause", cause)
}

// Close cancels the session's pending requests and tears down its
// resources per opts. Closing an already-closed session is a no-op.
func (c *Coordinator) Close(ctx context.Context, name string, opts CloseOptions) error {
	c.mu.Lock()
	s, ok := c.sessions[name]
	if !ok {
		c.mu.Unlock()
		return errors.NewSessionError("close", errors.ErrSessionNotFound).WithSession(name)
	}
	if s.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	from := s.state
	s.state = StateClosing
	c.mu.Unlock()

	c.bus.Publish(event.NewStateChange(name, from.String(), StateClosing.String()))

	// Cancelling resolves this session's pending requests only; other
	// sessions' requests are untouched.
	c.client.CancelSession(name)

	var errs []error
	if opts.KillTerminal {
		if err := c.terminals.Kill(ctx, name); err != nil && !errors.Is(err, errors.ErrTerminalNotFound) {
			errs = append(errs, err)
		}
	}
	if opts.RemoveWorktree || opts.DeleteBranch {
		err := c.workspaces.Remove(ctx, name, workspace.RemoveOptions{DeleteBranch: opts.DeleteBranch})
		if err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	if s.agentSessionID != "" {
		delete(c.byAgentID, s.agentSessionID)
	}
	c.dropAwaitingLocked(s)
	s.state = StateClosed
	c.mu.Unlock()

	c.bus.Publish(event.NewStateChange(name, StateClosing.String(), StateClosed.String()))
	c.bus.Publish(event.NewSessionEvent(event.TypeSessionClosed, name))
	c.logger.Info("session closed", "session", name,
		"kill_terminal", opts.KillTerminal, "remove_worktree", opts.RemoveWorktree)

	return errors.Join(errs...)
}

// List returns a snapshot of every session, sorted by name. Closed and
// Failed sessions are included until pruned.
func (c *Coordinator) List() []Info {
	c.mu.Lock()
	infos := make([]Info, 0, len(c.sessions))
	for _, s := range c.sessions {
		infos = append(infos, s.snapshot())
	}
	c.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Get returns a snapshot of one session.
func (c *Coordinator) Get(name string) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[name]
	if !ok {
		return Info{}, false
	}
	return s.snapshot(), true
}

// History returns a copy of the session's append-only event outbox.
func (c *Coordinator) History(name string) ([]Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[name]
	if !ok {
		return nil, errors.NewSessionError("history", errors.ErrSessionNotFound).WithSession(name)
	}
	out := make([]Event, len(s.outbox))
	copy(out, s.outbox)
	return out, nil
}

// Prune removes a Closed or Failed session from the listing.
func (c *Coordinator) Prune(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[name]
	if !ok {
		return errors.NewSessionError("prune", errors.ErrSessionNotFound).WithSession(name)
	}
	if !s.state.Terminal() {
		return errors.NewSessionError("only closed or failed sessions can be pruned", nil).
			WithSession(name).WithState(s.state.String())
	}
	delete(c.sessions, name)
	return nil
}

// setState transitions a session and publishes the change.
func (c *Coordinator) setState(s *session, to State) {
	c.mu.Lock()
	from := s.state
	s.state = to
	c.mu.Unlock()
	c.bus.Publish(event.NewStateChange(s.name, from.String(), to.String()))
}

// fail moves a session to Failed with a human-readable cause.
func (c *Coordinator) fail(s *session, cause error) {
	c.mu.Lock()
	from := s.state
	s.state = StateFailed
	s.failure = cause.Error()
	c.mu.Unlock()

	c.bus.Publish(event.NewStateChange(s.name, from.String(), StateFailed.String()))
	ev := event.NewSessionEvent(event.TypeSessionFailed, s.name)
	ev.Err = cause.Error()
	c.bus.Publish(ev)
	c.logger.Error("session failed", "session", s.name, "cause", cause)
}
