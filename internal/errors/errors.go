// Package errors provides centralized error definitions and error handling
// utilities for pcodex. It defines domain-specific errors for the transport,
// the request multiplexer, workspace provisioning, and session lifecycle,
// plus classification helpers.
//
// Creating errors:
//
//	err := errors.NewRPCError("request failed", errors.ErrTimeout).WithMethod("tools/call")
//	err := errors.NewWorkspaceError("worktree add failed", cause).WithBranch("pcx/reviewer")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrTransportLost) { ... }
//	var rpcErr *errors.RPCError
//	if errors.As(err, &rpcErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience so callers can
// import only this package for error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Transport and multiplexer sentinel errors
var (
	// ErrAgentNotFound indicates the agent server binary could not be resolved.
	ErrAgentNotFound = New("agent binary not found")
	// ErrTransportLost indicates the agent subprocess pipe broke or the
	// process exited; all outstanding requests fail with this.
	ErrTransportLost = New("transport lost")
	// ErrDisconnected indicates the multiplexer has no attached transport.
	ErrDisconnected = New("multiplexer disconnected")
	// ErrHandshakeFailed indicates the initialize exchange did not complete.
	ErrHandshakeFailed = New("handshake failed")
	// ErrAlreadyInitialized indicates Initialize was called twice on one transport.
	ErrAlreadyInitialized = New("already initialized")
)

// Request sentinel errors
var (
	// ErrTimeout indicates a request deadline passed with no response.
	ErrTimeout = New("request timed out")
	// ErrCanceled indicates a request was canceled by its owning session.
	ErrCanceled = New("request canceled")
)

// Workspace sentinel errors
var (
	// ErrNotGitRepository indicates the configured root is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorkspaceInUse indicates the workspace path exists but is not a
	// valid worktree on the session's branch.
	ErrWorkspaceInUse = New("workspace already in use")
)

// Session sentinel errors
var (
	// ErrSessionNotFound indicates no session with the given name exists.
	ErrSessionNotFound = New("session not found")
	// ErrSessionExists indicates a session with the given name already exists.
	ErrSessionExists = New("session already exists")
	// ErrSessionBusy indicates the session already has a request outstanding.
	ErrSessionBusy = New("session is busy")
	// ErrSessionClosed indicates the session is in a terminal state.
	ErrSessionClosed = New("session is closed")
)

// Terminal sentinel errors
var (
	// ErrTmuxUnavailable indicates the tmux binary is not on PATH.
	ErrTmuxUnavailable = New("tmux not available")
	// ErrTerminalNotFound indicates no terminal session with the given name exists.
	ErrTerminalNotFound = New("terminal session not found")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all domain error types.
type baseError struct {
	message   string
	cause     error
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// IsRetryable reports whether the operation may succeed if repeated.
func (e *baseError) IsRetryable() bool { return e.retryable }

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// TransportError represents errors in the agent subprocess transport:
// launch failures, broken pipes, and unexpected exits.
type TransportError struct {
	baseError
	Binary string
}

// NewTransportError creates a new TransportError.
func NewTransportError(message string, cause error) *TransportError {
	return &TransportError{baseError: baseError{message: message, cause: cause}}
}

// WithBinary adds the agent binary path to the error context.
func (e *TransportError) WithBinary(path string) *TransportError {
	e.Binary = path
	return e
}

// Error returns the formatted error message.
func (e *TransportError) Error() string {
	prefix := "transport error"
	if e.Binary != "" {
		prefix = fmt.Sprintf("transport error [binary=%s]", e.Binary)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *TransportError) Is(target error) bool {
	if _, ok := target.(*TransportError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// RPCError represents a failed JSON-RPC request, either a remote error
// object returned by the agent server or a local failure (timeout,
// cancellation, lost transport).
type RPCError struct {
	baseError
	RequestID int64
	Method    string
	Code      int
}

// NewRPCError creates a new RPCError.
func NewRPCError(message string, cause error) *RPCError {
	return &RPCError{baseError: baseError{message: message, cause: cause}}
}

// NewRemoteError creates an RPCError from a JSON-RPC error object.
func NewRemoteError(id int64, code int, message string) *RPCError {
	return &RPCError{
		baseError: baseError{message: message},
		RequestID: id,
		Code:      code,
	}
}

// WithRequestID adds the request identifier to the error context.
func (e *RPCError) WithRequestID(id int64) *RPCError {
	e.RequestID = id
	return e
}

// WithMethod adds the JSON-RPC method name to the error context.
func (e *RPCError) WithMethod(method string) *RPCError {
	e.Method = method
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *RPCError) WithRetryable(r bool) *RPCError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *RPCError) Error() string {
	var parts []string
	if e.RequestID != 0 {
		parts = append(parts, fmt.Sprintf("id=%d", e.RequestID))
	}
	if e.Method != "" {
		parts = append(parts, fmt.Sprintf("method=%s", e.Method))
	}
	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("code=%d", e.Code))
	}

	prefix := "rpc error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("rpc error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *RPCError) Is(target error) bool {
	if _, ok := target.(*RPCError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// WorkspaceError represents errors from workspace provisioning: branch
// creation, worktree attachment, and teardown.
type WorkspaceError struct {
	baseError
	Branch    string
	Path      string
	GitOutput string // captured git command output
}

// NewWorkspaceError creates a new WorkspaceError.
func NewWorkspaceError(message string, cause error) *WorkspaceError {
	return &WorkspaceError{baseError: baseError{message: message, cause: cause}}
}

// WithBranch adds the branch name to the error context.
func (e *WorkspaceError) WithBranch(branch string) *WorkspaceError {
	e.Branch = branch
	return e
}

// WithPath adds the workspace path to the error context.
func (e *WorkspaceError) WithPath(path string) *WorkspaceError {
	e.Path = path
	return e
}

// WithGitOutput adds captured git output to the error context.
func (e *WorkspaceError) WithGitOutput(output string) *WorkspaceError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// Error returns the formatted error message.
func (e *WorkspaceError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}

	prefix := "workspace error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("workspace error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *WorkspaceError) Is(target error) bool {
	if _, ok := target.(*WorkspaceError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// SessionError represents errors in the session lifecycle.
type SessionError struct {
	baseError
	Session string
	State   string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{baseError: baseError{message: message, cause: cause}}
}

// WithSession adds the session name to the error context.
func (e *SessionError) WithSession(name string) *SessionError {
	e.Session = name
	return e
}

// WithState adds the session state to the error context.
func (e *SessionError) WithState(state string) *SessionError {
	e.State = state
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.Session != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.Session))
	}
	if e.State != "" {
		parts = append(parts, fmt.Sprintf("state=%s", e.State))
	}

	prefix := "session error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("session error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// retryable is implemented by errors that know whether a retry may succeed.
type retryable interface {
	IsRetryable() bool
}

// IsRetryable reports whether the error represents a transient condition.
// Timeouts are retryable; everything else defaults to false because agent
// requests are not idempotent on the remote side.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if As(err, &r) {
		return r.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// IsUserFacing reports whether the error message is safe to display to end
// users. All domain errors carry human-readable causes.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var (
		transportErr *TransportError
		rpcErr       *RPCError
		wsErr        *WorkspaceError
		sessErr      *SessionError
	)
	return As(err, &transportErr) || As(err, &rpcErr) ||
		As(err, &wsErr) || As(err, &sessErr)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with an additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
