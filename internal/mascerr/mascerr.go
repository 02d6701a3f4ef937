// Package mascerr defines the typed error taxonomy shared across every
// coordination component. Handlers never return bare errors.Strings; they
// construct a *Error with a stable Kind so the dispatch layer can render a
// consistent wire error without string matching.
package mascerr

import "fmt"

// Kind identifies the category of a coordination failure.
type Kind string

const (
	ConnectionFailed     Kind = "connection_failed"
	BackendNotSupported  Kind = "backend_not_supported"
	KeyNotFound          Kind = "key_not_found"
	InvalidKey           Kind = "invalid_key"
	OperationFailed      Kind = "operation_failed"
	NotInitialized       Kind = "not_initialized"
	AlreadyInitialized   Kind = "already_initialized"
	AgentNotFound        Kind = "agent_not_found"
	AgentAlreadyJoined   Kind = "agent_already_joined"
	InvalidAgentName     Kind = "invalid_agent_name"
	TaskNotFound         Kind = "task_not_found"
	TaskAlreadyClaimed   Kind = "task_already_claimed"
	TaskNotClaimed       Kind = "task_not_claimed"
	TaskInvalidState     Kind = "task_invalid_state"
	VersionConflict      Kind = "version_conflict"
	PortalNotOpen        Kind = "portal_not_open"
	PortalAlreadyOpen    Kind = "portal_already_open"
	PortalClosed         Kind = "portal_closed"
	Unauthorized         Kind = "unauthorized"
	Forbidden            Kind = "forbidden"
	InvalidToken         Kind = "invalid_token"
	TokenExpired         Kind = "token_expired"
	RateLimitExceeded    Kind = "rate_limit_exceeded"
	UnknownTool          Kind = "unknown_tool"
	Internal             Kind = "internal"
)

// Error is the single error type used across the coordination layers.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// With attaches a detail key/value and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// JSONRPCCode maps an error Kind onto one of the JSON-RPC 2.0 wire codes.
func (e *Error) JSONRPCCode() int {
	switch e.Kind {
	case UnknownTool:
		return -32601
	case InvalidKey, InvalidAgentName:
		return -32602
	case Internal, OperationFailed, ConnectionFailed:
		return -32603
	default:
		return -32603
	}
}

func new(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func ErrConnectionFailed(err error) *Error {
	return wrap(ConnectionFailed, "connection failed", err)
}

func ErrBackendNotSupported(op string) *Error {
	return new(BackendNotSupported, fmt.Sprintf("operation %q not supported by this backend", op)).With("op", op)
}

func ErrKeyNotFound(key string) *Error {
	return new(KeyNotFound, fmt.Sprintf("key %q not found", key)).With("key", key)
}

func ErrInvalidKey(key string, reason string) *Error {
	return new(InvalidKey, fmt.Sprintf("invalid key %q: %s", key, reason)).With("key", key).With("reason", reason)
}

func ErrOperationFailed(op string, err error) *Error {
	return wrap(OperationFailed, fmt.Sprintf("operation %q failed", op), err).With("op", op)
}

func ErrNotInitialized() *Error {
	return new(NotInitialized, "room not initialized")
}

func ErrAlreadyInitialized() *Error {
	return new(AlreadyInitialized, "room already initialized")
}

func ErrAgentNotFound(name string) *Error {
	return new(AgentNotFound, fmt.Sprintf("agent %q not found", name)).With("agent", name)
}

func ErrAgentAlreadyJoined(name string) *Error {
	return new(AgentAlreadyJoined, fmt.Sprintf("agent %q already joined", name)).With("agent", name)
}

func ErrInvalidAgentName(name string) *Error {
	return new(InvalidAgentName, fmt.Sprintf("invalid agent name %q", name)).With("agent", name)
}

func ErrTaskNotFound(id string) *Error {
	return new(TaskNotFound, fmt.Sprintf("task %q not found", id)).With("task_id", id)
}

func ErrTaskAlreadyClaimed(id, by string) *Error {
	return new(TaskAlreadyClaimed, fmt.Sprintf("task %q already claimed by %q", id, by)).With("task_id", id).With("by", by)
}

func ErrTaskNotClaimed(id string) *Error {
	return new(TaskNotClaimed, fmt.Sprintf("task %q is not claimed", id)).With("task_id", id)
}

func ErrTaskInvalidState(id, msg string) *Error {
	return new(TaskInvalidState, msg).With("task_id", id)
}

func ErrVersionConflict(expected, actual int) *Error {
	return new(VersionConflict, fmt.Sprintf("version conflict: expected %d, actual %d", expected, actual)).
		With("expected", expected).With("actual", actual)
}

func ErrPortalNotOpen(from, target string) *Error {
	return new(PortalNotOpen, fmt.Sprintf("no open portal from %q to %q", from, target)).With("from", from).With("target", target)
}

func ErrPortalAlreadyOpen(agent, target string) *Error {
	return new(PortalAlreadyOpen, fmt.Sprintf("portal from %q to %q already open", agent, target)).With("agent", agent).With("target", target)
}

func ErrPortalClosed(from, target string) *Error {
	return new(PortalClosed, fmt.Sprintf("portal from %q to %q is closed", from, target)).With("from", from).With("target", target)
}

func ErrUnauthorized(msg string) *Error {
	return new(Unauthorized, msg)
}

func ErrForbidden(agent, action string) *Error {
	return new(Forbidden, fmt.Sprintf("agent %q is not permitted to %q", agent, action)).With("agent", agent).With("action", action)
}

func ErrInvalidToken() *Error {
	return new(InvalidToken, "invalid token")
}

func ErrTokenExpired() *Error {
	return new(TokenExpired, "token expired")
}

func ErrRateLimitExceeded(category string, limit, current int, wait float64) *Error {
	return new(RateLimitExceeded, fmt.Sprintf("rate limit exceeded for %s", category)).
		With("category", category).With("limit", limit).With("current", current).With("wait_seconds", wait)
}

func ErrInternal(err error) *Error {
	return wrap(Internal, "internal error", err)
}

// ErrUnknownTool reports a tools/call for a name absent from every
// dispatch table, with a recovery hint attached.
func ErrUnknownTool(tool string) *Error {
	return new(UnknownTool, fmt.Sprintf("unknown tool %q", tool)).With("tool", tool).
		With("hint", "call tools/list to see the current catalogue")
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
