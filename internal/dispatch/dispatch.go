// Package dispatch implements the tool dispatch router: the five-stage
// pipeline every tool call passes through before reaching a coordination
// engine — resolve agent_name, authorization, auto-heartbeat/auto-join,
// join-required gate, dispatch-table lookup. Handlers run on goroutines
// bounded by a semaphore sized runtime.GOMAXPROCS(0)*4, so a slow storage
// call on one connection never starves dispatch of requests on another.
package dispatch

import (
	"context"
	"encoding/json"
	"runtime"
	"sort"
	"time"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/room"
	"github.com/rakunlabs/masc/internal/session"
)

// Handler is one tool's implementation: a pure function of room state,
// the resolved caller identity, and the tool's raw JSON arguments. Session
// context arrives as a parameter, never as ambient state.
type Handler func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error)

// joinRequired is the fixed list of mutating tools gated on the caller
// having an active agent record.
var joinRequired = map[string]bool{
	"add_task": true, "claim": true, "claim_next": true, "start": true,
	"done": true, "cancel": true, "release": true, "update_priority": true,
	"broadcast": true, "send_direct": true, "listen": true, "acquire_lock": true,
	"release_lock": true, "extend_lock": true, "portal_open": true,
	"portal_close": true, "portal_send": true, "execute_mitosis": true,
}

// heartbeatOnCall is the set of tools that imply the caller is alive.
// Read-only tools (list_agents, get_task, ...) do not refresh last_seen on
// their own, since a pure reader polling status should not keep an idle
// agent looking alive.
var heartbeatOnCall = joinRequired

// categoryFor maps a tool name onto its rate-limit bucket.
func categoryFor(tool string) session.Category {
	switch tool {
	case "broadcast", "send_direct", "listen":
		return session.CategoryBroadcast
	case "add_task", "claim", "claim_next", "start", "done", "cancel",
		"release", "update_priority":
		return session.CategoryTaskOps
	default:
		return session.CategoryGeneral
	}
}

// Router merges the per-subsystem dispatch tables into one ordered lookup
// and runs every call through the five-stage pipeline.
type Router struct {
	room      *room.Room
	authority *session.Authority // nil disables token authorization
	handlers  map[string]Handler
	workers   chan struct{}
}

// New constructs a Router wired against rm. authority may be nil, in
// which case stage (2) token verification is skipped entirely (auth is an
// opt-in deployment choice) but role-based permission checks still run
// against model.RoleWorker as the default unauthenticated role.
func New(rm *room.Room, authority *session.Authority) *Router {
	r := &Router{
		room:      rm,
		authority: authority,
		handlers:  make(map[string]Handler),
		workers:   make(chan struct{}, runtime.GOMAXPROCS(0)*4),
	}
	// Fixed priority order per subsystem. A name collision across tables
	// is a programming error caught here at construction time rather than
	// surfacing as runtime ambiguity.
	for _, table := range []map[string]Handler{
		registryTools, taskTools, broadcastTools, lockTools, portalTools,
		mitosisTools, adminTools,
	} {
		for name, h := range table {
			if _, exists := r.handlers[name]; exists {
				panic("dispatch: duplicate tool name " + name)
			}
			r.handlers[name] = h
		}
	}
	if authority != nil {
		r.handlers["issue_token"] = issueTokenHandler(authority)
	}
	return r
}

// issueTokenHandler mints a role token for an agent (admin-only, enforced
// by session.Authorize). The plaintext token appears exactly once, in this
// response; only its SHA-256 hash is persisted.
func issueTokenHandler(authority *session.Authority) Handler {
	return func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			ForAgent string     `json:"for_agent"`
			Role     model.Role `json:"role,omitempty"`
			TTLHours int        `json:"ttl_hours,omitempty"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("issue_token", err)
		}
		if a.ForAgent == "" {
			a.ForAgent = agent
		}
		if a.Role == "" {
			a.Role = model.RoleWorker
		}
		ttl := time.Duration(a.TTLHours) * time.Hour
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		token, cred, err := authority.IssueToken(a.ForAgent, a.Role, ttl)
		if err != nil {
			return nil, err
		}
		if err := rm.SaveCredential(ctx, cred); err != nil {
			return nil, err
		}
		return map[string]any{"token": token, "credential": cred}, nil
	}
}

// callEnvelope is the decoded shape every tool's Arguments payload is
// expected to carry agent_name in, alongside tool-specific fields
// unmarshaled by each handler itself.
type callEnvelope struct {
	AgentName string `json:"agent_name"`
}

// Result is the outcome of a tool call before it is rendered onto the wire
// by pkg/mascrpc.
type Result struct {
	Value   any
	IsError bool
	Err     error
}

// Call runs the five-stage pipeline for one tools/call request: resolve
// agent_name, authorize, auto-heartbeat/auto-join, join-required gate,
// dispatch. token is the caller-presented credential (may be empty when
// auth is disabled).
func (d *Router) Call(ctx context.Context, tool, token string, args json.RawMessage) Result {
	// Stage 1: resolve agent_name from the arguments object, falling back
	// to the fixed name "anonymous" so read-only tools work without a
	// prior join. There is no on-disk session file to consult —
	// internal/session.Registry already persists sessions under the
	// storage backend — so the fallback is the second resolution step.
	var env callEnvelope
	if len(args) > 0 {
		_ = json.Unmarshal(args, &env)
	}
	agent := env.AgentName
	if agent == "" {
		agent = "anonymous"
	}

	h, ok := d.handlers[tool]
	if !ok {
		return Result{IsError: true, Err: mascerr.ErrUnknownTool(tool)}
	}

	// Stage 2: authorization. Role defaults to Worker when auth is
	// disabled (authority == nil) so an unauthenticated deployment still
	// exercises the admin-only gate correctly.
	role := model.RoleWorker
	if d.authority != nil {
		if token == "" {
			return Result{IsError: true, Err: mascerr.ErrUnauthorized("missing token")}
		}
		tokenAgent, tokenRole, err := d.authority.Verify(token)
		if err != nil {
			return Result{IsError: true, Err: err}
		}
		if env.AgentName != "" && env.AgentName != tokenAgent {
			return Result{IsError: true, Err: mascerr.ErrUnauthorized("agent_name does not match token subject")}
		}
		agent = tokenAgent
		role = tokenRole
	}
	if err := session.Authorize(agent, role, tool); err != nil {
		return Result{IsError: true, Err: err}
	}
	if err := d.room.Sessions.RateLimiter.Allow(agent, role, categoryFor(tool)); err != nil {
		return Result{IsError: true, Err: err}
	}

	paused, err := d.room.IsPaused(ctx)
	if err != nil && !mascerr.Is(err, mascerr.NotInitialized) {
		return Result{IsError: true, Err: err}
	}
	if paused && joinRequired[tool] {
		return Result{IsError: true, Err: mascerr.ErrUnauthorized("room is paused pending approval")}
	}

	// Stage 3: auto-heartbeat + auto-join for write tools. Registry.Join
	// maps the requested name to an animal-coded nickname, so a caller that
	// reaches dispatch without ever calling join explicitly is assigned
	// one here; the rest of the pipeline (and the handler itself) then
	// proceeds under that nickname rather than the caller's literal
	// agent_name.
	if heartbeatOnCall[tool] {
		d.room.Sessions.Touch(agent)
		if err := d.room.Registry.Heartbeat(ctx, agent, ""); err != nil && mascerr.Is(err, mascerr.AgentNotFound) {
			joined, joinErr := d.room.Registry.Join(ctx, agent, "auto", role, nil)
			switch {
			case joinErr == nil:
				agent = joined.Name
			case mascerr.Is(joinErr, mascerr.AgentAlreadyJoined):
				// A live record already exists under the nickname the first
				// join assigned; the error carries it, and the rest of the
				// pipeline must proceed under that nickname or the stage-4
				// gate below would miss on the raw requested name.
				me := joinErr.(*mascerr.Error)
				if nick, ok := me.Details["agent"].(string); ok && nick != "" {
					agent = nick
				}
			default:
				return Result{IsError: true, Err: joinErr}
			}
		}
	}

	// Stage 4: join-required gate.
	if joinRequired[tool] {
		if _, err := d.room.Registry.Get(ctx, agent); err != nil {
			return Result{IsError: true, Err: mascerr.ErrAgentNotFound(agent).With("hint", "call join before using mutating tools")}
		}
	}

	// record_activity fires on every tool call, regardless of subsystem.
	_ = d.room.Cell.RecordActivity(ctx)

	// Stage 5: dispatch on a bounded worker so one slow handler never
	// blocks another connection's requests.
	d.workers <- struct{}{}
	defer func() { <-d.workers }()

	value, err := h(ctx, d.room, agent, args)
	if err != nil {
		return Result{IsError: true, Err: err}
	}
	return Result{Value: value}
}

// ToolInfo is a catalogue entry returned by tools/list. There is no
// InputSchema: MASC tools take a fixed, documented shape rather than a
// self-describing JSON schema.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// toolDescriptions gives every catalogue entry a one-line summary for
// tools/list. Tools with no entry here still dispatch normally; the
// description is advisory only.
var toolDescriptions = map[string]string{
	"join":                 "Join the room under a freshly assigned nickname.",
	"leave":                "Leave the room, releasing held locks.",
	"heartbeat":            "Refresh an agent's last-seen timestamp.",
	"list_agents":          "List every registered agent.",
	"add_task":             "Add a task to the backlog.",
	"claim":                "Claim a specific task by ID, optionally CAS-guarded.",
	"claim_next":           "Claim the highest-priority unclaimed task.",
	"start":                "Mark a claimed task in progress.",
	"done":                 "Mark a task complete.",
	"cancel":               "Cancel a task.",
	"release":              "Release a claimed task back to the backlog.",
	"update_priority":      "Change a task's priority.",
	"list_tasks":           "List the full backlog.",
	"get_task":             "Fetch one task by ID.",
	"gc":                   "Archive tasks completed before a given age.",
	"broadcast":            "Send a message to every agent.",
	"listen":               "Toggle the caller's listening flag.",
	"send_direct":          "Send a direct message to one agent.",
	"get_messages":         "Fetch broadcast/direct messages since a sequence number.",
	"wait_for_message":     "Block until a new message arrives or a timeout elapses.",
	"acquire_lock":         "Acquire an advisory lock by key.",
	"release_lock":         "Release an advisory lock held by the caller.",
	"extend_lock":          "Extend the TTL of a lock held by the caller.",
	"portal_open":          "Open a directed channel to another agent.",
	"portal_close":         "Close a directed channel.",
	"portal_send":          "Send through an open portal, optionally with content.",
	"list_portals":         "List every portal, open or closed.",
	"memento_mori":         "Report context usage; prepares at the prepare threshold and hands off at the handoff threshold.",
	"prepare_for_division": "Stage a handoff by saving full context.",
	"execute_mitosis":      "Spawn a successor and retire the current cell.",
	"get_cell_status":      "Fetch the current cell's generation and phase.",
	"init_room":            "Initialize a fresh room.",
	"issue_token":          "Mint a role token for an agent (shown once).",
	"reset_room":           "Reset the room to its initial state.",
	"interrupt":            "Pause the room pending approval.",
	"approve":              "Resume a paused room.",
}

// List returns the tool catalogue sorted by name, for tools/list and the
// masc://schema resource.
func (d *Router) List() []ToolInfo {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]ToolInfo, 0, len(names))
	for _, name := range names {
		out = append(out, ToolInfo{Name: name, Description: toolDescriptions[name]})
	}
	return out
}
