// Package model holds the wire/storage data shapes shared across the
// coordination engines: agents, tasks, messages, events, room state,
// cells, credentials, and portals. Every persisted field round-trips
// through JSON; nested records are stored as JSON documents inside simple
// key/value rows.
package model

import (
	"time"

	"github.com/worldline-go/types"
)

// Role is an agent's authorization tier.
type Role string

const (
	RoleReader Role = "reader"
	RoleWorker Role = "worker"
	RoleAdmin  Role = "admin"
)

// AgentStatus is an agent's most recently reported activity state.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentBusy      AgentStatus = "busy"
	AgentListening AgentStatus = "listening"
	AgentInactive  AgentStatus = "inactive"
)

// WorktreeInfo is advisory metadata only; MASC never performs git
// operations itself.
type WorktreeInfo struct {
	Path   string `json:"path,omitempty"`
	Branch string `json:"branch,omitempty"`
}

type Agent struct {
	Name         string         `json:"name"`
	AgentType    string         `json:"agent_type,omitempty"`
	Role         Role           `json:"role"`
	Status       AgentStatus    `json:"status"`
	Capabilities []string       `json:"capabilities,omitempty"`
	JoinedAt     time.Time      `json:"joined_at"`
	LastSeen     time.Time      `json:"last_seen"`
	PID          int            `json:"pid,omitempty"`
	Host         string         `json:"host,omitempty"`
	TTY          string         `json:"tty,omitempty"`
	Worktree     *WorktreeInfo  `json:"worktree,omitempty"`
}

// TaskState is the FSM tag for Task.Status.
type TaskState string

const (
	TaskTodo       TaskState = "todo"
	TaskClaimed    TaskState = "claimed"
	TaskInProgress TaskState = "in_progress"
	TaskDone       TaskState = "done"
	TaskCancelled  TaskState = "cancelled"
)

// TaskStatus is the tagged-union status of a Task, flattened into one
// struct. Go has no native sum type, so fields unused by the current State
// are left zero.
type TaskStatus struct {
	State          TaskState  `json:"state"`
	Assignee       string     `json:"assignee,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	CancelledBy    string     `json:"cancelled_by,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
}

type Task struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Priority    int           `json:"priority"`
	CreatedAt   time.Time     `json:"created_at"`
	Files       []string      `json:"files,omitempty"`
	Status      TaskStatus    `json:"status"`
	Worktree    *WorktreeInfo `json:"worktree,omitempty"`
}

// Backlog is the single CAS-guarded document holding every task.
type Backlog struct {
	Tasks       []Task    `json:"tasks"`
	Version     int       `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
}

type MessageType string

const (
	MessageBroadcast MessageType = "broadcast"
	MessageDirect    MessageType = "direct"
)

type Message struct {
	Seq       int64       `json:"seq"`
	From      string      `json:"from"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Mention   string      `json:"mention,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventType enumerates the append-only audit event kinds.
type EventType string

const (
	EventAgentJoin    EventType = "agent_join"
	EventAgentLeave   EventType = "agent_leave"
	EventBroadcast    EventType = "broadcast"
	EventTaskClaim    EventType = "task_claim"
	EventTaskDone     EventType = "task_done"
	EventLockAcquire  EventType = "lock_acquire"
	EventLockRelease  EventType = "lock_release"
)

// Event's payload is a types.Map so the same record marshals as a JSON
// object on the wire and scans as a JSONB-style column when an embedding
// deployment mirrors events into SQL.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	Agent     string    `json:"agent"`
	Payload   types.Map `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type RoomMode string

const (
	RoomModeNormal RoomMode = "normal"
	RoomModePaused RoomMode = "paused"
)

type RoomState struct {
	ProtocolVersion string    `json:"protocol_version"`
	StartedAt       time.Time `json:"started_at"`
	LastUpdated     time.Time `json:"last_updated"`
	ActiveAgents    []string  `json:"active_agents"`
	MessageSeq      int64     `json:"message_seq"`
	EventSeq        int64     `json:"event_seq"`
	Mode            RoomMode  `json:"mode"`
	Paused          bool      `json:"paused"`
	PausedBy        string    `json:"paused_by,omitempty"`
	PausedAt        *time.Time `json:"paused_at,omitempty"`
	PauseReason     string    `json:"pause_reason,omitempty"`
}

// CellPhase tracks a process incarnation's progress toward handoff.
type CellPhase string

const (
	CellInfant     CellPhase = "infant"
	CellMature     CellPhase = "mature"
	CellPreparing  CellPhase = "preparing"
	CellDividing   CellPhase = "dividing"
)

type CellLifeState string

const (
	CellAlive CellLifeState = "alive"
	CellDead  CellLifeState = "dead"
)

type Cell struct {
	Generation    int           `json:"generation"`
	BornAt        time.Time     `json:"born_at"`
	TaskCount     int           `json:"task_count"`
	ToolCallCount int           `json:"tool_call_count"`
	Phase         CellPhase     `json:"phase"`
	State         CellLifeState `json:"state"`
	PreparedDNA   string        `json:"prepared_dna,omitempty"`
}

type Credential struct {
	AgentName string     `json:"agent_name"`
	TokenHash string     `json:"token_hash"`
	Role      Role       `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type PortalStatus string

const (
	PortalOpen   PortalStatus = "open"
	PortalClosed PortalStatus = "closed"
)

type Portal struct {
	From      string       `json:"from"`
	Target    string       `json:"target"`
	Status    PortalStatus `json:"status"`
	OpenedAt  time.Time    `json:"opened_at"`
	TaskCount int          `json:"task_count"`
}

// StemTemplate is a named successor-prompt template consulted by the
// handoff controller when a caller does not supply one explicitly.
type StemTemplate struct {
	Name   string `json:"name" yaml:"name"`
	Prompt string `json:"prompt" yaml:"prompt"`
}

// Handover is the persisted audit record of one completed division.
type Handover struct {
	ID             string    `json:"id"`
	FromGeneration int       `json:"from_generation"`
	ToGeneration   int       `json:"to_generation"`
	Template       string    `json:"template,omitempty"`
	DNA            string    `json:"dna"`
	PID            int       `json:"pid"`
	CreatedAt      time.Time `json:"created_at"`
}
