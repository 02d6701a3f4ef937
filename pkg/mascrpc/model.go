// Package mascrpc is the wire layer: JSON-RPC 2.0 request/response
// framing over stdio or HTTP, plus the masc:// resource URI scheme. It
// implements no coordination logic itself — it adapts the dispatch router
// and the room's read-only views onto the wire.
package mascrpc

import "encoding/json"

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id,omitempty"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ToolCallParams is the params shape for a "tools/call" request: tool is
// the catalogue name (e.g. "claim_next"), agent_name identifies the caller
// for authorization/rate-limiting, and arguments carries the tool-specific
// payload.
type ToolCallParams struct {
	AgentName string          `json:"agent_name"`
	Tool      string          `json:"tool"`
	Token     string          `json:"token,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// InitializeParams is the params shape for the "initialize" handshake.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ResourceReadParams is the params shape for a "resources/read" request.
type ResourceReadParams struct {
	URI string `json:"uri"`
}

type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ServerInfo identifies this coordination server to a connecting client.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises which MCP-style capability groups this server
// supports. MASC only ever advertises tools and resources — there is no
// sampling, completion, or prompt-generation capability in this domain.
type Capabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Instructions    string       `json:"instructions,omitempty"`
}

// ResourceTemplate describes a parameterized masc:// URI, returned by
// "resources/templates/list" for the two resources that accept query
// parameters (messages, events).
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

var staticResourceTemplates = []ResourceTemplate{
	{URITemplate: "masc://messages{?since_seq,limit}", Name: "broadcast log", Description: "Messages since a sequence number", MimeType: "application/json"},
	{URITemplate: "masc://events{?since_seq,limit}", Name: "audit event log", Description: "Events since a sequence number", MimeType: "application/json"},
}

// staticResources is the fixed masc:// catalogue advertised by
// "resources/list": status, tasks, messages, events, agents, handovers,
// and the tool catalogue schema itself.
var staticResources = []Resource{
	{URI: "masc://status", Name: "room status", MimeType: "application/json"},
	{URI: "masc://tasks", Name: "task backlog", MimeType: "application/json"},
	{URI: "masc://messages", Name: "broadcast log", MimeType: "application/json"},
	{URI: "masc://events", Name: "audit event log", MimeType: "application/json"},
	{URI: "masc://agents", Name: "agent registry", MimeType: "application/json"},
	{URI: "masc://handovers", Name: "handoff audit trail", MimeType: "application/json"},
	{URI: "masc://schema", Name: "tool catalogue schema", MimeType: "application/json"},
}
