package mascrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rakunlabs/masc/internal/dispatch"
	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/room"
)

// Server adapts a dispatch.Router and the room it coordinates onto the
// JSON-RPC 2.0 wire protocol. One Server instance is shared across every
// stdio or HTTP connection; HandleRequest itself holds no per-connection
// state.
type Server struct {
	router *dispatch.Router
	room   *room.Room
	info   ServerInfo
}

// New constructs a Server. info identifies this coordination instance in
// the initialize handshake.
func New(router *dispatch.Router, rm *room.Room, info ServerInfo) *Server {
	return &Server{router: router, room: rm, info: info}
}

// HandleRequest runs one decoded JSON-RPC request through the method
// switch and returns the response to frame back onto the wire. Notifications
// (request.ID == nil) return a zero JSONRPCResponse that callers must not
// write out.
func (s *Server) HandleRequest(ctx context.Context, request JSONRPCRequest) JSONRPCResponse {
	if request.JSONRPC != "2.0" {
		return s.errorResponse(request.ID, -32600, "invalid request: jsonrpc must be \"2.0\"")
	}

	if request.ID == nil {
		// Notifications (initialized, etc.) are acknowledged silently.
		return JSONRPCResponse{}
	}

	switch request.Method {
	case "initialize":
		return s.handleInitialize(request.ID, request.Params)
	case "initialized", "notifications/initialized":
		return JSONRPCResponse{}
	case "tools/list":
		return s.handleToolsList(request.ID)
	case "tools/call":
		return s.handleToolsCall(ctx, request.ID, request.Params)
	case "resources/list":
		return s.handleResourcesList(request.ID)
	case "resources/read":
		return s.handleResourcesRead(ctx, request.ID, request.Params)
	case "resources/templates/list":
		return s.handleResourcesTemplatesList(request.ID)
	case "prompts/list":
		return JSONRPCResponse{JSONRPC: "2.0", ID: request.ID, Result: map[string]any{"prompts": []any{}}}
	case "ping":
		return JSONRPCResponse{JSONRPC: "2.0", ID: request.ID, Result: map[string]any{}}
	default:
		return s.errorResponse(request.ID, -32601, "method not found: "+request.Method)
	}
}

func (s *Server) errorResponse(id any, code int, msg string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: msg},
	}
}

// errorFromTool renders a *mascerr.Error onto the wire using its own
// JSONRPCCode and details, so every error Kind maps onto a stable wire
// code.
func (s *Server) errorFromTool(id any, err error) JSONRPCResponse {
	if me, ok := err.(*mascerr.Error); ok {
		return JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &JSONRPCError{Code: me.JSONRPCCode(), Message: me.Error(), Data: me.Details},
		}
	}
	return s.errorResponse(id, -32603, err.Error())
}

func (s *Server) handleInitialize(id any, params json.RawMessage) JSONRPCResponse {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return s.errorResponse(id, -32602, "invalid params")
		}
	}
	result := InitializeResult{
		ProtocolVersion: "2025-06-18",
		Capabilities: Capabilities{
			Tools:     &struct{}{},
			Resources: &struct{}{},
		},
		ServerInfo:   s.info,
		Instructions: "Call join first to receive your nickname; use it for every subsequent tool call.",
	}
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) handleToolsList(id any) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: map[string]any{"tools": s.router.List()}}
}

// toolContent wraps a tool's return value as the `{content, isError}`
// shape tools/call responses carry.
func toolContent(value any, isErr bool, errMsg string) map[string]any {
	text := errMsg
	if !isErr {
		b, err := json.Marshal(value)
		if err != nil {
			text = err.Error()
			isErr = true
		} else {
			text = string(b)
		}
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": isErr,
	}
}

// mergeAgentName folds agentName into the arguments object so
// dispatch.Router.Call's stage-1 agent_name resolution sees it, matching
// the envelope shape internal/dispatch expects (agent_name alongside the
// tool's own fields in one JSON object).
func mergeAgentName(agentName string, arguments json.RawMessage) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &fields); err != nil {
			return nil, err
		}
	}
	if agentName != "" {
		fields["agent_name"] = agentName
	}
	return json.Marshal(fields)
}

func (s *Server) handleToolsCall(ctx context.Context, id any, params json.RawMessage) JSONRPCResponse {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return s.errorResponse(id, -32602, "invalid params")
	}
	if p.Tool == "" {
		return s.errorResponse(id, -32602, "missing tool name")
	}
	args, err := mergeAgentName(p.AgentName, p.Arguments)
	if err != nil {
		return s.errorResponse(id, -32602, "invalid arguments: "+err.Error())
	}

	res := s.router.Call(ctx, p.Tool, p.Token, args)
	if res.IsError {
		// Tool-level failures (unknown tool, version conflict, forbidden, ...)
		// render inside the result's `{content, isError}` shape rather than
		// as a top-level JSON-RPC error, so a client sees every tool outcome
		// through one uniform path.
		return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: toolContent(nil, true, res.Err.Error())}
	}
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: toolContent(res.Value, false, "")}
}

func (s *Server) handleResourcesList(id any) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: map[string]any{"resources": staticResources}}
}

func (s *Server) handleResourcesTemplatesList(id any) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: map[string]any{"resourceTemplates": staticResourceTemplates}}
}

func (s *Server) handleResourcesRead(ctx context.Context, id any, params json.RawMessage) JSONRPCResponse {
	var p ResourceReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return s.errorResponse(id, -32602, "invalid params")
	}
	value, err := s.readResource(ctx, p.URI)
	if err != nil {
		return s.errorFromTool(id, err)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return s.errorResponse(id, -32603, err.Error())
	}
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result: map[string]any{
			"contents": []map[string]any{{"uri": p.URI, "mimeType": "application/json", "text": string(b)}},
		},
	}
}

// readResource dispatches a masc:// URI onto the room's read-only views,
// honoring the optional since_seq and limit query params.
func (s *Server) readResource(ctx context.Context, uri string) (any, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "masc" {
		return nil, mascerr.ErrInvalidKey(uri, "not a masc:// resource URI")
	}
	path := u.Host
	if path == "" {
		path = strings.TrimPrefix(u.Path, "/")
	}
	q := u.Query()
	sinceSeq, _ := strconv.ParseInt(q.Get("since_seq"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	switch path {
	case "status":
		return s.room.State(ctx)
	case "tasks":
		return s.room.Tasks.List(ctx)
	case "messages":
		return s.room.Broadcast.GetMessages(ctx, sinceSeq, limit)
	case "events":
		return s.room.Broadcast.GetEvents(ctx, sinceSeq, limit)
	case "agents":
		return s.room.Registry.List(ctx)
	case "handovers":
		return s.room.Mitosis.Handovers(ctx)
	case "schema":
		return s.router.List(), nil
	default:
		return nil, mascerr.ErrKeyNotFound(uri)
	}
}

// ServeHTTP handles a single JSON-RPC request per HTTP POST, for deployments
// that front MASC over MASC_HTTP_PORT instead of (or alongside) stdio.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.errorResponse(nil, -32700, "parse error"))
		return
	}

	response := s.HandleRequest(r.Context(), request)
	if request.ID == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}
