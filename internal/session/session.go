// Package session implements the session registry and role/token
// authorization: per-agent liveness bookkeeping plus a JWT-backed
// credential contract with per-agent role tokens.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/storage"
)

// sessionKeyPrefix namespaces the persisted per-agent session documents,
// written on register/unregister so restarts can restore active sessions.
const sessionKeyPrefix = "sessions:"

func sessionKey(agent string) string { return sessionKeyPrefix + agent }

// agentSession is per-agent bookkeeping mirrored to storage under
// sessionKey so a restart can restore the active set before the first
// heartbeat repopulates it in memory.
type agentSession struct {
	LastActivity time.Time `json:"last_activity"`
	Listening    bool      `json:"listening"`
}

// Registry holds per-agent session state (persisted to store on register
// and unregister) and the rate limiter.
type Registry struct {
	store storage.Store

	mu       sync.Mutex
	sessions map[string]*agentSession

	RateLimiter *RateLimiter
}

// NewRegistry constructs a Registry backed by store. store may be nil for
// tests that don't need persistence; persistence calls are then skipped.
func NewRegistry(store storage.Store) *Registry {
	return &Registry{
		store:       store,
		sessions:    make(map[string]*agentSession),
		RateLimiter: NewRateLimiter(),
	}
}

// Restore loads every previously persisted session back into memory, so an
// agent that heartbeats after a restart finds its listening flag and last
// activity intact rather than starting from a blank slate. Called once at
// startup after the Registry is constructed.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	rows, err := r.store.GetAll(ctx, sessionKeyPrefix)
	if err != nil {
		return mascerr.ErrOperationFailed("restore_sessions", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		agent := row.Key[len(sessionKeyPrefix):]
		var s agentSession
		if err := json.Unmarshal([]byte(row.Value), &s); err != nil {
			continue
		}
		r.sessions[agent] = &s
	}
	return nil
}

func (r *Registry) persist(agent string, s agentSession) {
	if r.store == nil {
		return
	}
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := r.store.Set(context.Background(), sessionKey(agent), string(b)); err != nil {
		slog.Warn("session: persist failed", "agent", agent, "error", err)
	}
}

func (r *Registry) Touch(agent string) {
	r.mu.Lock()
	s, ok := r.sessions[agent]
	if !ok {
		s = &agentSession{}
		r.sessions[agent] = s
	}
	s.LastActivity = time.Now().UTC()
	snapshot := *s
	r.mu.Unlock()
	r.persist(agent, snapshot)
}

func (r *Registry) SetListening(agent string, listening bool) {
	r.mu.Lock()
	s, ok := r.sessions[agent]
	if !ok {
		s = &agentSession{}
		r.sessions[agent] = s
	}
	s.Listening = listening
	snapshot := *s
	r.mu.Unlock()
	r.persist(agent, snapshot)
}

// IsListening reports whether agent's session has the listening flag set.
func (r *Registry) IsListening(agent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[agent]
	return ok && s.Listening
}

// Remove deletes agent's in-memory and persisted session state.
func (r *Registry) Remove(agent string) {
	r.mu.Lock()
	delete(r.sessions, agent)
	r.mu.Unlock()
	if r.store == nil {
		return
	}
	if _, err := r.store.Delete(context.Background(), sessionKey(agent)); err != nil {
		slog.Warn("session: unregister persist failed", "agent", agent, "error", err)
	}
}

// claims is the JWT payload for an issued credential token.
type claims struct {
	AgentName string    `json:"agent_name"`
	Role      model.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authority issues and verifies credential tokens.
type Authority struct {
	signingKey []byte
}

func NewAuthority(signingKey []byte) *Authority {
	return &Authority{signingKey: signingKey}
}

// GenerateSigningKey returns 32 random bytes suitable as an Authority key
// when none is configured.
func GenerateSigningKey() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, mascerr.ErrOperationFailed("generate_signing_key", err)
	}
	return b, nil
}

// IssueToken mints a token for agentName with the given role, valid for
// ttl. The plaintext token is returned once; only its hash should be
// persisted as a model.Credential.
func (a *Authority) IssueToken(agentName string, role model.Role, ttl time.Duration) (token string, cred model.Credential, err error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	c := claims{
		AgentName: agentName,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   agentName,
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(a.signingKey)
	if err != nil {
		return "", model.Credential{}, mascerr.ErrOperationFailed("issue_token", err)
	}
	return signed, model.Credential{
		AgentName: agentName,
		TokenHash: HashToken(signed),
		Role:      role,
		CreatedAt: now,
		ExpiresAt: &expiresAt,
	}, nil
}

// HashToken derives the value stored alongside a Credential so the
// plaintext token is never persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Verify parses and validates token, returning the agent name and role it
// carries, or a typed InvalidToken/TokenExpired error.
func (a *Authority) Verify(token string) (agentName string, role model.Role, err error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		return a.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", mascerr.ErrTokenExpired()
		}
		return "", "", mascerr.ErrInvalidToken()
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", "", mascerr.ErrInvalidToken()
	}
	return c.AgentName, c.Role, nil
}

// rolePermissions is the fixed per-role action allow-list consulted by
// Authorize.
var rolePermissions = map[model.Role]map[string]bool{
	model.RoleReader: {
		"join": true, "leave": true, "heartbeat": true,
		"list_agents": true, "list_tasks": true, "get_task": true,
		"get_messages": true, "wait_for_message": true, "list_portals": true,
		"get_cell_status": true,
	},
	model.RoleWorker: {}, // filled in below from Reader plus mutating tools
	model.RoleAdmin:  {}, // filled in below: everything
}

var adminOnlyTools = map[string]bool{
	"init_room": true, "reset_room": true, "interrupt": true, "approve": true,
	"issue_token": true,
}

func init() {
	for k, v := range rolePermissions[model.RoleReader] {
		rolePermissions[model.RoleWorker][k] = v
	}
	for _, tool := range []string{
		"add_task", "claim", "claim_next",
		"start", "done", "cancel", "release", "update_priority", "gc",
		"broadcast", "send_direct", "listen", "acquire_lock", "release_lock",
		"extend_lock", "portal_open", "portal_close", "portal_send",
		"memento_mori", "prepare_for_division", "execute_mitosis",
	} {
		rolePermissions[model.RoleWorker][tool] = true
	}
	for k, v := range rolePermissions[model.RoleWorker] {
		rolePermissions[model.RoleAdmin][k] = v
	}
	for tool := range adminOnlyTools {
		rolePermissions[model.RoleAdmin][tool] = true
	}
}

// Authorize checks whether role may invoke tool, returning a Forbidden
// error if not. The dispatch router rejects unknown tool names before this
// check runs, so every name reaching here is in the catalogue.
func Authorize(agent string, role model.Role, tool string) error {
	if adminOnlyTools[tool] && role != model.RoleAdmin {
		return mascerr.ErrForbidden(agent, tool)
	}
	allowed, known := rolePermissions[role]
	if !known {
		return mascerr.ErrForbidden(agent, tool)
	}
	if _, ok := allowed[tool]; !ok {
		return mascerr.ErrForbidden(agent, tool)
	}
	return nil
}
