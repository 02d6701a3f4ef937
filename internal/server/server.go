// Package server is MASC's HTTP front: an ada router and middleware chain
// carrying the JSON-RPC transport (pkg/mascrpc), a health/status surface,
// an SSE bridge over the in-process pub/sub hub, and the admin settings
// API (encryption key rotation).
package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/masc/internal/cluster"
	"github.com/rakunlabs/masc/internal/config"
	"github.com/rakunlabs/masc/internal/room"
	"github.com/rakunlabs/masc/internal/storage"
	"github.com/rakunlabs/masc/pkg/mascrpc"
)

// KeyRotator re-encrypts every stored value under a new key and swaps the
// active key afterwards; implemented by the encrypting storage decorator.
// nil when encryption is disabled.
type KeyRotator interface {
	RotateKey(ctx context.Context, newKey []byte) error
	SwapKey(newKey []byte)
}

type Server struct {
	config config.Config

	server *ada.Server

	rpc     *mascrpc.Server
	room    *room.Room
	store   storage.Store
	rotator KeyRotator

	// cluster is the optional distributed coordination layer (alan).
	// nil when clustering is not configured (single-instance mode).
	cluster *cluster.Cluster
}

// New builds the router: middleware chain first, then the JSON-RPC mount,
// the read-only HTTP views, and the admin settings group.
func New(cfg config.Config, rpc *mascrpc.Server, rm *room.Room, store storage.Store, rotator KeyRotator, cl *cluster.Cluster) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:  cfg,
		server:  mux,
		rpc:     rpc,
		room:    rm,
		store:   store,
		rotator: rotator,
		cluster: cl,
	}

	baseGroup := mux.Group("")

	// JSON-RPC over HTTP: one request per POST, same method surface as the
	// stdio transport. Preflight is handled by the cors middleware.
	baseGroup.POST("/rpc", s.rpc.ServeHTTP)

	baseGroup.GET("/health", s.HealthAPI)

	apiGroup := baseGroup.Group("/api")

	apiGroup.GET("/v1/status", s.StatusAPI)
	apiGroup.GET("/v1/agents", s.AgentsAPI)
	apiGroup.GET("/v1/tasks", s.TasksAPI)
	apiGroup.GET("/v1/events/stream", s.EventStreamAPI)

	// Settings API (protected by admin token).
	settingsGroup := apiGroup.Group("/v1/settings")
	settingsGroup.Use(s.adminAuthMiddleware())
	settingsGroup.POST("/rotate-key", s.RotateKeyAPI)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.HTTPHost, s.config.HTTPPort))
}

// HealthAPI reports backend reachability, so orchestrators can gate traffic
// on the storage layer actually answering.
func (s *Server) HealthAPI(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		httpResponse(w, "storage backend unhealthy: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	httpResponse(w, "ok", http.StatusOK)
}

// StatusAPI serves the room state document, the HTTP twin of the
// masc://status resource.
func (s *Server) StatusAPI(w http.ResponseWriter, r *http.Request) {
	rs, err := s.room.State(r.Context())
	if err != nil {
		httpResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	httpResponseJSON(w, rs, http.StatusOK)
}

func (s *Server) AgentsAPI(w http.ResponseWriter, r *http.Request) {
	agents, err := s.room.Registry.List(r.Context())
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, agents, http.StatusOK)
}

func (s *Server) TasksAPI(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.room.Tasks.List(r.Context())
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, tasks, http.StatusOK)
}

// adminAuthMiddleware protects admin endpoints. If no admin_token is
// configured, all admin requests are rejected with 403. If configured,
// requests must provide a matching Authorization: Bearer <token> header.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth || token != s.config.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
