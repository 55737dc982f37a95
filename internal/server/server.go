package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/wtfzdotnet/storyteller-sub002/internal/auth"
	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
	"github.com/wtfzdotnet/storyteller-sub002/internal/ratelimit"
	"github.com/wtfzdotnet/storyteller-sub002/internal/service/consensus"
	"github.com/wtfzdotnet/storyteller-sub002/internal/storage"
)

// Server is the Storyteller HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Operators, Limiter, Broker, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Service   *consensus.Service
	Store     storage.Store
	StoreName string
	JWTMgr    *auth.JWTManager
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Operators *auth.Registry
	Limiter   ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Service:             cfg.Service,
		Store:               cfg.Store,
		StoreName:           cfg.StoreName,
		JWTMgr:              cfg.JWTMgr,
		Operators:           cfg.Operators,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	authRL := ratelimit.Middleware(limiter, "auth", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	voteRL := ratelimit.Middleware(limiter, "votes", operatorKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	readAccess := requireAccess(model.AccessReader)
	voteAccess := requireAccess(model.AccessVoter)
	intervenerAccess := requireAccess(model.AccessIntervener)
	adminOnly := requireAccess(model.AccessAdmin)

	// Consensus processes. Voters drive the process; readers observe it.
	mux.Handle("POST /v1/consensus", voteAccess(http.HandlerFunc(h.HandleInitiateConsensus)))
	mux.Handle("GET /v1/consensus/{id}", readAccess(http.HandlerFunc(h.HandleGetConsensus)))
	mux.Handle("POST /v1/consensus/{id}/votes", voteAccess(voteRL(http.HandlerFunc(h.HandleSubmitVote))))
	mux.Handle("POST /v1/consensus/{id}/iterate", voteAccess(http.HandlerFunc(h.HandleIterate)))
	mux.Handle("POST /v1/consensus/{id}/auto-resolve", voteAccess(http.HandlerFunc(h.HandleAutoResolve)))
	mux.Handle("GET /v1/consensus/{id}/report", readAccess(http.HandlerFunc(h.HandleReport)))
	mux.Handle("POST /v1/consensus/{id}/escalate", voteAccess(http.HandlerFunc(h.HandleEscalate)))
	mux.Handle("GET /v1/conversations/{conversation_id}/consensus", readAccess(http.HandlerFunc(h.HandleListConversationConsensus)))

	// Manual interventions. Only interveners may decide; cancelling is admin-only.
	mux.Handle("GET /v1/conversations/{conversation_id}/interventions", readAccess(http.HandlerFunc(h.HandleConversationInterventions)))
	mux.Handle("GET /v1/interventions/pending", readAccess(http.HandlerFunc(h.HandlePendingInterventions)))
	mux.Handle("GET /v1/interventions/{id}", readAccess(http.HandlerFunc(h.HandleGetIntervention)))
	mux.Handle("POST /v1/interventions/{id}/resolve", intervenerAccess(http.HandlerFunc(h.HandleResolveIntervention)))
	mux.Handle("POST /v1/interventions/{id}/cancel", adminOnly(http.HandlerFunc(h.HandleCancelIntervention)))

	// Subscription endpoint (reader+, no rate limit; long-lived connection).
	mux.Handle("GET /v1/subscribe", readAccess(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport (auth required, reader+; tools check
	// their own access level).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readAccess(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// operatorKeyFunc keys vote rate limits by operator. Admins are exempt.
func operatorKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.AccessAtLeast(claims.Access, model.AccessAdmin) {
		return ""
	}
	return claims.OperatorID
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
