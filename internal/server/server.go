package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gravitas-games/crafting/internal/config"
	"github.com/gravitas-games/crafting/internal/crafting"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/network"
)

// Deps are the collaborators the server exposes over the wire.
type Deps struct {
	Service *crafting.Service
	Events  crafting.EventBus
	Items   *inventory.Registry
	// Auth defaults to the query-parameter authenticator when the config
	// allows insecure mode.
	Auth Authenticator
	// AutoCraft, when set, reports the scheduler's load on /health.
	AutoCraft AutoCraftMonitor
}

// AutoCraftMonitor is the view of the auto-craft scheduler the health check uses.
type AutoCraftMonitor interface {
	Active() int
}

// Server serves player commands over websockets and admin operations over HTTP
type Server struct {
	config   *config.Config
	service  *crafting.Service
	items    *inventory.Registry
	auth     Authenticator
	auto     AutoCraftMonitor
	sessions *Sessions
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	// Shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new server instance
func New(cfg *config.Config, deps Deps) (*Server, error) {
	auth := deps.Auth
	if auth == nil {
		if !cfg.JWT.Insecure {
			return nil, errors.New("no authenticator configured")
		}
		log.Println("WARNING: insecure mode, players are identified by the player query parameter")
		auth = devAuthenticator{}
	}
	events := deps.Events
	if events == nil {
		events = crafting.NullEventBus{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		config:   cfg,
		service:  deps.Service,
		items:    deps.Items,
		auth:     auth,
		auto:     deps.AutoCraft,
		sessions: NewSessions(events),
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Tokens are not cookies, so cross-origin upgrades carry no ambient credentials.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	return srv, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.registerAdminRoutes(mux)
	return mux
}

// Start begins listening for connections. It blocks until Shutdown.
func (s *Server) Start(addr string) error {
	log.Printf("Starting crafting server on %s", addr)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("WebSocket endpoint: ws://%s/ws", addr)
	log.Printf("Admin endpoint: http://%s/admin/", addr)

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")

	s.cancel()

	var err error
	if s.httpSrv != nil {
		if err = s.httpSrv.Shutdown(ctx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}

	s.sessions.CloseAll()

	log.Println("Server shutdown complete")
	return err
}

// handleWebSocket handles WebSocket connection requests
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	player, err := s.auth.Authenticate(r)
	if err != nil {
		log.Printf("Rejected websocket from %s: %v", r.RemoteAddr, err)
		writeJSON(w, http.StatusUnauthorized, network.ErrorPayload{
			Code:    network.ErrCodeNotAuthenticated,
			Message: "invalid token: " + err.Error(),
		})
		return
	}

	// Echo the subprotocol back so browsers accept the handshake.
	var header http.Header
	if parts := parseProtocols(r.Header.Get("Sec-WebSocket-Protocol")); len(parts) == 2 && parts[0] == "access_token" {
		header = http.Header{"Sec-WebSocket-Protocol": {"access_token"}}
	}
	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	player.ConnectedAt = time.Now()
	conn := NewConnection(ws, s, player)
	s.sessions.Add(conn.playerID(), conn)
	log.Printf("WebSocket connection established: %s (%s) from %s", player.Username, player.ID, r.RemoteAddr)

	conn.Handle()

	log.Printf("WebSocket connection closed: %s (%s)", player.Username, player.ID)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Status    string        `json:"status"`
		Sessions  SessionStatus `json:"sessions"`
		AutoCraft int           `json:"auto_craft_active"`
	}{Status: "ok", Sessions: s.sessions.Status()}
	if s.auto != nil {
		body.AutoCraft = s.auto.Active()
	}
	writeJSON(w, http.StatusOK, body)
}
