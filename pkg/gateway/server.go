package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Config holds server configuration.
type Config struct {
	Host      string
	Port      int
	AuthToken string
}

// Server exposes the engine event stream to UI clients over websockets.
type Server struct {
	cfg         Config
	clients     *ClientRegistry
	broadcaster *EventBroadcaster
	upgrader    websocket.Upgrader
	server      *http.Server
	logger      zerolog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg Config, logger zerolog.Logger) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("auth token is required")
	}

	clients := NewClientRegistry()
	return &Server{
		cfg:         cfg,
		clients:     clients,
		broadcaster: NewEventBroadcaster(clients, logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}, nil
}

// Broadcaster returns the event broadcaster for sink wiring.
func (s *Server) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// Start begins serving. Non-blocking.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: mux,
	}

	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting gateway server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop closes client connections and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down gateway server")
	for _, client := range s.clients.All() {
		_ = client.Close()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the websocket endpoint handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	id, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		conn.Close()
		return
	}

	client := &Client{
		ID:          id,
		ConnectedAt: time.Now(),
		RemoteAddr:  r.RemoteAddr,
		conn:        conn,
	}
	s.clients.Add(client)
	s.logger.Info().Str("clientId", id).Str("remote", client.RemoteAddr).Msg("Client connected")

	go s.readLoop(client)
}

// authorized checks the shared token, accepted either as a bearer header or
// a query parameter for browser clients.
func (s *Server) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// readLoop drains inbound frames until the peer goes away. The stream is
// one-way; client frames are discarded.
func (s *Server) readLoop(client *Client) {
	defer func() {
		s.clients.Remove(client.ID)
		client.Close()
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
