// ABOUTME: WebSocket server - authenticates handshakes and hands connections to the relay.
// ABOUTME: A rejected credential never reaches the connection registry.

package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/2389/bazaar-relay/internal/auth"
	"github.com/2389/bazaar-relay/internal/registry"
	"github.com/2389/bazaar-relay/internal/relay"
	"github.com/2389/bazaar-relay/internal/store"
)

// DirectoryStore is what the HTTP API needs from storage
type DirectoryStore interface {
	CreateOrGetConversation(ctx context.Context, participantIDs []string, vendorID string) (*store.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]*store.Conversation, error)
}

// Server accepts WebSocket connections and serves the conversation
// directory API. It owns the transport boundary: everything past it speaks
// relay events, not HTTP.
type Server struct {
	verifier   auth.TokenVerifier
	registry   *registry.Registry
	dispatcher *relay.Dispatcher
	directory  DirectoryStore
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewServer wires the transport layer. Pass nil logger for default.
func NewServer(verifier auth.TokenVerifier, reg *registry.Registry, dispatcher *relay.Dispatcher, directory DirectoryStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		verifier:   verifier,
		registry:   reg,
		dispatcher: dispatcher,
		directory:  directory,
		logger:     logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The storefront fronts the relay; origin policy lives there.
				return true
			},
		},
	}
}

// Routes returns the HTTP mux for the relay
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/conversations", s.handleConversations)
	return mux
}

// authenticate extracts and verifies the handshake credential. Bearer header
// first, then the token query parameter (browsers cannot set headers on a
// WebSocket handshake).
func (s *Server) authenticate(r *http.Request) (string, error) {
	tokenString := ""
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", auth.ErrInvalidToken
		}
		tokenString = strings.TrimPrefix(header, "Bearer ")
	} else {
		tokenString = r.URL.Query().Get("token")
	}
	if tokenString == "" {
		return "", auth.ErrInvalidToken
	}
	return s.verifier.Verify(tokenString)
}

// handleWS upgrades the connection and registers it for its authenticated user
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		s.logger.Debug("handshake rejected", "error", err)
		http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return
	}

	c := newClient(s, conn)
	c.handle = s.registry.Register(userID, c)

	s.logger.Info("websocket connected",
		"user_id", userID,
		"connection_id", c.handle.ID)

	c.run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
