package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/service"
)

// TokenValidator resolves a bearer token to its claims.
type TokenValidator interface {
	ValidateToken(token string) (*service.Claims, error)
}

// Server upgrades authenticated requests to feed connections.
type Server struct {
	hub          *Hub
	tokens       TokenValidator
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	base         context.Context
}

// NewServer builds the feed endpoint. Connections live until the client leaves or
// base is cancelled.
func NewServer(base context.Context, hub *Hub, tokens TokenValidator, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Server{
		hub:          hub,
		tokens:       tokens,
		logger:       logger,
		writeTimeout: writeTimeout,
		base:         base,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS serves GET /ws?token=<jwt>. A bearer Authorization header is accepted too.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token = strings.TrimSpace(parts[1])
		}
	}
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return
	}
	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connection := NewConnection(claims.AccountID, conn, s.writeTimeout, s.logger, s.hub.Remove)
	s.hub.Add(connection)

	go connection.Start(s.base)
	s.logger.Info("feed connected", zap.String("account_id", claims.AccountID))
}
