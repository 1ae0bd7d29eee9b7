package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/auth"
)

// TokenQueryParam carries the credential; browsers cannot set headers on a
// websocket handshake.
const TokenQueryParam = "token"

// WebSocketHandler authenticates and upgrades team connections
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	verifier          auth.Verifier
}

func NewWebSocketHandler(cm *ConnectionManager, verifier auth.Verifier) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		verifier:          verifier,
	}
}

// HandleConnection upgrades a credentialed request. The team comes from the
// credential, never from the query.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get(TokenQueryParam)
	if raw == "" {
		if bearer, err := auth.BearerToken(r); err == nil {
			raw = bearer
		}
	}
	if raw == "" {
		http.Error(w, "credential required", http.StatusUnauthorized)
		return
	}

	claims, err := h.verifier.Verify(raw)
	if err != nil {
		log.Debug().Err(err).Msg("rejected websocket credential")
		http.Error(w, auth.ErrInvalidToken.Error(), http.StatusUnauthorized)
		return
	}
	if claims.Team == "" && !claims.Admin {
		http.Error(w, "credential carries no team", http.StatusForbidden)
		return
	}

	if err := h.connectionManager.UpgradeConnection(w, r, claims.Team, claims.Admin); err != nil {
		// the upgrader has already written an HTTP error
		log.Error().Err(err).Str("team_id", claims.Team).Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.Stats()); err != nil {
		log.Warn().Err(err).Msg("failed to write stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.HandleConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
