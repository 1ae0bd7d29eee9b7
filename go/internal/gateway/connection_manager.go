package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// allTeams is the pool key for administrator connections, which see every event.
const allTeams = ""

// ConnectionManager manages WebSocket connections grouped by team
type ConnectionManager struct {
	teamConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader    websocket.Upgrader
	config      ConnectionConfig
	broadcastCh chan *TeamEvent
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID      string
	TeamID  string
	Admin   bool
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		teamConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan *TeamEvent, 1000),
	}
}

// Start processes broadcasts until ctx is done
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case event := <-cm.broadcastCh:
			cm.handleBroadcast(event)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket. An empty
// teamID is only valid for admin connections.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, teamID string, admin bool) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		TeamID:      teamID,
		Admin:       admin,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}

	cm.registerConnection(connection)
	connection.greet()

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("team_id", teamID).
		Bool("admin", admin).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) poolKey(conn *Connection) string {
	if conn.Admin && conn.TeamID == "" {
		return allTeams
	}
	return conn.TeamID
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	key := cm.poolKey(conn)
	if cm.teamConnections[key] == nil {
		cm.teamConnections[key] = make(map[*Connection]bool)
	}
	cm.teamConnections[key][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("team_id", key).
		Int("team_connections", len(cm.teamConnections[key])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	key := cm.poolKey(conn)
	connections, ok := cm.teamConnections[key]
	if !ok || !connections[conn] {
		return
	}
	delete(connections, conn)
	close(conn.Send)
	if len(connections) == 0 {
		delete(cm.teamConnections, key)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("team_id", conn.TeamID).
		Msg("connection unregistered")
}

// Broadcast queues an event. Team events reach that team and admin
// connections; exercise-wide events reach everyone.
func (cm *ConnectionManager) Broadcast(event *TeamEvent) {
	select {
	case cm.broadcastCh <- event:
	default:
		log.Warn().Str("team_id", event.TeamID).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) targets(teamID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var out []*Connection
	for key, connections := range cm.teamConnections {
		if teamID != "" && key != teamID && key != allTeams {
			continue
		}
		for conn := range connections {
			out = append(out, conn)
		}
	}
	return out
}

func (cm *ConnectionManager) handleBroadcast(event *TeamEvent) {
	targets := cm.targets(event.TeamID)
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		if !cm.enqueue(conn, data) {
			log.Warn().
				Str("connection_id", conn.ID).
				Str("team_id", conn.TeamID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("event_type", string(event.Type)).
		Str("team_id", event.TeamID).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// enqueue reports false when the connection cannot keep up. Sending is done
// under the read lock so it never races with close(conn.Send).
func (cm *ConnectionManager) enqueue(conn *Connection, data []byte) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if !cm.teamConnections[cm.poolKey(conn)][conn] {
		return true // already gone
	}
	select {
	case conn.Send <- data:
		return true
	default:
		return false
	}
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, connections := range cm.teamConnections {
		for conn := range connections {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		cm.unregisterConnection(conn)
	}
}

// ConnectionStats summarizes active connections
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveTeams      int            `json:"active_teams"`
	TeamConnections  map[string]int `json:"team_connections"`
}

func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{TeamConnections: make(map[string]int)}
	for key, connections := range cm.teamConnections {
		stats.TotalConnections += len(connections)
		if key == allTeams {
			key = "admin"
		} else {
			stats.ActiveTeams++
		}
		stats.TeamConnections[key] = len(connections)
	}
	return stats
}

func (c *Connection) greet() {
	data, err := json.Marshal(ConnectedPayload{ConnectionID: c.ID, TeamID: c.TeamID, Admin: c.Admin})
	if err != nil {
		return
	}
	frame, err := json.Marshal(TeamEvent{
		ID:        c.ID,
		TeamID:    c.TeamID,
		Type:      EventTypeConnected,
		Timestamp: c.ConnectedAt.UTC(),
		Data:      data,
	})
	if err != nil {
		return
	}
	c.Manager.enqueue(c, frame)
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump drains client frames; clients have nothing to say besides pongs
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close error")
			}
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
