// Package gateway exposes deck state and commands over WebSocket. The
// transport gives at-least-once delivery with no cross-frame ordering
// guarantees; clients reconcile on the version carried in every state
// broadcast, so the gateway never needs to sequence frames itself.
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
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/decksync/decksync/internal/protocol"
	"github.com/decksync/decksync/internal/timeline"
)

// Router receives validated inbound commands from client connections.
type Router interface {
	RouteCommand(cmd protocol.Command)
}

// ResyncSource provides the full-state snapshot sent to every new
// connection.
type ResyncSource interface {
	SnapshotAll() map[timeline.DeckKey]timeline.State
}

// ConnectionManager owns every client WebSocket and fans deck state out
// to all of them.
type ConnectionManager struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	router Router
	resync ResyncSource
	clock  clockwork.Clock

	broadcastCh chan []byte
}

// Connection is one client WebSocket.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds WebSocket tuning.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a WebSocket connection manager.
func NewConnectionManager(config ConnectionConfig, router Router, resync ResyncSource, clock clockwork.Clock) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		router:      router,
		resync:      resync,
		clock:       clock,
		broadcastCh: make(chan []byte, 1000),
	}
}

// Start begins processing broadcast messages.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case frame := <-cm.broadcastCh:
			cm.handleBroadcast(frame)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket and sends
// the initial full-state resync.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)

	// A reconnecting client must not extrapolate from stale state: the
	// very first frame is the full snapshot plus the server clock.
	if frame, err := cm.resyncFrame(); err == nil {
		connection.Send <- frame
	} else {
		log.Error().Err(err).Msg("failed to build resync frame")
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Msg("WebSocket connection established")

	return nil
}

// resyncFrame marshals a Resync envelope from the current snapshots.
func (cm *ConnectionManager) resyncFrame() ([]byte, error) {
	decks := make(map[string]timeline.State)
	for k, st := range cm.resync.SnapshotAll() {
		decks[string(k)] = st
	}
	now := cm.clock.Now()
	payload := protocol.Resync{
		Decks:      decks,
		ServerTime: float64(now.UnixNano()) / float64(time.Second),
	}
	env, err := protocol.Wrap(protocol.TypeResync, now, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.connections[conn]; exists {
		delete(cm.connections, conn)
		close(conn.Send)

		log.Info().
			Str("connection_id", conn.ID).
			Msg("connection unregistered")
	}
}

// BroadcastState fans one deck's authoritative state out to every
// connected client. Never blocks the caller.
func (cm *ConnectionManager) BroadcastState(deck timeline.DeckKey, st timeline.State) {
	env, err := protocol.Wrap(protocol.TypeState, cm.clock.Now(), protocol.StateBroadcast{
		Deck:  string(deck),
		State: st,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to wrap state broadcast")
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal state broadcast")
		return
	}

	select {
	case cm.broadcastCh <- frame:
	default:
		log.Warn().Str("deck", string(deck)).Msg("broadcast channel full, dropping frame")
	}
}

// handleBroadcast fans a marshaled frame out to every connection.
func (cm *ConnectionManager) handleBroadcast(frame []byte) {
	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.connections))
	for conn := range cm.connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.Send <- frame:
		default:
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().Int("connections", len(targets)).Msg("state frame broadcasted")
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return map[string]interface{}{
		"total_connections": len(cm.connections),
	}
}

// writePump handles sending messages to the WebSocket connection.
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
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the WebSocket connection.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage parses an inbound frame and routes deck commands.
func (c *Connection) handleClientMessage(message []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		log.Warn().
			Str("connection_id", c.ID).
			Err(err).
			Msg("unparseable client frame dropped")
		return
	}

	payload, err := protocol.Parse(env)
	if err != nil {
		log.Warn().
			Str("connection_id", c.ID).
			Err(err).
			Msg("unknown client frame dropped")
		return
	}

	switch msg := payload.(type) {
	case protocol.Command:
		c.Manager.router.RouteCommand(msg)
	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", string(env.Type)).
			Msg("non-command client frame ignored")
	}
}
