package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/semanticcity/server/internal/chunkcache"
	"github.com/semanticcity/server/internal/compression"
	"github.com/semanticcity/server/internal/config"
	"github.com/semanticcity/server/internal/logging"
	"github.com/semanticcity/server/internal/performance"
	"github.com/semanticcity/server/internal/streaming"
	"github.com/semanticcity/server/internal/world"
)

const (
	// Supported WebSocket protocol versions
	ProtocolVersion1 = "semcity-v1"

	// Default ping interval (30 seconds)
	defaultPingInterval = 30 * time.Second

	// Pong wait timeout (60 seconds)
	pongWait = 60 * time.Second

	// Write timeout (10 seconds)
	writeTimeout = 10 * time.Second

	sendBufferSize = 256
)

// WebSocketConnection represents an active WebSocket connection
type WebSocketConnection struct {
	conn     *websocket.Conn
	id       string
	version  string
	hub      *WebSocketHub
	registry *streaming.Registry
	logger   *logrus.Entry

	// ctx bounds every chunk load started for this connection.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// WebSocketHub manages all active WebSocket connections
type WebSocketHub struct {
	connections map[*WebSocketConnection]bool
	broadcast   chan []byte
	register    chan *WebSocketConnection
	unregister  chan *WebSocketConnection
	done        chan struct{}
	mu          sync.RWMutex
	logger      *logrus.Entry
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WebSocketError represents an error message sent over WebSocket
type WebSocketError struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ChunkDataPayload carries one streamed chunk. Exactly one of Record and
// Compressed is set, depending on the subscription's compress flag.
type ChunkDataPayload struct {
	SubscriptionID string                       `json:"subscription_id"`
	ChunkID        string                       `json:"chunk_id"`
	Cache          string                       `json:"cache"`
	Record         *world.ChunkRecord           `json:"record,omitempty"`
	Compressed     *compression.CompressedChunk `json:"compressed,omitempty"`
}

// ChunkErrorPayload reports a chunk that could not be loaded after retries.
type ChunkErrorPayload struct {
	SubscriptionID string `json:"subscription_id"`
	ChunkID        string `json:"chunk_id"`
	ErrorKind      string `json:"errorKind"`
	Message        string `json:"message"`
	Attempts       int    `json:"attempts"`
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(logger logrus.FieldLogger) *WebSocketHub {
	return &WebSocketHub{
		connections: make(map[*WebSocketConnection]bool),
		broadcast:   make(chan []byte, sendBufferSize),
		register:    make(chan *WebSocketConnection),
		unregister:  make(chan *WebSocketConnection),
		done:        make(chan struct{}),
		logger:      logging.Component(logger, "websocket"),
	}
}

// Run starts the hub's main loop. It returns when ctx is done, closing every
// remaining connection.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.connections {
				conn.close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn] = true
			h.mu.Unlock()
			h.logger.WithFields(logrus.Fields{
				"connection": conn.id,
				"version":    conn.version,
			}).Info("WebSocket connection registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				conn.close()
			}
			h.mu.Unlock()
			h.logger.WithField("connection", conn.id).Info("WebSocket connection unregistered")

		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if !conn.queue(message) {
					conn.close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all connected clients
func (h *WebSocketHub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("Broadcast dropped: hub backlog full")
	}
}

// Len returns the number of registered connections.
func (h *WebSocketHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// WebSocketHandlers handles WebSocket connections
type WebSocketHandlers struct {
	hub      *WebSocketHub
	cache    *chunkcache.Cache
	config   *config.Config
	profiler *performance.Profiler
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   *logrus.Entry
}

// NewWebSocketHandlers creates a new WebSocket handlers instance
func NewWebSocketHandlers(cache *chunkcache.Cache, cfg *config.Config, profiler *performance.Profiler, logger logrus.FieldLogger) *WebSocketHandlers {
	allowedOrigins := cfg.Server.AllowedOrigins

	return &WebSocketHandlers{
		hub:      NewWebSocketHub(logger),
		cache:    cache,
		config:   cfg,
		profiler: profiler,
		validate: validator.New(),
		logger:   logging.Component(logger, "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
	}
}

// HandleWebSocket handles WebSocket connection upgrades
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Negotiate protocol version
	requestedVersions := r.Header.Get("Sec-WebSocket-Protocol")
	selectedVersion := h.negotiateVersion(requestedVersions)
	if selectedVersion == "" {
		h.logger.WithField("requested", requestedVersions).Warn("WebSocket version negotiation failed")
		respondWithError(w, http.StatusBadRequest, ErrorKindInvalidParams, "Unsupported protocol version")
		return
	}

	// Echo the selected protocol only when the client offered one
	responseHeaders := http.Header{}
	if requestedVersions != "" {
		responseHeaders.Set("Sec-WebSocket-Protocol", selectedVersion)
	}

	conn, err := h.upgrader.Upgrade(w, r, responseHeaders)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	// The request context ends when this handler returns, so loads get their own.
	ctx, cancel := context.WithCancel(context.Background())
	wsConn := &WebSocketConnection{
		conn:    conn,
		id:      uuid.NewString(),
		version: selectedVersion,
		send:    make(chan []byte, sendBufferSize),
		hub:     h.hub,
		ctx:     ctx,
		cancel:  cancel,
	}
	wsConn.logger = h.logger.WithField("connection", wsConn.id)
	wsConn.registry = streaming.NewRegistry(h.cache.Config(), h.config.Streaming.MaxRadius, h.managerFactory(wsConn), h.logger)

	select {
	case h.hub.register <- wsConn:
	case <-h.hub.done:
		cancel()
		_ = conn.Close()
		return
	}

	go wsConn.writePump()
	go wsConn.readPump(h)
}

// managerFactory builds subscription managers that stream every finished load
// back to conn.
func (h *WebSocketHandlers) managerFactory(conn *WebSocketConnection) streaming.ManagerFactory {
	return func(sub *streaming.Subscription) *streaming.Manager {
		subID, compress := sub.ID, sub.Request.Compress
		return streaming.NewManager(streaming.CacheLoader{Cache: h.cache}, h.cache.Config(),
			streaming.WithRadius(sub.Radius),
			streaming.WithMaxRetries(h.config.Streaming.MaxRetries),
			streaming.WithRetryBackoff(h.config.Streaming.RetryBackoff),
			streaming.WithEvictionRadius(h.config.Streaming.EvictionRadius),
			streaming.WithLogger(conn.logger),
			streaming.OnLoad(func(ev streaming.LoadEvent) {
				// Unsubscribed while the load was running.
				if !sub.Active() {
					return
				}
				h.sendChunkEvent(conn, subID, compress, ev)
			}),
		)
	}
}

// negotiateVersion selects the highest supported protocol version
func (h *WebSocketHandlers) negotiateVersion(requested string) string {
	if requested == "" {
		// Default to v1 if no version specified
		return ProtocolVersion1
	}

	// Parse requested versions (comma-separated)
	requestedVersions := strings.Split(requested, ",")
	for i := range requestedVersions {
		requestedVersions[i] = strings.TrimSpace(requestedVersions[i])
	}

	// Supported versions in order (highest first)
	supportedVersions := []string{ProtocolVersion1}

	for _, supported := range supportedVersions {
		for _, requested := range requestedVersions {
			if requested == supported {
				return supported
			}
		}
	}

	return ""
}

// queue enqueues a frame without blocking. Returns false when the connection
// is closed or its buffer is full.
func (c *WebSocketConnection) queue(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// close stops outstanding loads and ends the write pump. Safe to call twice.
func (c *WebSocketConnection) close() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump handles incoming messages from the WebSocket connection
func (c *WebSocketConnection) readPump(handlers *WebSocketHandlers) {
	defer func() {
		c.cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		if err := c.conn.Close(); err != nil {
			c.logger.WithError(err).Debug("Failed to close connection")
		}
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.WithError(err).Warn("Failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("WebSocket read error")
			}
			break
		}

		var msg WebSocketMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.sendError("", "Invalid message format", "InvalidMessageFormat")
			continue
		}

		handlers.handleMessage(c, &msg)
	}
}

// writePump handles outgoing messages to the WebSocket connection
func (c *WebSocketConnection) writePump() {
	ticker := time.NewTicker(defaultPingInterval)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.logger.WithError(err).Debug("Failed to close connection")
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message; clients parse each frame as a single JSON document.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.WithError(err).Debug("WebSocket write failed")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMessage marshals data into a typed message and queues it
func (c *WebSocketConnection) sendMessage(msgType, id string, data interface{}) {
	var raw json.RawMessage
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			c.logger.WithError(err).WithField("type", msgType).Error("Failed to marshal payload")
			return
		}
		raw = payload
	}

	messageBytes, err := json.Marshal(WebSocketMessage{Type: msgType, ID: id, Data: raw})
	if err != nil {
		c.logger.WithError(err).WithField("type", msgType).Error("Failed to marshal message")
		return
	}
	if !c.queue(messageBytes) {
		c.logger.WithField("type", msgType).Warn("Message dropped: connection closed or send buffer full")
	}
}

// sendError sends an error message to the client
func (c *WebSocketConnection) sendError(id, errorMsg, code string) {
	errorResp := WebSocketError{
		Type:    "error",
		ID:      id,
		Error:   errorMsg,
		Message: errorMsg,
		Code:    code,
	}

	messageBytes, err := json.Marshal(errorResp)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal error message")
		return
	}
	if !c.queue(messageBytes) {
		c.logger.Warn("Failed to send error message: channel full")
	}
}

// handleMessage routes messages to appropriate handlers
func (h *WebSocketHandlers) handleMessage(conn *WebSocketConnection, msg *WebSocketMessage) {
	switch msg.Type {
	case "ping":
		conn.sendMessage("pong", msg.ID, nil)
	case "stream_subscribe":
		h.handleStreamSubscribe(conn, msg)
	case "stream_update_pose":
		h.handleStreamUpdatePose(conn, msg)
	case "stream_unsubscribe":
		h.handleStreamUnsubscribe(conn, msg)
	default:
		conn.sendError(msg.ID, "Unknown message type", "UnknownMessageType")
	}
}

// decode unmarshals and validates a message payload
func (h *WebSocketHandlers) decode(msg *WebSocketMessage, v interface{}) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("missing data")
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return err
	}
	return h.validate.Struct(v)
}

func (h *WebSocketHandlers) handleStreamSubscribe(conn *WebSocketConnection, msg *WebSocketMessage) {
	var req streaming.SubscriptionRequest
	if err := h.decode(msg, &req); err != nil {
		conn.sendError(msg.ID, fmt.Sprintf("Invalid stream_subscribe payload: %v", err), "InvalidMessageFormat")
		return
	}

	op := h.profiler.Start("ws.stream_subscribe")
	defer op.End()

	plan, err := conn.registry.PlanSubscription(conn.ctx, req)
	if err != nil {
		conn.sendError(msg.ID, err.Error(), "InvalidSubscription")
		return
	}
	conn.sendMessage("stream_ack", msg.ID, plan)
}

func (h *WebSocketHandlers) handleStreamUpdatePose(conn *WebSocketConnection, msg *WebSocketMessage) {
	var pose streaming.Pose
	if err := h.decode(msg, &pose); err != nil {
		conn.sendError(msg.ID, fmt.Sprintf("Invalid stream_update_pose payload: %v", err), "InvalidMessageFormat")
		return
	}

	op := h.profiler.Start("ws.stream_update_pose")
	defer op.End()

	delta, err := conn.registry.UpdatePose(conn.ctx, pose)
	if err != nil {
		conn.sendError(msg.ID, err.Error(), "SubscriptionNotFound")
		return
	}
	conn.sendMessage("stream_delta", msg.ID, delta)
}

func (h *WebSocketHandlers) handleStreamUnsubscribe(conn *WebSocketConnection, msg *WebSocketMessage) {
	var req struct {
		SubscriptionID string `json:"subscription_id" validate:"required"`
	}
	if err := h.decode(msg, &req); err != nil {
		conn.sendError(msg.ID, fmt.Sprintf("Invalid stream_unsubscribe payload: %v", err), "InvalidMessageFormat")
		return
	}
	if !conn.registry.RemoveSubscription(req.SubscriptionID) {
		conn.sendError(msg.ID, fmt.Sprintf("subscription %s not found", req.SubscriptionID), "SubscriptionNotFound")
		return
	}
	conn.sendMessage("stream_unsubscribed", msg.ID, req)
}

// sendChunkEvent forwards one finished load to the client as chunk_data or chunk_error.
func (h *WebSocketHandlers) sendChunkEvent(conn *WebSocketConnection, subscriptionID string, compress bool, ev streaming.LoadEvent) {
	if ev.Err != nil {
		if conn.ctx.Err() != nil {
			return
		}
		_, kind := classifyError(ev.Err)
		conn.sendMessage("chunk_error", "", ChunkErrorPayload{
			SubscriptionID: subscriptionID,
			ChunkID:        ev.Coord.String(),
			ErrorKind:      kind,
			Message:        ev.Err.Error(),
			Attempts:       ev.Attempts,
		})
		return
	}

	payload := ChunkDataPayload{
		SubscriptionID: subscriptionID,
		ChunkID:        ev.Coord.String(),
		Cache:          "miss",
	}
	if ev.Hit {
		payload.Cache = "hit"
	}
	if compress {
		compressed, err := compression.CompressRecord(ev.Record)
		if err != nil {
			conn.logger.WithError(err).WithField("chunk", payload.ChunkID).Error("Failed to compress chunk")
			return
		}
		payload.Compressed = compressed
	} else {
		payload.Record = ev.Record
	}
	h.profiler.Incr("ws.chunks_sent")
	conn.sendMessage("chunk_data", "", payload)
}

// AnnounceVersion tells every connected client the world version changed.
func (h *WebSocketHandlers) AnnounceVersion(version int) {
	messageBytes, err := json.Marshal(struct {
		Type string         `json:"type"`
		Data map[string]int `json:"data"`
	}{Type: "world_version", Data: map[string]int{"version": version}})
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal world_version")
		return
	}
	h.hub.Broadcast(messageBytes)
}

// GetHub returns the WebSocket hub
func (h *WebSocketHandlers) GetHub() *WebSocketHub {
	return h.hub
}
