package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/mifare-agent/internal/classic"
	"github.com/SimplyPrint/mifare-agent/internal/core"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn     *websocket.Conn
	send     chan []byte
	hub      *WSHub
	server   *Server
	mu       sync.Mutex
	pollers  map[string]*poller // Readers polled for card_detected events
	lastUIDs map[string]string  // Last seen UID per reader
}

type poller struct {
	ticker *time.Ticker
	stop   chan struct{}
}

func (p *poller) halt() {
	p.ticker.Stop()
	close(p.stop)
}

func newWSClient(conn *websocket.Conn, hub *WSHub, server *Server) *WSClient {
	return &WSClient{
		conn:     conn,
		send:     make(chan []byte, 256),
		hub:      hub,
		server:   server,
		pollers:  make(map[string]*poller),
		lastUIDs: make(map[string]string),
	}
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// WebSocketHandler starts the hub and returns the /v1/ws handler.
func (s *Server) WebSocketHandler() http.HandlerFunc {
	s.hub = NewWSHub()
	go s.hub.Run()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
				"error":      err.Error(),
				"remoteAddr": r.RemoteAddr,
			})
			return
		}

		logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
			"remoteAddr": r.RemoteAddr,
		})

		client := newWSClient(conn, s.hub, s)
		s.hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	defer func() {
		c.stopPolling()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) stopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for reader, p := range c.pollers {
		p.halt()
		delete(c.pollers, reader)
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "list_readers":
		c.sendResponse(msg.ID, "readers", c.server.ops.ListReaders())
	case "uid", "card_info":
		c.handleCardInfo(msg.ID, msg.Payload)
	case "read_all":
		c.handleReadAll(msg.ID, msg.Payload)
	case "write_all":
		c.handleWriteAll(msg.ID, msg.Payload)
	case "read_block":
		c.handleReadBlock(msg.ID, msg.Payload)
	case "write_block":
		c.handleWriteBlock(msg.ID, msg.Payload)
	case "subscribe":
		c.handleSubscribe(msg.ID, msg.Payload)
	case "unsubscribe":
		c.handleUnsubscribe(msg.ID, msg.Payload)
	case "version":
		c.sendResponse(msg.ID, "version", map[string]string{
			"version":   Version,
			"buildTime": BuildTime,
			"gitCommit": GitCommit,
		})
	case "health":
		c.sendResponse(msg.ID, "health", map[string]interface{}{
			"status":      "ok",
			"readerCount": len(c.server.ops.ListReaders()),
		})
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

func (c *WSClient) sendError(id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

// cardRequest holds the fields shared by every card message.
type cardRequest struct {
	ReaderIndex int    `json:"readerIndex"`
	Key         string `json:"key"`
	KeyType     string `json:"keyType"`
	Capacity    string `json:"capacity"`
}

// decode parses payload into req and resolves the reader and credentials.
// It reports the problem to the client and returns false on failure.
func (c *WSClient) decode(id string, payload json.RawMessage, req any, base *cardRequest) (string, core.ReadRequest, bool) {
	if err := json.Unmarshal(payload, req); err != nil {
		c.sendError(id, "invalid payload")
		return "", core.ReadRequest{}, false
	}
	readerName, err := c.server.readerByIndex(base.ReaderIndex)
	if err != nil {
		c.sendError(id, err.Error())
		return "", core.ReadRequest{}, false
	}
	creds, err := c.server.credentials(base.Key, base.KeyType)
	if err != nil {
		c.sendError(id, err.Error())
		return "", core.ReadRequest{}, false
	}
	return readerName, core.ReadRequest{Credentials: creds, Capacity: base.Capacity}, true
}

func (c *WSClient) handleCardInfo(id string, payload json.RawMessage) {
	var req cardRequest
	readerName, _, ok := c.decode(id, payload, &req, &req)
	if !ok {
		return
	}

	ctx, cancel := c.server.operationContext(context.Background())
	defer cancel()

	info, err := c.server.ops.GetCardInfo(ctx, readerName)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "card", info)
}

func (c *WSClient) handleReadAll(id string, payload json.RawMessage) {
	var req cardRequest
	readerName, rr, ok := c.decode(id, payload, &req, &req)
	if !ok {
		return
	}

	ctx, cancel := c.server.operationContext(context.Background())
	defer cancel()

	res, err := c.server.ops.ReadAll(ctx, readerName, rr)
	if err != nil {
		logging.Error(logging.CatCard, "Card read failed", map[string]any{
			"reader": readerName,
			"error":  err.Error(),
		})
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "classic_data", newReadResponse(readerName, res))
}

func (c *WSClient) handleWriteAll(id string, payload json.RawMessage) {
	var req struct {
		cardRequest
		Data       string `json:"data"`
		Text       string `json:"text"`
		ClearFirst bool   `json:"clearFirst"`
	}
	readerName, rr, ok := c.decode(id, payload, &req, &req.cardRequest)
	if !ok {
		return
	}
	data, err := WriteBody{Data: req.Data, Text: req.Text}.payload()
	if err != nil {
		c.sendError(id, err.Error())
		return
	}

	ctx, cancel := c.server.operationContext(context.Background())
	defer cancel()

	res, err := c.server.ops.WriteAll(ctx, readerName, core.WriteRequest{
		ReadRequest: rr,
		Payload:     data,
		ClearFirst:  req.ClearFirst,
	})
	if err != nil {
		logging.Error(logging.CatCard, "Card write failed", map[string]any{
			"reader": readerName,
			"error":  err.Error(),
		})
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "write_result", newWriteResponse(readerName, res))
}

func (c *WSClient) handleReadBlock(id string, payload json.RawMessage) {
	var req struct {
		cardRequest
		Block int `json:"block"`
	}
	readerName, rr, ok := c.decode(id, payload, &req, &req.cardRequest)
	if !ok {
		return
	}

	ctx, cancel := c.server.operationContext(context.Background())
	defer cancel()

	data, err := c.server.ops.ReadBlock(ctx, readerName, req.Block, rr)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "block", map[string]interface{}{
		"block": req.Block,
		"data":  hex.EncodeToString(data),
	})
}

func (c *WSClient) handleWriteBlock(id string, payload json.RawMessage) {
	var req struct {
		cardRequest
		Block int    `json:"block"`
		Data  string `json:"data"`
	}
	readerName, rr, ok := c.decode(id, payload, &req, &req.cardRequest)
	if !ok {
		return
	}
	data, err := hex.DecodeString(req.Data)
	if err != nil || len(data) != classic.BlockSize {
		c.sendError(id, "invalid data (must be 32 hex characters for 16 bytes)")
		return
	}

	ctx, cancel := c.server.operationContext(context.Background())
	defer cancel()

	if err := c.server.ops.WriteBlock(ctx, readerName, req.Block, data, rr); err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "block_written", map[string]interface{}{
		"block": req.Block,
	})
}

func (c *WSClient) handleSubscribe(id string, payload json.RawMessage) {
	var req struct {
		ReaderIndex int `json:"readerIndex"`
		IntervalMs  int `json:"intervalMs"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	readerName, err := c.server.readerByIndex(req.ReaderIndex)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}

	if req.IntervalMs < 100 {
		req.IntervalMs = 500
	}

	p := &poller{
		ticker: time.NewTicker(time.Duration(req.IntervalMs) * time.Millisecond),
		stop:   make(chan struct{}),
	}
	c.mu.Lock()
	if old, ok := c.pollers[readerName]; ok {
		old.halt()
	}
	c.pollers[readerName] = p
	c.mu.Unlock()

	go c.poll(readerName, req.ReaderIndex, p)

	logging.Info(logging.CatWebSocket, "Client subscribed to reader", map[string]any{
		"reader":     readerName,
		"intervalMs": req.IntervalMs,
	})
	c.sendResponse(id, "subscribed", map[string]interface{}{
		"readerIndex": req.ReaderIndex,
		"intervalMs":  req.IntervalMs,
	})
}

// poll reports card_detected when a new UID appears on the reader and
// card_removed when it goes away.
func (c *WSClient) poll(readerName string, readerIndex int, p *poller) {
	defer logging.RecoverAndLog("WebSocket poll goroutine", false)

	for {
		select {
		case <-p.stop:
			return
		case <-p.ticker.C:
		}

		ctx, cancel := c.server.operationContext(context.Background())
		info, err := c.server.ops.GetCardInfo(ctx, readerName)
		cancel()

		c.mu.Lock()
		last := c.lastUIDs[readerName]
		uid := ""
		if err == nil {
			uid = info.UID
		}
		c.lastUIDs[readerName] = uid
		c.mu.Unlock()

		switch {
		case uid == "" && last != "":
			logging.Info(logging.CatCard, "Card removed", map[string]any{
				"reader": readerName,
			})
			c.sendResponse("", "card_removed", map[string]interface{}{
				"readerIndex": readerIndex,
				"readerName":  readerName,
			})
		case uid != "" && uid != last:
			logging.Info(logging.CatCard, "Card detected", map[string]any{
				"reader": readerName,
				"uid":    uid,
				"type":   info.Type,
			})
			c.sendResponse("", "card_detected", map[string]interface{}{
				"readerIndex": readerIndex,
				"readerName":  readerName,
				"card":        info,
			})
		}
	}
}

func (c *WSClient) handleUnsubscribe(id string, payload json.RawMessage) {
	var req struct {
		ReaderIndex int `json:"readerIndex"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	readerName, err := c.server.readerByIndex(req.ReaderIndex)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}

	c.mu.Lock()
	if p, ok := c.pollers[readerName]; ok {
		p.halt()
		delete(c.pollers, readerName)
	}
	c.mu.Unlock()

	logging.Info(logging.CatWebSocket, "Client unsubscribed from reader", map[string]any{
		"reader": readerName,
	})
	c.sendResponse(id, "unsubscribed", map[string]interface{}{
		"readerIndex": req.ReaderIndex,
	})
}
