package websocket

import (
	"net/http"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// UserResolver returns the authenticated user id of an upgrade request
type UserResolver func(r *http.Request) (string, error)

// Handler upgrades authenticated requests and attaches them to the registry
type Handler struct {
	registry *Registry
	resolve  UserResolver
	upgrader gorillawebsocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates the upgrade handler. allowOrigin nil accepts every origin.
func NewHandler(registry *Registry, resolve UserResolver, allowOrigin func(r *http.Request) bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if allowOrigin == nil {
		allowOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		registry: registry,
		resolve:  resolve,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     allowOrigin,
		},
		logger: logger,
	}
}

// ServeHTTP authenticates before upgrading so failures get a plain HTTP status
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.resolve(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"authentication required"}`))
		return
	}

	// registered first so nothing pushed right after the handshake is lost
	client := NewClient(userID, sendBuffer)
	h.registry.Register(client)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.registry.Unregister(client)
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.logger.Debug("websocket connected", zap.String("user_id", userID), zap.String("client_id", client.ID))

	go h.writePump(client, ws)
	go h.readPump(client, ws)
}

// readPump only services control frames; inbound data is ignored
func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.registry.Unregister(client)
		ws.Close()
	}()
	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case msg, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				h.registry.Unregister(client)
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				h.registry.Unregister(client)
				return
			}
		}
	}
}
