// Package wsapi implements the WebSocket surface of spec.md §6: clients
// upgrade, then send subscribe/unsubscribe control frames and receive
// state_update/entity_deleted/metrics_update frames. Grounded on the
// teacher's main.go websocket handler: pre-upgrade auth check, per-client
// read/write pump goroutines, ping/pong keepalive, and the
// send-or-disconnect fan-out the Subscription Manager already implements.
package wsapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"worldstate/internal/logging"
	"worldstate/internal/namespace"
	"worldstate/internal/subscribe"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 20 * time.Second
	pongWait       = 2 * pingInterval
	maxMessageSize = 32 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authenticator validates the pre-upgrade request and returns a session
// label used for logging. A nil Authenticator means open mode.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// TokenAuthenticator validates the `token` query parameter against the
// namespace registry (spec.md §6: "Auth (if enabled) occurs before
// upgrade; failure returns 401").
type TokenAuthenticator struct {
	Namespaces *namespace.Registry
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		return "", namespace.ErrInvalidToken
	}
	ns, err := a.Namespaces.Authenticate(token)
	if err != nil {
		return "", err
	}
	return ns.Name, nil
}

// Handler upgrades HTTP connections to WebSocket sessions and bridges them
// to the Subscription Manager.
type Handler struct {
	manager *subscribe.Manager
	auth    Authenticator
	log     *logging.Logger
}

// New constructs a Handler. auth may be nil (open mode).
func New(manager *subscribe.Manager, auth Authenticator, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.L()
	}
	return &Handler{manager: manager, auth: auth, log: logger}
}

// ServeHTTP implements http.Handler for GET /api/ws.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqLogger := h.log.With(logging.String("remote_addr", r.RemoteAddr))

	sessionLabel := r.RemoteAddr
	if h.auth != nil {
		label, err := h.auth.Authenticate(r)
		if err != nil {
			reqLogger.Warn("websocket rejected: unauthorized", logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if label != "" {
			sessionLabel = label
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		reqLogger.Error("websocket upgrade failed", logging.Error(err))
		return
	}

	clientID := sessionLabel + "-" + randomSuffix()
	client := h.manager.Register(clientID)
	sessionLog := reqLogger.With(logging.String("client_id", clientID))

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	closed := make(chan struct{})
	go h.writePump(conn, client, sessionLog, closed)
	h.readPump(conn, client, sessionLog, closed)
}

type controlMessage struct {
	Type     string `json:"type"`
	EntityID string `json:"entity_id"`
}

func (h *Handler) readPump(conn *websocket.Conn, client *subscribe.Client, log *logging.Logger, closed chan struct{}) {
	defer func() {
		h.manager.Remove(client.ID())
		_ = conn.Close()
		close(closed)
	}()
	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			log.Debug("websocket read ended", logging.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Unknown/malformed messages are silently ignored (spec.md §6).
			continue
		}
		wildcard := msg.EntityID == "*"
		var ids []string
		if !wildcard && msg.EntityID != "" {
			ids = []string{msg.EntityID}
		}
		switch msg.Type {
		case "subscribe":
			client.AddFilters(ids, wildcard)
		case "unsubscribe":
			client.RemoveFilters(ids, wildcard)
		default:
			// Unknown message types are silently ignored (spec.md §6).
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, client *subscribe.Client, log *logging.Logger, closed chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.Outbox():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Error("websocket marshal failed", logging.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("websocket write failed", logging.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func randomSuffix() string {
	return time.Now().Format("150405.000000000")
}
