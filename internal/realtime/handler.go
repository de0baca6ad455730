package realtime

import (
	"context"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
)

// controlMessage is the only client-to-server message the core accepts.
// Mutations go through the CRUD layer, never through this channel.
type controlMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Handler upgrades HTTP requests to realtime connections.
type Handler struct {
	registry *Registry
	log      zerolog.Logger
}

func NewHandler(registry *Registry, log zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		log:      log.With().Str("component", "ws_handler").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Event payloads are small JSON; compression isn't worth the
		// broken client implementations it attracts.
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket accept failed")
		return
	}

	conn, err := h.registry.Connect(r.Context(), token, &wsTransport{conn: c})
	if err != nil {
		h.log.Debug().Err(err).Msg("connection rejected")
		c.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	h.readLoop(r.Context(), c, conn)
}

// readLoop consumes subscribe/unsubscribe control frames until the
// client goes away. Any read error tears the connection down through
// the registry's idempotent disconnect.
func (h *Handler) readLoop(ctx context.Context, c *websocket.Conn, conn *Connection) {
	defer h.registry.Disconnect(conn)

	for {
		var msg controlMessage
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			return
		}

		switch msg.Action {
		case "subscribe":
			h.registry.Subscribe(conn, msg.Topics)
		case "unsubscribe":
			h.registry.Unsubscribe(conn, msg.Topics)
		default:
			h.log.Debug().Str("action", msg.Action).Msg("ignoring unknown control action")
		}
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

// wsTransport adapts a coder/websocket connection to the Transport
// interface the registry works against.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteEvent(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "server closing")
}
