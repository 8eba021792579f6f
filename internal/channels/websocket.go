package channels

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mnemo-ai/mnemo-core/internal/agent"
)

// wsMessage is the generic message envelope for the chat socket, framed
// the way the teacher's Home Assistant WebSocket client frames its own
// traffic: a discriminated "type" field plus whichever of the optional
// fields that type uses.
type wsMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
	ToolName       string `json:"tool_name,omitempty"`
	Error          string `json:"error,omitempty"`
}

// WebSocketChannel is a thin reference adapter exposing agent.Loop.Run
// over a persistent WebSocket connection: one client message starts one
// turn, whose streamed tokens/tool-call events arrive as a sequence of
// wsMessage frames terminated by a "done" frame.
type WebSocketChannel struct {
	address  string
	port     int
	loop     *agent.Loop
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewWebSocketChannel creates a channel bound to address:port, serving
// the chat socket at /v1/ws.
func NewWebSocketChannel(address string, port int, loop *agent.Loop, logger *slog.Logger) *WebSocketChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketChannel{
		address: address,
		port:    port,
		loop:    loop,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Single-user deployment behind the caller's own reverse proxy;
			// the origin check is intentionally permissive.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start serves the chat socket until Shutdown is called or the server
// errors; it returns nil after Shutdown. It blocks like
// http.Server.ListenAndServe.
func (c *WebSocketChannel) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ws", c.handleSocket)

	c.server = &http.Server{
		Addr:         addr(c.address, c.port),
		Handler:      mux,
		ReadTimeout:  0, // long-lived connections
		WriteTimeout: 0,
	}
	c.logger.Info("websocket channel starting", "address", c.server.Addr)
	err := c.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP upgrade endpoint. In-flight socket
// connections are closed by their own read loops once the client
// disconnects or the process exits.
func (c *WebSocketChannel) Shutdown() error {
	if c.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.server.Shutdown(ctx)
}

func (c *WebSocketChannel) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeJSON := func(msg wsMessage) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(msg); err != nil {
			c.logger.Debug("websocket write failed", "error", err)
		}
	}

	for {
		var in wsMessage
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		if in.Type != "message" {
			writeJSON(wsMessage{Type: "error", Error: "unknown message type: " + in.Type})
			continue
		}

		convID := in.ConversationID
		if convID == "" {
			convID = "default"
		}

		req := &agent.Request{
			Messages:       []agent.Message{{Role: "user", Content: in.Content}},
			ConversationID: convID,
		}

		stream := func(ev agent.StreamEvent) {
			switch ev.Kind {
			case agent.KindToken:
				writeJSON(wsMessage{Type: "token", ConversationID: convID, Content: ev.Token})
			case agent.KindToolCallStart:
				name := ""
				if ev.ToolCall != nil {
					name = ev.ToolCall.Function.Name
				}
				writeJSON(wsMessage{Type: "tool_call_start", ConversationID: convID, ToolName: name})
			case agent.KindToolCallDone:
				writeJSON(wsMessage{Type: "tool_call_done", ConversationID: convID, ToolName: ev.ToolName})
			}
		}

		resp, err := c.loop.Run(r.Context(), req, stream)
		if err != nil {
			writeJSON(wsMessage{Type: "error", ConversationID: convID, Error: err.Error()})
			continue
		}
		writeJSON(wsMessage{Type: "done", ConversationID: convID, Content: resp.Content})
	}
}
