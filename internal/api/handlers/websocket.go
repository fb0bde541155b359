package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/anvil-lab/wgctl/internal/telemetry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		host := r.Host
		if strings.HasPrefix(origin, "http://") {
			return origin[len("http://"):] == host
		}
		if strings.HasPrefix(origin, "https://") {
			return origin[len("https://"):] == host
		}
		return false
	},
}

// inboundMessage is either a peer_action command or a request_status_update
// ping, the two message types the live channel accepts from a client.
type inboundMessage struct {
	Action string `json:"action"`
	PeerID string `json:"peer_id"`
}

// WebSocketHandler upgrades connections onto the telemetry pipeline's
// subscriber set, following a register/unregister/writePump pattern
// adapted to a single status-stream shape rather than per-client topics.
type WebSocketHandler struct {
	pipeline *telemetry.Pipeline
	logger   *zap.Logger
}

func NewWebSocketHandler(p *telemetry.Pipeline, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{pipeline: p, logger: logger}
}

func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := h.pipeline.Subscribe()
	sub.Send(telemetry.Message{Type: telemetry.MsgConnectionStatus, Data: telemetry.ConnectionStatusPayload{
		Status: "connected", Message: "subscribed to live status updates",
	}})
	done := make(chan struct{})

	go h.writePump(conn, sub, done)
	h.readPump(conn, sub, done)
}

func (h *WebSocketHandler) writePump(conn *websocket.Conn, sub *telemetry.Subscriber, done chan struct{}) {
	defer conn.Close()
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			body, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *WebSocketHandler) readPump(conn *websocket.Conn, sub *telemetry.Subscriber, done chan struct{}) {
	defer func() {
		close(done)
		h.pipeline.Unsubscribe(sub)
	}()

	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var in inboundMessage
		if err := json.Unmarshal(body, &in); err != nil {
			continue
		}

		switch in.Action {
		case "request_status_update":
			h.pipeline.RequestUpdate()
		case "activate", "deactivate":
			peerID, err := uuid.Parse(in.PeerID)
			if err != nil {
				continue
			}
			h.pipeline.SubmitAction(telemetry.PeerAction{PeerID: peerID, Action: in.Action, Reply: sub})
		}
	}
}
