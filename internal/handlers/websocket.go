package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"crash-round-backend/internal/middleware"
	"crash-round-backend/internal/models"
	"crash-round-backend/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WebSocketHandler struct {
	hub       *services.BroadcastHub
	scheduler *services.RoundScheduler
	limiter   middleware.RateLimiter
	log       zerolog.Logger
}

// NewWebSocketHandler takes the limiter the HTTP routes use; a nil limiter
// leaves socket cash-outs unlimited.
func NewWebSocketHandler(hub *services.BroadcastHub, scheduler *services.RoundScheduler, limiter middleware.RateLimiter, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:       hub,
		scheduler: scheduler,
		limiter:   limiter,
		log:       log,
	}
}

// HandleWebSocket streams round events to the caller. The connection's only
// writer is writePump, which drains the caller's hub queue; replies to
// client messages go through the hub as targeted messages.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	player, ok := middleware.Player(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade to websocket")
		return
	}

	sub, err := h.hub.Subscribe(player.ID)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go h.writePump(conn, sub)

	// The request context does not outlive a hijacked connection reliably.
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg models.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("user_id", player.ID).Msg("websocket read error")
			}
			return
		}

		h.handleMessage(ctx, player, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, player models.Player, msg *models.ClientMessage) {
	switch msg.Type {
	case "PING":
		h.hub.SendTo(player.ID, models.Message{
			Type: models.MsgPong,
			Data: gin.H{"timestamp": time.Now().Unix()},
		})
	case "cash_out":
		if !h.allowCashout(ctx, player.ID) {
			return
		}
		// The acceptance message is published by the scheduler.
		var err error
		if msg.BetID != "" {
			_, err = h.scheduler.CashOut(ctx, player, msg.BetID)
		} else {
			_, err = h.scheduler.CashOutUser(ctx, player)
		}
		if err != nil {
			h.sendError(player.ID, err.Error())
		}
	default:
		h.sendError(player.ID, "unknown message type")
	}
}

// allowCashout applies the same per-user limit as the cash-out route.
func (h *WebSocketHandler) allowCashout(ctx context.Context, userID string) bool {
	if h.limiter == nil {
		return true
	}
	allowed, err := middleware.AllowAction(ctx, h.limiter, userID, middleware.ActionCashout)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("rate limit check failed")
		h.sendError(userID, "rate limit check failed")
		return false
	}
	if !allowed {
		h.sendError(userID, services.ErrRateLimited.Error())
		return false
	}
	return true
}

func (h *WebSocketHandler) sendError(userID, message string) {
	h.hub.SendTo(userID, models.Message{
		Type: models.MsgError,
		Data: models.ErrorData{Message: message},
	})
}

// writePump ends when the hub closes the queue, which also happens when the
// caller falls too far behind.
func (h *WebSocketHandler) writePump(conn *websocket.Conn, sub *services.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.Messages():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug().Err(err).Str("user_id", sub.UserID).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
