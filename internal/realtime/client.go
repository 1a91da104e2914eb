package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jamaah/backend/internal/models"
	"github.com/jamaah/backend/pkg/response"
)

const (
	sendBufferSize  = 256
	readLimit       = 65536
	writeWait       = 10 * time.Second
	handoverTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is the websocket transport of one Session.
type Client struct {
	session   *Session
	engine    *Engine
	conn      *websocket.Conn
	send      chan WSMessage
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// ServeWs admits the connection, upgrades it and runs the client loop until the socket closes.
// Admission parameters: token (query or Authorization bearer) and room_id (query).
func ServeWs(engine *Engine, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = bearerToken(c.GetHeader("Authorization"))
		}
		session, err := engine.Admit(c.Request.Context(), token, c.Query("room_id"))
		if err != nil {
			switch {
			case errors.Is(err, ErrMissingToken), errors.Is(err, ErrMissingRoom):
				response.BadRequest(c, err.Error())
			case errors.Is(err, ErrInvalidToken):
				response.Unauthorized(c, "invalid token")
			default:
				logger.Warn("admission failed", zap.String("room_id", c.Query("room_id")), zap.Error(err))
				response.ServiceUnavailable(c, "membership lookup failed")
			}
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			session: session,
			engine:  engine,
			conn:    conn,
			send:    make(chan WSMessage, sendBufferSize),
			done:    make(chan struct{}),
			logger:  logger.With(zap.String("session_id", session.ID), zap.String("room_id", session.RoomID), zap.String("user_id", session.UserID)),
		}
		engine.Join(session, client)
		go client.writePump()
		client.readPump()
	}
}

// Send queues a message without blocking.
func (c *Client) Send(msg WSMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close closes the socket; the read loop then exits and runs the disconnect cleanup.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.engine.Disconnect(c.session)
		close(c.done)
		c.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read", zap.Error(err))
			}
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.handle(msg)
	}
}

func (c *Client) handle(msg WSMessage) {
	switch msg.Event {
	case EventBeat:
		c.engine.Heartbeat(c.session)
	case EventPlaybackPing:
		var cmd models.PlaybackCommand
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &cmd); err != nil {
				c.logger.Debug("bad playback payload", zap.Error(err))
				return
			}
		}
		if err := c.engine.SubmitPlaybackCommand(c.session, cmd); err != nil {
			c.logger.Debug("playback command dropped", zap.Error(err))
		}
	case EventHandover:
		var req HandoverRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.logger.Debug("bad handover payload", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handoverTimeout)
		defer cancel()
		switch err := c.engine.Handover(ctx, c.session, req.ToUserID); {
		case err == nil:
		case errors.Is(err, ErrNotHost), errors.Is(err, ErrInvalidTarget):
			c.logger.Debug("handover dropped", zap.Error(err))
		default:
			c.logger.Warn("handover failed", zap.String("to_user_id", req.ToUserID), zap.Error(err))
		}
	default:
		// ignore
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("websocket write", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
