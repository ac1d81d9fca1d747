package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"study-game-service/internal/app"
	"study-game-service/internal/domain"
	"study-game-service/internal/protocol"
)

// WSConfig tunes the event-plane connection pumps.
type WSConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

// DefaultWSConfig returns the standard pump timings.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		PingInterval:   25 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 16 << 10,
	}
}

func (c WSConfig) withDefaults() WSConfig {
	d := DefaultWSConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

type WSHandler struct {
	service  *app.GameService
	cfg      WSConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.GameService, cfg WSConfig) *WSHandler {
	return &WSHandler{
		service: service,
		cfg:     cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS attaches one event stream per (group, session, user). The participant must have
// joined through the control plane first; the first event sent is always a room snapshot.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	groupID, sessionID := chi.URLParam(r, "groupID"), chi.URLParam(r, "sessionID")
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = r.Header.Get(userHeader)
	}
	if userID == "" {
		writeError(w, errInvalid("missing userId"))
		return
	}

	events, cancel, err := h.service.Subscribe(r.Context(), groupID, sessionID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("ws upgrade failed")
		return
	}
	c := &wsConn{
		id:        uuid.NewString(),
		conn:      conn,
		cfg:       h.cfg,
		groupID:   groupID,
		sessionID: sessionID,
		userID:    userID,
		replies:   make(chan domain.Event, 8),
		done:      make(chan struct{}),
	}
	log.Info().Str("connection_id", c.id).Str("session_id", sessionID).Str("user_id", userID).Msg("event stream attached")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(events)
	}()

	c.readPump(r.Context(), h.service)

	close(c.done)
	<-writerDone
	log.Info().Str("connection_id", c.id).Str("session_id", sessionID).Str("user_id", userID).Msg("event stream detached")
}

type wsConn struct {
	id        string
	conn      *websocket.Conn
	cfg       WSConfig
	groupID   string
	sessionID string
	userID    string

	// replies carries events addressed only to this connection (action errors).
	replies chan domain.Event
	done    chan struct{}
}

// writePump is the only writer on the connection.
func (c *wsConn) writePump(events <-chan domain.Event) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		var ev domain.Event
		select {
		case e, ok := <-events:
			if !ok {
				// Stream closed by the session: slow consumer, left, or shutdown.
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				return
			}
			ev = e
		case e := <-c.replies:
			ev = e
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to send ping")
				return
			}
			continue
		case <-c.done:
			return
		}

		frame, err := protocol.EncodeEvent(ev)
		if err != nil {
			log.Error().Err(err).Str("connection_id", c.id).Str("event", string(ev.Kind())).Msg("failed to encode event")
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Debug().Err(err).Str("connection_id", c.id).Msg("ws write error")
			return
		}
	}
}

func (c *wsConn) readPump(ctx context.Context, service *app.GameService) {
	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("unexpected ws close")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		action, err := protocol.DecodeAction(message)
		if err == nil {
			err = service.HandleAction(ctx, c.groupID, c.sessionID, c.userID, action)
		}
		if err != nil {
			c.reply(domain.ErrorEvent{Code: domain.Code(err), Message: err.Error()})
		}
	}
}

func (c *wsConn) reply(ev domain.Event) {
	select {
	case c.replies <- ev:
	case <-c.done:
	default:
		log.Warn().Str("connection_id", c.id).Msg("dropping reply to slow connection")
	}
}
