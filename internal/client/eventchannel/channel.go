// Package eventchannel is the client end of the event plane: one WebSocket per
// (session, participant) carrying typed events in and typed actions out.
package eventchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"study-game-service/internal/domain"
	"study-game-service/internal/protocol"
)

// ErrClosed is returned by Send after the channel has ended.
var ErrClosed = errors.New("event channel closed")

// Config tunes the connection.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout must exceed the server's ping interval.
	ReadTimeout    time.Duration
	MaxMessageSize int64
	Buffer         int
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		MaxMessageSize:   1 << 20,
		Buffer:           64,
	}
}

// Channel is one live event-plane connection. Events are delivered in arrival order;
// nothing is replayed across connections.
type Channel struct {
	conn    *websocket.Conn
	cfg     Config
	variant domain.GameType

	events chan domain.Event
	done   chan struct{}
	closed chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial opens the stream at url for a session of the given variant. Outbound actions
// that do not fit variant are rejected locally.
func Dial(ctx context.Context, url string, variant domain.GameType, cfg Config) (*Channel, error) {
	d := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = d.MaxMessageSize
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = d.Buffer
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, dialError(resp, err)
	}

	c := &Channel{
		conn:    conn,
		cfg:     cfg,
		variant: variant,
		events:  make(chan domain.Event, cfg.Buffer),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// dialError keeps the server's verdict when the handshake was refused with an envelope.
func dialError(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("%w: dial event plane: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env protocol.Response
	if json.Unmarshal(raw, &env) == nil {
		if sentinel := domain.ErrorForCode(env.Code); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, env.Message)
		}
	}
	return fmt.Errorf("%w: dial event plane: status %d: %v", domain.ErrNetwork, resp.StatusCode, err)
}

// Events yields inbound events until the connection ends.
func (c *Channel) Events() <-chan domain.Event {
	return c.events
}

// Done is closed once the connection has ended, for any reason.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. It is nil while open and after Close.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send validates and writes one action.
func (c *Channel) Send(ctx context.Context, action domain.Action) error {
	if err := domain.ValidateAction(action, c.variant); err != nil {
		return err
	}
	frame, err := protocol.EncodeAction(action)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: send %s: %v", domain.ErrNetwork, action.ActionKind(), err)
	}
	return nil
}

// Close releases the connection. The read loop stops and Events is closed.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Channel) readLoop() {
	defer close(c.done)
	defer close(c.events)

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		ev, err := protocol.DecodeEvent(frame)
		if err != nil {
			// An undecodable frame means events may be missing; end the stream so the
			// owner resyncs instead of running on a partial view.
			log.Warn().Err(err).Msg("undecodable event frame, closing channel")
			c.fail(err)
			_ = c.conn.Close()
			return
		}

		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *Channel) fail(err error) {
	select {
	case <-c.closed:
		return
	default:
	}
	if !errors.Is(err, domain.ErrDecode) {
		err = fmt.Errorf("%w: event plane: %v", domain.ErrNetwork, err)
	}
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}
