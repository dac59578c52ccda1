package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/wingpad/internal/logger"
	"github.com/ehrlich-b/wingpad/internal/peer"
)

// ErrAuthRejected is returned when the relay rejects the WebSocket handshake
// with 401.
var ErrAuthRejected = errors.New("relay rejected authentication (401)")

const (
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
	maxReconnectDelay = 10 * time.Second
	readLimit         = 16 * 1024 * 1024 // project snapshots ride the socket
)

// Client is an outbound WebSocket client connecting one peer to the relay.
// Frames are delivered to OnFrame synchronously, in arrival order; that is
// what keeps one peer's operations ordered on the receive side.
type Client struct {
	RelayURL string // e.g. "wss://relay.wingpad.dev/ws"
	Token    string // device auth token, optional
	Handle   string
	Session  string // empty when starting a new session

	OnWelcome     func(w Welcome)
	OnFrame       func(ctx context.Context, f Frame)
	OnStateChange func(state string, err error)

	conn *websocket.Conn
	mu   sync.Mutex

	session string
}

// Run connects to the relay and processes frames until ctx is cancelled.
// Automatically reconnects on disconnect with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	c.notifyState("connecting", nil)
	delay := time.Second
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if isAuthError(err) {
			c.notifyState("auth_failed", err)
			return ErrAuthRejected
		}
		if connected {
			delay = time.Second
		}
		c.notifyState("disconnected", err)
		logger.Warn("relay disconnected", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		c.notifyState("connecting", nil)
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "401")
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	opts := &websocket.DialOptions{
		HTTPHeader: make(map[string][]string),
	}
	if c.Token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.Token)
	}

	conn, _, dialErr := websocket.Dial(ctx, c.RelayURL, opts)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(readLimit)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.CloseNow()
	connected = true

	session := c.Session
	if c.session != "" {
		session = c.session
	}
	hello := Hello{Type: TypeHello, Session: session, Handle: c.Handle}
	if err := c.writeJSON(ctx, hello); err != nil {
		return connected, fmt.Errorf("hello: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("bad message from relay", "err", err)
			continue
		}

		switch env.Type {
		case TypeWelcome:
			var w Welcome
			if err := json.Unmarshal(data, &w); err != nil {
				logger.Warn("bad session.welcome", "err", err)
				continue
			}
			c.session = w.Session
			logger.Info("joined session", "session", w.Session, "peer_id", uint64(w.PeerID))
			c.notifyState("connected", nil)
			if c.OnWelcome != nil {
				c.OnWelcome(w)
			}

		case TypeOp:
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				logger.Warn("bad session.op", "err", err)
				continue
			}
			// Delivered synchronously: a sender's frames stay in order.
			if c.OnFrame != nil {
				c.OnFrame(ctx, f)
			}

		case TypeError:
			var msg ErrorMsg
			if err := json.Unmarshal(data, &msg); err == nil {
				logger.Error("relay error", "message", msg.Message)
			}

		default:
			logger.Warn("unknown message type from relay", "type", env.Type)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// SendOp sends one collab operation into the session.
func (c *Client) SendOp(ctx context.Context, from peer.ID, m Message) error {
	payload, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return c.writeJSON(ctx, Frame{
		Type:    TypeOp,
		Session: c.session,
		From:    from,
		Payload: payload,
	})
}

// SendLeave announces a clean departure before closing.
func (c *Client) SendLeave(ctx context.Context, from peer.ID) error {
	return c.writeJSON(ctx, Leave{Type: TypeLeave, Session: c.session, PeerID: from})
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
