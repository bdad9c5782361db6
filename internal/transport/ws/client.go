// Package ws implements the gateway session client over a websocket. This is
// the only place raw gateway errors (close codes, error strings) are turned
// into classified failures; everything above works on failure.Kind.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/core/failure"
	"github.com/vietddude/relay/internal/transport"
)

// Config holds gateway connection settings.
type Config struct {
	URL              string        `yaml:"url"`
	DeviceID         string        `yaml:"device_id"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
}

// Gateway close codes. The 4xxx range mirrors the HTTP-ish statuses the
// gateway uses for application-level closes.
const (
	closeLoggedOut  websocket.StatusCode = 4401
	closeTimedOut   websocket.StatusCode = 4408
	closeSuperseded websocket.StatusCode = 4440
	closeThrottled  websocket.StatusCode = 4429
)

// frame is the gateway wire envelope.
type frame struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Token    string `json:"token,omitempty"`
	To       string `json:"to,omitempty"`
	From     string `json:"from,omitempty"`
	MsgID    string `json:"msg_id,omitempty"`
	FromMe   bool   `json:"from_me,omitempty"`
	Text     string `json:"text,omitempty"`
	PushName string `json:"push_name,omitempty"`
	Status   int    `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Client is a single-session websocket client. It does not reconnect on its
// own; the reconnection controller decides when to call Connect again.
type Client struct {
	cfg   Config
	creds transport.CredentialStore

	mu         sync.Mutex
	conn       *websocket.Conn
	cancelRead context.CancelFunc
	closing    bool
	pending    map[string]chan frame

	events chan transport.Event
	log    *slog.Logger
}

func New(cfg Config, creds transport.CredentialStore) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 20 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	return &Client{
		cfg:     cfg,
		creds:   creds,
		pending: make(map[string]chan frame),
		events:  make(chan transport.Event, 64),
		log:     slog.Default(),
	}
}

// Events returns the signal channel consumed by the bridge.
func (c *Client) Events() <-chan transport.Event {
	return c.events
}

// Connect performs one connection attempt: dial, authenticate with the
// stored credentials, then start the read loop. The open lifecycle event is
// emitted after the handshake acknowledgement.
func (c *Client) Connect(ctx context.Context) error {
	c.emit(transport.LifecycleEvent{State: transport.LifecycleConnecting})

	creds, err := c.creds.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if creds == nil {
		return failure.New(failure.AuthInvalid, "no credentials stored, pair the device first")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return failure.FromStatus(resp.StatusCode, err.Error())
		}
		return failure.Classify(fmt.Errorf("dial %s: %w", c.cfg.URL, err))
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	hello := frame{Type: "hello", DeviceID: creds.DeviceID, Token: creds.Token}
	if err := wsjson.Write(dialCtx, conn, hello); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return failure.Classify(fmt.Errorf("write hello: %w", err))
	}

	var ack frame
	if err := wsjson.Read(dialCtx, conn, &ack); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return classifyConnError(err)
	}
	if ack.Type != "ack" || ack.Error != "" {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return failure.FromStatus(ack.Status, ack.Error)
	}
	if ack.Token != "" && ack.Token != creds.Token {
		// The gateway rotated the session token; persist it so the next
		// restart can still pair.
		creds.Token = ack.Token
		if err := c.creds.Save(ctx, creds); err != nil {
			c.log.Warn("Failed to persist rotated token", "error", err)
		}
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancelRead = cancelRead
	c.closing = false
	c.mu.Unlock()

	go c.readLoop(readCtx, conn)
	c.emit(transport.LifecycleEvent{State: transport.LifecycleOpen})
	return nil
}

// Disconnect tears the session down without emitting a Closed event.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "teardown")
	}
}

// Send delivers text to a peer over the current session.
func (c *Client) Send(ctx context.Context, peer domain.PeerID, text string) error {
	reply, err := c.request(ctx, frame{
		Type: "send",
		ID:   uuid.New().String(),
		To:   peer.String(),
		Text: text,
	})
	if err != nil {
		return err
	}
	if reply.Error != "" || reply.Status >= 400 {
		return failure.FromStatus(reply.Status, reply.Error)
	}
	return nil
}

// Fetch requests redelivery of a message that previously failed to decode.
func (c *Client) Fetch(ctx context.Context, peer domain.PeerID, key domain.MessageKey) (*domain.InboundMessage, error) {
	reply, err := c.request(ctx, frame{
		Type:   "fetch",
		ID:     uuid.New().String(),
		From:   peer.String(),
		MsgID:  key.ID,
		FromMe: key.FromMe,
	})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" || reply.Status >= 400 {
		return nil, failure.FromStatus(reply.Status, reply.Error)
	}
	return &domain.InboundMessage{
		Peer:       peer,
		Key:        key,
		Text:       reply.Text,
		PushName:   reply.PushName,
		ReceivedAt: time.Now(),
	}, nil
}

// request writes a correlated frame and waits for its reply.
func (c *Client) request(ctx context.Context, req frame) (frame, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return frame{}, failure.New(failure.SessionNotEstablished, "connection is not open")
	}
	ch := make(chan frame, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, req); err != nil {
		return frame{}, classifyConnError(err)
	}

	select {
	case <-writeCtx.Done():
		return frame{}, failure.Wrap(failure.Timeout, writeCtx.Err(), "gateway reply timed out")
	case reply, ok := <-ch:
		if !ok {
			return frame{}, failure.New(failure.SessionNotEstablished, "connection closed while waiting")
		}
		return reply, nil
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			c.mu.Lock()
			closing := c.closing
			if c.conn == conn {
				c.conn = nil
			}
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()

			if closing || ctx.Err() != nil {
				return
			}
			c.emit(transport.LifecycleEvent{
				State: transport.LifecycleClosed,
				Cause: classifyConnError(err),
			})
			return
		}

		switch f.Type {
		case "message":
			ev := transport.MessageEvent{
				Msg: domain.InboundMessage{
					Peer:       domain.PeerID(f.From),
					Key:        domain.MessageKey{ID: f.MsgID, FromMe: f.FromMe},
					Text:       f.Text,
					PushName:   f.PushName,
					ReceivedAt: time.Now(),
				},
			}
			if f.Error != "" {
				ev.DecryptErr = failure.New(failure.SessionNotEstablished, f.Error)
			}
			c.emit(ev)

		case "session":
			c.emit(transport.SessionEvent{Peer: domain.PeerID(f.From)})

		case "result", "ack", "error":
			// Claim the channel under the lock so Disconnect can never
			// close one a sender still holds.
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}

		case "ping":
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = wsjson.Write(writeCtx, conn, frame{Type: "pong"})
			cancel()

		default:
			c.log.Debug("Ignoring unknown gateway frame", "type", f.Type)
		}
	}
}

func (c *Client) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("Event channel full, dropping event")
	}
}

// classifyConnError maps a websocket-level error onto the failure taxonomy.
// Close codes take priority over message heuristics.
func classifyConnError(err error) *failure.Error {
	switch websocket.CloseStatus(err) {
	case closeLoggedOut:
		return failure.FromStatus(401, err.Error())
	case closeTimedOut:
		return failure.FromStatus(408, err.Error())
	case closeThrottled:
		return failure.FromStatus(429, err.Error())
	case closeSuperseded:
		return &failure.Error{
			Kind:       failure.Unknown,
			StatusCode: failure.StatusSuperseded,
			Message:    "session superseded by another client",
			Err:        err,
		}
	}
	return failure.Classify(err)
}
