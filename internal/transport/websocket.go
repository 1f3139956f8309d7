package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatterd/internal/chat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20 // 1MB

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Frames from the bridge. "message" frames carry a chat event; "contact"
// frames update the display-name cache.
type inboundFrame struct {
	Type    string       `json:"type"`
	Message *chat.Event  `json:"message,omitempty"`
	Contact *contactInfo `json:"contact,omitempty"`
}

type contactInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type outboundFrame struct {
	Type string `json:"type"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// WSClient connects out to a chat bridge over a websocket and keeps the
// connection alive, reconnecting with backoff when it drops.
type WSClient struct {
	url   string
	token string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	namesMu sync.RWMutex
	names   map[string]string

	events chan chat.Event
	log    *zap.Logger
}

// NewWSClient prepares the client; Run establishes the connection.
func NewWSClient(url, token string, logger *zap.Logger) (*WSClient, error) {
	if url == "" {
		return nil, fmt.Errorf("transport: bridge url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSClient{
		url:    url,
		token:  token,
		names:  make(map[string]string),
		events: make(chan chat.Event, 100),
		log:    logger.Named("transport"),
	}, nil
}

// Events delivers inbound chat events in arrival order.
func (c *WSClient) Events() <-chan chat.Event {
	return c.events
}

// Run dials the bridge and pumps events until ctx is cancelled,
// reconnecting with exponential backoff after failures. A connection that
// held for a while resets the backoff.
func (c *WSClient) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		started := time.Now()
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > reconnectMax {
			backoff = reconnectMin
		}
		if err != nil {
			c.log.Warn("bridge connection lost", zap.Error(err), zap.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// connectAndRead dials once and reads frames until the connection drops or
// ctx is cancelled.
func (c *WSClient) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.log.Info("connected to bridge", zap.String("url", c.url))

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// Keepalive: answer pings with read-deadline extensions, send our own
	// pings on a ticker.
	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	// ReadMessage does not observe ctx; closing the conn unblocks it.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("transport: read: %w", err)
		}
		c.handleFrame(data)
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleFrame(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Debug("dropping unparseable frame", zap.Error(err))
		return
	}

	switch frame.Type {
	case "message":
		if frame.Message == nil {
			return
		}
		select {
		case c.events <- *frame.Message:
		default:
			c.log.Warn("event channel full, dropping event", zap.String("id", frame.Message.ID))
		}
	case "contact":
		if frame.Contact == nil || frame.Contact.ID == "" {
			return
		}
		c.namesMu.Lock()
		c.names[frame.Contact.ID] = frame.Contact.DisplayName
		c.namesMu.Unlock()
	default:
		c.log.Debug("ignoring frame", zap.String("type", frame.Type))
	}
}

// Send writes one "send" frame to the bridge.
func (c *WSClient) Send(ctx context.Context, contactID, text string) error {
	data, err := json.Marshal(outboundFrame{Type: "send", To: contactID, Text: text})
	if err != nil {
		return fmt.Errorf("transport: marshal send frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return fmt.Errorf("transport: not connected")
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// ResolveDisplayName returns the cached display name for a contact.
func (c *WSClient) ResolveDisplayName(contactID string) string {
	c.namesMu.RLock()
	defer c.namesMu.RUnlock()
	return c.names[contactID]
}

// Close tears down the current connection, if any.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

var _ Transport = (*WSClient)(nil)
