// Package transport maintains the websocket session with the central
// server.
//
// One connection, two pumps: the write pump drains a bounded send
// queue; the read pump decodes server-initiated control messages and
// hands them to the Handler. Connection loss triggers reconnection
// with exponential backoff between the configured bounds.
//
// Offline behaviour: Send never blocks the caller. With no live
// connection — or a full send queue — the envelope is spooled to the
// journal's pending-reports queue; every successful (re)connect drains
// the spool oldest-first before new traffic.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/journal"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 45 * time.Second
	spoolDrainMax = 100
)

// Handler receives decoded control messages from the server.
type Handler interface {
	HandleControl(env Envelope)
}

// Options configures a Client.
type Options struct {
	ServerURL     string
	NodeID        string
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	SendQueueSize int
}

// Client is the central-server transport.
type Client struct {
	opts    Options
	journal *journal.DB
	handler Handler
	log     *zap.Logger

	sendCh chan []byte

	mu        sync.Mutex
	connected bool

	wg sync.WaitGroup
}

// New constructs a Client. journal may not be nil; handler may be.
func New(opts Options, jrnl *journal.DB, handler Handler, log *zap.Logger) *Client {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 5 * time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 5 * time.Minute
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	return &Client{
		opts:    opts,
		journal: jrnl,
		handler: handler,
		log:     log,
		sendCh:  make(chan []byte, opts.SendQueueSize),
	}
}

// Run owns the connection lifecycle until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	if c.opts.ServerURL == "" {
		c.log.Info("transport disabled (no server url) — reports spool locally")
		<-ctx.Done()
		return
	}

	backoff := c.opts.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.ServerURL, nil)
		if err != nil {
			c.log.Warn("server connect failed",
				zap.String("url", c.opts.ServerURL),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.opts.ReconnectMax {
				backoff = c.opts.ReconnectMax
			}
			continue
		}

		backoff = c.opts.ReconnectMin
		c.setConnected(true)
		c.log.Info("connected to server", zap.String("url", c.opts.ServerURL))

		c.drainSpool(conn)
		c.session(ctx, conn)

		c.setConnected(false)
		conn.Close()
		c.log.Info("server session ended")
	}
}

// session runs both pumps until one fails or ctx is cancelled.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.writePump(sessionCtx, conn)
	}()
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.readPump(conn)
	}()
	c.wg.Wait()
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("send failed, spooling", zap.Error(err))
				c.spool(data)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("malformed server message", zap.Error(err))
			continue
		}
		switch env.Type {
		case TypeUpdateRunbooks, TypeUpdateExclusions, TypeAckSignature, TypeApproveTicket:
			if c.handler != nil {
				c.handler.HandleControl(env)
			}
		default:
			c.log.Debug("ignoring unknown server message", zap.String("type", env.Type))
		}
	}
}

// Send queues an outbound message. Never blocks: a full queue or a
// dead connection spools to the journal.
func (c *Client) Send(msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("unmarshalable payload", zap.String("type", msgType), zap.Error(err))
		return
	}
	env := Envelope{
		Type:    msgType,
		NodeID:  c.opts.NodeID,
		SentAt:  time.Now().UTC(),
		Payload: raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error("envelope marshal failed", zap.Error(err))
		return
	}

	if !c.isConnected() {
		c.spool(data)
		return
	}
	select {
	case c.sendCh <- data:
	default:
		c.spool(data)
	}
}

func (c *Client) spool(data []byte) {
	if err := c.journal.EnqueueReport(data, time.Now()); err != nil {
		c.log.Error("report spool failed — message lost", zap.Error(err))
	}
}

// drainSpool re-sends queued envelopes oldest-first on a fresh
// connection. Sends go directly on the conn: the pumps are not up yet.
func (c *Client) drainSpool(conn *websocket.Conn) {
	for {
		pending, err := c.journal.PendingReports(spoolDrainMax)
		if err != nil {
			c.log.Warn("pending report read failed", zap.Error(err))
			return
		}
		if len(pending) == 0 {
			return
		}
		var delivered [][]byte
		for _, p := range pending {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, p.Envelope); err != nil {
				c.log.Warn("spool drain interrupted", zap.Error(err))
				break
			}
			delivered = append(delivered, p.Key)
		}
		if len(delivered) > 0 {
			if err := c.journal.AckReports(delivered); err != nil {
				c.log.Warn("spool ack failed", zap.Error(err))
				return
			}
		}
		if len(delivered) < len(pending) {
			return
		}
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// QueueDepth returns the in-memory send queue depth (telemetry).
func (c *Client) QueueDepth() int { return len(c.sendCh) }

// String describes the transport target.
func (c *Client) String() string {
	if c.opts.ServerURL == "" {
		return "transport(disabled)"
	}
	return fmt.Sprintf("transport(%s)", c.opts.ServerURL)
}
