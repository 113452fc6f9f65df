package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// authState is the closed set of a client's authentication lifecycle
// states (spec section 3, Client entity).
type authState int

const (
	authPending authState = iota
	authAuthenticated
	authRejected
)

// outboundItem is one unit of work for a client's outbound loop. Delta
// events are coalesced by messageID; every other kind flushes any pending
// delta for the same messageID first so cross-kind ordering is preserved
// (spec section 4.4.3).
type outboundItem struct {
	isDelta   bool
	messageID string
	delta     string
	payload   map[string]any
}

// client is one authenticated-or-authenticating WebSocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	gw   *Gateway

	device      deviceInfo
	connectedAt time.Time

	mu             sync.Mutex
	state          authState
	viewingSession string
	preAuthDrops   int
	protocolErrors int
	pingMisses     int

	out    chan outboundItem
	done   chan struct{}
	closed bool

	logger *slog.Logger
}

func newClient(id string, conn *websocket.Conn, gw *Gateway) *client {
	return &client{
		id:          id,
		conn:        conn,
		gw:          gw,
		connectedAt: time.Now(),
		state:       authPending,
		out:         make(chan outboundItem, 256),
		done:        make(chan struct{}),
		logger:      gw.logger.With("clientId", id),
	}
}

func (c *client) send(payload map[string]any) {
	select {
	case c.out <- outboundItem{payload: payload}:
	default:
		c.logger.Warn("dropping outbound message for slow client", "type", payload["type"])
	}
}

// sendForMessage is like send but tags the item with a messageId so the
// outbound loop flushes any buffered delta for it first, preserving
// cross-kind ordering (spec section 4.4.3).
func (c *client) sendForMessage(messageID string, payload map[string]any) {
	select {
	case c.out <- outboundItem{messageID: messageID, payload: payload}:
	default:
		c.logger.Warn("dropping outbound message for slow client", "type", payload["type"])
	}
}

func (c *client) sendDelta(messageID, delta string) {
	select {
	case c.out <- outboundItem{isDelta: true, messageID: messageID, delta: delta}:
	default:
		c.logger.Warn("dropping delta for slow client", "messageId", messageID)
	}
}

func (c *client) setViewingSession(id string) {
	c.mu.Lock()
	c.viewingSession = id
	c.mu.Unlock()
}

func (c *client) getViewingSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewingSession
}

func (c *client) markAuthenticated(device deviceInfo) {
	c.mu.Lock()
	c.state = authAuthenticated
	c.device = device
	c.mu.Unlock()
}

func (c *client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == authAuthenticated
}

func (c *client) deviceSnapshot() deviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *client) incPreAuthDrops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preAuthDrops++
	return c.preAuthDrops
}

// incProtocolError returns the post-increment count; the caller closes the
// connection once it crosses the spec's abuse threshold (>100).
func (c *client) incProtocolError() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protocolErrors++
	return c.protocolErrors
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	_ = c.conn.Close(code, reason)
}

// outboundLoop serialises every write to the connection, coalescing
// stream_delta frames for the same messageId into a 50ms window. A delta
// buffer is flushed before any non-delta frame touching the same messageId
// is sent, and on the batching window elapsing.
func (c *client) outboundLoop(batchWindow time.Duration) {
	buffers := make(map[string]*strings.Builder)
	var timer *time.Timer
	var timerC <-chan time.Time

	armTimer := func() {
		if timer == nil {
			timer = time.NewTimer(batchWindow)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(batchWindow)
		timerC = timer.C
	}

	flush := func(messageID string) {
		b, ok := buffers[messageID]
		if !ok || b.Len() == 0 {
			return
		}
		c.writeJSON(map[string]any{
			"type":      "stream_delta",
			"messageId": messageID,
			"delta":     b.String(),
		})
		delete(buffers, messageID)
	}

	flushAll := func() {
		for id := range buffers {
			flush(id)
		}
	}

	for {
		select {
		case item, ok := <-c.out:
			if !ok {
				flushAll()
				return
			}
			if item.isDelta {
				emptyBefore := len(buffers) == 0
				b, ok := buffers[item.messageID]
				if !ok {
					b = &strings.Builder{}
					buffers[item.messageID] = b
				}
				b.WriteString(item.delta)
				// Arm only on the first delta into an otherwise-empty buffer
				// set: resetting on every delta would let a sustained stream
				// push the flush out indefinitely, turning the 50ms maximum
				// coalescing window into an unbounded one.
				if emptyBefore {
					armTimer()
				}
				continue
			}
			if item.messageID != "" {
				flush(item.messageID)
			}
			c.writeJSON(item.payload)
		case <-timerC:
			flushAll()
			timerC = nil
		case <-c.done:
			flushAll()
			return
		}
	}
}

func (c *client) writeJSON(v map[string]any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal outbound message", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Debug("write failed, connection likely gone", "error", err)
	}
}
