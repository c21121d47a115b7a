package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	readLimit    = 64 << 10 // 64KiB per inbound frame
	writeTimeout = 10 * time.Second
)

// Client is one websocket connection. A user may hold several.
type Client struct {
	ID     string
	UserID string

	conn  *websocket.Conn
	queue *sendQueue
	hub   *Hub
	log   zerolog.Logger

	// Validation strike timestamps inside the rolling window.
	strikeMu sync.Mutex
	strikes  []time.Time

	closeOnce sync.Once
}

func newClient(userID string, conn *websocket.Conn, h *Hub, log zerolog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		queue:  newSendQueue(h.cfg.SendQueueSize),
		hub:    h,
		log:    log.With().Str("conn_id", id).Str("user_id", userID).Logger(),
	}
}

// Send enqueues a frame for delivery. A full queue drops the oldest
// non-critical frame; only a queue saturated with critical frames can drop
// a non-critical newcomer.
func (c *Client) Send(f *Frame) {
	if !c.queue.Push(f) {
		c.log.Debug().Str("frame_type", f.Type).Msg("Dropped frame on full send queue")
	}
}

// readPump reads frames until the connection errors or misses the read
// deadline. Every inbound frame, ping included, resets the deadline, which
// is the configured heartbeat interval.
func (c *Client) readPump(ctx context.Context) {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(readLimit)

	for {
		readCtx, cancel := context.WithTimeout(ctx, c.hub.cfg.HeartbeatInterval)
		_, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				c.close(websocket.StatusPolicyViolation, "heartbeat missed")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			if c.strike() {
				return
			}
			c.Send(ErrorFrame("VALIDATION", "malformed frame", ""))
			continue
		}

		c.hub.dispatch(c, &frame)
	}
}

// writePump drains the send queue onto the socket.
func (c *Client) writePump(ctx context.Context) {
	for {
		frame, ok := c.queue.Pop()
		if !ok {
			return
		}

		payload, err := json.Marshal(frame)
		if err != nil {
			c.log.Error().Err(err).Str("frame_type", frame.Type).Msg("Failed to marshal frame")
			continue
		}

		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = c.conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			return
		}
	}
}

// strike records one validation failure. Returns true when the client
// crossed the strike limit and has been closed.
func (c *Client) strike() bool {
	now := time.Now()

	c.strikeMu.Lock()
	kept := c.strikes[:0]
	for _, t := range c.strikes {
		if now.Sub(t) < c.hub.cfg.StrikeWindow {
			kept = append(kept, t)
		}
	}
	c.strikes = append(kept, now)
	count := len(c.strikes)
	c.strikeMu.Unlock()

	if count >= c.hub.cfg.ValidationStrikes {
		c.log.Warn().Int("strikes", count).Msg("Validation strike limit reached, closing")
		c.close(websocket.StatusPolicyViolation, "too many invalid frames")
		return true
	}
	return false
}

// close shuts the socket and the send queue exactly once.
func (c *Client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.queue.Close()
		_ = c.conn.Close(code, reason)
	})
}

// sendQueue is the bounded outbound buffer. Bounded so one slow client
// cannot pin hub memory; overflow evicts the oldest non-critical frame.
type sendQueue struct {
	mu     sync.Mutex
	items  []*Frame
	max    int
	wake   chan struct{}
	closed bool
}

func newSendQueue(max int) *sendQueue {
	if max < 1 {
		max = 1
	}
	return &sendQueue{
		max:  max,
		wake: make(chan struct{}, 1),
	}
}

// Push enqueues a frame, evicting on overflow. Returns false when the
// frame was dropped instead of queued.
func (q *sendQueue) Push(f *Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if len(q.items) >= q.max {
		evicted := false
		for i, item := range q.items {
			if !item.Critical() {
				q.items = append(q.items[:i], q.items[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			// Queue is all critical frames. Critical newcomers still
			// append; anything else loses.
			if !f.Critical() {
				return false
			}
		}
	}

	q.items = append(q.items, f)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until a frame is available or the queue closes.
func (q *sendQueue) Pop() (*Frame, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, false
		}
		<-q.wake
	}
}

// Close wakes any blocked Pop and rejects further pushes.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}
