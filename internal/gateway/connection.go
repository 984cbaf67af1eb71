package gateway

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// outboundFrame is one encoded wire message queued for a subscriber. Frames
// born from sequenced stream events carry the sequence number so duplicates
// can be suppressed; control frames (pong, resync, redelivered snapshots)
// carry zero and bypass the gate. terminal marks the stream's completion
// frame so the write loop closes the connection after delivering it.
type outboundFrame struct {
	seq      uint64
	payload  []byte
	terminal bool
}

// streamConn is one subscriber connection to a job stream.
//
// A connection starts in catch-up mode: live events that arrive while the
// connect path assembles the backfill are parked in pending instead of being
// sent, because their sequence numbers may overlap what the backfill already
// covers. beginLive pushes the backfill, drains pending through the same
// monotonic gate, and switches the connection to direct delivery. The gate
// (lastSeq) guarantees a subscriber never observes a sequence number twice
// and never observes one out of order.
type streamConn struct {
	ws    *websocket.Conn
	jobID uuid.UUID

	mu         sync.Mutex
	catchingUp bool
	pending    []outboundFrame
	lastSeq    uint64
	closed     bool

	send chan outboundFrame
	done chan struct{}
	once sync.Once
}

func newStreamConn(ws *websocket.Conn, jobID uuid.UUID, sendBuffer int) *streamConn {
	return &streamConn{
		ws:         ws,
		jobID:      jobID,
		catchingUp: true,
		send:       make(chan outboundFrame, sendBuffer),
		done:       make(chan struct{}),
	}
}

// enqueue queues a frame for delivery. It reports false when the subscriber
// cannot keep up (full send buffer or pending overflow), in which case the
// caller drops the connection rather than blocking the event path.
func (c *streamConn) enqueue(frame outboundFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	if c.catchingUp {
		if len(c.pending) >= pendingCatchUpLimit {
			return false
		}
		c.pending = append(c.pending, frame)
		return true
	}
	return c.pushLocked(frame)
}

// noteDelivered advances the sequence gate for a frame the write loop sent
// directly, so parked duplicates of it are suppressed on drain.
func (c *streamConn) noteDelivered(seq uint64) {
	c.mu.Lock()
	if seq > c.lastSeq {
		c.lastSeq = seq
	}
	c.mu.Unlock()
}

// beginLive drains events parked during catch-up through the sequence gate
// and switches the connection to direct delivery. It reports false when the
// send buffer overflowed.
func (c *streamConn) beginLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	for _, frame := range c.pending {
		if !c.pushLocked(frame) {
			return false
		}
	}
	c.pending = nil
	c.catchingUp = false
	return true
}

// pushLocked applies the monotonic sequence gate and hands the frame to the
// write loop. Callers hold c.mu.
func (c *streamConn) pushLocked(frame outboundFrame) bool {
	if frame.seq > 0 && frame.seq <= c.lastSeq {
		return true
	}
	select {
	case c.send <- frame:
		if frame.seq > 0 {
			c.lastSeq = frame.seq
		}
		return true
	default:
		return false
	}
}

// markClosed stops enqueues; frames already in the send buffer are abandoned
// along with the connection.
func (c *streamConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
