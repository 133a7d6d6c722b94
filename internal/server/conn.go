package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/coedit-dev/coedit/internal/auth"
	"github.com/coedit-dev/coedit/internal/doc"
	"github.com/coedit-dev/coedit/internal/monitoring"
)

// Connection lifecycle states.
const (
	stateHandshaking int32 = iota // upgraded, waiting for the first valid sync frame
	stateOpen                     // fully synchronized participant
	stateClosing                  // close frame sent, draining
	stateClosed
)

// connection is one attached WebSocket client.
type connection struct {
	id      int64 // server-wide counter, for logs
	netConn net.Conn
	user    *auth.User
	docName string
	doc     *doc.Document
	client  *doc.Client

	send chan []byte
	done chan struct{}

	state     atomic.Int32
	closeOnce sync.Once

	drainTimeout time.Duration
	logger       zerolog.Logger
}

func newConnection(id int64, netConn net.Conn, user *auth.User, docName string, queueSize int, drainTimeout time.Duration, logger zerolog.Logger) *connection {
	c := &connection{
		id:           id,
		netConn:      netConn,
		user:         user,
		docName:      docName,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		drainTimeout: drainTimeout,
		logger: logger.With().
			Int64("conn_id", id).
			Str("doc", docName).
			Str("user_id", user.UserID).
			Logger(),
	}
	c.state.Store(stateHandshaking)
	return c
}

// Enqueue queues a frame for the write pump without ever blocking the caller.
// When the queue is full the oldest frame is discarded to make room; the
// client recovers missed updates through its next sync handshake. Returns
// false when a frame had to be dropped or the connection is gone.
func (c *connection) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	clean := true
	for {
		select {
		case c.send <- frame:
			return clean
		default:
		}
		select {
		case <-c.send:
			clean = false
		case <-c.done:
			return false
		default:
			// Write pump drained the queue between our two selects; retry.
		}
	}
}

// CanWrite reports whether the authenticated user may submit edits.
func (c *connection) CanWrite() bool {
	return c.user.Can(auth.PermissionWrite)
}

// markOpen flips Handshaking to Open on the first valid sync frame.
func (c *connection) markOpen() {
	c.state.CompareAndSwap(stateHandshaking, stateOpen)
}

func (c *connection) isClosed() bool {
	s := c.state.Load()
	return s == stateClosing || s == stateClosed
}

// close performs the one-shot teardown: a best-effort flush of queued frames,
// a close frame with the given status, a short drain so well-behaved clients
// see it, then the TCP close. Everything shares one deadline of drainTimeout.
// Safe to call from any goroutine, any number of times.
func (c *connection) close(code ws.StatusCode, reason, initiatedBy string) {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosing)
		close(c.done)

		deadline := time.Now().Add(c.drainTimeout)
		c.netConn.SetWriteDeadline(deadline)

		// Flush whatever the write pump had not gotten to yet, so frames
		// queued before the close decision still reach the peer.
	flush:
		for {
			select {
			case queued := <-c.send:
				if err := wsutil.WriteServerMessage(c.netConn, ws.OpBinary, queued); err != nil {
					break flush
				}
			default:
				break flush
			}
		}

		frame := ws.NewCloseFrameBody(code, "")
		if err := wsutil.WriteServerMessage(c.netConn, ws.OpClose, frame); err == nil {
			// Give the peer one drain window to read the close frame.
			c.netConn.SetReadDeadline(deadline)
			buf := make([]byte, 512)
			for {
				if _, err := c.netConn.Read(buf); err != nil {
					break
				}
			}
		}
		c.netConn.Close()
		c.state.Store(stateClosed)

		monitoring.DisconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
		c.logger.Info().
			Str("reason", reason).
			Str("initiated_by", initiatedBy).
			Msg("Connection closed")
	})
}
