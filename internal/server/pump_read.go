package server

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/coedit-dev/coedit/internal/monitoring"
	"github.com/coedit-dev/coedit/internal/protocol"
)

// readPump consumes client frames until the connection dies. It owns the
// connection's document detach: whatever ends the loop, the client leaves the
// document exactly once.
func (s *Server) readPump(c *connection) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"conn_id": c.id,
		"doc":     c.docName,
	})

	reason := monitoring.DisconnectReasonReadError
	initiatedBy := monitoring.DisconnectInitiatedByClient
	code := ws.StatusCode(1000)

	defer func() {
		c.close(code, reason, initiatedBy)
		s.detach(c)
	}()

	// The first deadline doubles as the protocol handshake timeout: a client
	// that upgrades but never syncs gets dropped.
	c.netConn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	for {
		data, op, err := wsutil.ReadClientData(c.netConn)
		if err != nil {
			if _, closed := err.(wsutil.ClosedError); closed {
				reason = monitoring.DisconnectReasonClientClose
				return
			}
			if c.isClosed() {
				reason = monitoring.DisconnectReasonServerShutdown
				initiatedBy = monitoring.DisconnectInitiatedByServer
				return
			}
			if c.state.Load() == stateHandshaking {
				reason = monitoring.DisconnectReasonHandshake
				initiatedBy = monitoring.DisconnectInitiatedByServer
			}
			return
		}

		idle := s.cfg.ReadIdleTimeout
		if c.state.Load() == stateHandshaking {
			idle = s.cfg.HandshakeTimeout
		}
		c.netConn.SetReadDeadline(time.Now().Add(idle))

		monitoring.MessagesReceived.Inc()
		monitoring.BytesReceived.Add(float64(len(data)))

		switch op {
		case ws.OpBinary:
			// Tokens are checked lazily: expiry between frames only matters
			// once the client acts again.
			if c.user.Expired(time.Now()) {
				code = 1008
				reason = monitoring.DisconnectReasonTokenExpired
				initiatedBy = monitoring.DisconnectInitiatedByServer
				return
			}
			if ok := s.handleFrame(c, data); !ok {
				code = 1011
				reason = monitoring.DisconnectReasonProtocolError
				initiatedBy = monitoring.DisconnectInitiatedByServer
				return
			}
		default:
			// Text and other data frames are not part of the protocol.
			code = 1011
			reason = monitoring.DisconnectReasonProtocolError
			initiatedBy = monitoring.DisconnectInitiatedByServer
			return
		}
	}
}

// handleFrame dispatches one decoded frame. Returns false on a protocol
// violation worth disconnecting over; recoverable conditions (a writer-only
// frame from a read-only user) are dropped silently.
func (s *Server) handleFrame(c *connection, data []byte) bool {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Undecodable frame")
		return false
	}

	switch msg.Channel {
	case protocol.ChannelSync:
		return s.handleSync(c, msg)

	case protocol.ChannelAwareness:
		if !c.CanWrite() {
			c.logger.Debug().Msg("Discarding awareness from read-only user")
			return true
		}
		c.markOpen()
		if err := c.doc.ApplyAwareness(c.client, msg.Body); err != nil {
			// Apply failures drop the frame but keep the connection; the
			// client's other traffic may be fine.
			c.logger.Warn().Err(err).Msg("Dropping malformed awareness update")
		}
		return true

	case protocol.ChannelQueryAwareness:
		snapshot := c.doc.AwarenessSnapshot()
		if snapshot == nil {
			snapshot = emptyAwareness()
		}
		c.Enqueue(protocol.EncodeAwareness(snapshot))
		return true

	case protocol.ChannelPing:
		// Application-level keep-alive; echo the same frame back.
		c.Enqueue(protocol.EncodePing())
		return true
	}
	return false
}

func (s *Server) handleSync(c *connection, msg protocol.Message) bool {
	switch msg.SyncKind {
	case protocol.SyncStep1:
		diff, err := c.doc.DiffSince(msg.Body)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed state vector")
			return true
		}
		c.markOpen()
		c.Enqueue(protocol.EncodeSyncStep2(diff))
		return true

	case protocol.SyncStep2, protocol.SyncUpdate:
		if !c.CanWrite() {
			// Read-only users may sync and observe but never mutate. Dropped
			// without closing: the client UI may simply not know.
			c.logger.Debug().Msg("Discarding update from read-only user")
			return true
		}
		if err := c.doc.ApplyUpdate(c.client, msg.Body); err != nil {
			// Apply failures never disconnect; the replica rejected the
			// bytes, the connection itself is still speaking the protocol.
			c.logger.Warn().Err(err).Msg("Dropping malformed document update")
			return true
		}
		c.markOpen()
		return true
	}
	return false
}

// emptyAwareness is the zero-entry awareness encoding.
func emptyAwareness() []byte {
	return []byte{0x00}
}
