package server

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/coedit-dev/coedit/internal/monitoring"
)

// writePump drains the send queue onto the socket. Writes batch through a
// buffered writer so a flush burst costs one syscall, and a periodic
// WebSocket ping keeps intermediaries from reaping quiet connections.
func (s *Server) writePump(c *connection) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"conn_id": c.id,
		"doc":     c.docName,
	})

	writer := bufio.NewWriter(c.netConn)
	pingPeriod := s.cfg.ReadIdleTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close(1011, monitoring.DisconnectReasonWriteError, monitoring.DisconnectInitiatedByServer)
	}()

	write := func(frame []byte) bool {
		c.netConn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := wsutil.WriteServerMessage(writer, ws.OpBinary, frame); err != nil {
			c.logger.Debug().Err(err).Msg("Write failed")
			return false
		}
		monitoring.MessagesSent.Inc()
		monitoring.BytesSent.Add(float64(len(frame)))
		return true
	}

	for {
		select {
		case <-c.done:
			return

		case frame := <-c.send:
			if !write(frame) {
				return
			}
			// Drain whatever queued up while we were writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if !write(<-c.send) {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				c.logger.Debug().Err(err).Msg("Flush failed")
				return
			}

		case <-ticker.C:
			c.netConn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := wsutil.WriteServerMessage(c.netConn, ws.OpPing, nil); err != nil {
				c.logger.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}
