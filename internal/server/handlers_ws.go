package server

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gobwas/ws"

	"github.com/coedit-dev/coedit/internal/auth"
	"github.com/coedit-dev/coedit/internal/monitoring"
	"github.com/coedit-dev/coedit/internal/protocol"
)

// handleWebSocket authenticates and upgrades a connection, attaches it to
// its document and starts the pumps. Everything that can be rejected is
// rejected before the upgrade, while plain HTTP status codes still work.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil && !s.limiter.Allow(clientIP) {
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if s.active.Load() >= int64(s.cfg.MaxConnections) {
		monitoring.ConnectionsFailed.Inc()
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected: at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	docName := docNameFromPath(r.URL.Path)
	if docName == "" {
		http.Error(w, "Document name required", http.StatusBadRequest)
		return
	}

	token, echo, err := auth.ExtractToken(r)
	if err != nil {
		reason := "missing"
		if !errors.Is(err, auth.ErrTokenMissing) {
			reason = authFailureReason(err)
		}
		monitoring.AuthFailures.WithLabelValues(reason).Inc()
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	user, err := s.verifier.Verify(token)
	if err != nil {
		monitoring.AuthFailures.WithLabelValues(authFailureReason(err)).Inc()
		s.logger.Debug().Err(err).Str("client_ip", clientIP).Msg("Token rejected")
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	if !user.Can(auth.PermissionRead) {
		monitoring.AuthFailures.WithLabelValues("forbidden").Inc()
		http.Error(w, "Insufficient permissions", http.StatusForbidden)
		return
	}

	upgrader := ws.HTTPUpgrader{
		Timeout: s.cfg.HandshakeTimeout,
	}
	if echo != "" {
		// Echo the auth.* entry so browser clients complete the handshake.
		upgrader.Protocol = func(proto string) bool { return proto == echo }
	}
	netConn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		monitoring.ConnectionsFailed.Inc()
		s.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	c := newConnection(
		s.connCount.Add(1),
		netConn,
		user,
		docName,
		s.cfg.SendQueueSize,
		s.cfg.CloseDrainTimeout,
		s.logger,
	)

	document, client, err := s.registry.Attach(r.Context(), docName, c)
	if err != nil {
		s.logger.Error().Err(err).Str("doc", docName).Msg("Document attach failed")
		c.close(1011, monitoring.DisconnectReasonProtocolError, monitoring.DisconnectInitiatedByServer)
		return
	}
	c.doc = document
	c.client = client
	c.logger = c.logger.With().Uint32("client_id", client.ID()).Logger()

	s.conns.Store(c, struct{}{})
	monitoring.ConnectionsTotal.Inc()
	active := s.active.Add(1)
	monitoring.ConnectionsActive.Set(float64(active))

	// Open the handshake: our state vector, then the current presence so the
	// client renders collaborators before its first keystroke.
	c.Enqueue(protocol.EncodeSyncStep1(document.StateVector()))
	if snapshot := document.AwarenessSnapshot(); snapshot != nil {
		c.Enqueue(protocol.EncodeAwareness(snapshot))
	}

	c.logger.Info().
		Str("client_ip", clientIP).
		Int64("active_connections", active).
		Msg("Client connected")

	go s.writePump(c)
	go s.readPump(c)
}

// docNameFromPath maps the request path to a document name: everything after
// the leading slash, slashes allowed inside (teams namespace documents as
// "team/doc"). Reserved routes never reach this handler.
func docNameFromPath(path string) string {
	name := strings.Trim(path, "/")
	if name == "" || strings.HasPrefix(name, ".") {
		return ""
	}
	return name
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "expired"
	case errors.Is(err, auth.ErrWrongIssuer):
		return "issuer"
	case errors.Is(err, auth.ErrWrongAudience):
		return "audience"
	case errors.Is(err, auth.ErrMultipleTokens):
		return "multiple_tokens"
	default:
		return "invalid"
	}
}

// clientIP extracts the originating IP, honoring X-Forwarded-For from the
// load balancer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
