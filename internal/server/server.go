// Package server is the WebSocket front door: it authenticates upgrades,
// attaches connections to documents and runs the per-connection pumps.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coedit-dev/coedit/internal/auth"
	"github.com/coedit-dev/coedit/internal/bus"
	"github.com/coedit-dev/coedit/internal/config"
	"github.com/coedit-dev/coedit/internal/doc"
	"github.com/coedit-dev/coedit/internal/limits"
	"github.com/coedit-dev/coedit/internal/memory"
	"github.com/coedit-dev/coedit/internal/monitoring"
)

// Server ties the HTTP surface to the document registry.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	verifier *auth.Verifier
	registry *doc.Registry
	b        bus.Bus
	limiter  *limits.ConnectionRateLimiter
	memMgr   *memory.Manager

	httpServer *http.Server

	conns     sync.Map // *connection -> struct{}
	connCount atomic.Int64
	active    atomic.Int64

	shuttingDown atomic.Bool
	startTime    time.Time
}

// New wires a server from its parts. The caller owns the bus, registry and
// memory manager lifecycles; Shutdown tears down only what New created.
func New(cfg *config.Config, b bus.Bus, registry *doc.Registry, memMgr *memory.Manager, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		verifier:  auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
		registry:  registry,
		b:         b,
		memMgr:    memMgr,
		startTime: time.Now(),
	}

	if cfg.ConnRateLimitEnabled {
		s.limiter = limits.NewConnectionRateLimiter(limits.RateLimiterConfig{
			IPRate:      cfg.ConnRateLimitIPRate,
			IPBurst:     cfg.ConnRateLimitIPBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
		}, logger)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	if cfg.Environment == "development" {
		mux.HandleFunc("/debug/token", s.handleDebugToken)
	}
	mux.HandleFunc("/", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown refuses new upgrades, closes every live connection with a going-
// away status and stops the HTTP listener. Document flushing happens in the
// registry's own Shutdown, which the caller runs after this returns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.logger.Info().Int64("active_connections", s.active.Load()).Msg("Shutting down")

	var wg sync.WaitGroup
	s.conns.Range(func(key, _ any) bool {
		c := key.(*connection)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.close(1001, monitoring.DisconnectReasonServerShutdown, monitoring.DisconnectInitiatedByServer)
		}()
		return true
	})

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn().Msg("Connection drain timed out")
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

// detach unlinks a finished connection from its document and the conn table.
func (s *Server) detach(c *connection) {
	if _, loaded := s.conns.LoadAndDelete(c); !loaded {
		return
	}
	if c.client != nil {
		c.doc.Detach(c.client)
	}
	active := s.active.Add(-1)
	monitoring.ConnectionsActive.Set(float64(active))
}

type healthResponse struct {
	Status       string `json:"status"`
	BusConnected bool   `json:"bus_connected"`
	MemoryOK     bool   `json:"memory_ok"`
	Connections  int64  `json:"connections"`
	Documents    int    `json:"documents"`
	UptimeSec    int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		BusConnected: s.b.Healthy(),
		MemoryOK:     s.memMgr == nil || !s.memMgr.UnderPressure(),
		Connections:  s.active.Load(),
		Documents:    s.registry.Len(),
		UptimeSec:    int64(time.Since(s.startTime).Seconds()),
	}

	code := http.StatusOK
	if !resp.BusConnected || !resp.MemoryOK {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if s.shuttingDown.Load() {
		resp.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

type statsResponse struct {
	InstanceID      string      `json:"instance_id"`
	UptimeSec       int64       `json:"uptime_seconds"`
	Connections     int64       `json:"connections"`
	ConnectionsEver int64       `json:"connections_total"`
	Documents       []doc.Stats `json:"documents"`
	MemoryUsed      uint64      `json:"memory_used_bytes"`
	MemoryPeak      uint64      `json:"memory_peak_bytes"`
	TrackedIPs      int         `json:"rate_limiter_tracked_ips"`
	BusConnected    bool        `json:"bus_connected"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		InstanceID:      s.cfg.InstanceID,
		UptimeSec:       int64(time.Since(s.startTime).Seconds()),
		Connections:     s.active.Load(),
		ConnectionsEver: s.connCount.Load(),
		Documents:       s.registry.Snapshot(),
		BusConnected:    s.b.Healthy(),
	}
	if s.memMgr != nil {
		resp.MemoryUsed, resp.MemoryPeak = s.memMgr.Usage()
	}
	if s.limiter != nil {
		resp.TrackedIPs = s.limiter.TrackedIPs()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleDebugToken mints short-lived tokens for local development. Only
// routed when ENVIRONMENT=development.
func (s *Server) handleDebugToken(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = "dev"
	}
	token, err := s.verifier.Mint(userID, userID, []string{auth.PermissionRead, auth.PermissionWrite}, time.Hour)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}
