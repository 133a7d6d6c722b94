// Package limits rate-limits the upgrade path. WebSocket handshakes are the
// expensive entry point (JWT verification, goroutine spawn), so flood
// protection sits in front of them.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/coedit-dev/coedit/internal/monitoring"
)

// ConnectionRateLimiter applies token-bucket limits at two levels: global
// (distributed floods) and per-IP (single noisy client). Per-IP buckets are
// garbage collected after a period of inactivity.
type ConnectionRateLimiter struct {
	mu    sync.Mutex
	perIP map[string]*ipEntry

	global *rate.Limiter

	ipRate  rate.Limit
	ipBurst int
	ipTTL   time.Duration

	logger   zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterConfig holds the bucket parameters. Zero values get production
// defaults.
type RateLimiterConfig struct {
	IPRate      float64 // sustained connections/sec per IP
	IPBurst     int
	GlobalRate  float64 // sustained connections/sec instance-wide
	GlobalBurst int
}

func NewConnectionRateLimiter(cfg RateLimiterConfig, logger zerolog.Logger) *ConnectionRateLimiter {
	if cfg.IPRate == 0 {
		cfg.IPRate = 2
	}
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 100
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 200
	}

	l := &ConnectionRateLimiter{
		perIP:   make(map[string]*ipEntry),
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		ipRate:  rate.Limit(cfg.IPRate),
		ipBurst: cfg.IPBurst,
		ipTTL:   5 * time.Minute,
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection attempt from ip may proceed. Rejections
// map to HTTP 429 at the handler.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		monitoring.RateLimited.WithLabelValues("global").Inc()
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected by global rate limit")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		monitoring.RateLimited.WithLabelValues("per_ip").Inc()
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected by per-IP rate limit")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.perIP[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.ipRate, l.ipBurst)}
		l.perIP[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *ConnectionRateLimiter) cleanup() {
	cutoff := time.Now().Add(-l.ipTTL)
	l.mu.Lock()
	removed := 0
	for ip, entry := range l.perIP {
		if entry.lastSeen.Before(cutoff) {
			delete(l.perIP, ip)
			removed++
		}
	}
	remaining := len(l.perIP)
	l.mu.Unlock()
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", remaining).Msg("Dropped stale per-IP limiters")
	}
}

// TrackedIPs returns the number of live per-IP buckets, for /stats.
func (l *ConnectionRateLimiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perIP)
}

// Stop ends the cleanup goroutine.
func (l *ConnectionRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
