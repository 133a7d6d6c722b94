// Package memory watches the process footprint and sheds load before the
// kernel does it for us. Under pressure it evicts idle documents and shrinks
// per-document history rings; attached documents are never touched.
package memory

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/coedit-dev/coedit/internal/monitoring"
)

// Sampler returns the process's resident memory in bytes. Injectable so
// pressure behavior is testable without a 512MB heap.
type Sampler func() (uint64, error)

// ProcessSampler reads this process's RSS via gopsutil, falling back to
// system used memory when per-process stats are unavailable (some container
// runtimes hide /proc/<pid>/status details).
func ProcessSampler() Sampler {
	proc, procErr := process.NewProcess(int32(os.Getpid()))
	return func() (uint64, error) {
		if procErr == nil {
			if info, err := proc.MemoryInfo(); err == nil {
				return info.RSS, nil
			}
		}
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, err
		}
		return vm.Used, nil
	}
}

// Reclaimer is the surface the manager sheds load through. The document
// registry implements it.
type Reclaimer interface {
	// EvictIdle closes up to max unattached documents, returning the count
	// actually evicted.
	EvictIdle(max int) int
	// TruncateHistories caps every document's history ring at n entries.
	TruncateHistories(n int)
}

// Config tunes the manager.
type Config struct {
	// Limit is the memory budget in bytes.
	Limit int64
	// GCThreshold is the fraction of Limit at which reclamation starts.
	GCThreshold float64
	// Interval is the sampling period.
	Interval time.Duration
	// HistoryLimit is the normal history ring size; under pressure rings are
	// cut to a quarter of it.
	HistoryLimit int
}

// Manager samples memory on a fixed interval and reclaims when usage crosses
// the threshold.
type Manager struct {
	cfg       Config
	sample    Sampler
	reclaimer Reclaimer
	logger    zerolog.Logger

	mu   sync.Mutex
	peak uint64
	used uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, sample Sampler, reclaimer Reclaimer, logger zerolog.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		sample:    sample,
		reclaimer: reclaimer,
		logger:    logger.With().Str("component", "memory_manager").Logger(),
	}
}

// Start launches the sampling loop.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		defer monitoring.RecoverPanic(m.logger, "memory_manager", nil)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.logger.Info().
			Int64("limit_bytes", m.cfg.Limit).
			Float64("gc_threshold", m.cfg.GCThreshold).
			Dur("interval", m.cfg.Interval).
			Msg("Memory manager started")

		m.Check()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}()
}

// Check performs one sample-and-maybe-reclaim cycle. Exposed for tests and
// for the pressure path in /health.
func (m *Manager) Check() {
	used, err := m.sample()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Memory sample failed")
		return
	}

	m.mu.Lock()
	m.used = used
	if used > m.peak {
		m.peak = used
	}
	peak := m.peak
	m.mu.Unlock()

	monitoring.MemoryUsedBytes.Set(float64(used))
	monitoring.MemoryPeakBytes.Set(float64(peak))

	if m.cfg.Limit <= 0 {
		return
	}
	threshold := uint64(float64(m.cfg.Limit) * m.cfg.GCThreshold)
	if used < threshold {
		return
	}

	m.logger.Warn().
		Uint64("used_bytes", used).
		Uint64("threshold_bytes", threshold).
		Msg("Memory pressure, reclaiming")

	evicted := m.reclaimer.EvictIdle(0) // 0 = all idle documents
	if m.cfg.HistoryLimit > 0 {
		m.reclaimer.TruncateHistories(m.cfg.HistoryLimit / 4)
	}

	m.logger.Info().
		Int("docs_evicted", evicted).
		Msg("Reclamation pass done")
}

// Usage returns the latest sample and the peak since start.
func (m *Manager) Usage() (used, peak uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used, m.peak
}

// UnderPressure reports whether the last sample crossed the threshold,
// surfaced by /health as a degraded state.
func (m *Manager) UnderPressure() bool {
	m.mu.Lock()
	used := m.used
	m.mu.Unlock()
	if m.cfg.Limit <= 0 {
		return false
	}
	return used >= uint64(float64(m.cfg.Limit)*m.cfg.GCThreshold)
}

// Stop ends the sampling loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}
