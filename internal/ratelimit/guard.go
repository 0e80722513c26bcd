// Package ratelimit implements the process-wide resource guard that decides
// whether a new connection is admitted and whether a per-connection action
// (authentication attempt, broadcast) is allowed to proceed, plus the
// per-client token buckets backing those per-action limits. Grounded on the
// reference server's ResourceGuard/TokenBucket pair, rendered here on top of
// golang.org/x/time/rate rather than a hand-rolled bucket.
package ratelimit

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/channelserver/internal/platform"
)

// GuardConfig configures the resource guard's thresholds.
type GuardConfig struct {
	MaxConnections     int
	MaxGoroutines      int
	CPURejectThreshold float64
	CPUPauseThreshold  float64
	MemoryLimitBytes   int64
	MaxAuthPerSec      float64
	MaxBroadcastPerSec float64
}

// Guard is the process-wide admission and rate control authority.
type Guard struct {
	cfg    GuardConfig
	logger zerolog.Logger

	cpu *platform.CPUMonitor

	currentConnections int64 // atomic
	goroutineSem        chan struct{}

	broadcastLimiter *rate.Limiter

	authMu      sync.Mutex
	authBuckets map[string]*rate.Limiter // per-remote-addr auth attempt limiter
}

// New builds a Guard from config, starting CPU monitoring immediately.
func New(cfg GuardConfig, logger zerolog.Logger) *Guard {
	return &Guard{
		cfg:              cfg,
		logger:           logger,
		cpu:              platform.NewCPUMonitor(logger),
		goroutineSem:     make(chan struct{}, cfg.MaxGoroutines),
		broadcastLimiter: rate.NewLimiter(rate.Limit(cfg.MaxBroadcastPerSec), int(cfg.MaxBroadcastPerSec)),
		authBuckets:      make(map[string]*rate.Limiter),
	}
}

// ShouldAcceptConnection applies the static admission checks the reference
// server's handleWebSocket runs before attempting the WS upgrade: current
// connection count against MaxConnections, plus a CPU safety check.
func (g *Guard) ShouldAcceptConnection() (bool, string) {
	current := atomic.LoadInt64(&g.currentConnections)
	if int(current) >= g.cfg.MaxConnections {
		return false, "max_connections_reached"
	}

	cpuPercent, _, err := g.cpu.GetPercent()
	if err == nil && cpuPercent > g.cfg.CPURejectThreshold {
		return false, "cpu_reject_threshold_exceeded"
	}

	return true, ""
}

// AcquireConnectionSlot increments the live connection counter. Call
// ReleaseConnectionSlot on disconnect.
func (g *Guard) AcquireConnectionSlot() { atomic.AddInt64(&g.currentConnections, 1) }

// ReleaseConnectionSlot decrements the live connection counter.
func (g *Guard) ReleaseConnectionSlot() { atomic.AddInt64(&g.currentConnections, -1) }

// CurrentConnections reports the live connection count.
func (g *Guard) CurrentConnections() int64 { return atomic.LoadInt64(&g.currentConnections) }

// AcquireGoroutine attempts to reserve a goroutine slot, returning false if
// the process is already at its configured ceiling (a non-blocking
// channel-semaphore, same idiom as the reference server's GoroutineLimiter).
func (g *Guard) AcquireGoroutine() bool {
	select {
	case g.goroutineSem <- struct{}{}:
		return true
	default:
		return false
	}
}

// ReleaseGoroutine frees a previously acquired goroutine slot.
func (g *Guard) ReleaseGoroutine() { <-g.goroutineSem }

// AllowBroadcast applies the process-wide broadcast rate limit ahead of a
// channel fanout.
func (g *Guard) AllowBroadcast() bool { return g.broadcastLimiter.Allow() }

// AllowAuthAttempt applies a per-remote-address token bucket to failed
// authentication attempts, per §4.3's "Connection Supervisor MAY apply a
// per-connection rate limit on failed authentications."
func (g *Guard) AllowAuthAttempt(remoteAddr string) bool {
	g.authMu.Lock()
	limiter, ok := g.authBuckets[remoteAddr]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(g.cfg.MaxAuthPerSec), int(g.cfg.MaxAuthPerSec))
		g.authBuckets[remoteAddr] = limiter
	}
	g.authMu.Unlock()
	return limiter.Allow()
}

// ForgetAuthBucket drops the per-address limiter state, called when no
// connection from that address remains (keeps memory bounded).
func (g *Guard) ForgetAuthBucket(remoteAddr string) {
	g.authMu.Lock()
	delete(g.authBuckets, remoteAddr)
	g.authMu.Unlock()
}

// CPUPercent reports the most recent CPU sample.
func (g *Guard) CPUPercent() (float64, error) {
	percent, _, err := g.cpu.GetPercent()
	return percent, err
}

// MemoryPercent reports current RSS as a percentage of MemoryLimitBytes.
func (g *Guard) MemoryPercent() (float64, error) {
	rss, err := platform.ProcessRSS()
	if err != nil {
		return 0, err
	}
	if g.cfg.MemoryLimitBytes == 0 {
		return 0, nil
	}
	return (float64(rss) / float64(g.cfg.MemoryLimitBytes)) * 100, nil
}

// Stats returns a snapshot suitable for the /health endpoint.
func (g *Guard) Stats() map[string]any {
	cpuPercent, _ := g.CPUPercent()
	memPercent, _ := g.MemoryPercent()
	return map[string]any{
		"goroutines_current":    len(g.goroutineSem),
		"goroutines_limit":      g.cfg.MaxGoroutines,
		"connections_current":   g.CurrentConnections(),
		"connections_limit":     g.cfg.MaxConnections,
		"cpu_percent":           cpuPercent,
		"memory_percent":        memPercent,
		"cpu_reject_threshold":  g.cfg.CPURejectThreshold,
		"cpu_pause_threshold":   g.cfg.CPUPauseThreshold,
	}
}
