// Package cache implements the Cache Plane (C8): an in-process L1 TTL map
// in front of the Message Store's SQLite-backed L2, with cross-process
// invalidation distributed over NATS so a write on one node evicts the L1
// entry on every other node in the fleet. Grounded on the reference
// server's monitoring_collectors.go sampling-goroutine idiom (a ticker-driven
// background sweep) and on nats-io/nats.go as used for the Channels Table
// mirror in the multi-process variant of the reference server.
package cache

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/channelserver/internal/metrics"
	"github.com/adred-codev/channelserver/internal/store"
)

const invalidateSubjectPrefix = "cache.invalidate."

type l1Entry struct {
	value     string
	expiresAt time.Time
}

// Plane is the Cache Plane: L1 in-process, L2 via the Message Store,
// invalidation broadcast over NATS.
type Plane struct {
	logger zerolog.Logger
	store  *store.Store
	nc     *nats.Conn // nil disables cross-process invalidation (single-node mode)

	mu sync.RWMutex
	l1 map[string]l1Entry

	stopSweep chan struct{}
}

// New builds a Cache Plane. nc may be nil to run single-node (L1+L2 only,
// no cross-process invalidation fan-out).
func New(st *store.Store, nc *nats.Conn, logger zerolog.Logger) *Plane {
	p := &Plane{
		logger:    logger,
		store:     st,
		nc:        nc,
		l1:        make(map[string]l1Entry),
		stopSweep: make(chan struct{}),
	}
	if nc != nil {
		p.subscribeInvalidations()
	}
	go p.sweepLoop()
	return p
}

func l1Key(namespace, key string) string { return namespace + "\x00" + key }

func (p *Plane) subscribeInvalidations() {
	_, err := p.nc.Subscribe(invalidateSubjectPrefix+">", func(msg *nats.Msg) {
		namespace, key := splitInvalidateSubject(msg.Subject)
		if key == "*" {
			prefix := namespace + "\x00"
			p.mu.Lock()
			for k := range p.l1 {
				if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
					delete(p.l1, k)
				}
			}
			p.mu.Unlock()
			return
		}
		p.evictLocal(namespace, key)
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to subscribe to cache invalidation subject")
	}
}

func splitInvalidateSubject(subject string) (namespace, key string) {
	rest := subject[len(invalidateSubjectPrefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '.' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

func (p *Plane) evictLocal(namespace, key string) {
	p.mu.Lock()
	delete(p.l1, l1Key(namespace, key))
	p.mu.Unlock()
}

// Get resolves namespace/key, checking L1 first and falling back to L2 on
// miss, populating L1 on an L2 hit.
func (p *Plane) Get(namespace, key string) (string, bool) {
	p.mu.RLock()
	entry, ok := p.l1[l1Key(namespace, key)]
	p.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		metrics.CacheHits.WithLabelValues("l1", "hit").Inc()
		return entry.value, true
	}
	metrics.CacheHits.WithLabelValues("l1", "miss").Inc()

	value, err := p.store.CacheGet(namespace, key)
	if err != nil {
		metrics.CacheHits.WithLabelValues("l2", "miss").Inc()
		return "", false
	}
	metrics.CacheHits.WithLabelValues("l2", "hit").Inc()

	p.mu.Lock()
	p.l1[l1Key(namespace, key)] = l1Entry{value: value, expiresAt: time.Now().Add(30 * time.Second)}
	p.mu.Unlock()
	return value, true
}

// Set writes through to L2, updates the local L1, and publishes an
// invalidation so every other node evicts its stale L1 copy (§4.8's
// best-effort cross-process consistency: a missed invalidation self-heals
// once the TTL on the other node's L1 entry expires).
func (p *Plane) Set(namespace, key, value string, ttl time.Duration) error {
	if err := p.store.CacheSet(namespace, key, value, time.Now().Add(ttl).UnixMilli()); err != nil {
		return err
	}

	p.mu.Lock()
	p.l1[l1Key(namespace, key)] = l1Entry{value: value, expiresAt: time.Now().Add(ttl)}
	p.mu.Unlock()

	p.publishInvalidation(namespace, key)
	return nil
}

// Delete removes namespace/key from L1, L2, and every other node.
func (p *Plane) Delete(namespace, key string) error {
	if err := p.store.CacheDelete(namespace, key); err != nil {
		return err
	}
	p.evictLocal(namespace, key)
	p.publishInvalidation(namespace, key)
	return nil
}

// FlushNamespace removes every entry under namespace across L1 (local node
// only; L2 and the invalidation are still namespace-wide) and L2.
func (p *Plane) FlushNamespace(namespace string) error {
	if err := p.store.CacheFlushNamespace(namespace); err != nil {
		return err
	}

	p.mu.Lock()
	prefix := namespace + "\x00"
	for k := range p.l1 {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(p.l1, k)
		}
	}
	p.mu.Unlock()

	p.publishInvalidation(namespace, "*")
	return nil
}

func (p *Plane) publishInvalidation(namespace, key string) {
	metrics.CacheInvalidations.Inc()
	if p.nc == nil {
		return
	}
	if err := p.nc.Publish(invalidateSubjectPrefix+namespace+"."+key, nil); err != nil {
		p.logger.Warn().Err(err).Msg("failed to publish cache invalidation")
	}
}

// sweepLoop periodically evicts expired L1 entries, mirroring the reference
// server's ticker-driven monitoring goroutines.
func (p *Plane) sweepLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Plane) sweep() {
	now := time.Now()
	p.mu.Lock()
	for k, entry := range p.l1 {
		if now.After(entry.expiresAt) {
			delete(p.l1, k)
		}
	}
	p.mu.Unlock()
}

// Stop halts the background sweep goroutine.
func (p *Plane) Stop() { close(p.stopSweep) }
