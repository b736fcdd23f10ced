// Package cache implements the Cache Manager (spec.md §4.3):
// deduplicates stage executions by fingerprint and coordinates
// concurrent requesters of the same fingerprint via leases.
//
// Lease bookkeeping follows the shape of the teacher's
// pkg/manager/token.go TokenManager (map + mutex + deadline +
// CleanupExpired), generalized with waiter channels so a second
// requester can block until the lease owner publishes or releases.
package cache

import (
	"sync"
	"time"

	"github.com/openforcefield/bespoke-executor/pkg/log"
	"github.com/openforcefield/bespoke-executor/pkg/metrics"
	"github.com/openforcefield/bespoke-executor/pkg/types"
)

// store is the narrow slice of storage.Store the cache manager needs.
type store interface {
	PutCacheEntry(entry *types.CacheEntry) error
	GetCacheEntry(fingerprint string) (*types.CacheEntry, bool, error)
}

// AcquireOutcome is the result of Acquire.
type AcquireOutcome struct {
	Status  string // "granted", "held-by", "hit"
	Owner   string
	Value   *types.CacheEntry
}

const (
	AcquireGranted = "granted"
	AcquireHeldBy  = "held-by"
	AcquireHit     = "hit"
)

type lease struct {
	owner    string
	deadline time.Time
	waiters  []chan waitResult
}

type waitResult struct {
	cached bool
	value  *types.CacheEntry
}

// Manager implements the Cache Manager contract.
type Manager struct {
	store store

	mu     sync.Mutex
	leases map[string]*lease
}

// NewManager creates a Cache Manager over a Result Store.
func NewManager(s store) *Manager {
	return &Manager{
		store:  s,
		leases: make(map[string]*lease),
	}
}

// Lookup implements spec.md §4.3's read operation. A successful
// Publish is visible to every subsequent Lookup (linearizable with
// respect to the durable store).
func (m *Manager) Lookup(fingerprint string) (*types.CacheEntry, bool, error) {
	entry, hit, err := m.store.GetCacheEntry(fingerprint)
	if err == nil {
		if hit {
			metrics.CacheHitsTotal.Inc()
		} else {
			metrics.CacheMissesTotal.Inc()
		}
	}
	return entry, hit, err
}

// Acquire implements spec.md §4.3's atomic acquire operation.
func (m *Manager) Acquire(fingerprint, owner string, ttl time.Duration) (AcquireOutcome, error) {
	if entry, hit, err := m.store.GetCacheEntry(fingerprint); err != nil {
		return AcquireOutcome{}, err
	} else if hit {
		metrics.CacheHitsTotal.Inc()
		return AcquireOutcome{Status: AcquireHit, Value: entry}, nil
	} else {
		metrics.CacheMissesTotal.Inc()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, exists := m.leases[fingerprint]; exists {
		return AcquireOutcome{Status: AcquireHeldBy, Owner: l.owner}, nil
	}

	m.leases[fingerprint] = &lease{owner: owner, deadline: time.Now().Add(ttl)}
	return AcquireOutcome{Status: AcquireGranted, Owner: owner}, nil
}

// Wait blocks until the fingerprint's lease owner publishes (returns
// cached=true with the value) or releases without publishing
// (returns cached=false, so the caller should retry Acquire).
func (m *Manager) Wait(fingerprint string) (cached bool, value *types.CacheEntry) {
	m.mu.Lock()
	l, exists := m.leases[fingerprint]
	if !exists {
		m.mu.Unlock()
		// The lease is already gone; check the durable cache directly.
		entry, hit, _ := m.store.GetCacheEntry(fingerprint)
		return hit, entry
	}
	ch := make(chan waitResult, 1)
	l.waiters = append(l.waiters, ch)
	m.mu.Unlock()

	result := <-ch
	return result.cached, result.value
}

// Heartbeat extends a held lease's deadline, called periodically by
// the worker running the task (spec.md §4.3 "Lease heartbeats").
func (m *Manager) Heartbeat(fingerprint, owner string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, exists := m.leases[fingerprint]
	if !exists || l.owner != owner {
		return false
	}
	l.deadline = time.Now().Add(ttl)
	return true
}

// Publish inserts the Cache Entry, releases the lease, and wakes any
// waiters. A stale publish (caller no longer holds the lease) is
// rejected and the value discarded.
func (m *Manager) Publish(fingerprint string, value map[string]any, owner, producedBy, methodSpec string) error {
	m.mu.Lock()
	l, exists := m.leases[fingerprint]
	if !exists || l.owner != owner {
		m.mu.Unlock()
		log.WithComponent("cache").Warn().
			Str("fingerprint", fingerprint).
			Str("owner", owner).
			Msg("rejected stale publish: lease no longer held by caller")
		return nil
	}
	delete(m.leases, fingerprint)
	waiters := l.waiters
	m.mu.Unlock()

	entry := &types.CacheEntry{
		Fingerprint: fingerprint,
		Value:       value,
		ProducedBy:  producedBy,
		MethodSpec:  methodSpec,
		FinishedAt:  time.Now().UTC(),
	}
	if err := m.store.PutCacheEntry(entry); err != nil {
		return err
	}

	for _, w := range waiters {
		w <- waitResult{cached: true, value: entry}
	}
	return nil
}

// Release releases the lease without publishing (task failed, was
// cancelled, or the executor reported an error). One waiter, if any,
// should re-acquire; since every waiter is blocked on Wait and Wait's
// caller re-invokes Acquire on a false result, broadcasting to all
// waiters with cached=false is safe and lets exactly one of them win
// the subsequent Acquire race.
func (m *Manager) Release(fingerprint, owner string) {
	m.mu.Lock()
	l, exists := m.leases[fingerprint]
	if !exists || l.owner != owner {
		m.mu.Unlock()
		return
	}
	delete(m.leases, fingerprint)
	waiters := l.waiters
	m.mu.Unlock()

	for _, w := range waiters {
		w <- waitResult{cached: false}
	}
}

// CleanupExpired administratively releases any lease whose deadline
// has passed without a heartbeat, per spec.md §4.3 "Lease expiry".
// Called by the Periodic Sweeper on the same cadence the teacher's
// TokenManager expects its own CleanupExpiredTokens to be driven.
func (m *Manager) CleanupExpired() []string {
	now := time.Now()
	var expired []string

	m.mu.Lock()
	for fp, l := range m.leases {
		if now.After(l.deadline) {
			expired = append(expired, fp)
			delete(m.leases, fp)
			for _, w := range l.waiters {
				w <- waitResult{cached: false}
			}
		}
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		log.WithComponent("cache").Warn().
			Int("count", len(expired)).
			Msg("administratively released expired leases")
	}
	return expired
}
