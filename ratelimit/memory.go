package ratelimit

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/absfs/sharecrypt/store"
)

// MemoryCounters keeps windows in process memory, for single-instance
// deployments. Identities are HMAC-hashed with a per-instance key before
// use as map keys, so raw addresses never sit in the map.
type MemoryCounters struct {
	mu      sync.Mutex
	windows map[string]store.WindowCounter
	hmacKey [32]byte
	now     func() time.Time

	stop chan struct{}
}

// NewMemoryCounters returns an empty in-memory counter store
func NewMemoryCounters() (*MemoryCounters, error) {
	m := &MemoryCounters{
		windows: make(map[string]store.WindowCounter),
		now:     time.Now,
	}
	if _, err := rand.Read(m.hmacKey[:]); err != nil {
		return nil, fmt.Errorf("ratelimit: failed to generate key: %w", err)
	}
	return m, nil
}

func (m *MemoryCounters) hashKey(class, id string) string {
	mac := hmac.New(sha256.New, m.hmacKey[:])
	mac.Write([]byte(class))
	mac.Write([]byte{0})
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// IncrementWindow implements CounterStore
func (m *MemoryCounters) IncrementWindow(ctx context.Context, class, id string, limit int, window time.Duration, now time.Time) (store.WindowCounter, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.WindowCounter{}, false, err
	}
	k := m.hashKey(class, id)

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.windows[k]
	switch {
	case !ok || !now.Before(c.ResetAt):
		c = store.WindowCounter{Count: 1, ResetAt: now.Add(window)}
	case c.Count >= limit:
		return c, false, nil
	default:
		c.Count++
	}
	m.windows[k] = c
	return c, true, nil
}

// StartGC sweeps elapsed windows every interval until Stop is called
func (m *MemoryCounters) StartGC(interval time.Duration) {
	m.stop = make(chan struct{})
	go m.gcLoop(interval, m.stop)
}

// Stop ends the sweeper started by StartGC. It is safe to call without
// StartGC and more than once.
func (m *MemoryCounters) Stop() {
	if m.stop != nil {
		select {
		case <-m.stop:
		default:
			close(m.stop)
		}
	}
}

func (m *MemoryCounters) gcLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MemoryCounters) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, c := range m.windows {
		if !now.Before(c.ResetAt) {
			delete(m.windows, k)
		}
	}
}

// Len returns the number of tracked windows
func (m *MemoryCounters) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

var (
	_ CounterStore = (*MemoryCounters)(nil)
	_ CounterStore = (*store.Store)(nil)
)
