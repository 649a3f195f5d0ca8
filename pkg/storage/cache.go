package storage

import (
	"sync"
	"time"

	"github.com/84hero/dapp-scout/pkg/aggregate"
)

// Cache stores completed interaction summaries so repeated lookups for the
// same wallet and range skip the scan entirely. The scanner itself never
// touches the cache; it belongs to whoever invokes scans (HTTP layer, CLI).
type Cache interface {
	// Load returns the cached summary for key, with ok=false on a miss or
	// expired entry.
	Load(key string) (*aggregate.InteractionSummary, bool, error)

	// Save stores a summary under key for ttl. A zero ttl means no expiry.
	Save(key string, summary *aggregate.InteractionSummary, ttl time.Duration) error

	// Close releases resources
	Close() error
}

// MemoryCache is a simple in-memory implementation (data lost on restart,
// for testing/single-process deployments only).
type MemoryCache struct {
	data   map[string]memoryEntry
	prefix string
	mu     sync.RWMutex
}

type memoryEntry struct {
	summary   *aggregate.InteractionSummary
	expiresAt time.Time
}

// NewMemoryCache initializes a new in-memory cache.
func NewMemoryCache(prefix string) *MemoryCache {
	return &MemoryCache{
		data:   make(map[string]memoryEntry),
		prefix: prefix,
	}
}

func (m *MemoryCache) Load(key string) (*aggregate.InteractionSummary, bool, error) {
	m.mu.RLock()
	entry, ok := m.data[m.prefix+key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.data, m.prefix+key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.summary, true, nil
}

func (m *MemoryCache) Save(key string, summary *aggregate.InteractionSummary, ttl time.Duration) error {
	entry := memoryEntry{summary: summary}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.data[m.prefix+key] = entry
	m.mu.Unlock()
	return nil
}

// Close implements the Cache interface.
func (m *MemoryCache) Close() error {
	return nil
}
