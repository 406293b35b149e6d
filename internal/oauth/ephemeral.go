package oauth

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Payload is the JSON-shaped body of a credential or ephemeral record, as the
// protocol engine hands it to the adapter. Values survive a JSON round trip,
// so implementations backed by serialized storage return the decoded shapes
// (string, float64, bool, map, slice).
type Payload map[string]any

// UID returns the payload's uid field, used for session correlation.
func (p Payload) UID() string {
	uid, _ := p["uid"].(string)
	return uid
}

// GrantID returns the payload's grantId field.
func (p Payload) GrantID() string {
	id, _ := p["grantId"].(string)
	return id
}

// EphemeralStore holds short-lived interactive state: sessions, consent
// interactions and grants. Records disappear at expiry; there is no
// durability guarantee.
type EphemeralStore interface {
	// Set stores a payload under model/id with the given TTL. A zero TTL
	// means no expiry.
	Set(ctx context.Context, model, id string, payload Payload, ttl time.Duration) error

	// Get returns the payload, or nil if absent or past expiry.
	Get(ctx context.Context, model, id string) (Payload, error)

	// Consume marks a record consumed exactly once: ErrReplayDetected on
	// repeat, ErrNotFound when absent or expired. The record keeps its
	// remaining TTL.
	Consume(ctx context.Context, model, id string) error

	// Find returns the first payload of the model matching the predicate.
	Find(ctx context.Context, model string, match func(Payload) bool) (Payload, error)

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, model, id string) error

	// DeleteByGrantID removes every record of every model carrying the grant
	// id and returns how many were removed.
	DeleteByGrantID(ctx context.Context, grantID string) (int, error)
}

type memoryEntry struct {
	model     string
	id        string
	payload   Payload
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is the process-local EphemeralStore. State set by one instance
// is invisible to any other, which is acceptable for single-instance
// deployments or when routing pins an interactive flow to one instance; use
// RedisStore when that does not hold.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger
}

var _ EphemeralStore = (*MemoryStore)(nil)

// NewMemoryStore creates a memory store and starts its sweep loop. The loop
// is owned by the store: it never holds the process open and Close stops it,
// so shutdown is not blocked.
func NewMemoryStore(sweepInterval time.Duration, logger *slog.Logger) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	store := &MemoryStore{
		entries:       make(map[string]*memoryEntry),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		logger:        logger,
	}
	go store.sweepLoop()
	return store
}

// Close stops the sweep loop. Safe to call more than once.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stopSweep) })
	return nil
}

func entryKey(model, id string) string {
	return model + "/" + id
}

// Set stores a payload under model/id. The payload is copied in, so the
// stored map never aliases one the caller still holds.
func (m *MemoryStore) Set(_ context.Context, model, id string, payload Payload, ttl time.Duration) error {
	entry := &memoryEntry{model: model, id: id, payload: maps.Clone(payload)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[entryKey(model, id)] = entry
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the payload or nil. Expired entries are deleted
// lazily here rather than waiting for the next sweep.
func (m *MemoryStore) Get(_ context.Context, model, id string) (Payload, error) {
	key := entryKey(model, id)
	m.mu.RLock()
	entry, ok := m.entries[key]
	var payload Payload
	if ok {
		payload = maps.Clone(entry.payload)
	}
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if entry.expired(time.Now()) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, nil
	}
	return payload, nil
}

// Consume marks a record consumed exactly once. The check and the write
// happen under the store's lock, so two concurrent consumes of the same
// record cannot both succeed. The entry's expiry is left untouched.
func (m *MemoryStore) Consume(_ context.Context, model, id string) error {
	key := entryKey(model, id)
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	if entry.expired(time.Now()) {
		delete(m.entries, key)
		return ErrNotFound
	}
	if _, consumed := entry.payload["consumedAt"]; consumed {
		return ErrReplayDetected
	}
	entry.payload["consumedAt"] = time.Now()
	return nil
}

// Find linearly scans records of one model. Used for uid correlation; the
// record count here is bounded by live interactive flows, so a scan is fine.
func (m *MemoryStore) Find(_ context.Context, model string, match func(Payload) bool) (Payload, error) {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entry := range m.entries {
		if entry.model != model || entry.expired(now) {
			continue
		}
		if match(entry.payload) {
			return maps.Clone(entry.payload), nil
		}
	}
	return nil, nil
}

// Delete removes a record.
func (m *MemoryStore) Delete(_ context.Context, model, id string) error {
	m.mu.Lock()
	delete(m.entries, entryKey(model, id))
	m.mu.Unlock()
	return nil
}

// DeleteByGrantID removes all records carrying the grant id.
func (m *MemoryStore) DeleteByGrantID(_ context.Context, grantID string) (int, error) {
	if grantID == "" {
		return 0, nil
	}
	removed := 0
	m.mu.Lock()
	for key, entry := range m.entries {
		if entry.payload.GrantID() == grantID {
			delete(m.entries, key)
			removed++
		}
	}
	m.mu.Unlock()
	return removed, nil
}

// Sweep removes all expired entries and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	now := time.Now()
	removed := 0
	m.mu.Lock()
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	m.mu.Unlock()
	return removed
}

// Len reports the number of live entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := m.Sweep(); removed > 0 {
				m.logger.Debug("swept expired ephemeral records", "removed", removed)
			}
		case <-m.stopSweep:
			return
		}
	}
}
