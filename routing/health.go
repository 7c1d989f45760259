package routing

import (
	"sync"

	"github.com/siteworks/siteflow/logging"
)

// Health is the current snapshot for one queue. No history is kept.
type Health struct {
	Healthy bool
	Load    float64
}

// HealthStore owns the per-queue health map. It is updated by an external
// monitor through Update and read by the router; all access goes through the
// store, there is no ambient global state.
type HealthStore struct {
	mu     sync.RWMutex
	health map[string]Health
	logger logging.Logger
}

// NewHealthStore creates a store, optionally pre-seeded.
func NewHealthStore(seed map[string]Health, logger logging.Logger) *HealthStore {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	h := &HealthStore{health: map[string]Health{}, logger: logger}
	for name, hs := range seed {
		h.health[name] = hs
	}
	return h
}

// Update replaces the snapshot for one queue. This is the queue health feed
// entry point.
func (h *HealthStore) Update(queue string, healthy bool, load float64) {
	h.mu.Lock()
	h.health[queue] = Health{Healthy: healthy, Load: load}
	h.mu.Unlock()
	h.logger.Info("queue health updated", "queue", queue, "healthy", healthy, "load", load)
}

// Get returns the snapshot for a queue. Unknown queues report healthy with
// zero load so newly configured queues are not rerouted away from.
func (h *HealthStore) Get(queue string) Health {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if hs, ok := h.health[queue]; ok {
		return hs
	}
	return Health{Healthy: true, Load: 0}
}

// Snapshot returns a copy of the whole map.
func (h *HealthStore) Snapshot() map[string]Health {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]Health, len(h.health))
	for name, hs := range h.health {
		out[name] = hs
	}
	return out
}
