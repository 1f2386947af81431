package snapshot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sub-aggregator-api/internal/storage"
	"github.com/sub-aggregator-api/internal/types"
	log "github.com/sirupsen/logrus"
)

// Manager holds the latest run result behind an atomic pointer so API
// reads never block an evaluation run, and persists it to storage.
type Manager struct {
	current   atomic.Value // stores *types.Snapshot
	storage   storage.Storage
	persistMu sync.Mutex

	persistInterval time.Duration
	stopPersist     chan struct{}
}

func NewManager(store storage.Storage, persistIntervalSeconds int) *Manager {
	m := &Manager{
		storage:         store,
		persistInterval: time.Duration(persistIntervalSeconds) * time.Second,
		stopPersist:     make(chan struct{}),
	}

	// Initialize with empty snapshot
	m.current.Store(&types.Snapshot{
		Nodes:         []string{},
		Subscriptions: []types.Subscription{},
		Stats:         types.Stats{},
		Updated:       time.Now(),
	})

	// Start periodic persistence
	if persistIntervalSeconds > 0 {
		go m.periodicPersist()
	}

	return m
}

// Update atomically swaps the current snapshot
func (m *Manager) Update(nodes []string, subs []types.Subscription, stats types.Stats) {
	snapshot := &types.Snapshot{
		Nodes:         nodes,
		Subscriptions: subs,
		Stats:         stats,
		Updated:       time.Now(),
	}

	m.current.Store(snapshot)
	log.Infof("Snapshot updated: %d unique nodes from %d subscriptions", len(nodes), len(subs))

	// Trigger async persistence
	go m.persist(snapshot)
}

// Get returns the current snapshot (atomic read)
func (m *Manager) Get() *types.Snapshot {
	return m.current.Load().(*types.Snapshot)
}

// GetNodes returns all nodes as a copy to prevent external modifications
func (m *Manager) GetNodes() []string {
	snapshot := m.Get()
	nodes := make([]string, len(snapshot.Nodes))
	copy(nodes, snapshot.Nodes)
	return nodes
}

// GetSubscriptions returns the evaluated subscriptions from the last run
func (m *Manager) GetSubscriptions() []types.Subscription {
	snapshot := m.Get()
	subs := make([]types.Subscription, len(snapshot.Subscriptions))
	copy(subs, snapshot.Subscriptions)
	return subs
}

// GetStats returns current statistics
func (m *Manager) GetStats() types.Stats {
	snapshot := m.Get()
	return snapshot.Stats
}

// persist saves snapshot to storage (non-blocking)
func (m *Manager) persist(snapshot *types.Snapshot) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if err := m.storage.Save(snapshot); err != nil {
		log.Errorf("Failed to persist snapshot: %v", err)
	} else {
		log.Debugf("Snapshot persisted: %d nodes", len(snapshot.Nodes))
	}
}

// periodicPersist saves snapshot at regular intervals
func (m *Manager) periodicPersist() {
	ticker := time.NewTicker(m.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot := m.Get()
			m.persist(snapshot)
		case <-m.stopPersist:
			return
		}
	}
}

// LoadFromStorage loads the last saved snapshot so the API can serve the
// previous run's result before the first evaluation finishes.
func (m *Manager) LoadFromStorage() error {
	snapshot, err := m.storage.Load()
	if err != nil {
		return err
	}

	if snapshot != nil && len(snapshot.Nodes) > 0 {
		m.current.Store(snapshot)
		log.Infof("Loaded %d nodes from storage (updated %s)", len(snapshot.Nodes), snapshot.Updated.Format(time.RFC3339))
		return nil
	}

	log.Info("No previous snapshot in storage")
	return nil
}

// Close stops background tasks
func (m *Manager) Close() {
	close(m.stopPersist)

	// Final persist
	snapshot := m.Get()
	m.persist(snapshot)
}
