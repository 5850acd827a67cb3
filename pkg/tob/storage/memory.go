package storage

import (
	"sort"
	"sync"

	"github.com/jabolina/go-tob/pkg/tob/types"
)

// InMemory is a Storage used by tests that don't need a real file, keeping
// the same contract a BoltStorage gives a Peer.
type InMemory struct {
	mutex sync.RWMutex
	byKey map[types.Seq]types.OrderRecord
}

// NewInMemory returns an empty in-memory Storage.
func NewInMemory() *InMemory {
	return &InMemory{byKey: make(map[types.Seq]types.OrderRecord)}
}

func (m *InMemory) Put(order types.OrderRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.byKey[order.Seq] = order
	return nil
}

func (m *InMemory) All() ([]types.OrderRecord, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]types.OrderRecord, 0, len(m.byKey))
	for _, v := range m.byKey {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *InMemory) Get(seq types.Seq) (types.OrderRecord, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	v, ok := m.byKey[seq]
	return v, ok, nil
}

func (m *InMemory) Close() error { return nil }
