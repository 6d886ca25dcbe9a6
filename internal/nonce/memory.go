package nonce

import (
	"context"
	"sync"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

// signerCounter serializes allocation for one signer so unrelated signers
// never block each other.
type signerCounter struct {
	mu   sync.Mutex
	next uint64
}

type MemoryAllocator struct {
	mu       sync.RWMutex
	counters map[models.Address]*signerCounter
}

func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{
		counters: make(map[models.Address]*signerCounter),
	}
}

func (m *MemoryAllocator) Next(ctx context.Context, signer models.Address) (uint64, error) {
	m.mu.RLock()
	c, ok := m.counters[signer]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		c, ok = m.counters[signer]
		if !ok {
			c = &signerCounter{}
			m.counters[signer] = c
		}
		m.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return c.next, nil
}
