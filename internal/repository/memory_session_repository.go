package repository

import (
	"context"
	"sync"

	"github.com/launchpad/launchpad/internal/models"
)

// MemorySessionRepository keeps encoded snapshots in process memory. It is
// the default backend and the one used by tests.
type MemorySessionRepository struct {
	mu     sync.Mutex
	items  map[string][]byte
	sealer *Sealer
}

func NewMemorySessionRepository(sealer *Sealer) *MemorySessionRepository {
	return &MemorySessionRepository{
		items:  make(map[string][]byte),
		sealer: sealer,
	}
}

func (r *MemorySessionRepository) Save(ctx context.Context, key string, snapshot *models.SessionSnapshot) error {
	data, err := encodeSnapshot(snapshot, r.sealer)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.items[key] = data
	r.mu.Unlock()
	return nil
}

func (r *MemorySessionRepository) Load(ctx context.Context, key string) (*models.SessionSnapshot, error) {
	r.mu.Lock()
	data, ok := r.items[key]
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return decodeSnapshot(data, r.sealer)
}

func (r *MemorySessionRepository) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	delete(r.items, key)
	r.mu.Unlock()
	return nil
}
