package position

import (
	"context"
	"sort"
	"sync"
)

// Repository caches the last reconciled positions. The exchange stays the
// source of truth; the manager replaces the cache on every read.
type Repository interface {
	Get(ctx context.Context, asset string) (*Position, bool, error)
	Save(ctx context.Context, p Position) error
	Delete(ctx context.Context, asset string) error
	All(ctx context.Context) ([]Position, error)
	Replace(ctx context.Context, positions []Position) error
}

// MemoryRepository is a process-local Repository
type MemoryRepository struct {
	mu        sync.RWMutex
	positions map[string]Position
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{positions: make(map[string]Position)}
}

func (r *MemoryRepository) Get(ctx context.Context, asset string) (*Position, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[asset]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (r *MemoryRepository) Save(ctx context.Context, p Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[p.Asset] = p
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, asset string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, asset)
	return nil
}

func (r *MemoryRepository) All(ctx context.Context) ([]Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (r *MemoryRepository) Replace(ctx context.Context, positions []Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = make(map[string]Position, len(positions))
	for _, p := range positions {
		r.positions[p.Asset] = p
	}
	return nil
}
