package pmm

import (
	"sort"

	"gophermm/kernel"
	"gophermm/kernel/mm"
	"gophermm/kernel/sync"
)

// Registry keeps track of every FramePool and resolves which pool owns a
// frame. Pools are kept sorted by base frame and never removed; their
// ranges never overlap. The zero value is an empty registry.
type Registry struct {
	lock  sync.Spinlock
	pools []*FramePool
}

// NewRegistry returns an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// register adds pool to the registry unless its range overlaps an
// already registered pool.
func (r *Registry) register(pool *FramePool) *kernel.Error {
	r.lock.Acquire()
	defer r.lock.Release()

	index := sort.Search(len(r.pools), func(i int) bool {
		return r.pools[i].baseFrame >= pool.baseFrame
	})

	if index > 0 && r.pools[index-1].end() > pool.baseFrame {
		return ErrPoolOverlap
	}
	if index < len(r.pools) && pool.end() > r.pools[index].baseFrame {
		return ErrPoolOverlap
	}

	r.pools = append(r.pools, nil)
	copy(r.pools[index+1:], r.pools[index:])
	r.pools[index] = pool
	return nil
}

// Lookup returns the pool that contains frame or nil if no registered pool
// claims it.
func (r *Registry) Lookup(frame mm.Frame) *FramePool {
	r.lock.Acquire()
	defer r.lock.Release()

	index := sort.Search(len(r.pools), func(i int) bool {
		return r.pools[i].end() > frame
	})

	if index < len(r.pools) && r.pools[index].baseFrame <= frame {
		return r.pools[index]
	}
	return nil
}

// ReleaseFrames returns the run starting at first to the pool that owns it.
// Released frames are immediately available to subsequent GetFrames calls.
func (r *Registry) ReleaseFrames(first mm.Frame) *kernel.Error {
	pool := r.Lookup(first)
	if pool == nil {
		return ErrUnknownFrame
	}
	return pool.releaseFrames(first)
}

// Pools returns the registered pools ordered by base frame.
func (r *Registry) Pools() []*FramePool {
	r.lock.Acquire()
	defer r.lock.Release()
	return append([]*FramePool(nil), r.pools...)
}
