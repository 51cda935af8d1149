package guard

import (
	"context"
	"sync"
)

// latestWriter hands state to a persistence hook outside the component lock.
// Each submission carries a sequence number taken under that lock; older
// submissions than the newest seen are dropped. Writes happen one at a time,
// and a caller that finds a write already running leaves its state for that
// writer and returns at once. Intermediate states may be skipped; the newest
// is always written last.
type latestWriter[T any] struct {
	mu      sync.Mutex
	newest  uint64
	pending *pendingWrite[T]
	running bool
}

type pendingWrite[T any] struct {
	ctx   context.Context
	value T
}

func (w *latestWriter[T]) submit(ctx context.Context, seq uint64, value T, write func(context.Context, T)) {
	w.mu.Lock()
	if seq <= w.newest {
		w.mu.Unlock()
		return
	}
	w.newest = seq
	w.pending = &pendingWrite[T]{ctx: context.WithoutCancel(ctx), value: value}
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true

	for w.pending != nil {
		next := w.pending
		w.pending = nil
		w.mu.Unlock()

		write(next.ctx, next.value)

		w.mu.Lock()
	}
	w.running = false
	w.mu.Unlock()
}
