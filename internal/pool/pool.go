// Package pool provides generic free lists used to relieve allocation
// pressure on the read path (one pooled read buffer per running
// connection), and a work pool that bounds concurrent method dispatch.
package pool

import (
	"errors"
	"sync"

	"github.com/minecraft-podman/urp/internal/pragma"
)

// SlicePool is a set of temporary slices that may be individually saved and
// retrieved. It is intended to mirror [sync.Pool], except that a slice
// returned from Get is never garbage-collected out from under a caller
// between Put and the next Get: it is held onto indefinitely and handed out
// round-robin.
//
// A SlicePool is safe for use by multiple goroutines simultaneously.
type SlicePool[S []T, T any] struct {
	noCopy pragma.DoNotCopy

	metrics

	ch     chan S
	length int
}

// NewSlicePool returns a [SlicePool] set to hold onto depth number of items,
// and discard any slice with a capacity greater than cullLength.
func NewSlicePool[S []T, T any](depth, cullLength int) *SlicePool[S, T] {
	if cullLength <= 0 {
		panic("urp: pool: new buffer creation length must be greater than zero")
	}

	return &SlicePool[S, T]{
		ch:     make(chan S, depth),
		length: cullLength,
	}
}

// Get retrieves a slice from the pool, re-extended to its full capacity.
// If the pool is empty, it returns a nil slice; the caller allocates.
//
// A nil *SlicePool is treated as an always-empty pool.
func (p *SlicePool[S, T]) Get() S {
	if p == nil {
		return nil
	}

	select {
	case b := <-p.ch:
		p.hit()
		return b[:cap(b)]

	default:
		p.miss()
		return nil
	}
}

// Put returns b to the pool, unless its capacity exceeds the cull length,
// in which case it is dropped so the pool cannot become a memory leak.
func (p *SlicePool[S, T]) Put(b S) {
	if p == nil {
		return
	}

	if cap(b) > p.length {
		return
	}

	select {
	case p.ch <- b:
	default:
	}
}

// Pool is a set of temporary *T values that may be individually saved and
// retrieved, analogous to [sync.Pool] but without its cross-GC eviction.
type Pool[T any] struct {
	noCopy pragma.DoNotCopy

	metrics

	ch chan *T
}

// NewPool returns a [Pool] set to hold onto depth pointers to T.
func NewPool[T any](depth int) *Pool[T] {
	return &Pool[T]{
		ch: make(chan *T, depth),
	}
}

// Get retrieves an item from the pool, or allocates a fresh zero value.
func (p *Pool[T]) Get() *T {
	if p == nil {
		return new(T)
	}

	select {
	case v := <-p.ch:
		p.hit()
		return v

	default:
		p.miss()
		return new(T)
	}
}

// Put zeroes *v and returns it to the pool.
func (p *Pool[T]) Put(v *T) {
	if p == nil {
		return
	}

	var z T
	*v = z

	select {
	case p.ch <- v:
	default:
	}
}

// WorkPool bounds the number of outstanding units of concurrent work of type
// T, blocking Get until a slot is returned by Put. It is used to cap
// concurrently dispatched method invocations per connection.
type WorkPool[T any] struct {
	wg sync.WaitGroup

	ch chan chan T
}

// NewWorkPool returns a [WorkPool] pre-filled with depth work channels.
func NewWorkPool[T any](depth int) *WorkPool[T] {
	p := &WorkPool[T]{
		ch: make(chan chan T, depth),
	}

	for len(p.ch) < cap(p.ch) {
		p.ch <- make(chan T, 1)
	}

	return p
}

// Close closes the pool to further Get calls and waits for every
// outstanding channel to be returned via Put.
func (p *WorkPool[T]) Close() error {
	if p == nil {
		return errors.New("urp: cannot close nil work pool")
	}

	close(p.ch)
	p.wg.Wait()

	for range p.ch {
		// drain for GC
	}

	return nil
}

// Get blocks until a work channel is available, or returns ok=false once
// the pool has been closed.
func (p *WorkPool[T]) Get() (ch chan T, ok bool) {
	if p == nil {
		return make(chan T, 1), true
	}

	v, ok := <-p.ch
	if ok {
		p.wg.Add(1)
	}
	return v, ok
}

// Put returns a work channel previously obtained from Get.
func (p *WorkPool[T]) Put(v chan T) {
	if p == nil {
		return
	}

	select {
	case p.ch <- v:
		p.wg.Done()
	default:
		panic("urp: work pool overfill")
	}
}
