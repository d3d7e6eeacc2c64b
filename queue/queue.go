// Package queue implements a lock-free multi-producer/multi-consumer FIFO
// built on the classical Michael–Scott algorithm, with one decisive
// change from the textbook version: every atomic field that would hold a
// pointer instead holds a handle.Handle. Comparing handles compares
// (generation, location, state) bit-exactly, so a node slot reused at the
// same location after a successful pop can never be mistaken for the
// node that used to live there — the ABA hazard that plagues pointer-
// based lock-free queues is eliminated by construction, not papered over
// with hazard pointers or epoch reclamation.
package queue

import (
	"fmt"
	"sync/atomic"

	"github.com/MacMayo1993/Anamnesis/handle"
	"github.com/MacMayo1993/Anamnesis/pool"
	"github.com/MacMayo1993/Anamnesis/trace"
)

// Config describes the immutable shape of a Queue.
type Config struct {
	// ItemSize is the number of payload bytes per queued item. Must be > 0.
	ItemSize int
	// Capacity is the maximum number of items the queue can hold at
	// once. The backing pool is sized Capacity+1 (one slot is
	// permanently the dummy sentinel). Must be > 0.
	Capacity int
	// Recorder, if non-nil, is forwarded to the private backing pool.
	Recorder trace.Recorder
}

// Stats is a snapshot of a Queue's monotonic counters.
type Stats struct {
	Capacity     int
	PushCount    uint64
	PopCount     uint64
	PushFails    uint64
	PopFails     uint64
	ABAPrevented uint64
}

// Queue is a lock-free FIFO whose node identity is a handle rather than
// a raw pointer.
type Queue struct {
	pool *pool.Pool
	next []atomic.Uint64 // parallel to pool slots, keyed by slot location

	head atomic.Uint64
	tail atomic.Uint64

	capacity int
	length   atomic.Int64

	pushCount    atomic.Uint64
	popCount     atomic.Uint64
	pushFails    atomic.Uint64
	popFails     atomic.Uint64
	abaPrevented atomic.Uint64
}

// New validates cfg and constructs a Queue with one live dummy sentinel
// node; both head and tail start referring to it.
func New(cfg Config) (*Queue, error) {
	if cfg.ItemSize <= 0 {
		return nil, fmt.Errorf("queue: ItemSize must be > 0, got %d", cfg.ItemSize)
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("queue: Capacity must be > 0, got %d", cfg.Capacity)
	}

	p, err := pool.New(pool.Config{
		SlotSize:  cfg.ItemSize,
		SlotCount: cfg.Capacity + 1,
		Recorder:  cfg.Recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: backing pool: %w", err)
	}

	q := &Queue{
		pool:     p,
		next:     make([]atomic.Uint64, cfg.Capacity+1),
		capacity: cfg.Capacity,
	}

	dummy := p.Alloc()
	if dummy.IsNull() {
		return nil, fmt.Errorf("queue: could not allocate dummy sentinel")
	}
	q.next[dummy.Location()].Store(uint64(handle.Null))
	q.head.Store(uint64(dummy))
	q.tail.Store(uint64(dummy))

	return q, nil
}

// Push copies data into a freshly acquired node and links it onto the
// tail of the queue, returning the node's handle as a receipt. Returns
// handle.Null (and counts a push failure) if the backing pool is full.
func (q *Queue) Push(data []byte) handle.Handle {
	n := q.pool.Alloc()
	if n.IsNull() {
		q.pushFails.Add(1)
		return handle.Null
	}
	copy(q.pool.Get(n), data)
	nLoc := n.Location()
	q.next[nLoc].Store(uint64(handle.Null))

	for {
		t := handle.Handle(q.tail.Load())
		if !q.pool.Validate(t) {
			q.abaPrevented.Add(1)
			continue
		}
		tLoc := t.Location()
		nx := handle.Handle(q.next[tLoc].Load())
		if q.tail.Load() != uint64(t) {
			continue
		}
		if nx.IsNull() {
			if q.next[tLoc].CompareAndSwap(uint64(handle.Null), uint64(n)) {
				q.tail.CompareAndSwap(uint64(t), uint64(n))
				break
			}
			continue
		}
		q.tail.CompareAndSwap(uint64(t), uint64(nx))
	}

	q.length.Add(1)
	q.pushCount.Add(1)
	return n
}

// Pop removes the item at the head of the queue and, if out is non-nil,
// copies its payload into out. Returns false if the queue is empty.
//
// The payload is copied into a local buffer before the CAS that advances
// head, and only committed to out after that CAS succeeds — a retrying
// popper never lets a payload read from a node that has since been
// recycled become observable to the caller.
func (q *Queue) Pop(out []byte) bool {
	for {
		h := handle.Handle(q.head.Load())
		t := handle.Handle(q.tail.Load())
		if !q.pool.Validate(h) {
			q.abaPrevented.Add(1)
			continue
		}
		hLoc := h.Location()
		nx := handle.Handle(q.next[hLoc].Load())
		if q.head.Load() != uint64(h) {
			continue
		}

		if h == t {
			if nx.IsNull() {
				q.popFails.Add(1)
				return false
			}
			q.tail.CompareAndSwap(uint64(t), uint64(nx))
			continue
		}

		payload := q.pool.Get(nx)
		if payload == nil {
			q.abaPrevented.Add(1)
			continue
		}
		local := append([]byte(nil), payload...)

		if q.head.CompareAndSwap(uint64(h), uint64(nx)) {
			q.pool.Release(h)
			q.length.Add(-1)
			q.popCount.Add(1)
			if out != nil {
				copy(out, local)
			}
			return true
		}
	}
}

// Peek copies the payload of the item at the head of the queue into out
// (if non-nil) without removing it. Returns false if the queue is empty
// or if either dereference fails (detected via the pool's generation
// check — never observed for a healthy queue, but defended against).
func (q *Queue) Peek(out []byte) bool {
	h := handle.Handle(q.head.Load())
	if !q.pool.Validate(h) {
		return false
	}
	nx := handle.Handle(q.next[h.Location()].Load())
	if nx.IsNull() {
		return false
	}
	payload := q.pool.Get(nx)
	if payload == nil {
		return false
	}
	if out != nil {
		copy(out, payload)
	}
	return true
}

// Empty reports whether the queue currently has no items.
func (q *Queue) Empty() bool {
	h := handle.Handle(q.head.Load())
	if !q.pool.Validate(h) {
		return true
	}
	return handle.Handle(q.next[h.Location()].Load()).IsNull()
}

// Length returns the cached item count: exact in quiescent states,
// approximate under concurrent mutation.
func (q *Queue) Length() int {
	return int(q.length.Load())
}

// Stats returns a point-in-time snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Capacity:     q.capacity,
		PushCount:    q.pushCount.Load(),
		PopCount:     q.popCount.Load(),
		PushFails:    q.pushFails.Load(),
		PopFails:     q.popFails.Load(),
		ABAPrevented: q.abaPrevented.Load(),
	}
}

// Close drains all pending items, releases the terminal dummy node, and
// relinquishes the backing pool. Close is not safe to call concurrently
// with Push/Pop.
func (q *Queue) Close() error {
	for q.Pop(nil) {
	}
	h := handle.Handle(q.head.Load())
	q.pool.Release(h)
	return nil
}
