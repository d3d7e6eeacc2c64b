// Package pool implements the generational slot pool: a fixed-size arena
// of uniformly sized slots acquired and released via handle.Handle values.
// Every access cross-checks the generation embedded in the handle against
// the slot's true generation, so a handle that outlives its slot's
// incarnation is rejected rather than allowed to corrupt memory.
//
// Pool configuration (slot size, slot count, alignment, zero policies) is
// immutable after construction. There is no dynamic growth: a pool fixed
// at N slots of size S never grows beyond N*S bytes of payload.
package pool

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/MacMayo1993/Anamnesis/handle"
	"github.com/MacMayo1993/Anamnesis/internal/xlog"
	"github.com/MacMayo1993/Anamnesis/trace"
)

const (
	// genWrap is the modulus of the 16-bit generation counter (§4.2).
	genWrap = 1 << 16
	// maxLocation is the largest value the 45-bit location field can hold.
	maxLocation = (uint64(1) << 45) - 1
)

// Config describes the immutable shape of a Pool.
type Config struct {
	// SlotSize is the number of payload bytes per slot. Must be > 0.
	SlotSize int
	// SlotCount is the number of slots in the arena. Must be > 0.
	SlotCount int
	// Alignment is retained as a validated configuration field (power of
	// two >= 8, default 8); see DESIGN.md for why it is otherwise inert
	// in a Go slice-backed arena.
	Alignment int
	// ZeroOnAlloc clears payload bytes on every Alloc.
	ZeroOnAlloc bool
	// ZeroOnRelease clears payload bytes on every Release.
	ZeroOnRelease bool
	// Recorder, if non-nil, receives trace events for alloc/release/get.
	// Defaults to trace.Default (a no-op) when nil.
	Recorder trace.Recorder
	// ThreadID, if set, is consulted for the ThreadID field of emitted
	// trace events. Defaults to always reporting 0.
	ThreadID func() uint8
}

func (c Config) validate() error {
	if c.SlotSize <= 0 {
		return fmt.Errorf("pool: SlotSize must be > 0, got %d", c.SlotSize)
	}
	if c.SlotCount <= 0 {
		return fmt.Errorf("pool: SlotCount must be > 0, got %d", c.SlotCount)
	}
	align := c.Alignment
	if align == 0 {
		align = 8
	}
	if align < 8 || bits.OnesCount(uint(align)) != 1 {
		return fmt.Errorf("pool: Alignment must be a power of two >= 8, got %d", align)
	}
	if uint64(c.SlotCount) > maxLocation {
		return fmt.Errorf("pool: SlotCount %d exceeds the 45-bit location field", c.SlotCount)
	}
	return nil
}

// slotHeader is the per-slot metadata: true generation and free-list link.
type slotHeader struct {
	generation atomic.Uint32
	nextFree   atomic.Uint64
}

// Pool is a fixed-size arena of slots, plus the atomic free-list,
// generation tracking, and statistics counters that make it safe for
// arbitrarily many concurrent readers and writers.
type Pool struct {
	cfg     Config
	headers []slotHeader
	arena   []byte

	freeHead atomic.Uint64 // handle.Handle of the top free slot, or handle.Null

	slotsFree      atomic.Int64
	allocCount     atomic.Uint64
	releaseCount   atomic.Uint64
	anamnesisCount atomic.Uint64
	generationMax  atomic.Uint32
}

// Stats is an atomically-assembled, not-necessarily-mutually-consistent
// snapshot of a Pool's counters.
type Stats struct {
	SlotCount      int
	SlotsFree      int64
	SlotsLive      int64
	AllocCount     uint64
	ReleaseCount   uint64
	AnamnesisCount uint64
	GenerationMax  uint32
}

// New validates cfg and constructs a Pool with every slot free, the first
// allocation returning slot 0.
func New(cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Alignment == 0 {
		cfg.Alignment = 8
	}
	if cfg.Recorder == nil {
		cfg.Recorder = trace.Default
	}

	p := &Pool{
		cfg:     cfg,
		headers: make([]slotHeader, cfg.SlotCount),
		arena:   make([]byte, cfg.SlotCount*cfg.SlotSize),
	}
	p.slotsFree.Store(int64(cfg.SlotCount))

	// Push every slot onto the free-list in reverse order so the first
	// allocation returns slot 0.
	var top handle.Handle = handle.Null
	for i := cfg.SlotCount - 1; i >= 0; i-- {
		p.headers[i].generation.Store(0)
		p.headers[i].nextFree.Store(uint64(top))
		top = handle.Encode(0, uint64(i), handle.FREE)
	}
	p.freeHead.Store(uint64(top))

	return p, nil
}

func (p *Pool) payload(loc uint64) []byte {
	off := int(loc) * p.cfg.SlotSize
	return p.arena[off : off+p.cfg.SlotSize]
}

func (p *Pool) threadID() uint8 {
	if p.cfg.ThreadID != nil {
		return p.cfg.ThreadID()
	}
	return 0
}

func (p *Pool) emit(op trace.OpType, loc uint64, gen uint32) {
	p.cfg.Recorder.Record(trace.Event{
		Timestamp:  uint64(time.Now().UnixNano()),
		SlotIndex:  uint32(loc),
		Generation: uint16(gen),
		OpType:     op,
		ThreadID:   p.threadID(),
	})
}

func (p *Pool) raiseGenerationMax(g uint32) {
	for {
		cur := p.generationMax.Load()
		if g <= cur {
			return
		}
		if p.generationMax.CompareAndSwap(cur, g) {
			return
		}
	}
}

// Alloc pops the free-list head and returns a fresh LIVE handle. Returns
// handle.Null, without mutating any statistic, if the pool is exhausted.
func (p *Pool) Alloc() handle.Handle {
	for {
		top := handle.Handle(p.freeHead.Load())
		if top.IsNull() {
			return handle.Null
		}
		loc := top.Location()
		next := p.headers[loc].nextFree.Load()
		if p.freeHead.CompareAndSwap(uint64(top), next) {
			g := p.headers[loc].generation.Load()
			h := handle.Encode(uint16(g), loc, handle.LIVE)
			p.slotsFree.Add(-1)
			p.allocCount.Add(1)
			p.raiseGenerationMax(g)
			if p.cfg.ZeroOnAlloc {
				clear(p.payload(loc))
			}
			p.emit(trace.OpAlloc, loc, g)
			return h
		}
	}
}

// liveSlot validates that h currently refers to a LIVE slot with a
// matching generation, returning its location on success.
func (p *Pool) liveSlot(h handle.Handle) (loc uint64, ok bool) {
	if h.IsNull() || h.State() != handle.LIVE {
		return 0, false
	}
	loc = h.Location()
	if loc >= uint64(len(p.headers)) {
		return 0, false
	}
	g := p.headers[loc].generation.Load()
	if uint16(g) != h.Generation() {
		return 0, false
	}
	return loc, true
}

// Release rejects (and counts an anamnesis event for) a null handle, a
// non-LIVE handle, an out-of-range location, or a stale generation.
// Otherwise it advances the slot's generation, optionally zeroes the
// payload, and pushes the slot back onto the free-list.
func (p *Pool) Release(h handle.Handle) bool {
	loc, ok := p.liveSlot(h)
	if !ok {
		p.anamnesisCount.Add(1)
		xlog.Get().Log(xlog.Entry{Level: xlog.LevelWarn, Category: "pool", Message: "release rejected stale or malformed handle", Handle: uint64(h)})
		return false
	}

	newGen := (p.headers[loc].generation.Load() + 1) % genWrap
	p.headers[loc].generation.Store(newGen)
	if p.cfg.ZeroOnRelease {
		clear(p.payload(loc))
	}
	freeHandle := handle.Encode(uint16(newGen), loc, handle.FREE)

	for {
		old := p.freeHead.Load()
		p.headers[loc].nextFree.Store(old)
		if p.freeHead.CompareAndSwap(old, uint64(freeHandle)) {
			break
		}
	}

	p.slotsFree.Add(1)
	p.releaseCount.Add(1)
	p.emit(trace.OpRelease, loc, newGen)
	return true
}

// Get returns the payload bytes for h, or nil (counting an anamnesis
// event) if h is not currently LIVE with a matching generation.
func (p *Pool) Get(h handle.Handle) []byte {
	loc, ok := p.liveSlot(h)
	if !ok {
		p.anamnesisCount.Add(1)
		p.emit(trace.OpGetStale, h.Location(), uint32(h.Generation()))
		return nil
	}
	p.emit(trace.OpGetValid, loc, p.headers[loc].generation.Load())
	return p.payload(loc)
}

// Validate reports whether Get(h) would succeed.
func (p *Pool) Validate(h handle.Handle) bool {
	return p.Get(h) != nil
}

// Stats returns a point-in-time snapshot of the pool's counters. Fields
// are read independently and are not guaranteed to be mutually
// consistent under concurrent mutation.
func (p *Pool) Stats() Stats {
	free := p.slotsFree.Load()
	return Stats{
		SlotCount:      len(p.headers),
		SlotsFree:      free,
		SlotsLive:      int64(len(p.headers)) - free,
		AllocCount:     p.allocCount.Load(),
		ReleaseCount:   p.releaseCount.Load(),
		AnamnesisCount: p.anamnesisCount.Load(),
		GenerationMax:  p.generationMax.Load(),
	}
}

// Foreach is a debug-only helper, explicitly not thread-safe: it
// snapshots the free-list then invokes visitor for every slot not on
// that snapshot, passing a freshly minted handle bearing the slot's
// current generation. Callers must not alloc/release concurrently with
// a Foreach call.
func (p *Pool) Foreach(visitor func(h handle.Handle, payload []byte)) {
	free := make(map[uint64]struct{}, len(p.headers))
	visited := make(map[uint64]struct{}, len(p.headers))
	cur := handle.Handle(p.freeHead.Load())
	for !cur.IsNull() {
		loc := cur.Location()
		if _, seen := visited[loc]; seen {
			// Corruption: a slot appears twice on the free-list. Stop
			// rather than loop forever.
			break
		}
		visited[loc] = struct{}{}
		free[loc] = struct{}{}
		cur = handle.Handle(p.headers[loc].nextFree.Load())
	}

	for i := range p.headers {
		loc := uint64(i)
		if _, isFree := free[loc]; isFree {
			continue
		}
		g := p.headers[i].generation.Load()
		visitor(handle.Encode(uint16(g), loc, handle.LIVE), p.payload(loc))
	}
}

// SlotSize returns the configured payload size per slot.
func (p *Pool) SlotSize() int { return p.cfg.SlotSize }

// SlotCount returns the configured number of slots.
func (p *Pool) SlotCount() int { return len(p.headers) }
