package queue

import (
	"encoding/binary"
	"sort"
	"sync"
	"testing"
)

func mustNew(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := New(cfg)
	if err != nil {
		t.Fatalf("New(%+v) failed: %v", cfg, err)
	}
	return q
}

func putInt(buf []byte, v int) {
	binary.LittleEndian.PutUint32(buf, uint32(v))
}

func getInt(buf []byte) int {
	return int(binary.LittleEndian.Uint32(buf))
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{ItemSize: 0, Capacity: 1}); err == nil {
		t.Error("ItemSize 0 should error")
	}
	if _, err := New(Config{ItemSize: 4, Capacity: 0}); err == nil {
		t.Error("Capacity 0 should error")
	}
}

func TestEmptyQueue(t *testing.T) {
	q := mustNew(t, Config{ItemSize: 4, Capacity: 4})
	if !q.Empty() {
		t.Fatal("fresh queue should be empty")
	}
	buf := make([]byte, 4)
	if q.Pop(buf) {
		t.Fatal("Pop on empty queue should return false")
	}
	if q.Stats().PopFails != 1 {
		t.Fatalf("PopFails = %d, want 1", q.Stats().PopFails)
	}
	if q.Peek(buf) {
		t.Fatal("Peek on empty queue should return false")
	}
}

// S4: SPSC in-order scenario.
func TestSPSCOrder(t *testing.T) {
	q := mustNew(t, Config{ItemSize: 4, Capacity: 100})

	buf := make([]byte, 4)
	for i := 0; i < 100; i++ {
		putInt(buf, i)
		if q.Push(buf).IsNull() {
			t.Fatalf("push %d failed", i)
		}
	}

	out := make([]byte, 4)
	for i := 0; i < 100; i++ {
		if !q.Pop(out) {
			t.Fatalf("pop %d failed", i)
		}
		if got := getInt(out); got != i {
			t.Fatalf("pop %d = %d, want %d", i, got, i)
		}
	}

	if q.Length() != 0 {
		t.Fatalf("Length() = %d, want 0", q.Length())
	}
	if !q.Empty() {
		t.Fatal("queue should be empty after full drain")
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := mustNew(t, Config{ItemSize: 4, Capacity: 4})
	buf := make([]byte, 4)
	putInt(buf, 7)
	q.Push(buf)

	out := make([]byte, 4)
	if !q.Peek(out) || getInt(out) != 7 {
		t.Fatal("peek should see 7")
	}
	if !q.Peek(out) || getInt(out) != 7 {
		t.Fatal("peek should be idempotent")
	}
	if q.Length() != 1 {
		t.Fatalf("Length() = %d after peek, want 1", q.Length())
	}
	if !q.Pop(out) || getInt(out) != 7 {
		t.Fatal("pop after peek should still see 7")
	}
}

func TestFullQueue(t *testing.T) {
	q := mustNew(t, Config{ItemSize: 4, Capacity: 4})
	buf := make([]byte, 4)
	for i := 0; i < 4; i++ {
		putInt(buf, i)
		if q.Push(buf).IsNull() {
			t.Fatalf("push %d should succeed", i)
		}
	}
	if h := q.Push(buf); !h.IsNull() {
		t.Fatal("push beyond capacity should return null handle")
	}
	if q.Stats().PushFails != 1 {
		t.Fatalf("PushFails = %d, want 1", q.Stats().PushFails)
	}
}

// S5: MPMC conservation of multiset scenario, scaled down for test speed.
// Producers and consumers run concurrently; consumers spin until every
// pushed item has been accounted for by PopCount.
func TestMPMCConservation(t *testing.T) {
	const producers = 4
	const itemsPerProducer = 2000
	const total = producers * itemsPerProducer
	const consumers = 4

	q := mustNew(t, Config{ItemSize: 4, Capacity: total})

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(id int) {
			defer wg.Done()
			buf := make([]byte, 4)
			for i := 0; i < itemsPerProducer; i++ {
				putInt(buf, id*itemsPerProducer+i)
				for q.Push(buf).IsNull() {
					// Capacity equals total, so the backing pool never
					// runs out here; the retry is purely defensive.
				}
			}
		}(p)
	}

	results := make(chan int, total)
	var cwg sync.WaitGroup
	cwg.Add(consumers)
	for c := 0; c < consumers; c++ {
		go func() {
			defer cwg.Done()
			out := make([]byte, 4)
			for {
				if q.Pop(out) {
					results <- getInt(out)
					continue
				}
				if q.Stats().PopCount == uint64(total) {
					return
				}
			}
		}()
	}

	wg.Wait()
	cwg.Wait()
	close(results)

	if got := q.Stats().PushCount; got != uint64(total) {
		t.Fatalf("PushCount = %d, want %d", got, total)
	}

	got := make([]int, 0, total)
	for v := range results {
		got = append(got, v)
	}
	if len(got) != total {
		t.Fatalf("popped %d items, want %d", len(got), total)
	}
	sort.Ints(got)
	for i, v := range got {
		if v != i {
			t.Fatalf("popped multiset mismatch at %d: got %d", i, v)
			break
		}
	}

	if q.Stats().PopCount != uint64(total) {
		t.Fatalf("PopCount = %d, want %d", q.Stats().PopCount, total)
	}
}
