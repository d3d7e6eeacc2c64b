// Command anamnesis-stress drives the MPMC stress scenario against a
// queue.Queue and the stale-access stress scenario against a pool.Pool,
// printing a stats snapshot for each. It is the
// unit/stress test driver collaborator described in the core
// specification: deliberately thin, and out of scope for the core's
// correctness guarantees (those are covered by the package test suites).
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/MacMayo1993/Anamnesis/handle"
	"github.com/MacMayo1993/Anamnesis/pool"
	"github.com/MacMayo1993/Anamnesis/queue"
)

func main() {
	var (
		capacity  = flag.Int("capacity", 10_000, "queue capacity")
		itemSize  = flag.Int("item-size", 8, "item payload size in bytes")
		producers = flag.Int("producers", 4, "number of producer goroutines")
		consumers = flag.Int("consumers", 4, "number of consumer goroutines")
		perProd   = flag.Int("per-producer", 50_000, "items pushed per producer")
		staleRuns = flag.Int("stale-batches", 8, "goroutines running the stale-access scenario")
	)
	flag.Parse()

	if err := runQueueStress(*capacity, *itemSize, *producers, *consumers, *perProd); err != nil {
		log.Fatal(err)
	}
	if err := runPoolStaleStress(*staleRuns); err != nil {
		log.Fatal(err)
	}
}

func runQueueStress(capacity, itemSize, producers, consumers, perProducer int) error {
	q, err := queue.New(queue.Config{ItemSize: itemSize, Capacity: capacity})
	if err != nil {
		return fmt.Errorf("creating queue: %w", err)
	}

	total := producers * perProducer
	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(id int) {
			defer wg.Done()
			buf := make([]byte, itemSize)
			for i := 0; i < perProducer; i++ {
				for q.Push(buf).IsNull() {
				}
			}
		}(p)
	}

	var cwg sync.WaitGroup
	cwg.Add(consumers)
	for c := 0; c < consumers; c++ {
		go func() {
			defer cwg.Done()
			buf := make([]byte, itemSize)
			for {
				if q.Pop(buf) {
					if q.Stats().PopCount == uint64(total) {
						return
					}
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
	elapsed := time.Since(start)

	stats := q.Stats()
	fmt.Fprintf(os.Stdout, "queue stress: %d items via %d producers / %d consumers in %s\n", total, producers, consumers, elapsed)
	fmt.Fprintf(os.Stdout, "  push=%d pop=%d push_fails=%d pop_fails=%d aba_prevented=%d\n",
		stats.PushCount, stats.PopCount, stats.PushFails, stats.PopFails, stats.ABAPrevented)
	return q.Close()
}

func runPoolStaleStress(workers int) error {
	const slotsPerWorker = 200
	p, err := pool.New(pool.Config{SlotSize: 8, SlotCount: workers * slotsPerWorker})
	if err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	var mismatches int64
	var mu sync.Mutex
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			const batch = 100
			var hs [batch]handle.Handle
			for i := 0; i < batch; i++ {
				hs[i] = p.Alloc()
			}
			for i := 0; i < batch/2; i++ {
				p.Release(hs[i])
			}
			for i := 0; i < batch; i++ {
				valid := p.Validate(hs[i])
				want := i >= batch/2
				if valid != want {
					mu.Lock()
					mismatches++
					mu.Unlock()
				}
			}
			for i := batch / 2; i < batch; i++ {
				p.Release(hs[i])
			}
		}()
	}
	wg.Wait()

	fmt.Fprintf(os.Stdout, "pool stale-access stress: %d workers, mismatches=%d, stats=%+v\n", workers, mismatches, p.Stats())
	return nil
}
