package monitor

import (
	"sync"
)

// task is a slot for a lookup that needs to be done.
type task[T, R any] struct {
	In  T
	Err error
	Out R

	i    int
	done bool
}

// workQueue executes lookups with a pool of worker goroutines, while
// processing results strictly in the order the work was added. The DNS round
// trip is the slow step, and the report must come out in host then
// zone-catalogue order regardless of which queries finish first, so finished
// work is buffered in a ring until the work at the head is done.
type workQueue[T, R any] struct {
	max   int
	ring  []task[T, R]
	start int
	n     int

	wg   sync.WaitGroup // For waiting for workers to stop.
	work chan task[T, R]
	done chan task[T, R]

	process func(T, R) error
}

// newWorkQueue creates a new work queue with "procs" goroutines, and a total
// queue size of "size" (e.g. 2*procs). The worker goroutines run "preparer",
// which should be a loop receiving work from "in" and sending the work result
// (with Err or Out set) on "out", returning when "in" is closed. Prepared
// work is handed to "process" in the order it was added, so work that
// finishes before earlier work waits in the ring.
func newWorkQueue[T, R any](procs, size int, preparer func(in, out chan task[T, R]), process func(T, R) error) *workQueue[T, R] {
	wq := &workQueue[T, R]{
		max:     size,
		ring:    make([]task[T, R], size),
		work:    make(chan task[T, R], size), // Ensure scheduling never blocks for main goroutine.
		done:    make(chan task[T, R], size), // Ensure sending result never blocks for worker goroutine.
		process: process,
	}

	wq.wg.Add(procs)
	for i := 0; i < procs; i++ {
		go func() {
			defer wq.wg.Done()
			preparer(wq.work, wq.done)
		}()
	}

	return wq
}

// add adds new work to the queue. If the queue is full, it waits until space
// becomes available, i.e. when the head of the queue has work that becomes
// prepared, processing the prepared items to make space.
func (wq *workQueue[T, R]) add(in T) error {
	if wq.n < wq.max {
		wq.work <- task[T, R]{i: (wq.start + wq.n) % wq.max, done: true, In: in}
		wq.n++
		return nil
	}

	// We cannot schedule new work. Wait for finished work until start is done.
	for {
		w := <-wq.done
		wq.ring[w.i] = w
		if w.i == wq.start {
			break
		}
	}

	// Process as much finished work as possible. Will be at least 1.
	if err := wq.processHead(); err != nil {
		return err
	}

	wq.work <- task[T, R]{i: (wq.start + wq.n) % wq.max, done: true, In: in}
	wq.n++
	return nil
}

// processHead processes the work at the head of the queue by calling process
// on the work.
func (wq *workQueue[T, R]) processHead() error {
	for wq.n > 0 && wq.ring[wq.start].done {
		wq.ring[wq.start].done = false
		w := wq.ring[wq.start]
		wq.start = (wq.start + 1) % len(wq.ring)
		wq.n -= 1

		if w.Err != nil {
			return w.Err
		}
		if err := wq.process(w.In, w.Out); err != nil {
			return err
		}
	}
	return nil
}

// finish waits for the remaining work to be prepared and processes the work.
func (wq *workQueue[T, R]) finish() error {
	var err error
	for wq.n > 0 && err == nil {
		w := <-wq.done
		wq.ring[w.i] = w

		err = wq.processHead()
	}
	return err
}

// stop shuts down the worker goroutines and waits until they have returned.
// stop must always be called on a workQueue, otherwise the goroutines never
// stop.
func (wq *workQueue[T, R]) stop() {
	close(wq.work)
	wq.wg.Wait()
}
