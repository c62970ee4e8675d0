// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package gpusim

import (
	"errors"
	"sync"
	"time"
)

// Point is a timeline value.
type Point struct {
	T     *Timeline
	Value uint64
}

// Batch is a unit of queue work.
// The queue waits for every point in Waits, then runs Work
// in order, then signals every point in Signals and, at
// last, calls Done.
type Batch struct {
	Waits   []Point
	Work    []func() error
	Signals []Point
	Done    func()
}

// Queue executes batches in submission order on its own
// goroutine.
type Queue struct {
	dev  *Device
	name string

	mu      sync.Mutex
	pending []*Batch
	notify  chan struct{}
	quit    chan struct{}
	exited  chan struct{}

	// Number of batches submitted and completed.
	serial uint64
	done   *Timeline
}

// NewQueue creates a new queue and starts its goroutine.
func (d *Device) NewQueue(name string) *Queue {
	q := &Queue{
		dev:    d,
		name:   name,
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
		done:   NewTimeline(0),
	}
	d.qmu.Lock()
	d.queues = append(d.queues, q)
	d.qmu.Unlock()
	go q.run()
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Submit enqueues b for execution.
// It returns the batch's serial number, which Idle and
// Completed use to track progress.
func (q *Queue) Submit(b *Batch) (uint64, error) {
	if q.dev.Lost() {
		return 0, ErrLost
	}
	q.mu.Lock()
	select {
	case <-q.quit:
		q.mu.Unlock()
		return 0, ErrLost
	default:
	}
	q.serial++
	s := q.serial
	q.pending = append(q.pending, b)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return s, nil
}

// Completed returns the serial number of the last batch
// that finished execution.
func (q *Queue) Completed() uint64 { return q.done.Value() }

// Idle blocks until every batch submitted so far has
// finished execution, or until timeout elapses.
// A negative timeout means no timeout.
func (q *Queue) Idle(timeout time.Duration) bool {
	q.mu.Lock()
	s := q.serial
	q.mu.Unlock()
	return q.done.Wait(s, timeout)
}

func (q *Queue) run() {
	defer close(q.exited)
	log := q.dev.log.WithField("queue", q.name)
	for {
		q.mu.Lock()
		var b *Batch
		if len(q.pending) > 0 {
			b = q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
		}
		q.mu.Unlock()
		if b == nil {
			select {
			case <-q.notify:
				continue
			case <-q.quit:
				return
			}
		}
		for _, w := range b.Waits {
			if !w.T.waitStop(w.Value, q.quit) {
				return
			}
		}
		for i, f := range b.Work {
			if err := f(); err != nil {
				// Page faults are counted where they happen.
				if !errors.Is(err, ErrFault) {
					q.dev.faults.Add(1)
				}
				log.WithError(err).WithField("work", i).Error("queue work failed")
			}
		}
		for _, s := range b.Signals {
			s.T.Signal(s.Value)
		}
		if b.Done != nil {
			b.Done()
		}
		q.done.Signal(q.done.Value() + 1)
	}
}

// stop terminates the queue's goroutine and waits for it
// to exit.
func (q *Queue) stop() {
	q.mu.Lock()
	select {
	case <-q.quit:
	default:
		close(q.quit)
	}
	q.pending = nil
	q.mu.Unlock()
	<-q.exited
}
