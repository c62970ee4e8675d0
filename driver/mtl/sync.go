// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package mtl

import (
	"fmt"
	"time"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
	"github.com/gviegas/rhino/internal/hal"
)

// sharedEvent implements driver.Semaphore.
// It is a MTLSharedEvent.
type sharedEvent struct {
	g  *GPU
	tl *gpusim.Timeline
}

// NewSemaphore creates a new semaphore.
func (g *GPU) NewSemaphore(initial uint64) (driver.Semaphore, error) {
	return &sharedEvent{g: g, tl: gpusim.NewTimeline(initial)}, nil
}

// SignalFromHost implements driver.Semaphore.
// It sets MTLSharedEvent.signaledValue.
func (e *sharedEvent) SignalFromHost(v uint64) error {
	e.tl.Signal(v)
	return nil
}

// WaitFromHost implements driver.Semaphore.
// It is waitUntilSignaledValue:timeoutMS:.
func (e *sharedEvent) WaitFromHost(v uint64, timeout time.Duration) bool {
	return e.tl.Wait(v, timeout)
}

// CompletedValue implements driver.Semaphore.
// It is MTLSharedEvent.signaledValue.
func (e *sharedEvent) CompletedValue() uint64 { return e.tl.Value() }

// Destroy implements driver.Destroyer.
func (e *sharedEvent) Destroy() { e.g = nil }

// queue implements driver.Queue.
// It is a MTLCommandQueue.
type queue struct {
	g   *GPU
	typ driver.QueueType
	q   *gpusim.Queue
}

// Type implements driver.Queue.
func (q *queue) Type() driver.QueueType { return q.typ }

// Submit implements driver.Queue.
// Every command buffer is committed in order.
func (q *queue) Submit(cl ...driver.CmdList) error {
	if len(cl) == 0 {
		return nil
	}
	bufs := make([]*cmdBuffer, len(cl))
	recs := make([]*hal.Recorder, len(cl))
	for i, c := range cl {
		x, ok := c.(*cmdBuffer)
		if !ok || x.g != q.g {
			return fmt.Errorf("%w: command buffer %d not created by this GPU", driver.ErrSubmission, i)
		}
		bufs[i], recs[i] = x, &x.rec
	}
	if err := hal.SubmitAll(q.typ, recs); err != nil {
		return err
	}
	work := make([]func() error, len(bufs))
	for i, x := range bufs {
		work[i] = x.execute
	}
	_, err := q.q.Submit(&gpusim.Batch{
		Work: work,
		Done: func() {
			for _, r := range recs {
				r.Retire()
			}
		},
	})
	if err != nil {
		for _, r := range recs {
			r.Unsubmit()
		}
		return fmt.Errorf("%w: %w", driver.ErrSubmission, err)
	}
	return nil
}

func (q *queue) event(op string, s driver.Semaphore) (*sharedEvent, error) {
	e, ok := s.(*sharedEvent)
	if !ok || e.g != q.g {
		return nil, fmt.Errorf("%w: %s: semaphore not created by this GPU", driver.ErrSubmission, op)
	}
	return e, nil
}

// SignalSemaphore implements driver.Queue.
// It is encodeSignalEvent:value: on an empty command buffer.
func (q *queue) SignalSemaphore(s driver.Semaphore, v uint64) error {
	e, err := q.event("SignalSemaphore", s)
	if err != nil {
		return err
	}
	if _, err := q.q.Submit(&gpusim.Batch{Signals: []gpusim.Point{{T: e.tl, Value: v}}}); err != nil {
		return fmt.Errorf("%w: %w", driver.ErrSubmission, err)
	}
	return nil
}

// WaitSemaphore implements driver.Queue.
// It is encodeWaitForEvent:value: on an empty command buffer.
func (q *queue) WaitSemaphore(s driver.Semaphore, v uint64) error {
	e, err := q.event("WaitSemaphore", s)
	if err != nil {
		return err
	}
	if _, err := q.q.Submit(&gpusim.Batch{Waits: []gpusim.Point{{T: e.tl, Value: v}}}); err != nil {
		return fmt.Errorf("%w: %w", driver.ErrSubmission, err)
	}
	return nil
}
