// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"
	"time"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
	"github.com/gviegas/rhino/internal/hal"
)

// semaphore implements driver.Semaphore.
// It is a VkSemaphore of type VK_SEMAPHORE_TYPE_TIMELINE.
type semaphore struct {
	g  *GPU
	tl *gpusim.Timeline
}

// NewSemaphore creates a new semaphore.
func (g *GPU) NewSemaphore(initial uint64) (driver.Semaphore, error) {
	return &semaphore{g: g, tl: gpusim.NewTimeline(initial)}, nil
}

// SignalFromHost implements driver.Semaphore.
// It is vkSignalSemaphore.
func (s *semaphore) SignalFromHost(v uint64) error {
	if s.g == nil {
		return fmt.Errorf("%w: semaphore destroyed", driver.ErrSubmission)
	}
	s.tl.Signal(v)
	return nil
}

// WaitFromHost implements driver.Semaphore.
// It is vkWaitSemaphores.
func (s *semaphore) WaitFromHost(v uint64, timeout time.Duration) bool {
	return s.tl.Wait(v, timeout)
}

// CompletedValue implements driver.Semaphore.
// It is vkGetSemaphoreCounterValue.
func (s *semaphore) CompletedValue() uint64 { return s.tl.Value() }

// Destroy implements driver.Destroyer.
func (s *semaphore) Destroy() { s.g = nil }

// queue implements driver.Queue.
// It is a VkQueue.
type queue struct {
	g   *GPU
	typ driver.QueueType
	q   *gpusim.Queue
}

// Type implements driver.Queue.
func (q *queue) Type() driver.QueueType { return q.typ }

// Submit implements driver.Queue.
// It is vkQueueSubmit2.
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

func (q *queue) semaphore(op string, s driver.Semaphore) (*semaphore, error) {
	x, ok := s.(*semaphore)
	if !ok || x.g != q.g {
		return nil, fmt.Errorf("%w: %s: semaphore not created by this GPU", driver.ErrSubmission, op)
	}
	return x, nil
}

// SignalSemaphore implements driver.Queue.
// It is vkQueueSubmit2 with a signal operation only.
func (q *queue) SignalSemaphore(s driver.Semaphore, v uint64) error {
	x, err := q.semaphore("SignalSemaphore", s)
	if err != nil {
		return err
	}
	if _, err := q.q.Submit(&gpusim.Batch{Signals: []gpusim.Point{{T: x.tl, Value: v}}}); err != nil {
		return fmt.Errorf("%w: %w", driver.ErrSubmission, err)
	}
	return nil
}

// WaitSemaphore implements driver.Queue.
// It is vkQueueSubmit2 with a wait operation only.
func (q *queue) WaitSemaphore(s driver.Semaphore, v uint64) error {
	x, err := q.semaphore("WaitSemaphore", s)
	if err != nil {
		return err
	}
	if _, err := q.q.Submit(&gpusim.Batch{Waits: []gpusim.Point{{T: x.tl, Value: v}}}); err != nil {
		return fmt.Errorf("%w: %w", driver.ErrSubmission, err)
	}
	return nil
}
