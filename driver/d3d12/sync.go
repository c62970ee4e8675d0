// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package d3d12

import (
	"fmt"
	"time"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
	"github.com/gviegas/rhino/internal/hal"
)

// fence implements driver.Semaphore.
// It is an ID3D12Fence.
type fence struct {
	g  *GPU
	tl *gpusim.Timeline
}

// NewSemaphore creates a new semaphore.
func (g *GPU) NewSemaphore(initial uint64) (driver.Semaphore, error) {
	return &fence{g: g, tl: gpusim.NewTimeline(initial)}, nil
}

// SignalFromHost implements driver.Semaphore.
// It is ID3D12Fence::Signal.
func (f *fence) SignalFromHost(v uint64) error {
	f.tl.Signal(v)
	return nil
}

// WaitFromHost implements driver.Semaphore.
// It is ID3D12Fence::SetEventOnCompletion followed by
// WaitForSingleObject.
func (f *fence) WaitFromHost(v uint64, timeout time.Duration) bool {
	return f.tl.Wait(v, timeout)
}

// CompletedValue implements driver.Semaphore.
func (f *fence) CompletedValue() uint64 { return f.tl.Value() }

// Destroy implements driver.Destroyer.
func (f *fence) Destroy() { f.g = nil }

// queue implements driver.Queue.
// It is an ID3D12CommandQueue.
type queue struct {
	g   *GPU
	typ driver.QueueType
	q   *gpusim.Queue
}

// Type implements driver.Queue.
func (q *queue) Type() driver.QueueType { return q.typ }

// Submit implements driver.Queue.
// It is ID3D12CommandQueue::ExecuteCommandLists.
func (q *queue) Submit(cl ...driver.CmdList) error {
	if len(cl) == 0 {
		return nil
	}
	lists := make([]*cmdList, len(cl))
	recs := make([]*hal.Recorder, len(cl))
	for i, c := range cl {
		x, ok := c.(*cmdList)
		if !ok || x.g != q.g {
			return fmt.Errorf("%w: command list %d not created by this GPU", driver.ErrSubmission, i)
		}
		lists[i], recs[i] = x, &x.rec
	}
	if err := hal.SubmitAll(q.typ, recs); err != nil {
		return err
	}
	work := make([]func() error, len(lists))
	for i, x := range lists {
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

func (q *queue) fence(op string, s driver.Semaphore) (*fence, error) {
	f, ok := s.(*fence)
	if !ok || f.g != q.g {
		return nil, fmt.Errorf("%w: %s: semaphore not created by this GPU", driver.ErrSubmission, op)
	}
	return f, nil
}

// SignalSemaphore implements driver.Queue.
// It is ID3D12CommandQueue::Signal.
func (q *queue) SignalSemaphore(s driver.Semaphore, v uint64) error {
	f, err := q.fence("SignalSemaphore", s)
	if err != nil {
		return err
	}
	if _, err := q.q.Submit(&gpusim.Batch{Signals: []gpusim.Point{{T: f.tl, Value: v}}}); err != nil {
		return fmt.Errorf("%w: %w", driver.ErrSubmission, err)
	}
	return nil
}

// WaitSemaphore implements driver.Queue.
// It is ID3D12CommandQueue::Wait.
func (q *queue) WaitSemaphore(s driver.Semaphore, v uint64) error {
	f, err := q.fence("WaitSemaphore", s)
	if err != nil {
		return err
	}
	if _, err := q.q.Submit(&gpusim.Batch{Waits: []gpusim.Point{{T: f.tl, Value: v}}}); err != nil {
		return fmt.Errorf("%w: %w", driver.ErrSubmission, err)
	}
	return nil
}
