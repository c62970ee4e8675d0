// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package hal contains code shared by the driver
// implementations.
package hal

import (
	"fmt"
	"sync/atomic"

	"github.com/gviegas/rhino/driver"
)

// Recorder tracks the state of a command list and the
// order of its binding calls.
// Recording methods panic when called out of order.
type Recorder struct {
	prefix string
	queue  driver.QueueType
	state  atomic.Int32

	pipe   bool
	rt     bool
	spaces int
	heap   bool
}

// Init initializes r for a command list of queue type q.
// prefix is used in panic messages.
func (r *Recorder) Init(prefix string, q driver.QueueType) {
	r.prefix = prefix
	r.queue = q
	r.state.Store(int32(driver.Recording))
	r.clearBinds()
}

func (r *Recorder) clearBinds() {
	r.pipe, r.rt, r.spaces, r.heap = false, false, 0, false
}

func (r *Recorder) fail(op, msg string) {
	panic(fmt.Sprintf("%s: %s: %s", r.prefix, op, msg))
}

// Queue returns the queue type of the command list.
func (r *Recorder) Queue() driver.QueueType { return r.queue }

// State returns the current state.
func (r *Recorder) State() driver.CmdListState {
	return driver.CmdListState(r.state.Load())
}

// Begin checks that a command can be recorded.
func (r *Recorder) Begin(op string) {
	if s := r.State(); s != driver.Recording {
		r.fail(op, "command list is "+s.String())
	}
}

// Work checks that a compute, ray tracing or build
// command can be recorded.
func (r *Recorder) Work(op string) {
	r.Begin(op)
	if r.queue == driver.QueueCopy {
		r.fail(op, "not supported on copy queues")
	}
}

// SetPipeline records that a pipeline whose root signature
// has the given number of spaces was bound.
// Bound heaps must be set again afterwards.
func (r *Recorder) SetPipeline(op string, rt bool, spaces int) {
	r.Work(op)
	r.pipe, r.rt, r.spaces, r.heap = true, rt, spaces, false
}

// SetHeap records that descriptor heaps were bound.
func (r *Recorder) SetHeap(op string) {
	r.Work(op)
	if !r.pipe {
		r.fail(op, "no pipeline set")
	}
	r.heap = true
}

// Dispatch checks that a dispatch can be recorded.
func (r *Recorder) Dispatch(op string, rt bool) {
	r.Work(op)
	switch {
	case !r.pipe:
		r.fail(op, "no pipeline set")
	case r.rt != rt:
		r.fail(op, "wrong kind of pipeline set")
	case r.spaces > 0 && !r.heap:
		r.fail(op, "no descriptor heap set")
	}
}

// Close ends recording.
func (r *Recorder) Close() error {
	if !r.state.CompareAndSwap(int32(driver.Recording), int32(driver.Closed)) {
		return fmt.Errorf("%w: cannot close a %s command list", driver.ErrCmdListState, r.State())
	}
	return nil
}

// Reset restarts recording.
// It fails if the command list is pending execution.
func (r *Recorder) Reset() error {
	for {
		s := r.State()
		if s == driver.Submitted {
			return fmt.Errorf("%w: command list is pending execution", driver.ErrCmdListState)
		}
		if r.state.CompareAndSwap(int32(s), int32(driver.Recording)) {
			r.clearBinds()
			return nil
		}
	}
}

// Submit moves a closed command list to the Submitted
// state. It returns false if the command list was not
// closed.
func (r *Recorder) Submit() bool {
	return r.state.CompareAndSwap(int32(driver.Closed), int32(driver.Submitted))
}

// Unsubmit reverts a call to Submit.
func (r *Recorder) Unsubmit() {
	r.state.CompareAndSwap(int32(driver.Submitted), int32(driver.Closed))
}

// Retire marks the command list as executed.
func (r *Recorder) Retire() {
	r.state.CompareAndSwap(int32(driver.Submitted), int32(driver.Retired))
}

// SubmitAll moves every recorder to the Submitted state,
// or none of them. It returns an error wrapping
// driver.ErrSubmission if a recorder is not closed or was
// created for a queue type other than q.
func SubmitAll(q driver.QueueType, rs []*Recorder) error {
	for i, r := range rs {
		if r.queue != q {
			unsubmit(rs[:i])
			return fmt.Errorf("%w: command list %d is for %s queues, not %s", driver.ErrSubmission, i, r.queue, q)
		}
		if !r.Submit() {
			unsubmit(rs[:i])
			return fmt.Errorf("%w: command list %d is %s", driver.ErrSubmission, i, r.State())
		}
	}
	return nil
}

func unsubmit(rs []*Recorder) {
	for _, r := range rs {
		r.Unsubmit()
	}
}
