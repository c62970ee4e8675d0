// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package debug implements a validation layer for
// driver.GPU.
// The layer forwards every call to the wrapped GPU after
// checking it for misuse. Misuse is logged through
// driver.Logger and then reported to Break.
package debug

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/bitvec"
)

// Violation describes a misuse of the driver API.
type Violation struct {
	Op  string
	Msg string
}

// Error implements error.
func (v *Violation) Error() string { return "debug: " + v.Op + ": " + v.Msg }

// Break is called with every violation, after it is
// logged. The call is not forwarded to the wrapped GPU if
// Break returns.
// The default panics with the *Violation.
var Break = func(v *Violation) { panic(v) }

// Kind is the kind of a tracked object.
type Kind int

// Kinds of tracked objects.
const (
	KBuffer Kind = iota
	KTexture
	KDescriptorHeap
	KRootSignature
	KComputePSO
	KRTPSO
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KBuffer:
		return "buffer"
	case KTexture:
		return "texture"
	case KDescriptorHeap:
		return "descriptor heap"
	case KRootSignature:
		return "root signature"
	case KComputePSO:
		return "compute PSO"
	case KRTPSO:
		return "RT PSO"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// handle identifies a tracked object.
// Handles are never reused.
type handle uint64

// meta is the state tracked for an object.
// It is one of bufferMeta, textureMeta, heapMeta,
// rootSigMeta, computeMeta and rtMeta.
type meta interface{ kind() Kind }

type bufferMeta struct {
	heap  driver.HeapType
	usage driver.Usage
}

type textureMeta struct {
	usage driver.Usage
}

type heapMeta struct {
	typ driver.DescriptorHeapType
	n   int
	// Slots that were written at least once.
	written *bitvec.V
}

type rootSigMeta struct {
	layout *driver.Layout
}

type computeMeta struct {
	rs handle
}

type rtMeta struct {
	rs handle
}

func (bufferMeta) kind() Kind  { return KBuffer }
func (textureMeta) kind() Kind { return KTexture }
func (heapMeta) kind() Kind    { return KDescriptorHeap }
func (rootSigMeta) kind() Kind { return KRootSignature }
func (computeMeta) kind() Kind { return KComputePSO }
func (rtMeta) kind() Kind      { return KRTPSO }

// GPU implements driver.GPU.
// It wraps another driver.GPU.
type GPU struct {
	gpu    driver.GPU
	drv    *drv
	log    *logrus.Entry
	queues [3]*queue

	mu   sync.Mutex
	next handle
	live map[handle]meta
}

// Wrap wraps gpu in a validation layer.
// It must be called before gpu is used, and gpu must not
// be used directly afterwards.
func Wrap(gpu driver.GPU) *GPU {
	d := gpu.Driver()
	g := &GPU{
		gpu:  gpu,
		log:  driver.Logger.WithFields(logrus.Fields{"api": d.API(), "layer": "debug"}),
		live: make(map[handle]meta),
	}
	g.drv = &drv{Driver: d, g: g}
	for i := range g.queues {
		if q := gpu.Queue(driver.QueueType(i)); q != nil {
			g.queues[i] = &queue{Queue: q, g: g}
		}
	}
	g.log.Info("validation enabled")
	return g
}

// Unwrap returns the wrapped GPU.
func (g *GPU) Unwrap() driver.GPU { return g.gpu }

// violate logs a violation and calls Break.
// It returns the violation if Break returns.
func (g *GPU) violate(op, format string, a ...any) *Violation {
	v := &Violation{Op: op, Msg: fmt.Sprintf(format, a...)}
	g.log.WithField("op", op).Error(v.Msg)
	Break(v)
	return v
}

// track starts tracking m and returns its handle.
func (g *GPU) track(m meta) handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	g.live[g.next] = m
	g.log.WithFields(logrus.Fields{"handle": g.next, "kind": m.kind()}).Debug("created")
	return g.next
}

// untrack stops tracking h.
// It returns false if h is not live.
func (g *GPU) untrack(h handle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.live[h]
	if !ok {
		g.log.WithField("handle", h).Warn("destroyed twice")
		return false
	}
	delete(g.live, h)
	g.log.WithFields(logrus.Fields{"handle": h, "kind": m.kind()}).Debug("destroyed")
	return true
}

// get returns the state of h.
func (g *GPU) get(h handle) (meta, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.live[h]
	return m, ok
}

// mark records that slot of heap h was written.
func (g *GPU) mark(h handle, slot int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.live[h].(heapMeta); ok {
		m.written.Set(slot)
	}
}

// written reports whether slot of heap h was written.
func (g *GPU) written(h handle, slot int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.live[h].(heapMeta)
	return ok && slot < m.n && m.written.IsSet(slot)
}

// Live returns the number of tracked objects that were
// not destroyed.
func (g *GPU) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// reportLeaks logs a warning for every live object.
func (g *GPU) reportLeaks() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for h, m := range g.live {
		g.log.WithFields(logrus.Fields{"handle": h, "kind": m.kind()}).Warn("leaked")
	}
}

// drv implements driver.Driver.
// Closing it reports leaks.
type drv struct {
	driver.Driver
	g *GPU
}

// Open implements driver.Driver.
func (d *drv) Open() (driver.GPU, error) {
	if _, err := d.Driver.Open(); err != nil {
		return nil, err
	}
	return d.g, nil
}

// Close implements driver.Driver.
func (d *drv) Close() {
	d.g.reportLeaks()
	d.Driver.Close()
}

// Driver implements driver.GPU.
func (g *GPU) Driver() driver.Driver { return g.drv }

// Queue implements driver.GPU.
func (g *GPU) Queue(q driver.QueueType) driver.Queue {
	if q < 0 || int(q) >= len(g.queues) || g.queues[q] == nil {
		return g.gpu.Queue(q)
	}
	return g.queues[q]
}

// Limits implements driver.GPU.
func (g *GPU) Limits() driver.Limits { return g.gpu.Limits() }
