// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package gpusim implements a software GPU device.
// It models device memory addressed by virtual addresses,
// queues that execute submitted work in order on their own
// goroutine, timeline counters and compute kernels that run
// on the host.
// Backends translate their native command and descriptor
// formats into operations on a Device.
package gpusim

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/gviegas/rhino/internal/bitvec"
)

// PageSize is the granularity of device memory allocation.
const PageSize = 64 << 10

// BaseVA is the lowest virtual address that an allocation
// can have. Zero is never a valid address.
const BaseVA uint64 = 1 << 32

// DefaultMemory is the default size of device memory.
const DefaultMemory = 256 << 20

var (
	// ErrOutOfMemory means that an allocation did not fit
	// in device memory.
	ErrOutOfMemory = errors.New("gpusim: out of device memory")
	// ErrFault means that the device accessed an address
	// range that is not mapped.
	ErrFault = errors.New("gpusim: page fault")
	// ErrLost means that the device was closed.
	ErrLost = errors.New("gpusim: device lost")
)

// Config configures a Device.
type Config struct {
	// Name of the device, used in log messages.
	Name string
	// Size of device memory in bytes.
	// Zero means DefaultMemory.
	Memory int64
	// Log receives device diagnostics.
	// Nil means the standard logrus logger.
	Log *logrus.Entry
}

// Device is a software GPU.
type Device struct {
	name     string
	log      *logrus.Entry
	maxPages int

	mu     sync.Mutex
	pages  bitvec.V
	allocs []*Allocation // sorted by VA
	byID   map[uint64]*Allocation
	groups map[Identifier]ShaderGroup

	nextID atomic.Uint64
	faults atomic.Int64
	lost   atomic.Bool

	qmu    sync.Mutex
	queues []*Queue
}

// Allocation is a range of device memory.
type Allocation struct {
	// Device address of the first byte.
	VA uint64
	// Resource ID. Unique for the lifetime of the device.
	ID uint64
	// Host view of the memory. Its length is always a
	// multiple of PageSize.
	Data []byte
	// Requested size.
	Size int64

	page int
}

// New creates a new device.
func New(cfg Config) *Device {
	mem := cfg.Memory
	if mem <= 0 {
		mem = DefaultMemory
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Name == "" {
		cfg.Name = "gpusim"
	}
	return &Device{
		name:     cfg.Name,
		log:      log.WithField("device", cfg.Name),
		maxPages: int((mem + PageSize - 1) / PageSize),
		byID:     make(map[uint64]*Allocation),
		groups:   make(map[Identifier]ShaderGroup),
	}
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Log returns the device's log entry.
func (d *Device) Log() *logrus.Entry { return d.log }

// NewID returns a new, unique resource ID.
func (d *Device) NewID() uint64 { return d.nextID.Add(1) }

// Alloc allocates size bytes of device memory.
// Memory is zeroed. align must not exceed PageSize.
func (d *Device) Alloc(size, align int64) (*Allocation, error) {
	if d.lost.Load() {
		return nil, ErrLost
	}
	if size <= 0 {
		return nil, fmt.Errorf("gpusim: invalid allocation size %d", size)
	}
	if align > PageSize || align < 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("gpusim: invalid allocation alignment %d", align)
	}
	n := int((size + PageSize - 1) / PageSize)
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.pages.SearchRange(n)
	for !ok && d.pages.Len() < d.maxPages {
		d.pages.Grow(1)
		i, ok = d.pages.SearchRange(n)
	}
	if !ok || i+n > d.maxPages {
		return nil, ErrOutOfMemory
	}
	d.pages.SetRange(i, n)
	a := &Allocation{
		VA:   BaseVA + uint64(i)*PageSize,
		ID:   d.NewID(),
		Data: make([]byte, n*PageSize),
		Size: size,
		page: i,
	}
	j, _ := slices.BinarySearchFunc(d.allocs, a.VA, func(x *Allocation, va uint64) int {
		switch {
		case x.VA < va:
			return -1
		case x.VA > va:
			return 1
		}
		return 0
	})
	d.allocs = slices.Insert(d.allocs, j, a)
	d.byID[a.ID] = a
	return a, nil
}

// Free frees an allocation.
// Freeing an allocation twice has no effect.
func (d *Device) Free(a *Allocation) {
	if a == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.find(a.VA)
	if i < 0 || d.allocs[i] != a {
		return
	}
	d.allocs = slices.Delete(d.allocs, i, i+1)
	delete(d.byID, a.ID)
	d.pages.UnsetRange(a.page, len(a.Data)/PageSize)
}

// find returns the index of the allocation that contains
// va, or -1.
// d.mu must be held.
func (d *Device) find(va uint64) int {
	i, ok := slices.BinarySearchFunc(d.allocs, va, func(x *Allocation, va uint64) int {
		switch {
		case va < x.VA:
			return 1
		case va >= x.VA+uint64(len(x.Data)):
			return -1
		}
		return 0
	})
	if !ok {
		return -1
	}
	return i
}

// Resolve returns the host view of the device memory in
// [va, va+size).
// The range must be within a single allocation. Otherwise,
// the fault counter is incremented and an error wrapping
// ErrFault is returned.
func (d *Device) Resolve(va uint64, size int64) ([]byte, error) {
	d.mu.Lock()
	i := d.find(va)
	var a *Allocation
	if i >= 0 {
		a = d.allocs[i]
	}
	d.mu.Unlock()
	if a == nil || size < 0 || va-a.VA+uint64(size) > uint64(len(a.Data)) {
		return nil, d.Fault(fmt.Errorf("%w: [%#x, %#x)", ErrFault, va, va+uint64(size)))
	}
	off := va - a.VA
	return a.Data[off : off+uint64(size) : off+uint64(size)], nil
}

// Lookup returns the allocation identified by id.
func (d *Device) Lookup(id uint64) (*Allocation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.byID[id]
	return a, ok
}

// Fault records a device fault and returns an error
// wrapping both err and ErrFault.
func (d *Device) Fault(err error) error {
	if !errors.Is(err, ErrFault) {
		err = fmt.Errorf("%w: %w", ErrFault, err)
	}
	d.faults.Add(1)
	d.log.WithError(err).Error("device fault")
	return err
}

// Faults returns the number of device faults that have
// occurred.
func (d *Device) Faults() int64 { return d.faults.Load() }

// Allocated returns the number of allocated pages.
func (d *Device) Allocated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pages.Count()
}

// Lost returns whether the device was closed.
func (d *Device) Lost() bool { return d.lost.Load() }

// Close stops every queue and releases device memory.
// Pending work that has not started is discarded.
func (d *Device) Close() {
	if d.lost.Swap(true) {
		return
	}
	d.qmu.Lock()
	qs := d.queues
	d.queues = nil
	d.qmu.Unlock()
	for _, q := range qs {
		q.stop()
	}
	d.mu.Lock()
	d.allocs = nil
	clear(d.byID)
	d.pages.Clear()
	d.mu.Unlock()
}
