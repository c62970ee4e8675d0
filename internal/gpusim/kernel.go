// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package gpusim

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gviegas/rhino/driver"
)

// Binding is a resolved descriptor.
type Binding struct {
	Space    int
	Register int
	Type     driver.RangeType
	// Memory that the descriptor refers to.
	// Nil for samplers and for null descriptors.
	Data []byte
	// Element stride of structured buffer views.
	Stride int64
	// Sampler state of Sampler bindings.
	Sampler *driver.SamplerDesc
}

// Invocation describes a kernel launch.
type Invocation struct {
	Entry string
	// Thread group count of compute dispatches or launch
	// size of ray dispatches.
	Groups   [3]int
	Bindings []Binding
	// Set for ray dispatches.
	Rays *RayLaunch
}

// RayLaunch describes the shader tables of a ray dispatch.
type RayLaunch struct {
	Miss      []ShaderGroup
	HitGroups []ShaderGroup
}

// Find returns the binding at register reg of space.
func (inv *Invocation) Find(space, reg int) (*Binding, bool) {
	for i := range inv.Bindings {
		b := &inv.Bindings[i]
		if b.Space == space && b.Register == reg {
			return b, true
		}
	}
	return nil, false
}

// Kernel is host code that runs in place of a shader
// entry point.
type Kernel func(inv *Invocation) error

var (
	kmu     sync.RWMutex
	kernels = make(map[string]Kernel)
)

// RegisterKernel registers k as the implementation of the
// entry point named entry.
// If a kernel with the same name has already been
// registered, it is replaced by k.
// A nil k unregisters the entry point.
func RegisterKernel(entry string, k Kernel) {
	kmu.Lock()
	defer kmu.Unlock()
	if k == nil {
		delete(kernels, entry)
		return
	}
	kernels[entry] = k
}

// Run runs the kernel registered for inv.Entry.
// Entry points with no registered kernel run as no-ops.
func (d *Device) Run(inv *Invocation) error {
	kmu.RLock()
	k := kernels[inv.Entry]
	kmu.RUnlock()
	if k == nil {
		d.log.WithField("entry", inv.Entry).Debug("no kernel for entry point")
		return nil
	}
	if err := k(inv); err != nil {
		return fmt.Errorf("gpusim: kernel %q: %w", inv.Entry, err)
	}
	return nil
}

// IdentifierSize is the size of shader identifiers.
const IdentifierSize = 32

// Identifier identifies a shader group of a ray tracing
// pipeline.
type Identifier [IdentifierSize]byte

// ShaderGroup is the set of entry points that a shader
// identifier refers to.
// General is set for raygen and miss shaders. Hit groups
// set the other fields instead.
type ShaderGroup struct {
	General      string
	ClosestHit   string
	AnyHit       string
	Intersection string
}

// NewShaderGroup registers g and returns its identifier.
// tag is stored in the first four bytes of the identifier.
func (d *Device) NewShaderGroup(tag [4]byte, g ShaderGroup) Identifier {
	var id Identifier
	copy(id[:], tag[:])
	binary.LittleEndian.PutUint64(id[8:], d.NewID())
	d.mu.Lock()
	d.groups[id] = g
	d.mu.Unlock()
	return id
}

// ShaderGroup returns the shader group identified by the
// first IdentifierSize bytes of b.
func (d *Device) ShaderGroup(b []byte) (ShaderGroup, bool) {
	if len(b) < IdentifierSize {
		return ShaderGroup{}, false
	}
	var id Identifier
	copy(id[:], b)
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[id]
	return g, ok
}

// FreeShaderGroup unregisters the shader group identified
// by id.
func (d *Device) FreeShaderGroup(id Identifier) {
	d.mu.Lock()
	delete(d.groups, id)
	d.mu.Unlock()
}

// ReadTable reads the shader groups referenced by count
// records of a shader table starting at va.
func (d *Device) ReadTable(va uint64, stride int64, count int) ([]ShaderGroup, error) {
	if count == 0 {
		return nil, nil
	}
	if stride < IdentifierSize {
		return nil, d.Fault(fmt.Errorf("gpusim: shader table stride %d too small", stride))
	}
	mem, err := d.Resolve(va, stride*int64(count))
	if err != nil {
		return nil, err
	}
	gs := make([]ShaderGroup, count)
	for i := range gs {
		g, ok := d.ShaderGroup(mem[int64(i)*stride:])
		if !ok {
			return nil, d.Fault(fmt.Errorf("gpusim: invalid shader identifier in record %d", i))
		}
		gs[i] = g
	}
	return gs, nil
}
