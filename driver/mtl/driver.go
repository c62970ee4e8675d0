// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package mtl implements driver interfaces using the binding
// model of Metal shader converter: root signatures become
// top-level argument buffers that point to descriptor tables.
package mtl

import (
	"sync"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
)

const driverName = "metal"

// Limits of the device.
const (
	// Descriptor tables are argument buffers of up to
	// 500000 buffers or textures.
	maxResourceEntries = 500000
	// MTLDevice.maxArgumentBufferSamplerCount.
	maxSamplerEntries = 2048
	// Top-level argument buffers are limited to the
	// 64 DWORDs of a D3D12 root signature.
	maxRootParameters = 64
	// Threadgroups per grid dimension.
	maxThreadgroups = 65535
	// Buffer offset alignment of constant buffers.
	constantBufferAlignment = 256
)

// Driver implements driver.Driver.
type Driver struct {
	mu  sync.Mutex
	gpu *GPU
}

func init() {
	driver.Register(&Driver{})
}

// Open implements driver.Driver.
func (d *Driver) Open() (driver.GPU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gpu != nil {
		return d.gpu, nil
	}
	// MTLCreateSystemDefaultDevice.
	dev := gpusim.New(gpusim.Config{
		Name: driverName,
		Log:  driver.Logger.WithField("api", driverName),
	})
	g := &GPU{
		drv:      d,
		dev:      dev,
		samplers: make(map[uint64]driver.SamplerDesc),
		states:   make(map[driver.SamplerDesc]uint64),
	}
	for i, name := range [...]string{"render", "compute", "blit"} {
		g.queues[i] = &queue{
			g:   g,
			typ: driver.QueueType(i),
			q:   dev.NewQueue(name),
		}
	}
	d.gpu = g
	dev.Log().Debug("driver open")
	return g, nil
}

// Name implements driver.Driver.
func (*Driver) Name() string { return driverName }

// API implements driver.Driver.
func (*Driver) API() driver.API { return driver.Metal }

// Close implements driver.Driver.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gpu == nil {
		return
	}
	d.gpu.dev.Close()
	d.gpu = nil
}

// GPU implements driver.GPU.
// It is a MTLDevice.
type GPU struct {
	drv    *Driver
	dev    *gpusim.Device
	queues [3]*queue

	// Sampler states by gpuResourceID, and the
	// reverse mapping.
	smu      sync.Mutex
	samplers map[uint64]driver.SamplerDesc
	states   map[driver.SamplerDesc]uint64
}

// Driver implements driver.GPU.
func (g *GPU) Driver() driver.Driver { return g.drv }

// Queue implements driver.GPU.
func (g *GPU) Queue(q driver.QueueType) driver.Queue {
	if q < driver.QueueDirect || q > driver.QueueCopy {
		panic("mtl: Queue: unknown queue type")
	}
	return g.queues[q]
}

// Limits implements driver.GPU.
func (g *GPU) Limits() driver.Limits {
	return driver.Limits{
		MaxDescriptorHeap:       maxResourceEntries,
		MaxSamplerHeap:          maxSamplerEntries,
		MaxSpaces:               maxRootParameters,
		ShaderIdentifierSize:    shaderIdentifierSize,
		ShaderRecordStride:      shaderRecordStride,
		ConstantBufferAlignment: constantBufferAlignment,
		MaxDispatch:             [3]int{maxThreadgroups, maxThreadgroups, maxThreadgroups},
	}
}

// Device returns the device that executes g's work.
func (g *GPU) Device() *gpusim.Device { return g.dev }

// samplerState returns the gpuResourceID of a sampler state
// created from s.
// Sampler states are immutable, so equal descriptions share
// one state.
func (g *GPU) samplerState(s driver.SamplerDesc) uint64 {
	s.OffsetInHeap = 0
	if !s.Compare {
		s.Cmp = 0
	}
	g.smu.Lock()
	defer g.smu.Unlock()
	if id, ok := g.states[s]; ok {
		return id
	}
	// newSamplerStateWithDescriptor.
	id := g.dev.NewID()
	g.states[s] = id
	g.samplers[id] = s
	return id
}

// sampler returns the description of the sampler state
// whose gpuResourceID is id.
func (g *GPU) sampler(id uint64) (driver.SamplerDesc, bool) {
	g.smu.Lock()
	defer g.smu.Unlock()
	s, ok := g.samplers[id]
	return s, ok
}
