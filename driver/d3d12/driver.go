// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package d3d12 implements driver interfaces using the
// Direct3D 12 binding model.
package d3d12

import (
	"sync"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
)

const driverName = "d3d12"

// Root signatures are limited to 64 DWORDs, and each
// descriptor table costs one.
const maxRootParameters = 64

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
	// D3D12CreateDevice.
	dev := gpusim.New(gpusim.Config{
		Name: driverName,
		Log:  driver.Logger.WithField("api", driverName),
	})
	g := &GPU{drv: d, dev: dev}
	for i, name := range [...]string{"direct", "compute", "copy"} {
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
func (*Driver) API() driver.API { return driver.D3D12 }

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
// It is an ID3D12Device5.
type GPU struct {
	drv    *Driver
	dev    *gpusim.Device
	queues [3]*queue
}

// Driver implements driver.GPU.
func (g *GPU) Driver() driver.Driver { return g.drv }

// Queue implements driver.GPU.
func (g *GPU) Queue(q driver.QueueType) driver.Queue {
	if q < driver.QueueDirect || q > driver.QueueCopy {
		panic("d3d12: Queue: unknown queue type")
	}
	return g.queues[q]
}

// Limits implements driver.GPU.
func (g *GPU) Limits() driver.Limits {
	return driver.Limits{
		MaxDescriptorHeap:       maxHeapCBVSRVUAV,
		MaxSamplerHeap:          maxHeapSampler,
		MaxSpaces:               maxRootParameters,
		ShaderIdentifierSize:    shaderIdentifierSize,
		ShaderRecordStride:      shaderTableAlignment,
		ConstantBufferAlignment: cbvAlignment,
		MaxDispatch:             [3]int{maxDispatch, maxDispatch, maxDispatch},
	}
}

// Device returns the device that executes g's work.
func (g *GPU) Device() *gpusim.Device { return g.dev }
