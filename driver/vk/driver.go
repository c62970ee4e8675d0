// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package vk implements driver interfaces using the Vulkan
// binding model, with descriptors stored in descriptor
// buffers (VK_EXT_descriptor_buffer).
package vk

import (
	"sync"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
)

const driverName = "vulkan"

// VK_API_VERSION_1_3.
const apiVersion = 1<<22 | 3<<12

// Device extensions that the driver requires.
var requiredExts = [...]string{
	"VK_EXT_descriptor_buffer",
	"VK_EXT_mutable_descriptor_type",
	"VK_KHR_acceleration_structure",
	"VK_KHR_ray_tracing_pipeline",
	"VK_KHR_buffer_device_address",
}

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
	// vkCreateInstance and vkCreateDevice.
	log := driver.Logger.WithField("api", driverName)
	dev := gpusim.New(gpusim.Config{Name: driverName, Log: log})
	g := &GPU{drv: d, dev: dev}
	if err := g.proc.load(g.getDeviceProcAddr); err != nil {
		dev.Close()
		log.WithError(err).Error("device procedures not found")
		return nil, err
	}
	for i, name := range [...]string{"graphics", "compute", "transfer"} {
		g.queues[i] = &queue{
			g:   g,
			typ: driver.QueueType(i),
			q:   dev.NewQueue(name),
		}
	}
	d.gpu = g
	log.WithField("extensions", requiredExts[:]).Debug("driver open")
	return g, nil
}

// Name implements driver.Driver.
func (*Driver) Name() string { return driverName }

// API implements driver.Driver.
func (*Driver) API() driver.API { return driver.Vulkan }

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
// It is a VkDevice.
type GPU struct {
	drv    *Driver
	dev    *gpusim.Device
	proc   proc
	queues [3]*queue
}

// Driver implements driver.GPU.
func (g *GPU) Driver() driver.Driver { return g.drv }

// Queue implements driver.GPU.
func (g *GPU) Queue(q driver.QueueType) driver.Queue {
	if q < driver.QueueDirect || q > driver.QueueCopy {
		panic("vk: Queue: unknown queue type")
	}
	return g.queues[q]
}

// Limits of the device.
const (
	// maxResourceDescriptors is the number of
	// descriptors that fit in a descriptor buffer of
	// maxResourceDescriptorBufferRange bytes.
	maxResourceDescriptors = 1 << 20
	maxSamplerDescriptors  = 4000
	maxBoundDescriptorSets = 32
	// VkPhysicalDeviceLimits.maxComputeWorkGroupCount.
	maxWorkGroupCount = 65535
	// VkPhysicalDeviceLimits.minUniformBufferOffsetAlignment.
	minUniformBufferOffsetAlignment = 256
)

// Limits implements driver.GPU.
func (g *GPU) Limits() driver.Limits {
	return driver.Limits{
		MaxDescriptorHeap:       maxResourceDescriptors,
		MaxSamplerHeap:          maxSamplerDescriptors,
		MaxSpaces:               maxBoundDescriptorSets,
		ShaderIdentifierSize:    shaderGroupHandleSize,
		ShaderRecordStride:      shaderGroupBaseAlignment,
		ConstantBufferAlignment: minUniformBufferOffsetAlignment,
		MaxDispatch:             [3]int{maxWorkGroupCount, maxWorkGroupCount, maxWorkGroupCount},
	}
}

// Device returns the device that executes g's work.
func (g *GPU) Device() *gpusim.Device { return g.dev }
