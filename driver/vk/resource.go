// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
	"github.com/gviegas/rhino/internal/hal"
)

// VkBufferUsageFlagBits.
const (
	bufferUsageTransferSrc              = 0x1
	bufferUsageTransferDst              = 0x2
	bufferUsageUniformBuffer            = 0x10
	bufferUsageStorageBuffer            = 0x20
	bufferUsageIndexBuffer              = 0x40
	bufferUsageVertexBuffer             = 0x80
	bufferUsageIndirectBuffer           = 0x100
	bufferUsageShaderBindingTable       = 0x400
	bufferUsageShaderDeviceAddress      = 0x20000
	bufferUsageASBuildInputReadOnly     = 0x80000
	bufferUsageASStorage                = 0x100000
	bufferUsageSamplerDescriptorBuffer  = 0x200000
	bufferUsageResourceDescriptorBuffer = 0x400000
)

// VkImageUsageFlagBits.
const (
	imageUsageTransferSrc = 0x1
	imageUsageTransferDst = 0x2
	imageUsageSampled     = 0x4
	imageUsageStorage     = 0x8
)

// VkMemoryPropertyFlagBits.
const (
	memoryPropertyDeviceLocal  = 0x1
	memoryPropertyHostVisible  = 0x2
	memoryPropertyHostCoherent = 0x4
	memoryPropertyHostCached   = 0x8
)

// convBufferUsage converts a driver.Usage into
// VkBufferUsageFlags.
func convBufferUsage(u driver.Usage) uint32 {
	f := uint32(bufferUsageShaderDeviceAddress | bufferUsageShaderBindingTable | bufferUsageASBuildInputReadOnly)
	if u&driver.UVertexBuffer != 0 {
		f |= bufferUsageVertexBuffer
	}
	if u&driver.UIndexBuffer != 0 {
		f |= bufferUsageIndexBuffer
	}
	if u&driver.UConstantBuffer != 0 {
		f |= bufferUsageUniformBuffer
	}
	if u&(driver.UShaderResource|driver.UUnorderedAccess) != 0 {
		f |= bufferUsageStorageBuffer
	}
	if u&driver.UIndirect != 0 {
		f |= bufferUsageIndirectBuffer
	}
	if u&driver.UCopySource != 0 {
		f |= bufferUsageTransferSrc
	}
	if u&driver.UCopyDest != 0 {
		f |= bufferUsageTransferDst
	}
	return f
}

// convImageUsage converts a driver.Usage into
// VkImageUsageFlags.
func convImageUsage(u driver.Usage) uint32 {
	var f uint32
	if u&driver.UShaderResource != 0 {
		f |= imageUsageSampled
	}
	if u&driver.UUnorderedAccess != 0 {
		f |= imageUsageStorage
	}
	if u&driver.UCopySource != 0 {
		f |= imageUsageTransferSrc
	}
	if u&driver.UCopyDest != 0 {
		f |= imageUsageTransferDst
	}
	return f
}

// buffer implements driver.Buffer.
type buffer struct {
	g     *GPU
	size  int64
	heap  driver.HeapType
	usage driver.Usage
	// VkBufferUsageFlags and VkMemoryPropertyFlags.
	vkUsage uint32
	props   uint32
	mem     *gpusim.Allocation
}

// newBuffer creates a VkBuffer bound to new memory.
func (g *GPU) newBuffer(size int64, usage, props uint32) (*buffer, error) {
	// VkMemoryRequirements.alignment.
	m, err := g.dev.Alloc(size, minUniformBufferOffsetAlignment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", driver.ErrResourceCreation, err)
	}
	return &buffer{g: g, size: size, vkUsage: usage, props: props, mem: m}, nil
}

// NewBuffer creates a new buffer.
func (g *GPU) NewBuffer(desc *driver.BufferDesc) (driver.Buffer, error) {
	if desc.Size <= 0 {
		return nil, fmt.Errorf("%w: invalid buffer size %d", driver.ErrResourceCreation, desc.Size)
	}
	var props uint32
	switch desc.Heap {
	case driver.HeapDefault:
		props = memoryPropertyDeviceLocal
	case driver.HeapUpload:
		props = memoryPropertyHostVisible | memoryPropertyHostCoherent
	case driver.HeapReadback:
		props = memoryPropertyHostVisible | memoryPropertyHostCoherent | memoryPropertyHostCached
	default:
		return nil, fmt.Errorf("%w: unknown heap type %d", driver.ErrResourceCreation, int(desc.Heap))
	}
	b, err := g.newBuffer(desc.Size, convBufferUsage(desc.Usage), props)
	if err != nil {
		return nil, err
	}
	b.heap, b.usage = desc.Heap, desc.Usage
	return b, nil
}

// Size implements driver.Buffer.
func (b *buffer) Size() int64 { return b.size }

// Heap implements driver.Buffer.
func (b *buffer) Heap() driver.HeapType { return b.heap }

// Usage implements driver.Buffer.
func (b *buffer) Usage() driver.Usage { return b.usage }

// Bytes implements driver.Buffer.
// Host-visible memory is persistently mapped.
func (b *buffer) Bytes() []byte {
	if b.props&memoryPropertyHostVisible == 0 {
		return nil
	}
	return b.mem.Data[:b.size:b.size]
}

// GPUAddress implements driver.Buffer.
func (b *buffer) GPUAddress() uint64 { return b.g.proc.getBufferDeviceAddress(b) }

// Destroy implements driver.Destroyer.
func (b *buffer) Destroy() {
	if b.g != nil {
		b.g.dev.Free(b.mem)
	}
	*b = buffer{}
}

// VkImageType.
const (
	imageType2D = 1
	imageType3D = 2
)

// texture implements driver.Texture.
type texture struct {
	g       *GPU
	info    hal.TextureInfo
	typ     uint32
	format  uint32
	vkUsage uint32
	mem     *gpusim.Allocation
}

func (g *GPU) newTexture(info hal.TextureInfo, err error) (driver.Texture, error) {
	if err != nil {
		return nil, err
	}
	typ := uint32(imageType2D)
	if info.Dim == gputypes.TextureDimension3D {
		typ = imageType3D
	}
	m, err := g.dev.Alloc(info.Bytes, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", driver.ErrResourceCreation, err)
	}
	return &texture{
		g:       g,
		info:    info,
		typ:     typ,
		format:  vkFormat(info.Format),
		vkUsage: convImageUsage(info.Usage),
		mem:     m,
	}, nil
}

// NewTexture2D creates a new 2D texture.
func (g *GPU) NewTexture2D(desc *driver.Texture2DDesc) (driver.Texture, error) {
	return g.newTexture(hal.Texture2D(desc))
}

// NewTexture3D creates a new 3D texture.
func (g *GPU) NewTexture3D(desc *driver.Texture3DDesc) (driver.Texture, error) {
	return g.newTexture(hal.Texture3D(desc))
}

// Dimension implements driver.Texture.
func (t *texture) Dimension() gputypes.TextureDimension { return t.info.Dim }

// Size implements driver.Texture.
func (t *texture) Size() gputypes.Extent3D { return t.info.Size }

// Format implements driver.Texture.
func (t *texture) Format() gputypes.TextureFormat { return t.info.Format }

// MipLevels implements driver.Texture.
func (t *texture) MipLevels() int { return t.info.Mips }

// Usage implements driver.Texture.
func (t *texture) Usage() driver.Usage { return t.info.Usage }

// Destroy implements driver.Destroyer.
func (t *texture) Destroy() {
	if t.g != nil {
		t.g.dev.Free(t.mem)
	}
	*t = texture{}
}

// accelStruct implements driver.AccelStruct.
// It is a VkAccelerationStructureKHR and its backing
// buffer.
type accelStruct struct {
	g     *GPU
	level driver.ASLevel
	cap   int
	mem   *gpusim.Allocation

	mu     sync.Mutex
	bounds driver.AABB
}

// NewAccelStruct creates a new acceleration structure.
func (g *GPU) NewAccelStruct(desc *driver.AccelStructDesc) (driver.AccelStruct, error) {
	if desc.Level != driver.BottomLevel && desc.Level != driver.TopLevel {
		return nil, fmt.Errorf("%w: unknown acceleration structure level %d", driver.ErrResourceCreation, int(desc.Level))
	}
	if desc.Capacity <= 0 {
		return nil, fmt.Errorf("%w: invalid acceleration structure capacity %d", driver.ErrResourceCreation, desc.Capacity)
	}
	// vkGetAccelerationStructureBuildSizesKHR.
	m, err := g.dev.Alloc(gpusim.AccelSize(desc.Level, desc.Capacity), minUniformBufferOffsetAlignment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", driver.ErrResourceCreation, err)
	}
	return &accelStruct{
		g:      g,
		level:  desc.Level,
		cap:    desc.Capacity,
		mem:    m,
		bounds: driver.EmptyAABB(),
	}, nil
}

// Level implements driver.AccelStruct.
func (a *accelStruct) Level() driver.ASLevel { return a.level }

// Bounds implements driver.AccelStruct.
func (a *accelStruct) Bounds() driver.AABB {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bounds
}

func (a *accelStruct) setBounds(b driver.AABB) {
	a.mu.Lock()
	a.bounds = b
	a.mu.Unlock()
}

// GPUAddress implements driver.AccelStruct.
// It is vkGetAccelerationStructureDeviceAddressKHR.
func (a *accelStruct) GPUAddress() uint64 { return a.mem.VA }

// Destroy implements driver.Destroyer.
func (a *accelStruct) Destroy() {
	if a.g != nil {
		a.g.dev.Free(a.mem)
	}
	a.g = nil
	a.mem = nil
}

// buffer returns b as a buffer of g.
// It panics if b was not created by g.
func (g *GPU) buffer(op string, b driver.Buffer) *buffer {
	x, ok := b.(*buffer)
	if !ok || x.g != g {
		panic("vk: " + op + ": buffer not created by this GPU")
	}
	return x
}

// texture returns t as a texture of g.
// It panics if t was not created by g.
func (g *GPU) texture(op string, t driver.Texture) *texture {
	x, ok := t.(*texture)
	if !ok || x.g != g {
		panic("vk: " + op + ": texture not created by this GPU")
	}
	return x
}

// accelStruct returns a as an acceleration structure of
// g.
// It panics if a was not created by g.
func (g *GPU) accelStruct(op string, a driver.AccelStruct) *accelStruct {
	x, ok := a.(*accelStruct)
	if !ok || x.g != g {
		panic("vk: " + op + ": acceleration structure not created by this GPU")
	}
	return x
}
