// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package d3d12

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
	"github.com/gviegas/rhino/internal/hal"
)

// D3D12_HEAP_TYPE.
const (
	heapTypeDefault  = 1
	heapTypeUpload   = 2
	heapTypeReadback = 3
)

// D3D12_RESOURCE_FLAGS.
const resourceFlagAllowUnorderedAccess = 0x4

// D3D12_RESOURCE_STATES.
const (
	stateCommon      = 0
	stateCopyDest    = 0x400
	stateGenericRead = 0xac3
)

// D3D12_RAYTRACING_ACCELERATION_STRUCTURE_BYTE_ALIGNMENT.
const accelStructAlignment = 256

// resourceDesc is the subset of D3D12_RESOURCE_DESC and
// D3D12_HEAP_PROPERTIES that CreateCommittedResource uses.
type resourceDesc struct {
	heapType uint32
	flags    uint32
	state    uint32
}

// buffer implements driver.Buffer.
type buffer struct {
	g     *GPU
	size  int64
	heap  driver.HeapType
	usage driver.Usage
	desc  resourceDesc
	alloc *gpusim.Allocation
}

// NewBuffer creates a new buffer.
func (g *GPU) NewBuffer(desc *driver.BufferDesc) (driver.Buffer, error) {
	if desc.Size <= 0 {
		return nil, fmt.Errorf("%w: invalid buffer size %d", driver.ErrResourceCreation, desc.Size)
	}
	rd := resourceDesc{}
	switch desc.Heap {
	case driver.HeapDefault:
		rd.heapType, rd.state = heapTypeDefault, stateCommon
	case driver.HeapUpload:
		rd.heapType, rd.state = heapTypeUpload, stateGenericRead
	case driver.HeapReadback:
		rd.heapType, rd.state = heapTypeReadback, stateCopyDest
	default:
		return nil, fmt.Errorf("%w: unknown heap type %d", driver.ErrResourceCreation, int(desc.Heap))
	}
	if desc.Usage&driver.UUnorderedAccess != 0 {
		rd.flags |= resourceFlagAllowUnorderedAccess
	}
	a, err := g.dev.Alloc(desc.Size, cbvAlignment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", driver.ErrResourceCreation, err)
	}
	return &buffer{
		g:     g,
		size:  desc.Size,
		heap:  desc.Heap,
		usage: desc.Usage,
		desc:  rd,
		alloc: a,
	}, nil
}

// Size implements driver.Buffer.
func (b *buffer) Size() int64 { return b.size }

// Heap implements driver.Buffer.
func (b *buffer) Heap() driver.HeapType { return b.heap }

// Usage implements driver.Buffer.
func (b *buffer) Usage() driver.Usage { return b.usage }

// Bytes implements driver.Buffer.
// Upload and readback buffers are persistently mapped.
func (b *buffer) Bytes() []byte {
	if b.desc.heapType == heapTypeDefault {
		return nil
	}
	return b.alloc.Data[:b.size:b.size]
}

// GPUAddress implements driver.Buffer.
func (b *buffer) GPUAddress() uint64 { return b.alloc.VA }

// Destroy implements driver.Destroyer.
func (b *buffer) Destroy() {
	if b.g != nil {
		b.g.dev.Free(b.alloc)
	}
	*b = buffer{}
}

// texture implements driver.Texture.
type texture struct {
	g      *GPU
	info   hal.TextureInfo
	format uint32
	desc   resourceDesc
	alloc  *gpusim.Allocation
}

func (g *GPU) newTexture(info hal.TextureInfo, err error) (driver.Texture, error) {
	if err != nil {
		return nil, err
	}
	rd := resourceDesc{heapType: heapTypeDefault, state: stateCommon}
	if info.Usage&driver.UUnorderedAccess != 0 {
		rd.flags |= resourceFlagAllowUnorderedAccess
	}
	a, err := g.dev.Alloc(info.Bytes, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", driver.ErrResourceCreation, err)
	}
	return &texture{
		g:      g,
		info:   info,
		format: dxgiFormat(info.Format),
		desc:   rd,
		alloc:  a,
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
		t.g.dev.Free(t.alloc)
	}
	*t = texture{}
}

// accelStruct implements driver.AccelStruct.
type accelStruct struct {
	g     *GPU
	level driver.ASLevel
	cap   int
	alloc *gpusim.Allocation

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
	// Buffer in D3D12_RESOURCE_STATE_RAYTRACING_ACCELERATION_STRUCTURE.
	a, err := g.dev.Alloc(gpusim.AccelSize(desc.Level, desc.Capacity), accelStructAlignment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", driver.ErrResourceCreation, err)
	}
	return &accelStruct{
		g:      g,
		level:  desc.Level,
		cap:    desc.Capacity,
		alloc:  a,
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
func (a *accelStruct) GPUAddress() uint64 { return a.alloc.VA }

// Destroy implements driver.Destroyer.
func (a *accelStruct) Destroy() {
	if a.g != nil {
		a.g.dev.Free(a.alloc)
	}
	a.g = nil
	a.alloc = nil
}

// buffer returns b as a buffer of g.
// It panics if b was not created by g.
func (g *GPU) buffer(op string, b driver.Buffer) *buffer {
	x, ok := b.(*buffer)
	if !ok || x.g != g {
		panic("d3d12: " + op + ": buffer not created by this GPU")
	}
	return x
}

// texture returns t as a texture of g.
// It panics if t was not created by g.
func (g *GPU) texture(op string, t driver.Texture) *texture {
	x, ok := t.(*texture)
	if !ok || x.g != g {
		panic("d3d12: " + op + ": texture not created by this GPU")
	}
	return x
}

// accelStruct returns a as an acceleration structure of
// g.
// It panics if a was not created by g.
func (g *GPU) accelStruct(op string, a driver.AccelStruct) *accelStruct {
	x, ok := a.(*accelStruct)
	if !ok || x.g != g {
		panic("d3d12: " + op + ": acceleration structure not created by this GPU")
	}
	return x
}
