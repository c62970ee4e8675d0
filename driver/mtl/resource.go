// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package mtl

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
	"github.com/gviegas/rhino/internal/hal"
)

// MTLStorageMode.
const (
	storageModeShared  = 0
	storageModePrivate = 2
)

// MTLCPUCacheMode.
const (
	cpuCacheModeDefaultCache  = 0
	cpuCacheModeWriteCombined = 1
)

// buffer implements driver.Buffer.
// It is a MTLBuffer.
type buffer struct {
	g       *GPU
	size    int64
	heap    driver.HeapType
	usage   driver.Usage
	storage uint32
	cache   uint32
	mem     *gpusim.Allocation
}

// NewBuffer creates a new buffer.
func (g *GPU) NewBuffer(desc *driver.BufferDesc) (driver.Buffer, error) {
	if desc.Size <= 0 {
		return nil, fmt.Errorf("%w: invalid buffer size %d", driver.ErrResourceCreation, desc.Size)
	}
	var storage, cache uint32
	switch desc.Heap {
	case driver.HeapDefault:
		storage = storageModePrivate
	case driver.HeapUpload:
		storage, cache = storageModeShared, cpuCacheModeWriteCombined
	case driver.HeapReadback:
		storage, cache = storageModeShared, cpuCacheModeDefaultCache
	default:
		return nil, fmt.Errorf("%w: unknown heap type %d", driver.ErrResourceCreation, int(desc.Heap))
	}
	// newBufferWithLength:options:.
	m, err := g.dev.Alloc(desc.Size, constantBufferAlignment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", driver.ErrResourceCreation, err)
	}
	return &buffer{
		g:       g,
		size:    desc.Size,
		heap:    desc.Heap,
		usage:   desc.Usage,
		storage: storage,
		cache:   cache,
		mem:     m,
	}, nil
}

// Size implements driver.Buffer.
func (b *buffer) Size() int64 { return b.size }

// Heap implements driver.Buffer.
func (b *buffer) Heap() driver.HeapType { return b.heap }

// Usage implements driver.Buffer.
func (b *buffer) Usage() driver.Usage { return b.usage }

// Bytes implements driver.Buffer.
// It is MTLBuffer.contents, which is nil for private
// storage.
func (b *buffer) Bytes() []byte {
	if b.storage == storageModePrivate {
		return nil
	}
	return b.mem.Data[:b.size:b.size]
}

// GPUAddress implements driver.Buffer.
// It is MTLBuffer.gpuAddress.
func (b *buffer) GPUAddress() uint64 { return b.mem.VA }

// Destroy implements driver.Destroyer.
func (b *buffer) Destroy() {
	if b.g != nil {
		b.g.dev.Free(b.mem)
	}
	*b = buffer{}
}

// MTLTextureType.
const (
	textureType2D = 2
	textureType3D = 7
)

// MTLTextureUsage.
const (
	textureUsageShaderRead  = 0x1
	textureUsageShaderWrite = 0x2
)

// mtlPixelFormat returns the MTLPixelFormat of f.
func mtlPixelFormat(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatRGBA8Unorm:
		return 70
	case gputypes.TextureFormatBGRA8Unorm:
		return 80
	case gputypes.TextureFormatR8Unorm:
		return 10
	}
	return 0
}

// texture implements driver.Texture.
// It is a MTLTexture in private storage.
type texture struct {
	g        *GPU
	info     hal.TextureInfo
	typ      uint32
	format   uint32
	mtlUsage uint32
	mem      *gpusim.Allocation
}

func (g *GPU) newTexture(info hal.TextureInfo, err error) (driver.Texture, error) {
	if err != nil {
		return nil, err
	}
	typ := uint32(textureType2D)
	if info.Dim == gputypes.TextureDimension3D {
		typ = textureType3D
	}
	var usage uint32
	if info.Usage&driver.UShaderResource != 0 {
		usage |= textureUsageShaderRead
	}
	if info.Usage&driver.UUnorderedAccess != 0 {
		usage |= textureUsageShaderRead | textureUsageShaderWrite
	}
	m, err := g.dev.Alloc(info.Bytes, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", driver.ErrResourceCreation, err)
	}
	return &texture{
		g:        g,
		info:     info,
		typ:      typ,
		format:   mtlPixelFormat(info.Format),
		mtlUsage: usage,
		mem:      m,
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

// gpuResourceID is MTLTexture.gpuResourceID.
func (t *texture) gpuResourceID() uint64 { return t.mem.ID }

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
// It is a MTLAccelerationStructure.
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
	// accelerationStructureSizesWithDescriptor.
	m, err := g.dev.Alloc(gpusim.AccelSize(desc.Level, desc.Capacity), constantBufferAlignment)
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
		panic("mtl: " + op + ": buffer not created by this GPU")
	}
	return x
}

// texture returns t as a texture of g.
// It panics if t was not created by g.
func (g *GPU) texture(op string, t driver.Texture) *texture {
	x, ok := t.(*texture)
	if !ok || x.g != g {
		panic("mtl: " + op + ": texture not created by this GPU")
	}
	return x
}

// accelStruct returns a as an acceleration structure of
// g.
// It panics if a was not created by g.
func (g *GPU) accelStruct(op string, a driver.AccelStruct) *accelStruct {
	x, ok := a.(*accelStruct)
	if !ok || x.g != g {
		panic("mtl: " + op + ": acceleration structure not created by this GPU")
	}
	return x
}
