// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package d3d12

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
)

// Descriptor handle increment sizes.
const (
	strideCBVSRVUAV = 32
	strideSampler   = 32
	strideRTV       = 32
	strideDSV       = 8
)

// Maximum heap sizes (resource binding tier 2).
const (
	maxHeapCBVSRVUAV = 1000000
	maxHeapSampler   = 2048
)

// DXGI_FORMAT.
const (
	formatUnknown     = 0
	formatRGBA8Unorm  = 28
	formatR32Typeless = 39
	formatR8Unorm     = 61
	formatBGRA8Unorm  = 87
)

const (
	// D3D12_BUFFER_SRV_FLAG_RAW.
	bufferFlagRaw = 1
	// Raw views address 4-byte words.
	rawElementSize = driver.RawViewAlignment
	cbvAlignment   = 256
)

// CBV/SRV/UAV descriptor encoding:
//
//	kind   u32
//	format u32
//	va     u64
//	num    u32 (elements, bytes of CBVs, bytes of textures)
//	stride u32 (structure stride, mip count of textures)
//	flags  u32
//	pad    u32
const (
	viewNull = iota
	viewCBV
	viewSRVBuffer
	viewUAVBuffer
	viewSRVTexture2D
	viewSRVTexture3D
	viewUAVTexture2D
	viewUAVTexture3D
	viewSRVAccelStruct
)

// dxgiFormat returns the DXGI format of f.
func dxgiFormat(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatRGBA8Unorm:
		return formatRGBA8Unorm
	case gputypes.TextureFormatBGRA8Unorm:
		return formatBGRA8Unorm
	case gputypes.TextureFormatR8Unorm:
		return formatR8Unorm
	}
	return formatUnknown
}

// descHeap implements driver.DescriptorHeap.
type descHeap struct {
	g      *GPU
	typ    driver.DescriptorHeapType
	n      int
	stride int
	// Non-shader-visible heap. Every write goes here first.
	cpu []byte
	// Shader-visible heap. Nil for RTV and DSV heaps.
	gpu *gpusim.Allocation
}

// NewDescriptorHeap creates a new descriptor heap.
func (g *GPU) NewDescriptorHeap(typ driver.DescriptorHeapType, n int) (driver.DescriptorHeap, error) {
	var stride, limit int
	visible := true
	switch typ {
	case driver.HeapCBVSRVUAV:
		stride, limit = strideCBVSRVUAV, maxHeapCBVSRVUAV
	case driver.HeapSampler:
		stride, limit = strideSampler, maxHeapSampler
	case driver.HeapRTV:
		stride, limit, visible = strideRTV, maxHeapCBVSRVUAV, false
	case driver.HeapDSV:
		stride, limit, visible = strideDSV, maxHeapCBVSRVUAV, false
	default:
		return nil, fmt.Errorf("%w: unknown descriptor heap type %d", driver.ErrResourceCreation, int(typ))
	}
	if n <= 0 || n > limit {
		return nil, fmt.Errorf("%w: invalid %s heap size %d", driver.ErrResourceCreation, typ, n)
	}
	h := &descHeap{
		g:      g,
		typ:    typ,
		n:      n,
		stride: stride,
		cpu:    make([]byte, n*stride),
	}
	if visible {
		a, err := g.dev.Alloc(int64(n*stride), 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", driver.ErrResourceCreation, err)
		}
		h.gpu = a
	}
	return h, nil
}

// Type implements driver.DescriptorHeap.
func (h *descHeap) Type() driver.DescriptorHeapType { return h.typ }

// Len implements driver.DescriptorHeap.
func (h *descHeap) Len() int { return h.n }

// Stride implements driver.DescriptorHeap.
func (h *descHeap) Stride() int { return h.stride }

// gpuStart returns the GPU descriptor handle of the first
// slot.
func (h *descHeap) gpuStart() uint64 { return h.gpu.VA }

// cpuHandle returns the CPU descriptor at slot.
func (h *descHeap) cpuHandle(op string, slot int) []byte {
	if slot < 0 || slot >= h.n {
		panic(fmt.Sprintf("d3d12: %s: slot %d out of range [0, %d)", op, slot, h.n))
	}
	return h.cpu[slot*h.stride : (slot+1)*h.stride]
}

// copyDescriptorsSimple copies n descriptors from the CPU
// heap into the shader-visible heap.
func (h *descHeap) copyDescriptorsSimple(n, dst, src int) {
	if h.gpu == nil {
		return
	}
	copy(h.gpu.Data[dst*h.stride:(dst+n)*h.stride], h.cpu[src*h.stride:(src+n)*h.stride])
}

func (h *descHeap) checkType(op string, typ driver.DescriptorHeapType) {
	if h.typ != typ {
		panic(fmt.Sprintf("d3d12: %s: %s heap", op, h.typ))
	}
}

// writeView encodes a view at v.OffsetInHeap and makes it
// visible to shaders.
func (h *descHeap) writeView(op string, v *driver.ViewDesc, uav bool) {
	h.checkType(op, driver.HeapCBVSRVUAV)
	d := h.cpuHandle(op, v.OffsetInHeap)
	le := binary.LittleEndian
	switch {
	case v.Buffer != nil:
		b := h.g.buffer(op, v.Buffer)
		end := v.BufferEnd()
		kind, format, flags := uint32(viewSRVBuffer), uint32(formatUnknown), uint32(0)
		if uav {
			kind = viewUAVBuffer
		}
		var first, num, stride int64
		if v.Stride == 0 {
			// ByteAddressBuffer: R32_TYPELESS elements.
			if !v.RawAligned() {
				panic(fmt.Sprintf("d3d12: %s: raw view [%d, %d) not aligned to %d bytes", op, v.BufferOffset, end, rawElementSize))
			}
			format, flags = formatR32Typeless, bufferFlagRaw
			first, num, stride = v.BufferOffset/rawElementSize, driver.BufferElements(v)/rawElementSize, rawElementSize
		} else {
			first, num, stride = v.BufferOffset/v.Stride, driver.BufferElements(v), v.Stride
		}
		if end > b.size || v.BufferOffset < 0 || num < 0 {
			panic(fmt.Sprintf("d3d12: %s: view [%d, %d) out of buffer bounds", op, v.BufferOffset, end))
		}
		clear(d)
		le.PutUint32(d, kind)
		le.PutUint32(d[4:], format)
		le.PutUint64(d[8:], b.alloc.VA+uint64(first*stride))
		le.PutUint32(d[16:], uint32(num))
		if v.Stride != 0 {
			le.PutUint32(d[20:], uint32(stride))
		}
		le.PutUint32(d[24:], flags)
	case v.Texture != nil:
		t := h.g.texture(op, v.Texture)
		kind := uint32(viewSRVTexture2D)
		if t.info.Dim == gputypes.TextureDimension3D {
			kind = viewSRVTexture3D
		}
		if uav {
			kind += viewUAVTexture2D - viewSRVTexture2D
		}
		clear(d)
		le.PutUint32(d, kind)
		le.PutUint32(d[4:], t.format)
		le.PutUint64(d[8:], t.alloc.VA)
		le.PutUint32(d[16:], uint32(t.info.Bytes))
		le.PutUint32(d[20:], uint32(t.info.Mips))
	case v.AccelStruct != nil:
		if uav {
			panic("d3d12: " + op + ": acceleration structures cannot be written as UAVs")
		}
		a := h.g.accelStruct(op, v.AccelStruct)
		clear(d)
		le.PutUint32(d, viewSRVAccelStruct)
		le.PutUint64(d[8:], a.alloc.VA)
		le.PutUint32(d[16:], uint32(a.alloc.Size))
	default:
		panic("d3d12: " + op + ": view has no resource")
	}
	h.copyDescriptorsSimple(1, v.OffsetInHeap, v.OffsetInHeap)
}

// WriteSRV implements driver.DescriptorHeap.
func (h *descHeap) WriteSRV(v *driver.ViewDesc) { h.writeView("WriteSRV", v, false) }

// WriteUAV implements driver.DescriptorHeap.
func (h *descHeap) WriteUAV(v *driver.ViewDesc) { h.writeView("WriteUAV", v, true) }

// WriteCBV implements driver.DescriptorHeap.
func (h *descHeap) WriteCBV(v *driver.ViewDesc) {
	const op = "WriteCBV"
	h.checkType(op, driver.HeapCBVSRVUAV)
	if v.Buffer == nil {
		panic("d3d12: " + op + ": view has no buffer")
	}
	b := h.g.buffer(op, v.Buffer)
	end := v.BufferEnd()
	if end > b.size || v.BufferOffset < 0 || end < v.BufferOffset {
		panic(fmt.Sprintf("d3d12: %s: view [%d, %d) out of buffer bounds", op, v.BufferOffset, end))
	}
	d := h.cpuHandle(op, v.OffsetInHeap)
	clear(d)
	// D3D12_CONSTANT_BUFFER_VIEW_DESC.
	size := (end - v.BufferOffset + cbvAlignment - 1) &^ (cbvAlignment - 1)
	le := binary.LittleEndian
	le.PutUint32(d, viewCBV)
	le.PutUint64(d[8:], b.alloc.VA+uint64(v.BufferOffset))
	le.PutUint32(d[16:], uint32(size))
	h.copyDescriptorsSimple(1, v.OffsetInHeap, v.OffsetInHeap)
}

// D3D12_FILTER bits.
const (
	filterMipLinear   = 0x1
	filterMagLinear   = 0x4
	filterMinLinear   = 0x10
	filterAnisotropic = 0x55
	filterComparison  = 0x80
)

// Sampler descriptor encoding (D3D12_SAMPLER_DESC subset):
//
//	filter   u32
//	addrU    u32
//	addrV    u32
//	addrW    u32
//	maxAniso u32
//	cmp      u32
//	minLOD   f32
//	maxLOD   f32

// WriteSampler implements driver.DescriptorHeap.
func (h *descHeap) WriteSampler(s *driver.SamplerDesc) {
	const op = "WriteSampler"
	h.checkType(op, driver.HeapSampler)
	d := h.cpuHandle(op, s.OffsetInHeap)
	var filter uint32
	if s.MaxAniso > 1 {
		filter = filterAnisotropic
	} else {
		if s.Min == driver.FLinear {
			filter |= filterMinLinear
		}
		if s.Mag == driver.FLinear {
			filter |= filterMagLinear
		}
		if s.Mipmap == driver.FLinear {
			filter |= filterMipLinear
		}
	}
	cmp := uint32(0)
	if s.Compare {
		filter |= filterComparison
		cmp = uint32(s.Cmp) + 1
	}
	le := binary.LittleEndian
	le.PutUint32(d, filter)
	le.PutUint32(d[4:], uint32(s.AddrU)+1)
	le.PutUint32(d[8:], uint32(s.AddrV)+1)
	le.PutUint32(d[12:], uint32(s.AddrW)+1)
	le.PutUint32(d[16:], uint32(max(1, s.MaxAniso)))
	le.PutUint32(d[20:], cmp)
	le.PutUint32(d[24:], math.Float32bits(s.MinLOD))
	le.PutUint32(d[28:], math.Float32bits(s.MaxLOD))
	h.copyDescriptorsSimple(1, s.OffsetInHeap, s.OffsetInHeap)
}

// decodeSampler decodes a sampler descriptor.
func decodeSampler(d []byte) *driver.SamplerDesc {
	le := binary.LittleEndian
	filter := le.Uint32(d)
	lin := func(bit uint32) driver.Filter {
		if filter&bit != 0 {
			return driver.FLinear
		}
		return driver.FNearest
	}
	s := &driver.SamplerDesc{
		Min:      lin(filterMinLinear),
		Mag:      lin(filterMagLinear),
		Mipmap:   lin(filterMipLinear),
		AddrU:    driver.AddrMode(le.Uint32(d[4:]) - 1),
		AddrV:    driver.AddrMode(le.Uint32(d[8:]) - 1),
		AddrW:    driver.AddrMode(le.Uint32(d[12:]) - 1),
		MaxAniso: int(le.Uint32(d[16:])),
		MinLOD:   math.Float32frombits(le.Uint32(d[24:])),
		MaxLOD:   math.Float32frombits(le.Uint32(d[28:])),
	}
	if filter&filterComparison != 0 {
		s.Compare = true
		s.Cmp = driver.CmpFunc(le.Uint32(d[20:]) - 1)
	}
	return s
}

// decodeView resolves a CBV/SRV/UAV descriptor into the
// memory that it refers to.
// want is the range type that the root signature declares
// for the descriptor.
func decodeView(dev *gpusim.Device, d []byte, want driver.RangeType) (data []byte, stride int64, err error) {
	le := binary.LittleEndian
	kind := le.Uint32(d)
	va := le.Uint64(d[8:])
	num := int64(le.Uint32(d[16:]))
	var have driver.RangeType
	var size int64
	switch kind {
	case viewNull:
		return nil, 0, nil
	case viewCBV:
		have, size = driver.CBV, num
	case viewSRVBuffer, viewUAVBuffer:
		have = driver.SRV
		if kind == viewUAVBuffer {
			have = driver.UAV
		}
		if le.Uint32(d[24:])&bufferFlagRaw != 0 {
			size = num * rawElementSize
		} else {
			stride = int64(le.Uint32(d[20:]))
			size = num * stride
		}
	case viewSRVTexture2D, viewSRVTexture3D, viewSRVAccelStruct:
		have, size = driver.SRV, num
	case viewUAVTexture2D, viewUAVTexture3D:
		have, size = driver.UAV, num
	default:
		return nil, 0, dev.Fault(fmt.Errorf("d3d12: invalid descriptor kind %d", kind))
	}
	if have != want {
		return nil, 0, dev.Fault(fmt.Errorf("d3d12: %s descriptor in %s range", have, want))
	}
	if size == 0 {
		return []byte{}, stride, nil
	}
	data, err = dev.Resolve(va, size)
	return
}

// Destroy implements driver.Destroyer.
func (h *descHeap) Destroy() {
	if h.g != nil && h.gpu != nil {
		h.g.dev.Free(h.gpu)
	}
	*h = descHeap{}
}
