// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
)

// Attachment heaps hold VkImageView handles in host
// memory.
const attachmentDescriptorSize = 8

// descriptorGetInfo is a VkDescriptorGetInfoEXT.
type descriptorGetInfo struct {
	typ uint32
	// VkDescriptorAddressInfoEXT, image memory or
	// acceleration structure address.
	address uint64
	rng     int64
	format  uint32
	// Structure stride of storage buffers or mip count
	// of images. Not part of the Vulkan descriptor, but
	// kept for the executor.
	extra uint32

	sampler *samplerCreateInfo
}

// samplerCreateInfo is a VkSamplerCreateInfo.
type samplerCreateInfo struct {
	magFilter        uint8
	minFilter        uint8
	mipmapMode       uint8
	addressModeU     uint8
	addressModeV     uint8
	addressModeW     uint8
	compareEnable    bool
	compareOp        uint8
	anisotropyEnable bool
	maxAnisotropy    float32
	minLod           float32
	maxLod           float32
}

// Mutable descriptor encoding:
//
//	type    u32
//	format  u32
//	address u64
//	range   u64
//	extra   u32
//
// Sampler descriptor encoding:
//
//	magFilter, minFilter, mipmapMode      u8
//	addressModeU, addressModeV, addressModeW u8
//	compareEnable, compareOp              u8
//	maxAnisotropy (0 if disabled)         f32
//	minLod                                f32
//	maxLod                                f32
func getDescriptor(info *descriptorGetInfo, dst []byte) {
	clear(dst)
	le := binary.LittleEndian
	if info.typ == descriptorTypeSampler {
		s := info.sampler
		dst[0], dst[1], dst[2] = s.magFilter, s.minFilter, s.mipmapMode
		dst[3], dst[4], dst[5] = s.addressModeU, s.addressModeV, s.addressModeW
		if s.compareEnable {
			dst[6], dst[7] = 1, s.compareOp
		}
		if s.anisotropyEnable {
			le.PutUint32(dst[8:], math.Float32bits(s.maxAnisotropy))
		}
		le.PutUint32(dst[12:], math.Float32bits(s.minLod))
		le.PutUint32(dst[16:], math.Float32bits(s.maxLod))
		return
	}
	le.PutUint32(dst, info.typ)
	le.PutUint32(dst[4:], info.format)
	le.PutUint64(dst[8:], info.address)
	le.PutUint64(dst[16:], uint64(info.rng))
	le.PutUint32(dst[24:], info.extra)
}

// vkFormat returns the VkFormat of f.
func vkFormat(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatRGBA8Unorm:
		return 37
	case gputypes.TextureFormatBGRA8Unorm:
		return 44
	case gputypes.TextureFormatR8Unorm:
		return 9
	}
	return 0
}

// descHeap implements driver.DescriptorHeap.
// CBV/SRV/UAV and sampler heaps are descriptor buffers.
type descHeap struct {
	g      *GPU
	typ    driver.DescriptorHeapType
	n      int
	stride int
	buf    *buffer
	// Host storage of attachment heaps.
	host []byte
}

// NewDescriptorHeap creates a new descriptor heap.
func (g *GPU) NewDescriptorHeap(typ driver.DescriptorHeapType, n int) (driver.DescriptorHeap, error) {
	var stride, limit int
	var usage uint32
	switch typ {
	case driver.HeapCBVSRVUAV:
		stride, limit, usage = mutableDescriptorSize, maxResourceDescriptors, bufferUsageResourceDescriptorBuffer
	case driver.HeapSampler:
		stride, limit, usage = samplerDescriptorSize, maxSamplerDescriptors, bufferUsageSamplerDescriptorBuffer
	case driver.HeapRTV, driver.HeapDSV:
		stride, limit = attachmentDescriptorSize, maxResourceDescriptors
	default:
		return nil, fmt.Errorf("%w: unknown descriptor heap type %d", driver.ErrResourceCreation, int(typ))
	}
	if n <= 0 || n > limit {
		return nil, fmt.Errorf("%w: invalid %s heap size %d", driver.ErrResourceCreation, typ, n)
	}
	h := &descHeap{g: g, typ: typ, n: n, stride: stride}
	if usage == 0 {
		h.host = make([]byte, n*stride)
		return h, nil
	}
	b, err := g.newBuffer(int64(n*stride), usage|bufferUsageShaderDeviceAddress, memoryPropertyHostVisible|memoryPropertyHostCoherent)
	if err != nil {
		return nil, err
	}
	h.buf = b
	return h, nil
}

// Type implements driver.DescriptorHeap.
func (h *descHeap) Type() driver.DescriptorHeapType { return h.typ }

// Len implements driver.DescriptorHeap.
func (h *descHeap) Len() int { return h.n }

// Stride implements driver.DescriptorHeap.
func (h *descHeap) Stride() int { return h.stride }

// address returns the device address of the descriptor
// buffer.
func (h *descHeap) address() uint64 { return h.g.proc.getBufferDeviceAddress(h.buf) }

// slot returns the descriptor memory at slot off.
func (h *descHeap) slot(op string, typ driver.DescriptorHeapType, off int) []byte {
	if h.typ != typ {
		panic(fmt.Sprintf("vk: %s: %s heap", op, h.typ))
	}
	if off < 0 || off >= h.n {
		panic(fmt.Sprintf("vk: %s: slot %d out of range [0, %d)", op, off, h.n))
	}
	return h.buf.mem.Data[off*h.stride : (off+1)*h.stride]
}

func (h *descHeap) writeView(op string, v *driver.ViewDesc, uav bool) {
	dst := h.slot(op, driver.HeapCBVSRVUAV, v.OffsetInHeap)
	var info descriptorGetInfo
	switch {
	case v.Buffer != nil:
		b := h.g.buffer(op, v.Buffer)
		end := v.BufferEnd()
		var start, rng int64
		if v.Stride == 0 {
			if !v.RawAligned() {
				panic(fmt.Sprintf("vk: %s: raw view [%d, %d) not aligned to %d bytes", op, v.BufferOffset, end, driver.RawViewAlignment))
			}
			start, rng = v.BufferOffset, driver.BufferElements(v)
		} else {
			start = v.BufferOffset / v.Stride * v.Stride
			rng = driver.BufferElements(v) * v.Stride
		}
		if v.BufferOffset < 0 || end > b.size || rng < 0 {
			panic(fmt.Sprintf("vk: %s: view [%d, %d) out of buffer bounds", op, v.BufferOffset, end))
		}
		info = descriptorGetInfo{
			typ:     descriptorTypeStorageBuffer,
			address: h.g.proc.getBufferDeviceAddress(b) + uint64(start),
			rng:     rng,
			extra:   uint32(v.Stride),
		}
	case v.Texture != nil:
		t := h.g.texture(op, v.Texture)
		typ := uint32(descriptorTypeSampledImage)
		if uav {
			typ = descriptorTypeStorageImage
		}
		info = descriptorGetInfo{
			typ:     typ,
			address: t.mem.VA,
			rng:     t.info.Bytes,
			format:  t.format,
			extra:   uint32(t.info.Mips),
		}
	case v.AccelStruct != nil:
		if uav {
			panic("vk: " + op + ": acceleration structures cannot be written as UAVs")
		}
		a := h.g.accelStruct(op, v.AccelStruct)
		info = descriptorGetInfo{
			typ:     descriptorTypeAccelerationStructure,
			address: a.mem.VA,
			rng:     a.mem.Size,
		}
	default:
		panic("vk: " + op + ": view has no resource")
	}
	h.g.proc.getDescriptorEXT(&info, dst)
}

// WriteSRV implements driver.DescriptorHeap.
func (h *descHeap) WriteSRV(v *driver.ViewDesc) { h.writeView("WriteSRV", v, false) }

// WriteUAV implements driver.DescriptorHeap.
func (h *descHeap) WriteUAV(v *driver.ViewDesc) { h.writeView("WriteUAV", v, true) }

// WriteCBV implements driver.DescriptorHeap.
func (h *descHeap) WriteCBV(v *driver.ViewDesc) {
	const op = "WriteCBV"
	dst := h.slot(op, driver.HeapCBVSRVUAV, v.OffsetInHeap)
	if v.Buffer == nil {
		panic("vk: " + op + ": view has no buffer")
	}
	b := h.g.buffer(op, v.Buffer)
	end := v.BufferEnd()
	if v.BufferOffset < 0 || end > b.size || end < v.BufferOffset {
		panic(fmt.Sprintf("vk: %s: view [%d, %d) out of buffer bounds", op, v.BufferOffset, end))
	}
	h.g.proc.getDescriptorEXT(&descriptorGetInfo{
		typ:     descriptorTypeUniformBuffer,
		address: h.g.proc.getBufferDeviceAddress(b) + uint64(v.BufferOffset),
		rng:     end - v.BufferOffset,
	}, dst)
}

// VkSamplerAddressMode and VkFilter values match the
// driver constants. So do VkCompareOp values.

// WriteSampler implements driver.DescriptorHeap.
func (h *descHeap) WriteSampler(s *driver.SamplerDesc) {
	dst := h.slot("WriteSampler", driver.HeapSampler, s.OffsetInHeap)
	ci := &samplerCreateInfo{
		magFilter:        uint8(s.Mag),
		minFilter:        uint8(s.Min),
		mipmapMode:       uint8(s.Mipmap),
		addressModeU:     uint8(s.AddrU),
		addressModeV:     uint8(s.AddrV),
		addressModeW:     uint8(s.AddrW),
		compareEnable:    s.Compare,
		compareOp:        uint8(s.Cmp),
		anisotropyEnable: s.MaxAniso > 1,
		maxAnisotropy:    float32(s.MaxAniso),
		minLod:           s.MinLOD,
		maxLod:           s.MaxLOD,
	}
	h.g.proc.getDescriptorEXT(&descriptorGetInfo{typ: descriptorTypeSampler, sampler: ci}, dst)
}

// Destroy implements driver.Destroyer.
func (h *descHeap) Destroy() {
	if h.buf != nil {
		h.buf.Destroy()
	}
	*h = descHeap{}
}

// decodeSampler decodes a sampler descriptor.
func decodeSampler(d []byte) *driver.SamplerDesc {
	le := binary.LittleEndian
	s := &driver.SamplerDesc{
		Mag:      driver.Filter(d[0]),
		Min:      driver.Filter(d[1]),
		Mipmap:   driver.Filter(d[2]),
		AddrU:    driver.AddrMode(d[3]),
		AddrV:    driver.AddrMode(d[4]),
		AddrW:    driver.AddrMode(d[5]),
		Compare:  d[6] != 0,
		MaxAniso: max(1, int(math.Float32frombits(le.Uint32(d[8:])))),
		MinLOD:   math.Float32frombits(le.Uint32(d[12:])),
		MaxLOD:   math.Float32frombits(le.Uint32(d[16:])),
	}
	if s.Compare {
		s.Cmp = driver.CmpFunc(d[7])
	}
	return s
}

// decodeDescriptor resolves a mutable descriptor into the
// memory that it refers to.
// want is the range type that the set layout binding
// declares.
func decodeDescriptor(dev *gpusim.Device, d []byte, want driver.RangeType) (data []byte, stride int64, err error) {
	le := binary.LittleEndian
	typ := le.Uint32(d)
	addr := le.Uint64(d[8:])
	rng := int64(le.Uint64(d[16:]))
	if addr == 0 {
		// Null descriptor.
		return nil, 0, nil
	}
	var ok bool
	switch want {
	case driver.CBV:
		ok = typ == descriptorTypeUniformBuffer
	case driver.SRV:
		ok = typ == descriptorTypeStorageBuffer || typ == descriptorTypeSampledImage || typ == descriptorTypeAccelerationStructure
	case driver.UAV:
		ok = typ == descriptorTypeStorageBuffer || typ == descriptorTypeStorageImage
	}
	if !ok {
		return nil, 0, dev.Fault(fmt.Errorf("vk: descriptor type %d in %s binding", typ, want))
	}
	if typ == descriptorTypeStorageBuffer {
		stride = int64(le.Uint32(d[24:]))
	}
	if rng == 0 {
		return []byte{}, stride, nil
	}
	data, err = dev.Resolve(addr, rng)
	return
}
