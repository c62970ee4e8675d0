// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package mtl

import (
	"encoding/binary"
	"fmt"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
)

// Descriptor table entries are IRDescriptorTableEntry
// structures:
//
//	gpuVA         u64
//	textureViewID u64
//	metadata      u64
//
// Buffers set gpuVA and store their length in the low 32
// bits of metadata and their structure stride in the high
// 32 bits. Textures and samplers set textureViewID to their
// gpuResourceID.
const entrySize = 24

// Attachment heaps hold texture view handles in host
// memory.
const attachmentEntrySize = 8

// descHeap implements driver.DescriptorHeap.
// CBV/SRV/UAV and sampler heaps are argument buffers in
// shared storage.
type descHeap struct {
	g      *GPU
	typ    driver.DescriptorHeapType
	n      int
	stride int
	mem    *gpusim.Allocation
	host   []byte
}

// NewDescriptorHeap creates a new descriptor heap.
func (g *GPU) NewDescriptorHeap(typ driver.DescriptorHeapType, n int) (driver.DescriptorHeap, error) {
	var stride, limit int
	switch typ {
	case driver.HeapCBVSRVUAV:
		stride, limit = entrySize, maxResourceEntries
	case driver.HeapSampler:
		stride, limit = entrySize, maxSamplerEntries
	case driver.HeapRTV, driver.HeapDSV:
		stride, limit = attachmentEntrySize, maxResourceEntries
	default:
		return nil, fmt.Errorf("%w: unknown descriptor heap type %d", driver.ErrResourceCreation, int(typ))
	}
	if n <= 0 || n > limit {
		return nil, fmt.Errorf("%w: invalid %s heap size %d", driver.ErrResourceCreation, typ, n)
	}
	h := &descHeap{g: g, typ: typ, n: n, stride: stride}
	if typ == driver.HeapRTV || typ == driver.HeapDSV {
		h.host = make([]byte, n*stride)
		return h, nil
	}
	m, err := g.dev.Alloc(int64(n*stride), constantBufferAlignment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", driver.ErrResourceCreation, err)
	}
	h.mem = m
	return h, nil
}

// Type implements driver.DescriptorHeap.
func (h *descHeap) Type() driver.DescriptorHeapType { return h.typ }

// Len implements driver.DescriptorHeap.
func (h *descHeap) Len() int { return h.n }

// Stride implements driver.DescriptorHeap.
func (h *descHeap) Stride() int { return h.stride }

// gpuAddress is the argument buffer's MTLBuffer.gpuAddress.
func (h *descHeap) gpuAddress() uint64 { return h.mem.VA }

// entry returns the table entry at slot off.
func (h *descHeap) entry(op string, typ driver.DescriptorHeapType, off int) []byte {
	if h.typ != typ {
		panic(fmt.Sprintf("mtl: %s: %s heap", op, h.typ))
	}
	if off < 0 || off >= h.n {
		panic(fmt.Sprintf("mtl: %s: slot %d out of range [0, %d)", op, off, h.n))
	}
	return h.mem.Data[off*entrySize : (off+1)*entrySize]
}

// putEntry is IRDescriptorTableSetBuffer and
// IRDescriptorTableSetTexture.
func putEntry(dst []byte, gpuVA, textureViewID, metadata uint64) {
	le := binary.LittleEndian
	le.PutUint64(dst, gpuVA)
	le.PutUint64(dst[8:], textureViewID)
	le.PutUint64(dst[16:], metadata)
}

// bufferMetadata encodes the length and stride of a
// buffer view.
func bufferMetadata(length, stride int64) uint64 {
	return uint64(uint32(length)) | uint64(stride)<<32
}

func (h *descHeap) writeView(op string, v *driver.ViewDesc, uav bool) {
	dst := h.entry(op, driver.HeapCBVSRVUAV, v.OffsetInHeap)
	switch {
	case v.Buffer != nil:
		b := h.g.buffer(op, v.Buffer)
		end := v.BufferEnd()
		var start, length int64
		if v.Stride == 0 {
			if !v.RawAligned() {
				panic(fmt.Sprintf("mtl: %s: raw view [%d, %d) not aligned to %d bytes", op, v.BufferOffset, end, driver.RawViewAlignment))
			}
			start, length = v.BufferOffset, driver.BufferElements(v)
		} else {
			start = v.BufferOffset / v.Stride * v.Stride
			length = driver.BufferElements(v) * v.Stride
		}
		if v.BufferOffset < 0 || end > b.size || length < 0 {
			panic(fmt.Sprintf("mtl: %s: view [%d, %d) out of buffer bounds", op, v.BufferOffset, end))
		}
		putEntry(dst, b.mem.VA+uint64(start), 0, bufferMetadata(length, v.Stride))
	case v.Texture != nil:
		t := h.g.texture(op, v.Texture)
		if uav && t.mtlUsage&textureUsageShaderWrite == 0 {
			panic("mtl: " + op + ": texture lacks MTLTextureUsageShaderWrite")
		}
		putEntry(dst, 0, t.gpuResourceID(), 0)
	case v.AccelStruct != nil:
		if uav {
			panic("mtl: " + op + ": acceleration structures cannot be written as UAVs")
		}
		a := h.g.accelStruct(op, v.AccelStruct)
		putEntry(dst, a.mem.VA, 0, bufferMetadata(a.mem.Size, 0))
	default:
		panic("mtl: " + op + ": view has no resource")
	}
}

// WriteSRV implements driver.DescriptorHeap.
func (h *descHeap) WriteSRV(v *driver.ViewDesc) { h.writeView("WriteSRV", v, false) }

// WriteUAV implements driver.DescriptorHeap.
func (h *descHeap) WriteUAV(v *driver.ViewDesc) { h.writeView("WriteUAV", v, true) }

// WriteCBV implements driver.DescriptorHeap.
func (h *descHeap) WriteCBV(v *driver.ViewDesc) {
	const op = "WriteCBV"
	dst := h.entry(op, driver.HeapCBVSRVUAV, v.OffsetInHeap)
	if v.Buffer == nil {
		panic("mtl: " + op + ": view has no buffer")
	}
	b := h.g.buffer(op, v.Buffer)
	end := v.BufferEnd()
	if v.BufferOffset < 0 || end > b.size || end < v.BufferOffset {
		panic(fmt.Sprintf("mtl: %s: view [%d, %d) out of buffer bounds", op, v.BufferOffset, end))
	}
	putEntry(dst, b.mem.VA+uint64(v.BufferOffset), 0, bufferMetadata(end-v.BufferOffset, 0))
}

// WriteSampler implements driver.DescriptorHeap.
// It is IRDescriptorTableSetSampler with a LOD bias of
// zero.
func (h *descHeap) WriteSampler(s *driver.SamplerDesc) {
	dst := h.entry("WriteSampler", driver.HeapSampler, s.OffsetInHeap)
	putEntry(dst, 0, h.g.samplerState(*s), 0)
}

// Destroy implements driver.Destroyer.
func (h *descHeap) Destroy() {
	if h.g != nil && h.mem != nil {
		h.g.dev.Free(h.mem)
	}
	*h = descHeap{}
}

// decodeEntry resolves a resource table entry into the
// memory that it refers to.
func decodeEntry(dev *gpusim.Device, d []byte) (data []byte, stride int64, err error) {
	le := binary.LittleEndian
	va, id, meta := le.Uint64(d), le.Uint64(d[8:]), le.Uint64(d[16:])
	switch {
	case va == 0 && id == 0:
		// Null entry.
		return nil, 0, nil
	case id != 0:
		a, ok := dev.Lookup(id)
		if !ok {
			return nil, 0, dev.Fault(fmt.Errorf("mtl: no resource with gpuResourceID %#x", id))
		}
		return a.Data[:a.Size:a.Size], 0, nil
	}
	length := int64(uint32(meta))
	stride = int64(meta >> 32)
	if length == 0 {
		return []byte{}, stride, nil
	}
	data, err = dev.Resolve(va, length)
	return
}

// decodeSampler resolves a sampler table entry.
// Null entries decode to nil.
func (g *GPU) decodeSampler(d []byte) (*driver.SamplerDesc, error) {
	id := binary.LittleEndian.Uint64(d[8:])
	if id == 0 {
		return nil, nil
	}
	s, ok := g.sampler(id)
	if !ok {
		return nil, g.dev.Fault(fmt.Errorf("mtl: no sampler state with gpuResourceID %#x", id))
	}
	return &s, nil
}
