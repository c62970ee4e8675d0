// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"github.com/go-gl/mathgl/mgl32"
)

// ViewDesc describes a resource view to be written into a
// descriptor heap slot.
// Exactly one of Buffer, Texture and AccelStruct must be
// set.
type ViewDesc struct {
	// Destination slot in the heap.
	OffsetInHeap int

	Buffer Buffer
	// Start of the view, in bytes.
	BufferOffset int64
	// End of the view, in bytes, measured from the start
	// of the buffer. Zero means the whole buffer.
	Size int64
	// Element stride of structured views, in bytes.
	// Zero means a raw (byte address) view.
	Stride int64

	// Texture views always cover every mip level.
	Texture Texture

	// Only valid for SRVs.
	AccelStruct AccelStruct
}

// BufferEnd returns the end of v's byte range, resolving
// a zero Size to the size of the buffer.
func (v *ViewDesc) BufferEnd() int64 {
	if v.Size == 0 && v.Buffer != nil {
		return v.Buffer.Size()
	}
	return v.Size
}

// RawViewAlignment is the alignment in bytes of the start
// and end of raw buffer views.
const RawViewAlignment = 4

// RawAligned returns whether the byte range of v starts
// and ends on RawViewAlignment boundaries.
func (v *ViewDesc) RawAligned() bool {
	return v.BufferOffset%RawViewAlignment == 0 && v.BufferEnd()%RawViewAlignment == 0
}

// BufferElements returns the number of elements of a
// buffer view.
// Structured views have Size/Stride - BufferOffset/Stride
// elements. Raw views report their length in bytes.
func BufferElements(v *ViewDesc) int64 {
	end := v.BufferEnd()
	if v.Stride == 0 {
		return end - v.BufferOffset
	}
	return end/v.Stride - v.BufferOffset/v.Stride
}

// Filter is the type of sampler filters.
type Filter int

// Filters.
const (
	FNearest Filter = iota
	FLinear
)

// AddrMode is the type of sampler address modes.
type AddrMode int

// Address modes.
const (
	AWrap AddrMode = iota
	AMirror
	AClamp
)

// CmpFunc is the type of comparison functions.
type CmpFunc int

// Comparison functions.
const (
	CNever CmpFunc = iota
	CLess
	CEqual
	CLessEqual
	CGreater
	CNotEqual
	CGreaterEqual
	CAlways
)

// SamplerDesc describes a sampler to be written into a
// sampler heap slot.
type SamplerDesc struct {
	OffsetInHeap int
	Min          Filter
	Mag          Filter
	Mipmap       Filter
	AddrU        AddrMode
	AddrV        AddrMode
	AddrW        AddrMode
	MaxAniso     int
	// Cmp is only used if Compare is set.
	Compare bool
	Cmp     CmpFunc
	MinLOD  float32
	MaxLOD  float32
}

// ASLevel is the level of an acceleration structure.
type ASLevel int

// Acceleration structure levels.
const (
	BottomLevel ASLevel = iota
	TopLevel
)

// AccelStructDesc describes an acceleration structure.
type AccelStructDesc struct {
	Level ASLevel
	// Maximum number of triangles (BottomLevel) or
	// instances (TopLevel).
	Capacity int
}

// AABB is an axis-aligned bounding box.
type AABB struct {
	Min [3]float32
	Max [3]float32
}

// Empty returns whether b contains no point.
func (b AABB) Empty() bool {
	return b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] || b.Min[2] > b.Max[2]
}

// Union returns the smallest AABB that contains both b
// and c.
func (b AABB) Union(c AABB) AABB {
	if b.Empty() {
		return c
	}
	if c.Empty() {
		return b
	}
	for i := range 3 {
		b.Min[i] = min(b.Min[i], c.Min[i])
		b.Max[i] = max(b.Max[i], c.Max[i])
	}
	return b
}

// EmptyAABB returns an AABB that contains no point.
func EmptyAABB() AABB {
	return AABB{
		Min: [3]float32{1, 1, 1},
		Max: [3]float32{-1, -1, -1},
	}
}

// AccelStruct is the interface that defines a ray tracing
// acceleration structure.
type AccelStruct interface {
	Destroyer

	// Level returns whether the acceleration structure is
	// bottom level or top level.
	Level() ASLevel

	// Bounds returns the bounding box of the built
	// geometry. It is empty until a build completes.
	Bounds() AABB

	// GPUAddress returns the device address of the
	// acceleration structure.
	GPUAddress() uint64
}

// BLASBuild describes the build of a bottom-level
// acceleration structure from triangle geometry.
// Vertex positions are three float32 values.
type BLASBuild struct {
	Dst          AccelStruct
	Vertices     Buffer
	VertexOffset int64
	VertexStride int64
	VertexCount  int
	// Indices is optional. Indices are uint32.
	Indices     Buffer
	IndexOffset int64
	IndexCount  int
}

// Instance is a bottom-level acceleration structure
// placed in a top-level one.
type Instance struct {
	BLAS AccelStruct
	// Row-major 3x4 affine transform.
	Transform [12]float32
	ID        uint32
	Mask      uint8
}

// TransformAABB returns the bounding box of b after the
// instance's transform is applied to it.
func (i *Instance) TransformAABB(b AABB) AABB {
	if b.Empty() {
		return b
	}
	t := &i.Transform
	m := mgl32.Mat3x4FromRows(
		mgl32.Vec4{t[0], t[1], t[2], t[3]},
		mgl32.Vec4{t[4], t[5], t[6], t[7]},
		mgl32.Vec4{t[8], t[9], t[10], t[11]},
	)
	out := EmptyAABB()
	for c := range 8 {
		var p mgl32.Vec3
		for k := range 3 {
			if c&(1<<k) != 0 {
				p[k] = b.Max[k]
			} else {
				p[k] = b.Min[k]
			}
		}
		q := m.Mul4x1(p.Vec4(1))
		out = out.Union(AABB{Min: q, Max: q})
	}
	return out
}

// TLASBuild describes the build of a top-level
// acceleration structure.
type TLASBuild struct {
	Dst       AccelStruct
	Instances []Instance
}

// DispatchRaysDesc describes a ray dispatch.
// Each table is a region of a buffer holding shader
// records written with RTPSO.WriteShaderTable.
type DispatchRaysDesc struct {
	RayGen   ShaderTableRegion
	Miss     ShaderTableRegion
	HitGroup ShaderTableRegion
	Width    int
	Height   int
	Depth    int
}

// ShaderTableRegion identifies a range of shader records.
type ShaderTableRegion struct {
	Buffer Buffer
	Offset int64
	Size   int64
	Stride int64
}
