// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package gpusim

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gviegas/rhino/driver"
)

// Acceleration structure memory starts with a header:
//
//	magic  u32
//	count  u32
//	bounds 6 * f32
//
// Top-level structures follow it with one instance record
// per instance:
//
//	blas      u64
//	id        u32
//	mask      u32
//	transform 12 * f32
const (
	accelHeaderSize   = 32
	accelInstanceSize = 64

	blasMagic = 0x53414c42 // "BLAS"
	tlasMagic = 0x53414c54 // "TLAS"
)

// AccelSize returns the memory needed by an acceleration
// structure holding capacity triangles or instances.
func AccelSize(level driver.ASLevel, capacity int) int64 {
	if level == driver.TopLevel {
		return accelHeaderSize + int64(capacity)*accelInstanceSize
	}
	return accelHeaderSize
}

// Triangles describes triangle geometry in device memory.
type Triangles struct {
	Vertices    uint64
	Stride      int64
	VertexCount int
	// Zero if not indexed.
	Indices    uint64
	IndexCount int
}

// BuildBLAS builds a bottom-level structure at dst from
// tri and returns its bounds.
func (d *Device) BuildBLAS(dst uint64, tri *Triangles) (driver.AABB, error) {
	bounds := driver.EmptyAABB()
	if tri.VertexCount <= 0 {
		return bounds, d.Fault(fmt.Errorf("gpusim: BLAS with no vertices"))
	}
	if tri.Stride < 12 {
		return bounds, d.Fault(fmt.Errorf("gpusim: invalid vertex stride %d", tri.Stride))
	}
	vtx, err := d.Resolve(tri.Vertices, int64(tri.VertexCount-1)*tri.Stride+12)
	if err != nil {
		return bounds, err
	}
	add := func(v int) {
		var p [3]float32
		for k := range 3 {
			p[k] = math.Float32frombits(binary.LittleEndian.Uint32(vtx[int64(v)*tri.Stride+int64(k)*4:]))
		}
		bounds = bounds.Union(driver.AABB{Min: p, Max: p})
	}
	n := tri.VertexCount
	if tri.Indices != 0 {
		idx, err := d.Resolve(tri.Indices, int64(tri.IndexCount)*4)
		if err != nil {
			return bounds, err
		}
		for i := range tri.IndexCount {
			v := int(binary.LittleEndian.Uint32(idx[i*4:]))
			if v >= tri.VertexCount {
				return driver.EmptyAABB(), d.Fault(fmt.Errorf("gpusim: vertex index %d out of range", v))
			}
			add(v)
		}
		n = tri.IndexCount
	} else {
		for v := range tri.VertexCount {
			add(v)
		}
	}
	mem, err := d.Resolve(dst, accelHeaderSize)
	if err != nil {
		return driver.EmptyAABB(), err
	}
	putHeader(mem, blasMagic, n/3, bounds)
	return bounds, nil
}

// Instance is an instance record of a top-level
// structure.
type Instance struct {
	BLAS      uint64
	ID        uint32
	Mask      uint8
	Transform [12]float32
}

// BuildTLAS builds a top-level structure at dst from
// insts and returns its bounds.
func (d *Device) BuildTLAS(dst uint64, insts []Instance) (driver.AABB, error) {
	bounds := driver.EmptyAABB()
	mem, err := d.Resolve(dst, accelHeaderSize+int64(len(insts))*accelInstanceSize)
	if err != nil {
		return bounds, err
	}
	for i := range insts {
		magic, _, b, err := d.ReadAccel(insts[i].BLAS)
		if err != nil {
			return driver.EmptyAABB(), err
		}
		if magic != blasMagic {
			return driver.EmptyAABB(), d.Fault(fmt.Errorf("gpusim: instance %d does not refer to a BLAS", i))
		}
		di := driver.Instance{Transform: insts[i].Transform}
		bounds = bounds.Union(di.TransformAABB(b))
		rec := mem[accelHeaderSize+i*accelInstanceSize:]
		binary.LittleEndian.PutUint64(rec, insts[i].BLAS)
		binary.LittleEndian.PutUint32(rec[8:], insts[i].ID)
		binary.LittleEndian.PutUint32(rec[12:], uint32(insts[i].Mask))
		for k, f := range insts[i].Transform {
			binary.LittleEndian.PutUint32(rec[16+k*4:], math.Float32bits(f))
		}
	}
	putHeader(mem, tlasMagic, len(insts), bounds)
	return bounds, nil
}

// ReadAccel reads the header of the acceleration structure
// at va.
func (d *Device) ReadAccel(va uint64) (magic uint32, count int, bounds driver.AABB, err error) {
	mem, err := d.Resolve(va, accelHeaderSize)
	if err != nil {
		return 0, 0, driver.EmptyAABB(), err
	}
	magic = binary.LittleEndian.Uint32(mem)
	count = int(binary.LittleEndian.Uint32(mem[4:]))
	for k := range 3 {
		bounds.Min[k] = math.Float32frombits(binary.LittleEndian.Uint32(mem[8+k*4:]))
		bounds.Max[k] = math.Float32frombits(binary.LittleEndian.Uint32(mem[20+k*4:]))
	}
	if magic != blasMagic && magic != tlasMagic {
		return magic, 0, driver.EmptyAABB(), d.Fault(fmt.Errorf("gpusim: no acceleration structure at %#x", va))
	}
	return
}

func putHeader(mem []byte, magic uint32, count int, b driver.AABB) {
	binary.LittleEndian.PutUint32(mem, magic)
	binary.LittleEndian.PutUint32(mem[4:], uint32(count))
	for k := range 3 {
		binary.LittleEndian.PutUint32(mem[8+k*4:], math.Float32bits(b.Min[k]))
		binary.LittleEndian.PutUint32(mem[20+k*4:], math.Float32bits(b.Max[k]))
	}
}
