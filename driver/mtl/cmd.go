// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package mtl

import (
	"encoding/binary"
	"fmt"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
	"github.com/gviegas/rhino/internal/hal"
)

// kIRArgumentBufferBindPoint.
const irArgumentBufferBindPoint = 2

// opcode identifies an encoder method.
type opcode int

const (
	opSetComputePipelineState opcode = iota
	opSetBuffer
	opDispatchThreadgroups
	opDispatchRays
	opCopyFromBuffer
	opBuildAccelerationStructure
)

// command is a recorded command.
type command struct {
	op opcode

	pso   *computePSO
	rtPSO *rtPSO

	// setBuffer:offset:atIndex:.
	index int
	va    uint64

	groups [3]int
	rays   *raysDesc

	// copyFromBuffer:sourceOffset:toBuffer:destinationOffset:size:.
	dst, src uint64
	size     int64

	accel *accelStruct
	tri   *gpusim.Triangles
	insts []gpusim.Instance
}

// raysDesc is an IRDispatchRaysDescriptor.
type raysDesc struct {
	rayGen   uint64
	miss     tableRange
	hitGroup tableRange
	size     [3]int
}

// tableRange is an IRVirtualAddressRangeAndStride.
type tableRange struct {
	start  uint64
	size   int64
	stride int64
}

// cmdBuffer implements driver.CmdList.
// It is a MTLCommandBuffer and its encoders.
type cmdBuffer struct {
	g    *GPU
	rec  hal.Recorder
	cmds []command

	rs *rootSignature
	// Top-level argument buffers, sub-allocated from
	// pages that live until Reset.
	tlabs []*gpusim.Allocation
	off   int64
	err   error
}

// NewCmdList creates a new command buffer.
func (g *GPU) NewCmdList(q driver.QueueType) (driver.CmdList, error) {
	if q < driver.QueueDirect || q > driver.QueueCopy {
		return nil, fmt.Errorf("%w: unknown queue type %d", driver.ErrResourceCreation, int(q))
	}
	cb := &cmdBuffer{g: g}
	cb.rec.Init("mtl", q)
	return cb, nil
}

// State implements driver.CmdList.
func (cb *cmdBuffer) State() driver.CmdListState { return cb.rec.State() }

// SetComputePSO implements driver.CmdList.
func (cb *cmdBuffer) SetComputePSO(pso driver.ComputePSO) {
	p, ok := pso.(*computePSO)
	if !ok || p.g != cb.g {
		panic("mtl: SetComputePSO: pipeline not created by this GPU")
	}
	cb.rec.SetPipeline("SetComputePSO", false, p.rs.layout.Len())
	cb.rs = p.rs
	cb.cmds = append(cb.cmds, command{op: opSetComputePipelineState, pso: p})
}

// SetRTPSO implements driver.CmdList.
func (cb *cmdBuffer) SetRTPSO(pso driver.RTPSO) {
	p, ok := pso.(*rtPSO)
	if !ok || p.g != cb.g {
		panic("mtl: SetRTPSO: pipeline not created by this GPU")
	}
	cb.rec.SetPipeline("SetRTPSO", true, p.rs.layout.Len())
	cb.rs = p.rs
	cb.cmds = append(cb.cmds, command{op: opSetComputePipelineState, rtPSO: p})
}

func (cb *cmdBuffer) heap(h driver.DescriptorHeap, typ driver.DescriptorHeapType) *descHeap {
	if h == nil {
		return nil
	}
	x, ok := h.(*descHeap)
	if !ok || x.g != cb.g {
		panic("mtl: SetHeap: heap not created by this GPU")
	}
	if x.typ != typ {
		panic(fmt.Sprintf("mtl: SetHeap: %s heap given where %s heap is expected", x.typ, typ))
	}
	return x
}

// allocTLAB sub-allocates a top-level argument buffer.
func (cb *cmdBuffer) allocTLAB(size int64) (uint64, []byte, error) {
	if n := len(cb.tlabs); n == 0 || cb.off+size > cb.tlabs[n-1].Size {
		m, err := cb.g.dev.Alloc(max(size, gpusim.PageSize), rootParameterSize)
		if err != nil {
			return 0, nil, err
		}
		cb.tlabs = append(cb.tlabs, m)
		cb.off = 0
	}
	m := cb.tlabs[len(cb.tlabs)-1]
	va, b := m.VA+uint64(cb.off), m.Data[cb.off:cb.off+size]
	cb.off += size
	return va, b, nil
}

// SetHeap implements driver.CmdList.
// Every entry of a new top-level argument buffer is set to
// the address of the heap that backs its parameter, and the
// buffer is bound at the argument buffer bind point.
func (cb *cmdBuffer) SetHeap(cbvSrvUav, samplers driver.DescriptorHeap) {
	const op = "SetHeap"
	cb.rec.SetHeap(op)
	res := cb.heap(cbvSrvUav, driver.HeapCBVSRVUAV)
	smp := cb.heap(samplers, driver.HeapSampler)
	n := cb.rs.layout.Len()
	if n == 0 {
		return
	}
	for i := range n {
		if (cb.rs.layout.IsSampler(i) && smp == nil) || (!cb.rs.layout.IsSampler(i) && res == nil) {
			panic(fmt.Sprintf("mtl: %s: no heap for root parameter %d", op, i))
		}
	}
	va, tlab, err := cb.allocTLAB(cb.rs.tlabSize)
	if err != nil {
		if cb.err == nil {
			cb.err = fmt.Errorf("%w: top-level argument buffer: %w", driver.ErrNoDeviceMemory, err)
		}
		return
	}
	for i := range n {
		h := res
		if cb.rs.layout.IsSampler(i) {
			h = smp
		}
		binary.LittleEndian.PutUint64(tlab[i*rootParameterSize:], h.gpuAddress())
	}
	cb.cmds = append(cb.cmds, command{op: opSetBuffer, index: irArgumentBufferBindPoint, va: va})
}

// Dispatch implements driver.CmdList.
// It is dispatchThreadgroups:threadsPerThreadgroup:.
func (cb *cmdBuffer) Dispatch(grpCountX, grpCountY, grpCountZ int) {
	cb.rec.Dispatch("Dispatch", false)
	for _, n := range [3]int{grpCountX, grpCountY, grpCountZ} {
		if n < 0 || n > maxThreadgroups {
			panic(fmt.Sprintf("mtl: Dispatch: invalid threadgroup count %d", n))
		}
	}
	cb.cmds = append(cb.cmds, command{op: opDispatchThreadgroups, groups: [3]int{grpCountX, grpCountY, grpCountZ}})
}

func (cb *cmdBuffer) tableRange(op string, r *driver.ShaderTableRegion) tableRange {
	if r.Buffer == nil || r.Size == 0 {
		return tableRange{}
	}
	b := cb.g.buffer(op, r.Buffer)
	if r.Offset < 0 || r.Size < 0 || r.Offset+r.Size > b.size || r.Offset%shaderRecordStride != 0 {
		panic(fmt.Sprintf("mtl: %s: invalid shader table range [%d, %d)", op, r.Offset, r.Offset+r.Size))
	}
	stride := r.Stride
	if stride == 0 {
		stride = shaderRecordStride
	}
	return tableRange{b.mem.VA + uint64(r.Offset), r.Size, stride}
}

// DispatchRays implements driver.CmdList.
func (cb *cmdBuffer) DispatchRays(desc *driver.DispatchRaysDesc) {
	const op = "DispatchRays"
	cb.rec.Dispatch(op, true)
	rg := cb.tableRange(op, &desc.RayGen)
	if rg.start == 0 {
		panic("mtl: " + op + ": missing ray generation record")
	}
	cb.cmds = append(cb.cmds, command{op: opDispatchRays, rays: &raysDesc{
		rayGen:   rg.start,
		miss:     cb.tableRange(op, &desc.Miss),
		hitGroup: cb.tableRange(op, &desc.HitGroup),
		size:     [3]int{desc.Width, max(1, desc.Height), max(1, desc.Depth)},
	}})
}

// CopyBuffer implements driver.CmdList.
// It is encoded by a MTLBlitCommandEncoder.
func (cb *cmdBuffer) CopyBuffer(src, dst driver.Buffer, srcOff, dstOff, size int64) {
	const op = "CopyBuffer"
	cb.rec.Begin(op)
	s, d := cb.g.buffer(op, src), cb.g.buffer(op, dst)
	if srcOff < 0 || dstOff < 0 || size < 0 || srcOff+size > s.size || dstOff+size > d.size {
		panic(fmt.Sprintf("mtl: %s: copy of %d bytes out of buffer bounds", op, size))
	}
	cb.cmds = append(cb.cmds, command{
		op:   opCopyFromBuffer,
		dst:  d.mem.VA + uint64(dstOff),
		src:  s.mem.VA + uint64(srcOff),
		size: size,
	})
}

// BuildBLAS implements driver.CmdList.
// It is encoded by a MTLAccelerationStructureCommandEncoder.
func (cb *cmdBuffer) BuildBLAS(b *driver.BLASBuild) {
	const op = "BuildBLAS"
	cb.rec.Work(op)
	dst := cb.g.accelStruct(op, b.Dst)
	if dst.level != driver.BottomLevel {
		panic("mtl: " + op + ": destination is not bottom level")
	}
	// MTLAccelerationStructureTriangleGeometryDescriptor.
	tri := &gpusim.Triangles{
		Vertices:    cb.g.buffer(op, b.Vertices).mem.VA + uint64(b.VertexOffset),
		Stride:      b.VertexStride,
		VertexCount: b.VertexCount,
	}
	n := b.VertexCount
	if b.Indices != nil {
		tri.Indices = cb.g.buffer(op, b.Indices).mem.VA + uint64(b.IndexOffset)
		tri.IndexCount = b.IndexCount
		n = b.IndexCount
	}
	if n/3 > dst.cap {
		panic(fmt.Sprintf("mtl: %s: %d triangles exceed capacity %d", op, n/3, dst.cap))
	}
	cb.cmds = append(cb.cmds, command{op: opBuildAccelerationStructure, accel: dst, tri: tri})
}

// BuildTLAS implements driver.CmdList.
func (cb *cmdBuffer) BuildTLAS(b *driver.TLASBuild) {
	const op = "BuildTLAS"
	cb.rec.Work(op)
	dst := cb.g.accelStruct(op, b.Dst)
	if dst.level != driver.TopLevel {
		panic("mtl: " + op + ": destination is not top level")
	}
	if len(b.Instances) > dst.cap {
		panic(fmt.Sprintf("mtl: %s: %d instances exceed capacity %d", op, len(b.Instances), dst.cap))
	}
	// MTLAccelerationStructureInstanceDescriptor.
	insts := make([]gpusim.Instance, len(b.Instances))
	for i := range b.Instances {
		blas := cb.g.accelStruct(op, b.Instances[i].BLAS)
		if blas.level != driver.BottomLevel {
			panic(fmt.Sprintf("mtl: %s: instance %d is not bottom level", op, i))
		}
		insts[i] = gpusim.Instance{
			BLAS:      blas.mem.VA,
			ID:        b.Instances[i].ID,
			Mask:      b.Instances[i].Mask,
			Transform: b.Instances[i].Transform,
		}
	}
	cb.cmds = append(cb.cmds, command{op: opBuildAccelerationStructure, accel: dst, insts: insts})
}

// Close implements driver.CmdList.
// It is endEncoding on the open encoder.
// It fails if a top-level argument buffer could not be
// allocated while recording.
func (cb *cmdBuffer) Close() error {
	if err := cb.rec.Close(); err != nil {
		return err
	}
	return cb.err
}

// Reset implements driver.CmdList.
// Metal command buffers are not reusable, so this starts a
// new one.
func (cb *cmdBuffer) Reset() error {
	if err := cb.rec.Reset(); err != nil {
		return err
	}
	clear(cb.cmds)
	cb.cmds = cb.cmds[:0]
	cb.rs = nil
	cb.freeTLABs()
	cb.err = nil
	return nil
}

func (cb *cmdBuffer) freeTLABs() {
	for _, m := range cb.tlabs {
		cb.g.dev.Free(m)
	}
	cb.tlabs = cb.tlabs[:0]
	cb.off = 0
}

// Destroy implements driver.Destroyer.
func (cb *cmdBuffer) Destroy() {
	if cb.g != nil {
		cb.freeTLABs()
	}
	*cb = cmdBuffer{}
}

// execState is the state of command buffer execution.
type execState struct {
	g     *GPU
	pso   *computePSO
	rtPSO *rtPSO
	tlab  uint64
}

// execute runs the recorded commands on the device.
func (cb *cmdBuffer) execute() error {
	if cb.err != nil {
		return cb.err
	}
	dev := cb.g.dev
	st := execState{g: cb.g}
	for i := range cb.cmds {
		c := &cb.cmds[i]
		switch c.op {
		case opSetComputePipelineState:
			st.pso, st.rtPSO = c.pso, c.rtPSO
		case opSetBuffer:
			if c.index == irArgumentBufferBindPoint {
				st.tlab = c.va
			}
		case opDispatchThreadgroups:
			if c.groups[0]*c.groups[1]*c.groups[2] == 0 {
				continue
			}
			binds, err := st.bindings(dev, st.pso.rs)
			if err != nil {
				return err
			}
			if err := dev.Run(&gpusim.Invocation{Entry: st.pso.entry, Groups: c.groups, Bindings: binds}); err != nil {
				return err
			}
		case opDispatchRays:
			if err := st.dispatchRays(dev, c.rays); err != nil {
				return err
			}
		case opCopyFromBuffer:
			if c.size == 0 {
				continue
			}
			src, err := dev.Resolve(c.src, c.size)
			if err != nil {
				return err
			}
			dst, err := dev.Resolve(c.dst, c.size)
			if err != nil {
				return err
			}
			copy(dst, src)
		case opBuildAccelerationStructure:
			var b driver.AABB
			var err error
			if c.tri != nil {
				b, err = dev.BuildBLAS(c.accel.mem.VA, c.tri)
			} else {
				b, err = dev.BuildTLAS(c.accel.mem.VA, c.insts)
			}
			if err != nil {
				return err
			}
			c.accel.setBounds(b)
		}
	}
	return nil
}

// bindings reads the bound top-level argument buffer and
// resolves every table entry that rs declares.
func (st *execState) bindings(dev *gpusim.Device, rs *rootSignature) ([]gpusim.Binding, error) {
	if rs.tlabSize == 0 {
		return nil, nil
	}
	if st.tlab == 0 {
		return nil, dev.Fault(fmt.Errorf("mtl: no top-level argument buffer bound"))
	}
	tlab, err := dev.Resolve(st.tlab, rs.tlabSize)
	if err != nil {
		return nil, err
	}
	var binds []gpusim.Binding
	for i, p := range rs.ir.parameters {
		table := binary.LittleEndian.Uint64(tlab[i*rootParameterSize:])
		for r, x := range p.ranges {
			typ := rs.layout.Ranges(i)[r].Type
			for k := range x.numDescriptors {
				slot := uint64(x.offsetInDescriptorsFromTableStart + k)
				d, err := dev.Resolve(table+slot*entrySize, entrySize)
				if err != nil {
					return nil, err
				}
				b := gpusim.Binding{
					Space:    int(x.registerSpace),
					Register: int(x.baseShaderRegister + k),
					Type:     typ,
				}
				if typ == driver.Sampler {
					b.Sampler, err = st.g.decodeSampler(d)
				} else {
					b.Data, b.Stride, err = decodeEntry(dev, d)
				}
				if err != nil {
					return nil, err
				}
				binds = append(binds, b)
			}
		}
	}
	return binds, nil
}

func (st *execState) dispatchRays(dev *gpusim.Device, r *raysDesc) error {
	rg, err := dev.ReadTable(r.rayGen, shaderRecordStride, 1)
	if err != nil {
		return err
	}
	if rg[0].General == "" {
		return dev.Fault(fmt.Errorf("mtl: ray generation record holds a hit group"))
	}
	launch := &gpusim.RayLaunch{}
	if launch.Miss, err = dev.ReadTable(r.miss.start, r.miss.stride, int(r.miss.size/max(1, r.miss.stride))); err != nil {
		return err
	}
	if launch.HitGroups, err = dev.ReadTable(r.hitGroup.start, r.hitGroup.stride, int(r.hitGroup.size/max(1, r.hitGroup.stride))); err != nil {
		return err
	}
	binds, err := st.bindings(dev, st.rtPSO.rs)
	if err != nil {
		return err
	}
	return dev.Run(&gpusim.Invocation{
		Entry:    rg[0].General,
		Groups:   r.size,
		Bindings: binds,
		Rays:     launch,
	})
}
