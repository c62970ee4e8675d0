// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package d3d12

import (
	"fmt"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
	"github.com/gviegas/rhino/internal/hal"
)

// D3D12_CS_DISPATCH_MAX_THREAD_GROUPS_PER_DIMENSION.
const maxDispatch = 65535

// opcode identifies an ID3D12GraphicsCommandList method.
type opcode int

const (
	opSetComputeRootSignature opcode = iota
	opSetPipelineState
	opSetPipelineState1
	opSetDescriptorHeaps
	opSetComputeRootDescriptorTable
	opDispatch
	opDispatchRays
	opCopyBufferRegion
	opBuildRaytracingAccelerationStructure
)

// command is a recorded command.
type command struct {
	op opcode

	rs    *rootSignature
	pso   *computePSO
	rtPSO *rtPSO
	heaps [2]*descHeap

	// SetComputeRootDescriptorTable.
	param  int
	handle uint64

	groups [3]int
	rays   *raysDesc

	// CopyBufferRegion.
	dst, src uint64
	size     int64

	accel *accelStruct
	tri   *gpusim.Triangles
	insts []gpusim.Instance
}

// raysDesc is a D3D12_DISPATCH_RAYS_DESC.
type raysDesc struct {
	rayGen   uint64
	miss     tableRange
	hitGroup tableRange
	size     [3]int
}

// tableRange is a D3D12_GPU_VIRTUAL_ADDRESS_RANGE_AND_STRIDE.
type tableRange struct {
	start  uint64
	size   int64
	stride int64
}

// cmdList implements driver.CmdList.
type cmdList struct {
	g    *GPU
	rec  hal.Recorder
	cmds []command

	rs *rootSignature
}

// NewCmdList creates a new command list.
func (g *GPU) NewCmdList(q driver.QueueType) (driver.CmdList, error) {
	if q < driver.QueueDirect || q > driver.QueueCopy {
		return nil, fmt.Errorf("%w: unknown queue type %d", driver.ErrResourceCreation, int(q))
	}
	cl := &cmdList{g: g}
	cl.rec.Init("d3d12", q)
	return cl, nil
}

// State implements driver.CmdList.
func (cl *cmdList) State() driver.CmdListState { return cl.rec.State() }

// SetComputePSO implements driver.CmdList.
func (cl *cmdList) SetComputePSO(pso driver.ComputePSO) {
	p, ok := pso.(*computePSO)
	if !ok || p.g != cl.g {
		panic("d3d12: SetComputePSO: pipeline not created by this GPU")
	}
	cl.rec.SetPipeline("SetComputePSO", false, p.rs.layout.Len())
	cl.rs = p.rs
	cl.cmds = append(cl.cmds,
		command{op: opSetComputeRootSignature, rs: p.rs},
		command{op: opSetPipelineState, pso: p})
}

// SetRTPSO implements driver.CmdList.
func (cl *cmdList) SetRTPSO(pso driver.RTPSO) {
	p, ok := pso.(*rtPSO)
	if !ok || p.g != cl.g {
		panic("d3d12: SetRTPSO: pipeline not created by this GPU")
	}
	cl.rec.SetPipeline("SetRTPSO", true, p.rs.layout.Len())
	cl.rs = p.rs
	cl.cmds = append(cl.cmds,
		command{op: opSetComputeRootSignature, rs: p.rs},
		command{op: opSetPipelineState1, rtPSO: p})
}

// heap returns h as a shader-visible heap of type typ.
func (cl *cmdList) heap(h driver.DescriptorHeap, typ driver.DescriptorHeapType) *descHeap {
	if h == nil {
		return nil
	}
	x, ok := h.(*descHeap)
	if !ok || x.g != cl.g {
		panic("d3d12: SetHeap: heap not created by this GPU")
	}
	if x.typ != typ {
		panic(fmt.Sprintf("d3d12: SetHeap: %s heap given where %s heap is expected", x.typ, typ))
	}
	return x
}

// SetHeap implements driver.CmdList.
func (cl *cmdList) SetHeap(cbvSrvUav, samplers driver.DescriptorHeap) {
	cl.rec.SetHeap("SetHeap")
	res := cl.heap(cbvSrvUav, driver.HeapCBVSRVUAV)
	smp := cl.heap(samplers, driver.HeapSampler)
	cl.cmds = append(cl.cmds, command{op: opSetDescriptorHeaps, heaps: [2]*descHeap{res, smp}})
	// Every table starts at the start of its heap.
	for i := range cl.rs.native.Parameters {
		h := res
		if cl.rs.layout.IsSampler(i) {
			h = smp
		}
		if h == nil {
			panic(fmt.Sprintf("d3d12: SetHeap: no heap for root parameter %d", i))
		}
		cl.cmds = append(cl.cmds, command{
			op:     opSetComputeRootDescriptorTable,
			param:  i,
			handle: h.gpuStart(),
		})
	}
}

// Dispatch implements driver.CmdList.
func (cl *cmdList) Dispatch(grpCountX, grpCountY, grpCountZ int) {
	cl.rec.Dispatch("Dispatch", false)
	for _, n := range [3]int{grpCountX, grpCountY, grpCountZ} {
		if n < 0 || n > maxDispatch {
			panic(fmt.Sprintf("d3d12: Dispatch: invalid group count %d", n))
		}
	}
	cl.cmds = append(cl.cmds, command{op: opDispatch, groups: [3]int{grpCountX, grpCountY, grpCountZ}})
}

func (cl *cmdList) tableRange(op string, r *driver.ShaderTableRegion) tableRange {
	if r.Buffer == nil || r.Size == 0 {
		return tableRange{}
	}
	b := cl.g.buffer(op, r.Buffer)
	if r.Offset < 0 || r.Size < 0 || r.Offset+r.Size > b.size || r.Offset%shaderTableAlignment != 0 {
		panic(fmt.Sprintf("d3d12: %s: invalid shader table range [%d, %d)", op, r.Offset, r.Offset+r.Size))
	}
	stride := r.Stride
	if stride == 0 {
		stride = shaderTableAlignment
	}
	return tableRange{b.alloc.VA + uint64(r.Offset), r.Size, stride}
}

// DispatchRays implements driver.CmdList.
func (cl *cmdList) DispatchRays(desc *driver.DispatchRaysDesc) {
	const op = "DispatchRays"
	cl.rec.Dispatch(op, true)
	rg := cl.tableRange(op, &desc.RayGen)
	if rg.start == 0 {
		panic("d3d12: " + op + ": missing ray generation record")
	}
	cl.cmds = append(cl.cmds, command{op: opDispatchRays, rays: &raysDesc{
		rayGen:   rg.start,
		miss:     cl.tableRange(op, &desc.Miss),
		hitGroup: cl.tableRange(op, &desc.HitGroup),
		size:     [3]int{desc.Width, max(1, desc.Height), max(1, desc.Depth)},
	}})
}

// CopyBuffer implements driver.CmdList.
func (cl *cmdList) CopyBuffer(src, dst driver.Buffer, srcOff, dstOff, size int64) {
	const op = "CopyBuffer"
	cl.rec.Begin(op)
	s, d := cl.g.buffer(op, src), cl.g.buffer(op, dst)
	if srcOff < 0 || dstOff < 0 || size < 0 || srcOff+size > s.size || dstOff+size > d.size {
		panic(fmt.Sprintf("d3d12: %s: copy of %d bytes out of buffer bounds", op, size))
	}
	cl.cmds = append(cl.cmds, command{
		op:   opCopyBufferRegion,
		dst:  d.alloc.VA + uint64(dstOff),
		src:  s.alloc.VA + uint64(srcOff),
		size: size,
	})
}

// BuildBLAS implements driver.CmdList.
func (cl *cmdList) BuildBLAS(b *driver.BLASBuild) {
	const op = "BuildBLAS"
	cl.rec.Work(op)
	dst := cl.g.accelStruct(op, b.Dst)
	if dst.level != driver.BottomLevel {
		panic("d3d12: " + op + ": destination is not bottom level")
	}
	vb := cl.g.buffer(op, b.Vertices)
	tri := &gpusim.Triangles{
		Vertices:    vb.alloc.VA + uint64(b.VertexOffset),
		Stride:      b.VertexStride,
		VertexCount: b.VertexCount,
	}
	n := b.VertexCount
	if b.Indices != nil {
		ib := cl.g.buffer(op, b.Indices)
		tri.Indices = ib.alloc.VA + uint64(b.IndexOffset)
		tri.IndexCount = b.IndexCount
		n = b.IndexCount
	}
	if n/3 > dst.cap {
		panic(fmt.Sprintf("d3d12: %s: %d triangles exceed capacity %d", op, n/3, dst.cap))
	}
	cl.cmds = append(cl.cmds, command{op: opBuildRaytracingAccelerationStructure, accel: dst, tri: tri})
}

// BuildTLAS implements driver.CmdList.
func (cl *cmdList) BuildTLAS(b *driver.TLASBuild) {
	const op = "BuildTLAS"
	cl.rec.Work(op)
	dst := cl.g.accelStruct(op, b.Dst)
	if dst.level != driver.TopLevel {
		panic("d3d12: " + op + ": destination is not top level")
	}
	if len(b.Instances) > dst.cap {
		panic(fmt.Sprintf("d3d12: %s: %d instances exceed capacity %d", op, len(b.Instances), dst.cap))
	}
	// D3D12_RAYTRACING_INSTANCE_DESC.
	insts := make([]gpusim.Instance, len(b.Instances))
	for i := range b.Instances {
		blas := cl.g.accelStruct(op, b.Instances[i].BLAS)
		if blas.level != driver.BottomLevel {
			panic(fmt.Sprintf("d3d12: %s: instance %d is not bottom level", op, i))
		}
		insts[i] = gpusim.Instance{
			BLAS:      blas.alloc.VA,
			ID:        b.Instances[i].ID,
			Mask:      b.Instances[i].Mask,
			Transform: b.Instances[i].Transform,
		}
	}
	cl.cmds = append(cl.cmds, command{op: opBuildRaytracingAccelerationStructure, accel: dst, insts: insts})
}

// Close implements driver.CmdList.
func (cl *cmdList) Close() error { return cl.rec.Close() }

// Reset implements driver.CmdList.
func (cl *cmdList) Reset() error {
	if err := cl.rec.Reset(); err != nil {
		return err
	}
	clear(cl.cmds)
	cl.cmds = cl.cmds[:0]
	cl.rs = nil
	return nil
}

// Destroy implements driver.Destroyer.
func (cl *cmdList) Destroy() { *cl = cmdList{} }

// execState is the state of command list execution.
type execState struct {
	rs     *rootSignature
	pso    *computePSO
	rtPSO  *rtPSO
	heaps  [2]*descHeap
	tables []uint64
}

// execute runs the recorded commands on the device.
func (cl *cmdList) execute() error {
	dev := cl.g.dev
	var st execState
	for i := range cl.cmds {
		c := &cl.cmds[i]
		switch c.op {
		case opSetComputeRootSignature:
			st.rs = c.rs
			st.tables = make([]uint64, len(c.rs.native.Parameters))
		case opSetPipelineState:
			st.pso, st.rtPSO = c.pso, nil
		case opSetPipelineState1:
			st.pso, st.rtPSO = nil, c.rtPSO
		case opSetDescriptorHeaps:
			st.heaps = c.heaps
		case opSetComputeRootDescriptorTable:
			st.tables[c.param] = c.handle
		case opDispatch:
			if c.groups[0]*c.groups[1]*c.groups[2] == 0 {
				continue
			}
			binds, err := st.bindings(dev)
			if err != nil {
				return err
			}
			inv := &gpusim.Invocation{Entry: st.pso.entry, Groups: c.groups, Bindings: binds}
			if err := dev.Run(inv); err != nil {
				return err
			}
		case opDispatchRays:
			if err := st.dispatchRays(dev, c.rays); err != nil {
				return err
			}
		case opCopyBufferRegion:
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
		case opBuildRaytracingAccelerationStructure:
			var b driver.AABB
			var err error
			if c.tri != nil {
				b, err = dev.BuildBLAS(c.accel.alloc.VA, c.tri)
			} else {
				b, err = dev.BuildTLAS(c.accel.alloc.VA, c.insts)
			}
			if err != nil {
				return err
			}
			c.accel.setBounds(b)
		}
	}
	return nil
}

// bindings resolves every descriptor that the root
// signature declares, reading the bound descriptor tables.
func (st *execState) bindings(dev *gpusim.Device) ([]gpusim.Binding, error) {
	var binds []gpusim.Binding
	for i, p := range st.rs.native.Parameters {
		table := st.tables[i]
		if table == 0 {
			return nil, dev.Fault(fmt.Errorf("d3d12: root parameter %d: no descriptor table set", i))
		}
		for _, r := range p.Ranges {
			stride := uint64(strideCBVSRVUAV)
			if r.RangeType == RangeTypeSampler {
				stride = strideSampler
			}
			typ := rangeType(r.RangeType)
			for k := range r.NumDescriptors {
				slot := uint64(r.OffsetInDescriptorsFromTableStart + k)
				d, err := dev.Resolve(table+slot*stride, int64(stride))
				if err != nil {
					return nil, err
				}
				b := gpusim.Binding{
					Space:    int(r.RegisterSpace),
					Register: int(r.BaseShaderRegister + k),
					Type:     typ,
				}
				if typ == driver.Sampler {
					if !isZero(d) {
						b.Sampler = decodeSampler(d)
					}
				} else if b.Data, b.Stride, err = decodeView(dev, d, typ); err != nil {
					return nil, err
				}
				binds = append(binds, b)
			}
		}
	}
	return binds, nil
}

func (st *execState) dispatchRays(dev *gpusim.Device, r *raysDesc) error {
	rg, err := dev.ReadTable(r.rayGen, shaderTableAlignment, 1)
	if err != nil {
		return err
	}
	if rg[0].General == "" {
		return dev.Fault(fmt.Errorf("d3d12: ray generation record holds a hit group"))
	}
	launch := &gpusim.RayLaunch{}
	if launch.Miss, err = dev.ReadTable(r.miss.start, r.miss.stride, int(r.miss.size/max(1, r.miss.stride))); err != nil {
		return err
	}
	if launch.HitGroups, err = dev.ReadTable(r.hitGroup.start, r.hitGroup.stride, int(r.hitGroup.size/max(1, r.hitGroup.stride))); err != nil {
		return err
	}
	binds, err := st.bindings(dev)
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

func isZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}
