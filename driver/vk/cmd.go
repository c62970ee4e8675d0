// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
	"github.com/gviegas/rhino/internal/hal"
)

// opcode identifies a vkCmd* command.
type opcode int

const (
	opBindPipeline opcode = iota
	opBindDescriptorBuffers
	opSetDescriptorBufferOffsets
	opDispatch
	opTraceRays
	opCopyBuffer
	opBuildAccelerationStructure
)

// descriptorBufferBindingInfo is a
// VkDescriptorBufferBindingInfoEXT.
type descriptorBufferBindingInfo struct {
	address uint64
	usage   uint32
}

// stridedRegion is a VkStridedDeviceAddressRegionKHR.
type stridedRegion struct {
	address uint64
	stride  int64
	size    int64
}

// command is a recorded command.
type command struct {
	op opcode

	// vkCmdBindPipeline.
	bindPoint uint32
	compute   *computePipeline
	rt        *rtPipeline

	// vkCmdBindDescriptorBuffersEXT.
	buffers []descriptorBufferBindingInfo

	// vkCmdSetDescriptorBufferOffsetsEXT.
	layout   *pipelineLayout
	firstSet uint32
	indices  []uint32
	offsets  []int64

	// vkCmdDispatch and vkCmdTraceRaysKHR.
	groups [3]int
	// Raygen, miss and hit regions.
	regions [3]stridedRegion

	// vkCmdCopyBuffer.
	dst, src uint64
	size     int64

	// vkCmdBuildAccelerationStructuresKHR.
	accel *accelStruct
	tri   *gpusim.Triangles
	insts []gpusim.Instance
}

// cmdBuffer implements driver.CmdList.
// It is a VkCommandBuffer.
type cmdBuffer struct {
	g    *GPU
	rec  hal.Recorder
	cmds []command

	rs *rootSignature
}

// NewCmdList creates a new command buffer.
func (g *GPU) NewCmdList(q driver.QueueType) (driver.CmdList, error) {
	if q < driver.QueueDirect || q > driver.QueueCopy {
		return nil, fmt.Errorf("%w: unknown queue type %d", driver.ErrResourceCreation, int(q))
	}
	cb := &cmdBuffer{g: g}
	cb.rec.Init("vk", q)
	return cb, nil
}

// State implements driver.CmdList.
func (cb *cmdBuffer) State() driver.CmdListState { return cb.rec.State() }

// SetComputePSO implements driver.CmdList.
func (cb *cmdBuffer) SetComputePSO(pso driver.ComputePSO) {
	p, ok := pso.(*computePipeline)
	if !ok || p.g != cb.g {
		panic("vk: SetComputePSO: pipeline not created by this GPU")
	}
	cb.rec.SetPipeline("SetComputePSO", false, p.rs.layout.Len())
	cb.rs = p.rs
	cb.cmds = append(cb.cmds, command{op: opBindPipeline, bindPoint: p.bindPoint, compute: p})
}

// SetRTPSO implements driver.CmdList.
func (cb *cmdBuffer) SetRTPSO(pso driver.RTPSO) {
	p, ok := pso.(*rtPipeline)
	if !ok || p.g != cb.g {
		panic("vk: SetRTPSO: pipeline not created by this GPU")
	}
	cb.rec.SetPipeline("SetRTPSO", true, p.rs.layout.Len())
	cb.rs = p.rs
	cb.cmds = append(cb.cmds, command{op: opBindPipeline, bindPoint: p.bindPoint, rt: p})
}

func (cb *cmdBuffer) heap(h driver.DescriptorHeap, typ driver.DescriptorHeapType) *descHeap {
	if h == nil {
		return nil
	}
	x, ok := h.(*descHeap)
	if !ok || x.g != cb.g {
		panic("vk: SetHeap: heap not created by this GPU")
	}
	if x.typ != typ {
		panic(fmt.Sprintf("vk: SetHeap: %s heap given where %s heap is expected", x.typ, typ))
	}
	return x
}

// SetHeap implements driver.CmdList.
// The resource heap is bound at buffer index 0 and the
// sampler heap at buffer index 1.
func (cb *cmdBuffer) SetHeap(cbvSrvUav, samplers driver.DescriptorHeap) {
	cb.rec.SetHeap("SetHeap")
	res := cb.heap(cbvSrvUav, driver.HeapCBVSRVUAV)
	smp := cb.heap(samplers, driver.HeapSampler)
	var infos []descriptorBufferBindingInfo
	idx := [2]uint32{}
	for i, h := range [2]*descHeap{res, smp} {
		if h == nil {
			continue
		}
		idx[i] = uint32(len(infos))
		infos = append(infos, descriptorBufferBindingInfo{address: h.address(), usage: h.buf.vkUsage})
	}
	cb.g.proc.cmdBindDescriptorBuffersEXT(cb, infos)
	pl := cb.rs.pl
	if len(pl.sets) == 0 {
		return
	}
	indices := make([]uint32, len(pl.sets))
	offsets := make([]int64, len(pl.sets))
	for i, sl := range pl.sets {
		k := 0
		if sl.sampler {
			k = 1
		}
		if [2]*descHeap{res, smp}[k] == nil {
			panic(fmt.Sprintf("vk: SetHeap: no descriptor buffer for set %d", i))
		}
		indices[i] = idx[k]
		offsets[i] = int64(cb.rs.setOffsets[i]) * sl.descriptorSize
	}
	cb.g.proc.cmdSetDescriptorBufferOffsetsEXT(cb, pl, 0, indices, offsets)
}

// Dispatch implements driver.CmdList.
func (cb *cmdBuffer) Dispatch(grpCountX, grpCountY, grpCountZ int) {
	cb.rec.Dispatch("Dispatch", false)
	for _, n := range [3]int{grpCountX, grpCountY, grpCountZ} {
		if n < 0 || n > maxWorkGroupCount {
			panic(fmt.Sprintf("vk: Dispatch: invalid group count %d", n))
		}
	}
	cb.cmds = append(cb.cmds, command{op: opDispatch, groups: [3]int{grpCountX, grpCountY, grpCountZ}})
}

func (cb *cmdBuffer) region(op string, r *driver.ShaderTableRegion, raygen bool) stridedRegion {
	if r.Buffer == nil || r.Size == 0 {
		return stridedRegion{}
	}
	b := cb.g.buffer(op, r.Buffer)
	if r.Offset < 0 || r.Size < 0 || r.Offset+r.Size > b.size || r.Offset%shaderGroupBaseAlignment != 0 {
		panic(fmt.Sprintf("vk: %s: invalid shader binding table region [%d, %d)", op, r.Offset, r.Offset+r.Size))
	}
	stride := r.Stride
	switch {
	case raygen:
		// The raygen region's stride must equal its size.
		stride = r.Size
	case stride == 0:
		stride = shaderGroupBaseAlignment
	}
	return stridedRegion{cb.g.proc.getBufferDeviceAddress(b) + uint64(r.Offset), stride, r.Size}
}

// DispatchRays implements driver.CmdList.
func (cb *cmdBuffer) DispatchRays(desc *driver.DispatchRaysDesc) {
	const op = "DispatchRays"
	cb.rec.Dispatch(op, true)
	rg := cb.region(op, &desc.RayGen, true)
	if rg.address == 0 {
		panic("vk: " + op + ": missing raygen region")
	}
	cb.cmds = append(cb.cmds, command{
		op:      opTraceRays,
		groups:  [3]int{desc.Width, max(1, desc.Height), max(1, desc.Depth)},
		regions: [3]stridedRegion{rg, cb.region(op, &desc.Miss, false), cb.region(op, &desc.HitGroup, false)},
	})
}

// CopyBuffer implements driver.CmdList.
func (cb *cmdBuffer) CopyBuffer(src, dst driver.Buffer, srcOff, dstOff, size int64) {
	const op = "CopyBuffer"
	cb.rec.Begin(op)
	s, d := cb.g.buffer(op, src), cb.g.buffer(op, dst)
	if srcOff < 0 || dstOff < 0 || size < 0 || srcOff+size > s.size || dstOff+size > d.size {
		panic(fmt.Sprintf("vk: %s: copy of %d bytes out of buffer bounds", op, size))
	}
	cb.cmds = append(cb.cmds, command{
		op:   opCopyBuffer,
		dst:  d.mem.VA + uint64(dstOff),
		src:  s.mem.VA + uint64(srcOff),
		size: size,
	})
}

// BuildBLAS implements driver.CmdList.
func (cb *cmdBuffer) BuildBLAS(b *driver.BLASBuild) {
	const op = "BuildBLAS"
	cb.rec.Work(op)
	dst := cb.g.accelStruct(op, b.Dst)
	if dst.level != driver.BottomLevel {
		panic("vk: " + op + ": destination is not bottom level")
	}
	// VkAccelerationStructureGeometryTrianglesDataKHR.
	tri := &gpusim.Triangles{
		Vertices:    cb.g.proc.getBufferDeviceAddress(cb.g.buffer(op, b.Vertices)) + uint64(b.VertexOffset),
		Stride:      b.VertexStride,
		VertexCount: b.VertexCount,
	}
	n := b.VertexCount
	if b.Indices != nil {
		tri.Indices = cb.g.proc.getBufferDeviceAddress(cb.g.buffer(op, b.Indices)) + uint64(b.IndexOffset)
		tri.IndexCount = b.IndexCount
		n = b.IndexCount
	}
	if n/3 > dst.cap {
		panic(fmt.Sprintf("vk: %s: %d triangles exceed capacity %d", op, n/3, dst.cap))
	}
	cb.cmds = append(cb.cmds, command{op: opBuildAccelerationStructure, accel: dst, tri: tri})
}

// BuildTLAS implements driver.CmdList.
func (cb *cmdBuffer) BuildTLAS(b *driver.TLASBuild) {
	const op = "BuildTLAS"
	cb.rec.Work(op)
	dst := cb.g.accelStruct(op, b.Dst)
	if dst.level != driver.TopLevel {
		panic("vk: " + op + ": destination is not top level")
	}
	if len(b.Instances) > dst.cap {
		panic(fmt.Sprintf("vk: %s: %d instances exceed capacity %d", op, len(b.Instances), dst.cap))
	}
	// VkAccelerationStructureInstanceKHR.
	insts := make([]gpusim.Instance, len(b.Instances))
	for i := range b.Instances {
		blas := cb.g.accelStruct(op, b.Instances[i].BLAS)
		if blas.level != driver.BottomLevel {
			panic(fmt.Sprintf("vk: %s: instance %d is not bottom level", op, i))
		}
		insts[i] = gpusim.Instance{
			BLAS:      blas.GPUAddress(),
			ID:        b.Instances[i].ID,
			Mask:      b.Instances[i].Mask,
			Transform: b.Instances[i].Transform,
		}
	}
	cb.cmds = append(cb.cmds, command{op: opBuildAccelerationStructure, accel: dst, insts: insts})
}

// Close implements driver.CmdList.
// It is vkEndCommandBuffer.
func (cb *cmdBuffer) Close() error { return cb.rec.Close() }

// Reset implements driver.CmdList.
// It is vkResetCommandBuffer followed by
// vkBeginCommandBuffer.
func (cb *cmdBuffer) Reset() error {
	if err := cb.rec.Reset(); err != nil {
		return err
	}
	clear(cb.cmds)
	cb.cmds = cb.cmds[:0]
	cb.rs = nil
	return nil
}

// Destroy implements driver.Destroyer.
func (cb *cmdBuffer) Destroy() { *cb = cmdBuffer{} }

// setBinding is the descriptor buffer range of a bound set.
type setBinding struct {
	bound  bool
	index  uint32
	offset int64
}

// execState is the state of command buffer execution.
type execState struct {
	g       *GPU
	compute *computePipeline
	rt      *rtPipeline
	buffers []descriptorBufferBindingInfo
	layout  *pipelineLayout
	sets    []setBinding
}

// execute runs the recorded commands on the device.
func (cb *cmdBuffer) execute() error {
	dev := cb.g.dev
	st := execState{g: cb.g}
	for i := range cb.cmds {
		c := &cb.cmds[i]
		switch c.op {
		case opBindPipeline:
			st.compute, st.rt = c.compute, c.rt
		case opBindDescriptorBuffers:
			// Binding new buffers invalidates set offsets.
			st.buffers = c.buffers
			clear(st.sets)
		case opSetDescriptorBufferOffsets:
			if st.layout != c.layout {
				st.layout = c.layout
				st.sets = make([]setBinding, len(c.layout.sets))
			}
			for j := range c.indices {
				st.sets[int(c.firstSet)+j] = setBinding{true, c.indices[j], c.offsets[j]}
			}
		case opDispatch:
			if c.groups[0]*c.groups[1]*c.groups[2] == 0 {
				continue
			}
			binds, err := st.bindings(dev, st.compute.rs.pl)
			if err != nil {
				return err
			}
			if err := dev.Run(&gpusim.Invocation{Entry: st.compute.entry, Groups: c.groups, Bindings: binds}); err != nil {
				return err
			}
		case opTraceRays:
			if err := st.traceRays(dev, c); err != nil {
				return err
			}
		case opCopyBuffer:
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

// bindings reads every descriptor of pl's sets from the
// bound descriptor buffers.
func (st *execState) bindings(dev *gpusim.Device, pl *pipelineLayout) ([]gpusim.Binding, error) {
	if len(pl.sets) > 0 && st.layout != pl {
		return nil, dev.Fault(fmt.Errorf("vk: descriptor buffer offsets set for another pipeline layout"))
	}
	var binds []gpusim.Binding
	for i, sl := range pl.sets {
		sb := st.sets[i]
		if !sb.bound || int(sb.index) >= len(st.buffers) {
			return nil, dev.Fault(fmt.Errorf("vk: set %d: no descriptor buffer bound", i))
		}
		base := st.buffers[sb.index].address + uint64(sb.offset)
		for _, b := range sl.bindings {
			off := st.g.proc.getDescriptorSetLayoutBindingOffsetEXT(sl, b.binding)
			for k := range b.descriptorCount {
				d, err := dev.Resolve(base+uint64(off)+uint64(k)*uint64(sl.descriptorSize), sl.descriptorSize)
				if err != nil {
					return nil, err
				}
				x := gpusim.Binding{
					Space:    pl.spaces[i],
					Register: int(b.binding + k),
					Type:     b.rangeType,
				}
				if b.descriptorType == descriptorTypeSampler {
					x.Sampler = decodeSampler(d)
				} else if x.Data, x.Stride, err = decodeDescriptor(dev, d, b.rangeType); err != nil {
					return nil, err
				}
				binds = append(binds, x)
			}
		}
	}
	return binds, nil
}

func (st *execState) traceRays(dev *gpusim.Device, c *command) error {
	rg, miss, hit := c.regions[0], c.regions[1], c.regions[2]
	raygen, err := dev.ReadTable(rg.address, rg.stride, 1)
	if err != nil {
		return err
	}
	if raygen[0].General == "" {
		return dev.Fault(fmt.Errorf("vk: raygen region holds a hit group"))
	}
	launch := &gpusim.RayLaunch{}
	if launch.Miss, err = dev.ReadTable(miss.address, miss.stride, int(miss.size/max(1, miss.stride))); err != nil {
		return err
	}
	if launch.HitGroups, err = dev.ReadTable(hit.address, hit.stride, int(hit.size/max(1, hit.stride))); err != nil {
		return err
	}
	binds, err := st.bindings(dev, st.rt.rs.pl)
	if err != nil {
		return err
	}
	return dev.Run(&gpusim.Invocation{
		Entry:    raygen[0].General,
		Groups:   c.groups,
		Bindings: binds,
		Rays:     launch,
	})
}
