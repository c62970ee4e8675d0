// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"encoding/binary"
	"fmt"

	"github.com/gviegas/rhino/driver"
	"github.com/gviegas/rhino/internal/gpusim"
)

const (
	// SPIR-V magic number.
	spirvMagic = 0x07230203
	// VkPhysicalDeviceRayTracingPipelinePropertiesKHR.
	shaderGroupHandleSize    = 32
	shaderGroupBaseAlignment = 64
	maxRayRecursionDepth     = 31
)

// VK_PIPELINE_CREATE_DESCRIPTOR_BUFFER_BIT_EXT.
const pipelineCreateDescriptorBuffer = 0x20000000

// VkPipelineBindPoint.
const (
	bindPointCompute    = 1
	bindPointRayTracing = 1000165000
)

// shaderModule is a VkShaderModule.
type shaderModule struct {
	code []uint32
}

// newShaderModule checks that b is SPIR-V code and creates
// a shader module from it.
func newShaderModule(b []byte) (*shaderModule, string) {
	const headerSize = 20
	switch {
	case len(b) == 0:
		return nil, "empty bytecode"
	case len(b) < headerSize || len(b)%4 != 0:
		return nil, fmt.Sprintf("invalid SPIR-V size %d", len(b))
	case binary.LittleEndian.Uint32(b) != spirvMagic:
		return nil, fmt.Sprintf("invalid SPIR-V magic %#08x", binary.LittleEndian.Uint32(b))
	}
	m := &shaderModule{code: make([]uint32, len(b)/4)}
	for i := range m.code {
		m.code[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return m, ""
}

func pipelineErr(format string, a ...any) error {
	return &driver.PipelineError{API: driver.Vulkan, Diag: fmt.Sprintf(format, a...)}
}

// rootSig returns rs as a root signature of g.
func (g *GPU) rootSig(rs driver.RootSignature) (*rootSignature, error) {
	if rs == nil {
		return nil, pipelineErr("missing pipeline layout")
	}
	x, ok := rs.(*rootSignature)
	if !ok || x.g != g {
		return nil, pipelineErr("pipeline layout not created by this GPU")
	}
	return x, nil
}

// pipeline is the state shared by compute and ray
// tracing pipelines.
type pipeline struct {
	g         *GPU
	rs        *rootSignature
	flags     uint32
	bindPoint uint32
}

// computePipeline implements driver.ComputePSO.
type computePipeline struct {
	pipeline
	module *shaderModule
	entry  string
}

// NewComputePSO creates a new compute pipeline.
func (g *GPU) NewComputePSO(desc *driver.ComputePSODesc) (driver.ComputePSO, error) {
	rs, err := g.rootSig(desc.RootSignature)
	if err != nil {
		return nil, err
	}
	m, diag := newShaderModule(desc.Shader.Bytecode)
	if m == nil {
		return nil, pipelineErr("compute stage: %s", diag)
	}
	if desc.Shader.EntryPoint == "" {
		return nil, pipelineErr("compute stage: missing entry point name")
	}
	return &computePipeline{
		pipeline: pipeline{g, rs, pipelineCreateDescriptorBuffer, bindPointCompute},
		module:   m,
		entry:    desc.Shader.EntryPoint,
	}, nil
}

// RootSignature implements driver.ComputePSO.
func (p *computePipeline) RootSignature() driver.RootSignature { return p.rs }

// Destroy implements driver.Destroyer.
func (p *computePipeline) Destroy() { *p = computePipeline{} }

// VkRayTracingShaderGroupTypeKHR.
const (
	shaderGroupGeneral            = 0
	shaderGroupTrianglesHitGroup  = 1
	shaderGroupProceduralHitGroup = 2
)

// shaderGroup is a VkRayTracingShaderGroupCreateInfoKHR.
// Shader indices refer to the pipeline's stages.
type shaderGroup struct {
	typ          uint32
	general      uint32
	closestHit   uint32
	anyHit       uint32
	intersection uint32
}

// VK_SHADER_UNUSED_KHR.
const shaderUnused = ^uint32(0)

// rtPipeline implements driver.RTPSO.
type rtPipeline struct {
	pipeline
	prog    *driver.RTProgram
	modules []*shaderModule
	groups  []shaderGroup
	depth   int
	// Shader group handles, indexed by group.
	handles []gpusim.Identifier
}

var rtPipelineTag = [4]byte{'V', 'K', 'R', 'T'}

// NewRTPSO creates a new ray tracing pipeline.
// Every export is a stage and has a general group. Hit
// groups follow, in order.
func (g *GPU) NewRTPSO(desc *driver.RTPSODesc) (driver.RTPSO, error) {
	rs, err := g.rootSig(desc.RootSignature)
	if err != nil {
		return nil, err
	}
	if desc.MaxRecursion < 0 || desc.MaxRecursion > maxRayRecursionDepth {
		return nil, pipelineErr("invalid maxPipelineRayRecursionDepth %d", desc.MaxRecursion)
	}
	mods := make([]*shaderModule, len(desc.Libraries))
	for i := range desc.Libraries {
		m, diag := newShaderModule(desc.Libraries[i].Bytecode)
		if m == nil {
			return nil, pipelineErr("library %d: %s", i, diag)
		}
		mods[i] = m
	}
	prog, err := driver.NewRTProgram(desc)
	if err != nil {
		return nil, pipelineErr("%v", err)
	}
	stage := make(map[string]uint32, len(prog.Exports))
	groups := make([]shaderGroup, 0, len(prog.Exports)+len(prog.HitGroups))
	for i := range prog.Exports {
		stage[driver.ShaderID(i)] = uint32(i)
		groups = append(groups, shaderGroup{shaderGroupGeneral, uint32(i), shaderUnused, shaderUnused, shaderUnused})
	}
	index := func(id string) uint32 {
		if id == "" {
			return shaderUnused
		}
		return stage[id]
	}
	for _, hg := range prog.HitGroups {
		typ := uint32(shaderGroupTrianglesHitGroup)
		if hg.Intersection != "" {
			typ = shaderGroupProceduralHitGroup
		}
		groups = append(groups, shaderGroup{typ, shaderUnused, index(hg.ClosestHit), index(hg.AnyHit), index(hg.Intersection)})
	}
	p := &rtPipeline{
		pipeline: pipeline{g, rs, pipelineCreateDescriptorBuffer, bindPointRayTracing},
		prog:     prog,
		modules:  mods,
		groups:   groups,
		depth:    desc.MaxRecursion,
		handles:  make([]gpusim.Identifier, len(groups)),
	}
	name := func(stage uint32) string {
		if stage == shaderUnused {
			return ""
		}
		return prog.Exports[stage]
	}
	for i, sg := range groups {
		p.handles[i] = g.dev.NewShaderGroup(rtPipelineTag, gpusim.ShaderGroup{
			General:      name(sg.general),
			ClosestHit:   name(sg.closestHit),
			AnyHit:       name(sg.anyHit),
			Intersection: name(sg.intersection),
		})
	}
	return p, nil
}

// RootSignature implements driver.RTPSO.
func (p *rtPipeline) RootSignature() driver.RootSignature { return p.rs }

// ShaderTable implements driver.RTPSO.
func (p *rtPipeline) ShaderTable() []driver.ShaderTableEntry {
	return append([]driver.ShaderTableEntry(nil), p.prog.Table...)
}

// RecordStride implements driver.RTPSO.
func (p *rtPipeline) RecordStride() int { return shaderGroupBaseAlignment }

// group returns the group index of a shader identifier.
func (p *rtPipeline) group(id string) (int, bool) {
	for i, x := range p.prog.IDs() {
		if x == id {
			return i, true
		}
	}
	return 0, false
}

// ShaderIdentifier implements driver.RTPSO.
func (p *rtPipeline) ShaderIdentifier(id string) ([]byte, bool) {
	i, ok := p.group(id)
	if !ok {
		return nil, false
	}
	b := make([]byte, shaderGroupHandleSize)
	if err := p.g.proc.getRayTracingShaderGroupHandlesKHR(p, i, 1, b); err != nil {
		return nil, false
	}
	return b, true
}

// WriteShaderTable implements driver.RTPSO.
func (p *rtPipeline) WriteShaderTable(dst []byte) {
	driver.LayShaderTable(dst, p.prog.Table, shaderGroupBaseAlignment, p.ShaderIdentifier)
}

// Destroy implements driver.Destroyer.
func (p *rtPipeline) Destroy() {
	if p.g != nil {
		for _, h := range p.handles {
			p.g.dev.FreeShaderGroup(h)
		}
	}
	*p = rtPipeline{}
}
