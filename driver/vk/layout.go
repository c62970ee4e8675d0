// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"

	"github.com/gviegas/rhino/driver"
)

// VkDescriptorType.
const (
	descriptorTypeSampler               = 0
	descriptorTypeSampledImage          = 2
	descriptorTypeStorageImage          = 3
	descriptorTypeUniformBuffer         = 6
	descriptorTypeStorageBuffer         = 7
	descriptorTypeAccelerationStructure = 1000150000
	descriptorTypeMutable               = 1000351000
)

// VK_DESCRIPTOR_SET_LAYOUT_CREATE_DESCRIPTOR_BUFFER_BIT_EXT.
const setLayoutCreateDescriptorBuffer = 0x10

// VK_SHADER_STAGE_COMPUTE_BIT and the ray tracing stages.
const shaderStageAll = 0x20 | 0x100 | 0x200 | 0x400 | 0x800 | 0x1000

// Descriptor sizes reported by
// VkPhysicalDeviceDescriptorBufferPropertiesEXT.
const (
	mutableDescriptorSize = 64
	samplerDescriptorSize = 32
)

// mutableTypes is the VkMutableDescriptorTypeListEXT of
// every mutable binding.
var mutableTypes = []uint32{
	descriptorTypeUniformBuffer,
	descriptorTypeStorageBuffer,
	descriptorTypeSampledImage,
	descriptorTypeStorageImage,
	descriptorTypeAccelerationStructure,
}

// setLayoutBinding is a VkDescriptorSetLayoutBinding.
type setLayoutBinding struct {
	binding         uint32
	descriptorType  uint32
	descriptorCount uint32
	stageFlags      uint32
	// Type that shaders expect at the binding.
	rangeType driver.RangeType
}

// setLayout is a VkDescriptorSetLayout.
type setLayout struct {
	flags          uint32
	bindings       []setLayoutBinding
	mutableTypes   []uint32
	descriptorSize int64
	sampler        bool
}

// pipelineLayout is a VkPipelineLayout.
type pipelineLayout struct {
	sets []*setLayout
	// Register space of each set.
	spaces []int
}

// newSetLayout creates the descriptor set layout of the
// ith space of l.
func newSetLayout(l *driver.Layout, i int) *setLayout {
	rs := l.Ranges(i)
	sl := &setLayout{
		flags:    setLayoutCreateDescriptorBuffer,
		bindings: make([]setLayoutBinding, len(rs)),
		sampler:  l.IsSampler(i),
	}
	typ := uint32(descriptorTypeMutable)
	if sl.sampler {
		typ = descriptorTypeSampler
		sl.descriptorSize = samplerDescriptorSize
	} else {
		sl.mutableTypes = mutableTypes
		sl.descriptorSize = mutableDescriptorSize
	}
	for r, x := range rs {
		sl.bindings[r] = setLayoutBinding{
			binding:         uint32(x.BaseRegisterSlot),
			descriptorType:  typ,
			descriptorCount: uint32(x.DescriptorsCount),
			stageFlags:      shaderStageAll,
			rangeType:       x.Type,
		}
	}
	return sl
}

// rootSignature implements driver.RootSignature.
// It is a VkPipelineLayout made of one descriptor set
// layout per space.
type rootSignature struct {
	g      *GPU
	layout *driver.Layout
	pl     *pipelineLayout
	// Set offsets in units of descriptors.
	setOffsets []int
}

// NewRootSignature creates a new root signature.
func (g *GPU) NewRootSignature(spaces []driver.DescriptorSpaceDesc) (driver.RootSignature, error) {
	l, err := driver.NewLayout(spaces)
	if err != nil {
		return nil, err
	}
	if l.Len() > maxBoundDescriptorSets {
		return nil, fmt.Errorf("%w: %d spaces exceed the limit of %d", driver.ErrInvalidLayout, l.Len(), maxBoundDescriptorSets)
	}
	pl := &pipelineLayout{
		sets:   make([]*setLayout, l.Len()),
		spaces: make([]int, l.Len()),
	}
	offs := make([]int, l.Len())
	for i := range l.Len() {
		sl := newSetLayout(l, i)
		// Binding n must start n descriptors past the set
		// start, so heap slots map to bindings.
		for r, b := range sl.bindings {
			if off := g.proc.getDescriptorSetLayoutBindingOffsetEXT(sl, b.binding); off != int64(b.binding)*sl.descriptorSize {
				return nil, fmt.Errorf("%w: space %d, range %d: binding offset is %d", driver.ErrInvalidLayout, l.SpaceIndex(i), r, off)
			}
		}
		pl.sets[i] = sl
		pl.spaces[i] = l.SpaceIndex(i)
		offs[i] = l.TableOffset(i)
	}
	return &rootSignature{g: g, layout: l, pl: pl, setOffsets: offs}, nil
}

// Layout implements driver.RootSignature.
func (r *rootSignature) Layout() *driver.Layout { return r.layout }

// API implements driver.RootSignature.
func (r *rootSignature) API() driver.API { return driver.Vulkan }

// Destroy implements driver.Destroyer.
func (r *rootSignature) Destroy() { *r = rootSignature{} }
